package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is a chunk of interleaved signed 16-bit PCM.
type Frame struct {
	Data       []int16
	SampleRate int
	Channels   int
}

// FrameFromBytes decodes PCM16LE bytes. A trailing odd byte is dropped.
func FrameFromBytes(pcm []byte, sampleRate, channels int) Frame {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return Frame{Data: samples, SampleRate: sampleRate, Channels: normalizeChannels(channels)}
}

// Bytes encodes the frame as PCM16LE.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Data)*2)
	for i, s := range f.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Data) == 0 {
		return 0
	}
	perChannel := len(f.Data) / normalizeChannels(f.Channels)
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Level returns the RMS energy normalized to [0, 1].
func (f Frame) Level() float64 {
	if len(f.Data) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Data {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f.Data)))
}

// Concat joins frames that share a format. Frames with a different format are skipped.
func Concat(frames []Frame) Frame {
	if len(frames) == 0 {
		return Frame{}
	}
	first := frames[0]
	total := 0
	for _, f := range frames {
		if f.SampleRate == first.SampleRate && f.Channels == first.Channels {
			total += len(f.Data)
		}
	}
	out := Frame{Data: make([]int16, 0, total), SampleRate: first.SampleRate, Channels: first.Channels}
	for _, f := range frames {
		if f.SampleRate != first.SampleRate || f.Channels != first.Channels {
			continue
		}
		out.Data = append(out.Data, f.Data...)
	}
	return out
}

// Chunk splits pcm (PCM16LE) into frames of at most d each.
func Chunk(pcm []byte, sampleRate, channels int, d time.Duration) []Frame {
	channels = normalizeChannels(channels)
	if sampleRate <= 0 || d <= 0 {
		return []Frame{FrameFromBytes(pcm, sampleRate, channels)}
	}
	step := int(int64(sampleRate)*int64(d)/int64(time.Second)) * channels * 2
	if step <= 0 {
		step = 2 * channels
	}
	frames := make([]Frame, 0, len(pcm)/step+1)
	for off := 0; off < len(pcm); off += step {
		end := off + step
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, FrameFromBytes(pcm[off:end], sampleRate, channels))
	}
	return frames
}

func normalizeChannels(c int) int {
	if c <= 0 {
		return 1
	}
	return c
}
