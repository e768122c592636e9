package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/lokseva/internal/audio"
)

type RMSVADOptions struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	MinSpeech        time.Duration
	MinSilence       time.Duration
	PreRoll          time.Duration
	MaxUtterance     time.Duration
}

func DefaultRMSVADOptions() RMSVADOptions {
	return RMSVADOptions{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		MinSpeech:        60 * time.Millisecond,
		MinSilence:       550 * time.Millisecond,
		PreRoll:          200 * time.Millisecond,
		MaxUtterance:     30 * time.Second,
	}
}

// NewVAD resolves a VAD by model selector.
func NewVAD(model string) (VAD, error) {
	return NewVADWithOptions(model, DefaultRMSVADOptions())
}

// NewVADWithOptions resolves a VAD by model selector and tunes the energy detector with opts.
func NewVADWithOptions(model string, opts RMSVADOptions) (VAD, error) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "", "rms":
		return NewRMSVAD(opts), nil
	default:
		return nil, &InitError{Modality: ModalityVAD, Model: model, Err: fmt.Errorf("%w (expected rms)", ErrUnknownModel)}
	}
}

// RMSVAD is an energy based voice activity detector with hysteresis.
type RMSVAD struct {
	opts RMSVADOptions
}

func NewRMSVAD(opts RMSVADOptions) *RMSVAD {
	def := DefaultRMSVADOptions()
	if opts.SpeechThreshold <= 0 {
		opts.SpeechThreshold = def.SpeechThreshold
	}
	if opts.SilenceThreshold <= 0 || opts.SilenceThreshold > opts.SpeechThreshold {
		opts.SilenceThreshold = opts.SpeechThreshold / 2
	}
	if opts.MinSilence <= 0 {
		opts.MinSilence = def.MinSilence
	}
	if opts.MaxUtterance <= 0 {
		opts.MaxUtterance = def.MaxUtterance
	}
	return &RMSVAD{opts: opts}
}

func (v *RMSVAD) NewStream() VADStream {
	return &rmsStream{opts: v.opts}
}

type rmsStream struct {
	opts       RMSVADOptions
	inSpeech   bool
	speechFor  time.Duration
	silenceFor time.Duration
	preRoll    []audio.Frame
	preRollFor time.Duration
	utterance  []audio.Frame
	spokenFor  time.Duration
}

func (s *rmsStream) Push(frame audio.Frame) VADEvent {
	d := frame.Duration()
	level := frame.Level()

	if !s.inSpeech {
		s.remember(frame, d)
		if level >= s.opts.SpeechThreshold {
			s.speechFor += d
		} else {
			s.speechFor = 0
		}
		if s.speechFor < s.opts.MinSpeech || s.speechFor == 0 {
			return VADEvent{}
		}
		s.inSpeech = true
		s.silenceFor = 0
		s.utterance = append(s.utterance[:0], s.preRoll...)
		s.spokenFor = s.preRollFor
		s.preRoll = s.preRoll[:0]
		s.preRollFor = 0
		return VADEvent{Type: VADEventSpeechStart}
	}

	s.utterance = append(s.utterance, frame)
	s.spokenFor += d
	if level < s.opts.SilenceThreshold {
		s.silenceFor += d
	} else {
		s.silenceFor = 0
	}
	if s.silenceFor >= s.opts.MinSilence || s.spokenFor >= s.opts.MaxUtterance {
		ev := VADEvent{Type: VADEventSpeechEnd, Utterance: audio.Concat(s.utterance)}
		s.Reset()
		return ev
	}
	return VADEvent{}
}

func (s *rmsStream) remember(frame audio.Frame, d time.Duration) {
	if s.opts.PreRoll <= 0 {
		return
	}
	s.preRoll = append(s.preRoll, frame)
	s.preRollFor += d
	for len(s.preRoll) > 1 && s.preRollFor-s.preRoll[0].Duration() >= s.opts.PreRoll {
		s.preRollFor -= s.preRoll[0].Duration()
		s.preRoll = s.preRoll[1:]
	}
}

func (s *rmsStream) Reset() {
	s.inSpeech = false
	s.speechFor = 0
	s.silenceFor = 0
	s.preRoll = nil
	s.preRollFor = 0
	s.utterance = nil
	s.spokenFor = 0
}
