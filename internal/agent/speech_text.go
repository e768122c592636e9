package agent

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// sanitizeSpeechText strips markup and symbols from model text before synthesis.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = strings.NewReplacer("*", " ", "_", " ", "\\", " ", "/", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ").Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

// sentenceSplitter cuts streamed model text into speakable sentences.
type sentenceSplitter struct {
	minChars int
	buf      string
}

func newSentenceSplitter(minChars int) *sentenceSplitter {
	return &sentenceSplitter{minChars: minChars}
}

// Push appends delta and returns every sentence that is complete and long enough.
func (s *sentenceSplitter) Push(delta string) []string {
	s.buf += delta
	var out []string
	from := 0
	for i := 0; i < len(s.buf); i++ {
		if !isSentenceBoundary(s.buf, i) {
			continue
		}
		candidate := strings.TrimSpace(s.buf[from : i+1])
		if len([]rune(candidate)) < s.minChars {
			continue
		}
		out = append(out, candidate)
		from = i + 1
	}
	s.buf = s.buf[from:]
	return out
}

// Flush returns whatever text is left.
func (s *sentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}

// A boundary needs following whitespace so "3.5" or a half-streamed "e.g" are not cut.
func isSentenceBoundary(text string, i int) bool {
	switch text[i] {
	case '\n':
		return true
	case '.', '!', '?', ';':
		return i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n')
	default:
		return false
	}
}
