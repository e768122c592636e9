package redact

import (
	"errors"
	"strings"
	"testing"
)

func TestTextMasksPersonalData(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := Text(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestTextMasksCredentials(t *testing.T) {
	out, changed := Text(`401 {"error":"invalid key sk-proj-abcdefghijklmnop1234"} Authorization: Bearer abc.def.ghi123`)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "sk-proj") || strings.Contains(out, "abc.def") {
		t.Fatalf("credentials leaked: %q", out)
	}
}

func TestTextLeavesPlainSpeech(t *testing.T) {
	in := "What's the weather like in Pune tomorrow?"
	out, changed := Text(in)
	if changed || out != in {
		t.Fatalf("Text(%q) = %q/%v", in, out, changed)
	}
}

func TestError(t *testing.T) {
	if got := Error(nil); got != "" {
		t.Fatalf("Error(nil) = %q", got)
	}
	if got := Error(errors.New("mail ops@example.org")); got != "mail [REDACTED_EMAIL]" {
		t.Fatalf("Error() = %q", got)
	}
}
