package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	continuationTailRe   = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for|or|the|a|an|my)\s*$`)
	continuationPhraseRe = regexp.MustCompile(`(?i)\b(i mean|for example|for instance|in order to|let me|i want to)\s*$`)
	terminalTailRe       = regexp.MustCompile(`(?i)([.!?]["']?\s*$|\b(done|thanks|thank you|that's all|thats all|bye|goodbye)\s*$)`)
	openTailRe           = regexp.MustCompile(`[,;:\-…]\s*$`)
	fillerOnlyRe         = regexp.MustCompile(`(?i)^(um+|uh+|hmm+|er+|ah+|so|well)[.,!?]*$`)
)

// NewTurnDetector resolves the optional turn detector. Disabled detection returns nil.
func NewTurnDetector(enabled bool, model string) (TurnDetector, error) {
	if !enabled {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "", "heuristic":
		return NewHeuristicTurnDetector(), nil
	default:
		return nil, &InitError{Modality: ModalityTurn, Model: model, Err: fmt.Errorf("%w (expected heuristic)", ErrUnknownModel)}
	}
}

// HeuristicTurnDetector scores end of turn from lexical cues in the transcript tail.
type HeuristicTurnDetector struct{}

func NewHeuristicTurnDetector() *HeuristicTurnDetector { return &HeuristicTurnDetector{} }

func (d *HeuristicTurnDetector) EndOfTurn(ctx context.Context, _ []Message, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	normalized := strings.Join(strings.Fields(text), " ")
	switch {
	case normalized == "":
		return 0, nil
	case fillerOnlyRe.MatchString(normalized):
		return 0.2, nil
	case continuationPhraseRe.MatchString(normalized), continuationTailRe.MatchString(normalized):
		return 0.15, nil
	case openTailRe.MatchString(normalized):
		return 0.3, nil
	case terminalTailRe.MatchString(normalized):
		return 0.92, nil
	default:
		return 0.65, nil
	}
}
