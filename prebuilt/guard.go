package prebuilt

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/langgraph-go/stategraph/types"
)

// Guard outcomes written to the status key.
const (
	GuardPassed  = "passed"
	GuardBlocked = "blocked"
	// ReasonRestrictedTerms is written to the reason key of a blocked input.
	ReasonRestrictedTerms = "restricted_terms"
)

// TermMatch selects how restricted terms are found in a text. Both modes
// ignore case.
type TermMatch string

const (
	// MatchWholeWord finds a term only between word boundaries, so "x"
	// blocks "contains x" but not "clean text".
	MatchWholeWord TermMatch = "whole_word"
	// MatchSubstring finds a term anywhere, so "hate" also blocks "hateful".
	MatchSubstring TermMatch = "substring"
)

// GuardConfig configures RestrictedTermGuard.
type GuardConfig struct {
	// InputKey holds the text to scan. Defaults to "input".
	InputKey string
	// Terms are the restricted terms.
	Terms []string
	// Match defaults to MatchWholeWord.
	Match TermMatch
	// StatusKey and ReasonKey receive the verdict. Default "status" and "reason".
	StatusKey string
	ReasonKey string
	// Replacement, if set, overwrites the input of a blocked text.
	Replacement string
}

// RestrictedTermGuard returns a node that blocks texts containing any of the
// configured terms. A blocked text yields {status: "blocked", reason:
// "restricted_terms"}, any other text yields {status: "passed"}. A missing
// or non-text input is a node failure.
func RestrictedTermGuard(config GuardConfig) (types.NodeFunc, error) {
	if config.InputKey == "" {
		config.InputKey = "input"
	}
	if config.StatusKey == "" {
		config.StatusKey = "status"
	}
	if config.ReasonKey == "" {
		config.ReasonKey = "reason"
	}

	if config.Match == "" {
		config.Match = MatchWholeWord
	}
	boundary := `\b`
	switch config.Match {
	case MatchWholeWord:
	case MatchSubstring:
		boundary = ""
	default:
		return nil, fmt.Errorf("unknown term match %q", config.Match)
	}

	var pattern *regexp.Regexp
	if len(config.Terms) > 0 {
		alternatives := make([]string, 0, len(config.Terms))
		for _, term := range config.Terms {
			term = strings.TrimSpace(term)
			if term == "" {
				return nil, fmt.Errorf("restricted term must not be empty")
			}
			alternatives = append(alternatives, regexp.QuoteMeta(term))
		}
		pattern = regexp.MustCompile(`(?i)` + boundary + `(?:` + strings.Join(alternatives, "|") + `)` + boundary)
	}

	return func(_ context.Context, state types.State) (types.State, error) {
		text, ok := state.GetString(config.InputKey)
		if !ok {
			return types.State{}, fmt.Errorf("guard input %q is missing or not text", config.InputKey)
		}
		if pattern != nil && pattern.MatchString(text) {
			update := types.StateOf(
				config.StatusKey, GuardBlocked,
				config.ReasonKey, ReasonRestrictedTerms,
			)
			if config.Replacement != "" {
				update = update.With(config.InputKey, config.Replacement)
			}
			return update, nil
		}
		return types.StateOf(config.StatusKey, GuardPassed), nil
	}, nil
}

var (
	phonePattern = regexp.MustCompile(`\b\d{10}\b`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

// Placeholders written by PIIMasker.
const (
	MaskPhone = "[PHONE]"
	MaskEmail = "[EMAIL]"
)

// MaskPII replaces ten-digit phone numbers and e-mail addresses in text.
func MaskPII(text string) (string, bool) {
	masked := phonePattern.ReplaceAllString(text, MaskPhone)
	masked = emailPattern.ReplaceAllString(masked, MaskEmail)
	return masked, masked != text
}

// PIIMasker returns a node that masks personal data in the text at key and
// records whether any was found under "pii_found".
func PIIMasker(key string) types.NodeFunc {
	return func(_ context.Context, state types.State) (types.State, error) {
		text, ok := state.GetString(key)
		if !ok {
			return types.State{}, fmt.Errorf("pii input %q is missing or not text", key)
		}
		masked, found := MaskPII(text)
		return types.StateOf(key, masked, "pii_found", found), nil
	}
}
