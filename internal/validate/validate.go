// Package validate checks caller input at the service boundary. Every failure
// wraps ErrInvalid so transports can map it to a 400.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid marks malformed or oversized input.
var ErrInvalid = errors.New("invalid input")

const (
	MaxLanguageLen = 10
	MaxIDLen       = 100
	MaxNodeIDLen   = 20
	MaxExcluded    = 1000
	MaxAnswers     = 100

	// MaxExcludeLen is the longest exclude list that can hold MaxExcluded
	// ids of MaxIDLen with their separators.
	MaxExcludeLen = MaxExcluded * (MaxIDLen + 1)
)

var (
	languageRe = regexp.MustCompile(`^[a-zA-Z]+$`)
	idRe       = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Language checks a language tag: 1 to 10 ASCII letters.
func Language(lang string) error {
	if lang == "" || len(lang) > MaxLanguageLen || !languageRe.MatchString(lang) {
		return invalid("invalid language parameter")
	}
	return nil
}

// ItemID checks a dilemma or flow identifier.
func ItemID(id string) error {
	if id == "" || len(id) > MaxIDLen || !idRe.MatchString(id) {
		return invalid("invalid id %q", truncate(id, 40))
	}
	return nil
}

// NodeID checks a story node identifier.
func NodeID(id string) error {
	if id == "" || len(id) > MaxNodeIDLen {
		return invalid("invalid node id")
	}
	return nil
}

// ExcludeList parses a comma-joined id list into a set. Blank entries are
// ignored; more than MaxExcluded distinct ids, or a list longer than
// MaxExcludeLen bytes, is rejected.
func ExcludeList(raw string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if raw == "" {
		return set, nil
	}
	if len(raw) > MaxExcludeLen {
		return nil, invalid("exclude list too long")
	}
	for part := range strings.SplitSeq(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
		if len(set) > MaxExcluded {
			return nil, invalid("too many excluded ids")
		}
	}
	return set, nil
}

// Vote normalizes and checks a dilemma vote: "yes" or "no".
func Vote(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v != "yes" && v != "no" {
		return "", invalid("invalid vote type, must be 'yes' or 'no'")
	}
	return v, nil
}

// StoryChoice checks a story vote: "first" or "second".
func StoryChoice(v string) error {
	if v != "first" && v != "second" {
		return invalid("invalid vote, must be 'first' or 'second'")
	}
	return nil
}

// AnswerCount checks the number of answer maps submitted for analysis.
func AnswerCount(n int) error {
	if n == 0 {
		return invalid("no answers provided")
	}
	if n > MaxAnswers {
		return invalid("too many answers provided")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
