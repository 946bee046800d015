// Package validate rejects unsafe user input before a turn enters the
// streaming pipeline.
package validate

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/airstream/internal/domain"
)

// DefaultMaxLength is the default message length limit in runes.
const DefaultMaxLength = 32 * 1024

//nolint:gochecknoglobals // sentinel errors
var (
	ErrEmpty   = errors.New("validate: message is empty")
	ErrTooLong = errors.New("validate: message too long")
	ErrMarkup  = errors.New("validate: message contains markup")
	ErrInvalid = errors.New("validate: message is not valid UTF-8")
)

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n") //nolint:gochecknoglobals // immutable replacer

// Gate is a pass/fail check on user text. Rejections wrap
// domain.ErrRejectedInput.
type Gate interface {
	Check(text string) error
}

// MarkupGate rejects text that a strict HTML policy would alter, i.e. any
// tag, comment or script content.
type MarkupGate struct {
	policy *bluemonday.Policy
	maxLen int
}

var _ Gate = (*MarkupGate)(nil)

// NewMarkupGate returns a gate allowing messages up to maxLen runes.
// Non-positive values select DefaultMaxLength.
func NewMarkupGate(maxLen int) *MarkupGate {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &MarkupGate{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

func (g *MarkupGate) Check(text string) error {
	switch {
	case !utf8.ValidString(text):
		return reject(ErrInvalid)
	case strings.TrimSpace(text) == "":
		return reject(ErrEmpty)
	case utf8.RuneCountInString(text) > g.maxLen:
		return reject(ErrTooLong)
	}
	// The sanitizer decodes entities and normalizes line endings in text, so
	// compare decoded forms; only stripped tags or comments make them differ.
	if html.UnescapeString(g.policy.Sanitize(text)) != html.UnescapeString(newlines.Replace(text)) {
		return reject(ErrMarkup)
	}
	return nil
}

func reject(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrRejectedInput, err)
}

// GateFunc adapts a function to Gate.
type GateFunc func(text string) error

func (f GateFunc) Check(text string) error { return f(text) }
