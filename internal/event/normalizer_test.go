package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/sse"
)

// ---------------------------------------------------------------------------
// Normalizer
// ---------------------------------------------------------------------------

func TestNormalizer_Defaults(t *testing.T) {
	t.Parallel()

	n := event.NewNormalizer(event.Canonical{})

	ev, ok := n.Normalize(frame(`{}`))

	require.True(t, ok)
	assert.Equal(t, domain.UnknownAuthor, ev.Author)
	assert.NotNil(t, ev.Parts)
	assert.Empty(t, ev.Parts)
	assert.False(t, ev.Partial)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNormalizer_SkipsAndCounts(t *testing.T) {
	t.Parallel()

	n := event.NewNormalizer(event.Canonical{})

	_, ok := n.Normalize(sse.Frame{Kind: sse.KindMalformed, Err: sse.ErrInvalidPayload})
	assert.False(t, ok)

	_, ok = n.Normalize(frame(`"just a string"`))
	assert.False(t, ok)

	_, ok = n.Normalize(frame(`{"id":"e1","content":{"parts":[{"text":"x"}]}}`))
	assert.True(t, ok)

	_, ok = n.Normalize(frame(`{"id":"e1","content":{"parts":[{"text":"x"}]}}`))
	assert.False(t, ok, "repeated final event is a duplicate")

	assert.Equal(t, event.Stats{Decoded: 1, Malformed: 1, Failed: 1, Duplicates: 1}, n.Stats())
}

func TestNormalizer_PartialsShareFinalID(t *testing.T) {
	t.Parallel()

	n := event.NewNormalizer(event.Canonical{})

	for _, data := range []string{
		`{"id":"e1","content":{"parts":[{"text":"He"}]},"partial":true}`,
		`{"id":"e1","content":{"parts":[{"text":"llo"}]},"partial":true}`,
		`{"id":"e1","content":{"parts":[{"text":"Hello"}]}}`,
	} {
		_, ok := n.Normalize(frame(data))
		assert.True(t, ok)
	}
	assert.Zero(t, n.Stats().Duplicates)
}

func TestNormalizer_SetStrategy(t *testing.T) {
	t.Parallel()

	n := event.NewNormalizer(nil)
	assert.Equal(t, event.LegacyName, n.Strategy().Name())

	n.SetStrategy(event.Canonical{})
	ev, ok := n.Normalize(frame(`{"author":"a","content":{"parts":[{"text":"hi"}]}}`))

	require.True(t, ok)
	assert.Equal(t, event.CanonicalName, n.Strategy().Name())
	assert.Equal(t, "hi", ev.VisibleText())

	n.SetStrategy(nil)
	assert.Equal(t, event.CanonicalName, n.Strategy().Name(), "nil keeps current strategy")
}
