package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

// FormatHeader is the response header naming the event format of a stream.
const FormatHeader = "X-Airstream-Event-Format"

// FormatName returns the strategy name selected by the canonical toggle.
func FormatName(canonical bool) string {
	if canonical {
		return CanonicalName
	}
	return LegacyName
}

// Strategy decodes one frame payload format into canonical events.
type Strategy interface {
	Name() string
	Decode(f sse.Frame) (domain.AgentEvent, error)
}

// ErrNotObject is returned when a payload is valid JSON but not an object.
var ErrNotObject = errors.New("event: payload is not a JSON object") //nolint:gochecknoglobals // sentinel error

// errorFrame is the proxy's canonical failure record. Both formats accept it.
type errorFrame struct {
	Error      string          `json:"error"`
	Timestamp  json.RawMessage `json:"timestamp"`
	StatusCode int             `json:"statusCode"`
}

func decodeErrorFrame(data []byte) (domain.AgentEvent, bool) {
	var ef errorFrame
	if err := json.Unmarshal(data, &ef); err != nil || ef.Error == "" {
		return domain.AgentEvent{}, false
	}
	return domain.AgentEvent{
		Author:    domain.ErrorAuthor,
		Timestamp: parseTimestamp(ef.Timestamp),
		Error:     &domain.UpstreamError{Message: ef.Error, StatusCode: ef.StatusCode},
	}, true
}

func requireObject(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	return nil
}

// parseTimestamp accepts epoch seconds (fractional allowed), epoch
// milliseconds, or an RFC 3339 string. Anything else yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n <= 0 {
			return time.Time{}
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n))
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var resultTextKeys = []string{"result", "output", "text", "message", "content"} //nolint:gochecknoglobals // lookup table

// extractResultText finds textual output nested in a function response.
// Tools wrap their output inconsistently: a bare string, or an object whose
// result/output/text/message/content field holds a string (or one more
// level of such an object).
func extractResultText(raw json.RawMessage) string {
	return extractText(raw, 3)
}

func extractText(raw json.RawMessage, depth int) string {
	if len(raw) == 0 || depth == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range resultTextKeys {
		if v, ok := obj[key]; ok {
			if text := extractText(v, depth-1); text != "" {
				return text
			}
		}
	}
	return ""
}
