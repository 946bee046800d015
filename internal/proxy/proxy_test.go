package proxy_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/proxy"
	"github.com/gosuda/airstream/internal/sse"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func turnBody(t *testing.T, text string) io.Reader {
	t.Helper()
	req := domain.NewTurnRequest("", "u1", "s1", text)
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func serve(t *testing.T, h http.Handler, method string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/run_sse", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAll(t *testing.T, body []byte) ([]sse.Frame, *sse.Decoder) {
	t.Helper()
	dec := sse.NewDecoder(bytes.NewReader(body))
	var frames []sse.Frame
	for f, err := range dec.Frames() {
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames, dec
}

func lastErrorFrame(t *testing.T, body []byte) sse.ErrorFrame {
	t.Helper()
	frames, _ := decodeAll(t, body)
	require.NotEmpty(t, frames)
	var ef sse.ErrorFrame
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &ef))
	return ef
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestHandler_RelaysVerbatim(t *testing.T) {
	t.Parallel()

	const stream = "id: 1\nevent: message\ndata: {\"a\":1}\n\n: ping\n\ndata: {\"b\":\ndata: 2}\n\n"

	var got domain.TurnRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range strings.SplitAfter(stream, "\n") {
			_, _ = io.WriteString(w, line)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "airstream", KeepAlive: -1}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hello"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, event.LegacyName, rec.Header().Get(event.FormatHeader))
	assert.Equal(t, stream, rec.Body.String())

	assert.Equal(t, "airstream", got.AppName)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "hello", got.Text())
	assert.True(t, got.Streaming)
}

func TestHandler_AnnouncesCanonicalFormat(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "a", KeepAlive: -1, CanonicalEvents: true}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hi"))
	assert.Equal(t, event.CanonicalName, rec.Header().Get(event.FormatHeader))
}

func TestHandler_RejectsBeforeConnecting(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "a", KeepAlive: -1}, nil)

	tests := []struct {
		name   string
		method string
		body   io.Reader
		status int
	}{
		{"get has no body", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, strings.NewReader("{"), http.StatusBadRequest},
		{"missing session", http.MethodPost, strings.NewReader(`{"appName":"a","newMessage":{"parts":[{"text":"x"}]}}`), http.StatusBadRequest},
		{"markup", http.MethodPost, turnBody(t, "<img src=x onerror=alert(1)>"), http.StatusBadRequest},
		{"empty text", http.MethodPost, turnBody(t, ""), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.method, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
	assert.Equal(t, int32(0), hits.Load())
}

// ---------------------------------------------------------------------------
// Failure translation
// ---------------------------------------------------------------------------

func TestHandler_UpstreamStatusBecomesErrorFrame(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "a", KeepAlive: -1}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hi"))

	assert.Equal(t, http.StatusOK, rec.Code)
	ef := lastErrorFrame(t, rec.Body.Bytes())
	assert.Equal(t, http.StatusServiceUnavailable, ef.StatusCode)
	assert.Contains(t, ef.Error, "overloaded")
	assert.Positive(t, ef.Timestamp)

	// The client pipeline sees it as a retryable upstream error.
	frames, _ := decodeAll(t, rec.Body.Bytes())
	ev, err := event.Legacy{}.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorAuthor, ev.Author)
	require.NotNil(t, ev.Error)
	assert.True(t, ev.Error.Retryable())
}

func TestHandler_UnreachableUpstream(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	h := proxy.New(proxy.Config{UpstreamURL: url, AppName: "a", KeepAlive: -1}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hi"))

	assert.Equal(t, http.StatusOK, rec.Code)
	ef := lastErrorFrame(t, rec.Body.Bytes())
	assert.Equal(t, http.StatusBadGateway, ef.StatusCode)
}

func TestHandler_TurnTimeoutMidLine(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"ok\":true}\n\ndata: {\"par")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{
		UpstreamURL: upstream.URL,
		AppName:     "a",
		KeepAlive:   -1,
		TurnTimeout: 100 * time.Millisecond,
	}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hi"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: {\"ok\":true}\n\ndata: {\"par\n\ndata: "), body)

	frames, _ := decodeAll(t, rec.Body.Bytes())
	require.Len(t, frames, 3)
	assert.Equal(t, sse.KindData, frames[0].Kind)
	assert.Equal(t, sse.KindMalformed, frames[1].Kind)

	var ef sse.ErrorFrame
	require.NoError(t, json.Unmarshal(frames[2].Data, &ef))
	assert.Equal(t, http.StatusGatewayTimeout, ef.StatusCode)
}

func TestHandler_KeepAliveBetweenRecords(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, "data: {\"n\":2}\n\n")
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "a", KeepAlive: 20 * time.Millisecond}, nil)
	rec := serve(t, h, http.MethodPost, turnBody(t, "hi"))

	assert.Contains(t, rec.Body.String(), ": keep-alive\n\n")
	frames, dec := decodeAll(t, rec.Body.Bytes())
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, sse.KindData, f.Kind)
	}
	assert.Positive(t, dec.Comments())
}

type timedRecorder struct {
	*httptest.ResponseRecorder

	mu     sync.Mutex
	writes []time.Time
}

func (r *timedRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.writes = append(r.writes, time.Now())
	r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

// Not parallel: write gaps are sensitive to scheduler load.
func TestHandler_KeepAliveGapStaysNearInterval(t *testing.T) {
	const interval = 100 * time.Millisecond

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(6 * interval)
		fmt.Fprint(w, "data: {\"n\":2}\n\n")
	}))
	t.Cleanup(upstream.Close)

	h := proxy.New(proxy.Config{UpstreamURL: upstream.URL, AppName: "a", KeepAlive: interval}, nil)
	req := httptest.NewRequest(http.MethodPost, "/run_sse", turnBody(t, "hi"))
	req.Header.Set("Content-Type", "application/json")
	rec := &timedRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, req)

	assert.GreaterOrEqual(t, strings.Count(rec.Body.String(), ": keep-alive\n\n"), 4)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Greater(t, len(rec.writes), 2)
	var widest time.Duration
	for i := 1; i < len(rec.writes); i++ {
		widest = max(widest, rec.writes[i].Sub(rec.writes[i-1]))
	}
	assert.Less(t, widest, interval*7/5, "writes must never be silent much longer than the keep-alive interval")
}
