package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/agent"
	v1 "github.com/gosuda/airstream/internal/api/v1"
	"github.com/gosuda/airstream/internal/config"
	"github.com/gosuda/airstream/internal/conn"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/server"
	"github.com/gosuda/airstream/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const testSecret = "server-test-secret-at-least-32-chars"

// fakeRuntime answers every turn with one partial and one final text event.
func fakeRuntime(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		sid, _ := req["sessionId"].(string)

		w.Header().Set("Content-Type", "text/event-stream")
		inv := "inv-" + sid
		fmt.Fprintf(w, "data: %s\n\n", fmt.Sprintf(`{"type":"text","author":"assistant","invocation_id":%q,"text":"Hel","partial":true}`, inv))
		fmt.Fprintf(w, "data: %s\n\n", fmt.Sprintf(`{"type":"text","author":"assistant","invocation_id":%q,"text":"Hello","partial":false}`, inv))
		fmt.Fprintf(w, "data: %s\n\n", fmt.Sprintf(`{"type":"done","author":"assistant","invocation_id":%q}`, inv))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	runtime := fakeRuntime(t)

	cfg := config.Defaults()
	cfg.Upstream.URL = runtime.URL
	if mutate != nil {
		mutate(cfg)
	}

	pubsub := memory.NewPubSub()
	orch := agent.NewOrchestrator(agent.Options{
		UpstreamURL: cfg.StreamEndpoint(),
		AppName:     cfg.Upstream.AppName,
		Conn: conn.Config{
			Backoff:      conn.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 1},
			IdleTimeout:  2 * time.Second,
			TurnTimeout:  10 * time.Second,
			DrainTimeout: 50 * time.Millisecond,
		},
	}, nil, nil, memory.New(cfg.Store.Capacity), nil, pubsub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	s := server.New(t.Context(), cfg, server.Deps{
		Orchestrator: orch,
		PubSub:       pubsub,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestRunSSE_RelaysUpstream(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, body := do(t, http.MethodPost, ts.URL+"/run_sse",
		`{"appName":"airstream","userId":"u","sessionId":"s1","newMessage":{"role":"user","parts":[{"text":"hi"}]}}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, event.LegacyName, resp.Header.Get(event.FormatHeader))
	assert.Contains(t, body, `"text":"Hello"`)
	assert.Contains(t, body, `"type":"done"`)
}

func TestRunSSE_RejectsMarkup(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, body := do(t, http.MethodPost, ts.URL+"/run_sse",
		`{"appName":"airstream","userId":"u","sessionId":"s1","newMessage":{"role":"user","parts":[{"text":"<script>x</script>"}]}}`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Bad Request")
}

func TestFlags(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *config.Config) { c.Features.CanonicalEvents = true })
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/flags", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var flags v1.Flags
	require.NoError(t, json.Unmarshal([]byte(body), &flags))
	assert.True(t, flags.CanonicalEvents)
	assert.Equal(t, event.CanonicalName, flags.EventFormat)
	assert.ElementsMatch(t, []string{event.CanonicalName, event.LegacyName}, flags.Formats)
}

func TestStartTurn_ProducesMessages(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/sessions/s1/turns", `{"text":"hello"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	var page v1.MessagePage
	require.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/sessions/s1/messages", "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		page = v1.MessagePage{}
		if err := json.Unmarshal([]byte(body), &page); err != nil {
			return false
		}
		return len(page.Messages) == 1 && page.Messages[0].Sealed
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "Hello", page.Messages[0].Text)
	assert.Equal(t, "assistant", page.Messages[0].Author)
}

func TestWebSocketRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	for _, path := range []string{"/ws/sessions/s1", "/ws/status/s1"} {
		c, _, err := websocket.Dial(t.Context(), base+path, nil)
		require.NoError(t, err, path)
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAuthEnabled(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/flags", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/run_sse", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/flags", "", http.Header{"Authorization": {"Bearer " + tok}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.Dial(t.Context(), base+"/ws/status/s1?access_token="+tok, nil)
	require.NoError(t, err)
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 1
	})

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/flags", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/flags", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthz_DependencyChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checks   map[string]server.HealthCheck
		wantCode int
		wantBody string
	}{
		{
			name:     "all healthy",
			checks:   map[string]server.HealthCheck{"redis": func(context.Context) error { return nil }},
			wantCode: http.StatusOK,
			wantBody: `{"status":"ok","checks":{"redis":"ok"}}`,
		},
		{
			name: "one failing",
			checks: map[string]server.HealthCheck{
				"redis":    func(context.Context) error { return nil },
				"postgres": func(context.Context) error { return errors.New("connection refused") },
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"status":"degraded","checks":{"redis":"ok","postgres":"connection refused"}}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Defaults()
			orch := agent.NewOrchestrator(agent.Options{UpstreamURL: cfg.Upstream.URL}, nil, nil, nil, nil, nil)
			s := server.New(t.Context(), cfg, server.Deps{
				Orchestrator: orch,
				PubSub:       memory.NewPubSub(),
				Checks:       tc.checks,
			})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

			assert.Equal(t, tc.wantCode, rec.Code)
			assert.JSONEq(t, tc.wantBody, rec.Body.String())
		})
	}
}
