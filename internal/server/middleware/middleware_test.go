package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

//nolint:gochecknoglobals // test fixture
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// subjectHandler captures the subject set by Auth.
type subjectHandler struct {
	subject string
	called  bool
}

func (h *subjectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.subject, _ = middleware.SubjectFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

const testJWTSecret = "test-jwt-secret-for-middleware-tests"

func issueToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func withSubject(r *http.Request, subject string) *http.Request {
	return r.WithContext(middleware.WithSubject(r.Context(), subject))
}

// ===========================================================================
// 1. Context helpers
// ===========================================================================

func TestSubjectFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "present", ctx: middleware.WithSubject(context.Background(), "u-1"), want: "u-1", wantOK: true},
		{name: "absent", ctx: context.Background(), wantOK: false},
		{name: "empty string", ctx: middleware.WithSubject(context.Background(), ""), wantOK: false},
		{name: "wrong type", ctx: context.WithValue(context.Background(), middleware.ContextKeySubject, 42), wantOK: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := middleware.SubjectFromContext(tc.ctx)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// ===========================================================================
// 2. RateLimit middleware
// ===========================================================================

func TestRateLimitByIP_BurstExceeded_Returns429(t *testing.T) {
	t.Parallel()

	// Very low rate (effectively zero refill during the test) with burst of 2.
	handler := middleware.RateLimitByIP(t.Context(), 0.001, 2)(okHandler)

	for i := range 2 {
		req := httptest.NewRequest(http.MethodPost, "/run_sse", http.NoBody)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equalf(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	req := httptest.NewRequest(http.MethodPost, "/run_sse", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimitByIP_IndependentPerAddress(t *testing.T) {
	t.Parallel()

	handler := middleware.RateLimitByIP(t.Context(), 0.001, 1)(okHandler)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"))
}

func TestRateLimit_IndependentPerSubject(t *testing.T) {
	t.Parallel()

	handler := middleware.RateLimit(t.Context(), 0.001, 1)(okHandler)

	send := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		if subject != "" {
			req = withSubject(req, subject)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"))

	// Anonymous callers share the IP bucket, separate from subjects.
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}

// ===========================================================================
// 3. Auth middleware
// ===========================================================================

func TestAuth_EmptySecret_PassesThrough(t *testing.T) {
	t.Parallel()

	capture := &subjectHandler{}
	handler := middleware.Auth("")(capture)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.True(t, capture.called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, capture.subject)
}

func TestAuth_ValidToken_PopulatesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{name: "uid claim", claims: jwt.MapClaims{"uid": "user-7", "sub": "ignored"}, want: "user-7"},
		{name: "sub fallback", claims: jwt.MapClaims{"sub": "user-8"}, want: "user-8"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tc.claims["exp"] = time.Now().Add(time.Minute).Unix()
			token := issueToken(t, testJWTSecret, tc.claims)

			capture := &subjectHandler{}
			handler := middleware.Auth(testJWTSecret)(capture)

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.True(t, capture.called, "inner handler must be called")
			assert.Equal(t, tc.want, capture.subject)
		})
	}
}

func TestAuth_QueryToken(t *testing.T) {
	t.Parallel()

	token := issueToken(t, testJWTSecret, jwt.MapClaims{"sub": "ws-user"})
	capture := &subjectHandler{}
	handler := middleware.Auth(testJWTSecret)(capture)

	req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1?access_token="+token, http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, capture.called)
	assert.Equal(t, "ws-user", capture.subject)
}

func TestAuth_Rejections(t *testing.T) {
	t.Parallel()

	valid := jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Minute).Unix()}

	tests := []struct {
		name   string
		header string
	}{
		{name: "no credentials", header: ""},
		{name: "garbage token", header: "Bearer totally.invalid.token"},
		{name: "wrong secret", header: "Bearer " + issueToken(t, "another-secret-another-secret-xx", valid)},
		{name: "expired", header: "Bearer " + issueToken(t, testJWTSecret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})},
		{name: "no subject", header: "Bearer " + issueToken(t, testJWTSecret, jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()})},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			capture := &subjectHandler{}
			handler := middleware.Auth(testJWTSecret)(capture)

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.False(t, capture.called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "Unauthorized")
		})
	}
}

func TestAuth_RejectsNoneAlgorithm(t *testing.T) {
	t.Parallel()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	handler := middleware.Auth(testJWTSecret)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ===========================================================================
// 4. Request logger
// ===========================================================================

func TestRequestLogger(t *testing.T) { //nolint:paralleltest // swaps the global logger
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	handler := middleware.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/healthz", entry["path"])
	assert.InDelta(t, float64(http.StatusTeapot), entry["status"], 0)
	assert.InDelta(t, float64(len("short and stout")), entry["bytes"], 0)
	assert.Equal(t, "server.request", entry["message"])
}
