// Package proxy relays turn requests to the upstream agent runtime and
// streams its response back verbatim, line by line.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/sse"
	"github.com/gosuda/airstream/internal/validate"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrTurnTimeout = errors.New("proxy: upstream turn timed out")
	ErrUpstream    = errors.New("proxy: upstream connection failed")
)

const (
	defaultTurnTimeout  = 300 * time.Second
	defaultKeepAlive    = 15 * time.Second
	defaultMaxBodyBytes = 1 << 20
	maxLineChunk        = 64 << 10
)

// Config configures a Handler.
type Config struct {
	UpstreamURL string
	Client      *http.Client
	// AppName fills requests that omit appName.
	AppName string
	// TurnTimeout bounds the whole relay regardless of upstream activity.
	TurnTimeout time.Duration
	// KeepAlive is the silence after which a comment record is sent.
	// Negative disables keep-alives.
	KeepAlive       time.Duration
	CanonicalEvents bool
	MaxBodyBytes    int64
}

// Handler serves the streaming relay endpoint.
type Handler struct {
	cfg  Config
	gate validate.Gate
}

// New returns a relay Handler. A nil gate uses the default markup gate.
func New(cfg Config, gate validate.Gate) *Handler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if gate == nil {
		gate = validate.NewMarkupGate(0)
	}
	return &Handler{cfg: cfg, gate: gate}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeProblem(w, http.StatusMethodNotAllowed, "turn requests must be POSTed")
		return
	}

	req, err := h.decode(w, r)
	if err != nil {
		log.Debug().Err(err).Msg("proxy.Handler: request rejected")
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := json.Marshal(req)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}

	ctx, cancel := context.WithTimeoutCause(r.Context(), h.cfg.TurnTimeout, ErrTurnTimeout)
	defer cancel()

	// The turn timeout bounds the stream, not the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(event.FormatHeader, event.FormatName(h.cfg.CanonicalEvents))
	w.WriteHeader(http.StatusOK)

	rl := newRelay(w)
	rl.flush()

	logger := log.With().Str("session_id", req.SessionID).Logger()
	started := time.Now()

	stop := rl.keepAlive(h.cfg.KeepAlive)
	defer stop()

	resp, err := h.upstream(ctx, body)
	if err != nil {
		stop()
		status, msg := classify(ctx, r.Context(), err)
		if status != 0 {
			logger.Warn().Err(err).Int("status", status).Msg("proxy.Handler: upstream request failed")
			rl.fail(msg, status)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("upstream returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if d := strings.TrimSpace(string(detail)); d != "" {
			msg += ": " + d
		}
		logger.Warn().Int("status", resp.StatusCode).Msg("proxy.Handler: upstream rejected turn")
		stop()
		rl.fail(msg, resp.StatusCode)
		return
	}

	err = rl.copy(resp.Body)
	stop()

	if err != nil {
		status, msg := classify(ctx, r.Context(), err)
		if status != 0 {
			logger.Warn().Err(err).Int("status", status).Msg("proxy.Handler: relay interrupted")
			rl.fail(msg, status)
		}
		return
	}
	logger.Info().
		Dur("elapsed", time.Since(started)).
		Int64("bytes", rl.written).
		Msg("proxy.Handler: relay finished")
}

// decode parses and validates the turn request. Nothing is sent upstream
// for a request that fails here.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*domain.TurnRequest, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	var req domain.TurnRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid turn request: %w", err)
	}
	if req.AppName == "" {
		req.AppName = h.cfg.AppName
	}
	req.Streaming = true
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := h.gate.Check(req.Text()); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *Handler) upstream(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return resp, nil
}

// classify maps a failed upstream exchange to the status reported in the
// error frame. A zero status means the client went away and nothing should
// be written.
func classify(ctx, clientCtx context.Context, err error) (int, string) {
	switch {
	case errors.Is(context.Cause(ctx), ErrTurnTimeout):
		return http.StatusGatewayTimeout, "upstream did not finish within the turn timeout"
	case clientCtx.Err() != nil:
		return 0, ""
	default:
		return http.StatusBadGateway, "upstream connection failed"
	}
}

// relay serializes writes to the downstream response and tracks whether
// the stream sits on a record boundary.
type relay struct {
	mu      sync.Mutex
	w       io.Writer
	enc     *sse.Encoder
	flusher http.Flusher

	midLine   bool
	midRecord bool
	lastWrite time.Time
	written   int64
}

func newRelay(w http.ResponseWriter) *relay {
	f, _ := w.(http.Flusher)
	return &relay{w: w, enc: sse.NewEncoder(w), flusher: f, lastWrite: time.Now()}
}

func (rl *relay) flush() {
	if rl.flusher != nil {
		rl.flusher.Flush()
	}
}

// copy forwards upstream bytes unchanged, flushing at every line end.
func (rl *relay) copy(r io.Reader) error {
	br := bufio.NewReaderSize(r, maxLineChunk)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if werr := rl.write(chunk); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("%w: %w", ErrUpstream, err)
		}
	}
}

func (rl *relay) write(chunk []byte) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := rl.enc.WriteRaw(chunk); err != nil {
		return fmt.Errorf("proxy.relay.write: %w", err)
	}
	rl.written += int64(len(chunk))
	rl.lastWrite = time.Now()

	if chunk[len(chunk)-1] != '\n' {
		rl.midLine = true
		return nil
	}
	line := bytes.TrimRight(chunk, "\r\n")
	blank := !rl.midLine && len(line) == 0
	rl.midLine = false
	rl.midRecord = !blank
	rl.flush()
	return nil
}

// keepAlive sends comment records while upstream is silent, only between
// records. The returned func stops it and may be called more than once.
func (rl *relay) keepAlive(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(interval/4, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rl.mu.Lock()
				if !rl.midLine && !rl.midRecord && time.Since(rl.lastWrite) >= interval {
					if err := rl.enc.WriteComment("keep-alive"); err != nil {
						log.Debug().Err(err).Msg("proxy.relay.keepAlive: write failed")
					}
					rl.lastWrite = time.Now()
				}
				rl.mu.Unlock()
			}
		}
	}()
	return sync.OnceFunc(func() {
		close(done)
		wg.Wait()
	})
}

// fail terminates any partial line and record, then writes the error frame.
func (rl *relay) fail(msg string, status int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var prefix []byte
	if rl.midLine {
		prefix = append(prefix, '\n')
	}
	if rl.midLine || rl.midRecord {
		prefix = append(prefix, '\n')
	}
	if len(prefix) > 0 {
		if _, err := rl.w.Write(prefix); err != nil {
			return
		}
	}
	rl.midLine, rl.midRecord = false, false
	if err := rl.enc.WriteError(sse.NewErrorFrame(msg, status)); err != nil {
		log.Debug().Err(err).Msg("proxy.relay.fail: write failed")
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	payload, _ := json.Marshal(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
