package conn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request describes the upstream call made on every connection attempt.
// The body is fully built before the first attempt and replayed verbatim
// on reconnect.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r *Request) method() string {
	if r.Method != "" {
		return r.Method
	}
	if len(r.Body) > 0 {
		return http.MethodPost
	}
	return http.MethodGet
}

// Validate checks the request before any connection is attempted.
func (r *Request) Validate() error {
	if r.URL == "" {
		return ErrMissingURL
	}
	switch r.method() {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(r.Body) == 0 {
			return ErrMissingBody
		}
	}
	return nil
}

func (r *Request) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method(), r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("conn.Request.build: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	return req, nil
}
