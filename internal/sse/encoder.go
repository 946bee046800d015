package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ErrorFrame is the final record a relay emits when the upstream fails.
// Timestamp is epoch seconds.
type ErrorFrame struct {
	Error      string  `json:"error"`
	Timestamp  float64 `json:"timestamp"`
	StatusCode int     `json:"statusCode"`
}

// NewErrorFrame stamps an ErrorFrame with the current time.
func NewErrorFrame(msg string, statusCode int) ErrorFrame {
	return ErrorFrame{
		Error:      msg,
		Timestamp:  float64(time.Now().UnixMilli()) / 1000,
		StatusCode: statusCode,
	}
}

// Encoder writes records in the wire format. Each record is flushed when
// the underlying writer supports it.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteData writes one data record, splitting embedded newlines into
// separate data lines.
func (e *Encoder) WriteData(data []byte) error {
	var buf bytes.Buffer
	for line := range bytes.SplitSeq(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(buf.Bytes())
}

// WriteJSON marshals v and writes it as one data record.
func (e *Encoder) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse.Encoder.WriteJSON: %w", err)
	}
	return e.WriteData(data)
}

// WriteError writes f as one data record.
func (e *Encoder) WriteError(f ErrorFrame) error {
	return e.WriteJSON(f)
}

// WriteComment writes a keep-alive comment record.
func (e *Encoder) WriteComment(text string) error {
	return e.write([]byte(": " + text + "\n\n"))
}

// WriteRaw writes relayed bytes verbatim without flushing, so a caller can
// flush on line boundaries only.
func (e *Encoder) WriteRaw(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("sse.Encoder.WriteRaw: %w", err)
	}
	return nil
}

func (e *Encoder) write(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("sse.Encoder: %w", err)
	}
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}
