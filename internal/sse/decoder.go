// Package sse implements the newline-delimited streaming wire format used
// between the agent runtime, the proxy and the client pipeline: "data:"
// lines carry a JSON payload, ":" lines are keep-alive comments and a blank
// line terminates one record.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
)

// DefaultMaxRecordSize bounds one logical record.
const DefaultMaxRecordSize = 4 << 20

var (
	// ErrRecordTooLarge marks a record that exceeded the size limit.
	ErrRecordTooLarge = errors.New("sse: record exceeds size limit")
	// ErrInvalidPayload marks a record whose data is not valid JSON.
	ErrInvalidPayload = errors.New("sse: payload is not valid JSON")
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindData Kind = iota
	KindMalformed
)

func (k Kind) String() string {
	if k == KindMalformed {
		return "malformed"
	}
	return "data"
}

// Frame is one wire-level record before normalization. Event is the
// producer's type hint, if any. Err is set for KindMalformed frames.
type Frame struct {
	ID    string
	Event string
	Data  []byte
	Kind  Kind
	Err   error
}

// Decoder turns a byte stream into frames. A Decoder holds per-connection
// buffering state and must not be reused across connections.
type Decoder struct {
	r          *bufio.Reader
	maxRecord  int
	onActivity func()

	line      []byte
	truncated bool
	id        string
	event     string
	data      bytes.Buffer
	hasData   bool
	oversize  bool

	comments   int
	pendingErr error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxRecordSize overrides DefaultMaxRecordSize.
func WithMaxRecordSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxRecord = n
		}
	}
}

// WithActivityFunc registers a callback invoked for every line read,
// keep-alive comments included. Connection managers use it to reset idle
// timers.
func WithActivityFunc(fn func()) Option {
	return func(d *Decoder) { d.onActivity = fn }
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:         bufio.NewReaderSize(r, 64*1024),
		maxRecord: DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Comments returns how many keep-alive comment lines were suppressed.
func (d *Decoder) Comments() int { return d.comments }

// Next returns the next frame. When the stream ends, any buffered record is
// flushed first; after that Next returns the underlying read error (io.EOF
// for a clean end).
func (d *Decoder) Next() (Frame, error) {
	if d.pendingErr != nil {
		return Frame{}, d.pendingErr
	}
	for {
		line, err := d.readLine()
		if len(line) > 0 || err == nil {
			if d.onActivity != nil {
				d.onActivity()
			}
			if f, ok := d.processLine(line); ok {
				if err != nil {
					d.pendingErr = err
				}
				return f, nil
			}
		}
		if err != nil {
			if f, ok := d.Flush(); ok {
				d.pendingErr = err
				return f, nil
			}
			d.pendingErr = err
			return Frame{}, err
		}
	}
}

// Frames iterates over the remaining frames. Iteration stops after the
// first read error, which is yielded alongside a zero Frame unless it is io.EOF.
func (d *Decoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Frame{}, err)
				}
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Flush emits the buffered record, if any, even though its terminating
// blank line never arrived.
func (d *Decoder) Flush() (Frame, bool) {
	if !d.hasData && !d.oversize {
		d.reset()
		return Frame{}, false
	}
	f := d.build()
	d.reset()
	return f, true
}

func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	d.truncated = false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if room := d.maxRecord - len(d.line); len(chunk) > room {
			d.line = append(d.line, chunk[:max(room, 0)]...)
			d.truncated = true
		} else {
			d.line = append(d.line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return d.line, err
	}
}

func (d *Decoder) processLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	if len(line) == 0 {
		return d.Flush()
	}
	if line[0] == ':' {
		d.comments++
		return Frame{}, false
	}

	field, value, found := bytes.Cut(line, []byte(":"))
	if found {
		value = bytes.TrimPrefix(value, []byte(" "))
	}

	switch string(field) {
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.hasData = true
		if d.truncated || d.data.Len()+len(value) > d.maxRecord {
			d.oversize = true
			return Frame{}, false
		}
		d.data.Write(value)
	case "event":
		d.event = string(value)
	case "id":
		if !bytes.ContainsRune(value, 0) {
			d.id = string(value)
		}
	}
	return Frame{}, false
}

func (d *Decoder) build() Frame {
	f := Frame{
		ID:    d.id,
		Event: d.event,
		Data:  bytes.Clone(d.data.Bytes()),
		Kind:  KindData,
	}
	switch {
	case d.oversize:
		f.Kind = KindMalformed
		f.Err = ErrRecordTooLarge
	case !json.Valid(f.Data):
		f.Kind = KindMalformed
		f.Err = ErrInvalidPayload
	}
	return f
}

func (d *Decoder) reset() {
	d.event = ""
	d.id = ""
	d.data.Reset()
	d.hasData = false
	d.oversize = false
}
