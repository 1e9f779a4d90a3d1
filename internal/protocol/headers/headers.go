// Package headers encodes and decodes HEADERS frame blocks with HPACK.
package headers

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/http2/hpack"
)

const DefaultTableSize uint32 = 4096

var ErrEmptyName = errors.New("headers: empty field name")

// Field is one header field.
type Field = hpack.HeaderField

// Encoder keeps the HPACK dynamic table for one direction of a session.
type Encoder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// Encode returns a fresh header block for fields. Names are checked before
// any field touches the dynamic table, so a rejected block leaves it as is.
func (e *Encoder) Encode(fields []Field) ([]byte, error) {
	for _, f := range fields {
		if f.Name == "" {
			return nil, ErrEmptyName
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	for _, f := range fields {
		if err := e.enc.WriteField(f); err != nil {
			e.resetLocked()
			return nil, fmt.Errorf("headers: encode %q: %w", f.Name, err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// Reset drops the dynamic table. Call it when an encoded block never reached
// the peer: later blocks then only reference entries both sides inserted.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Encoder) resetLocked() {
	e.buf.Reset()
	e.enc = hpack.NewEncoder(&e.buf)
}

// Decoder keeps the HPACK dynamic table for the receiving direction.
type Decoder struct {
	mu  sync.Mutex
	dec *hpack.Decoder
}

func NewDecoder() *Decoder {
	return &Decoder{dec: hpack.NewDecoder(DefaultTableSize, nil)}
}

// Decode parses one complete header block.
func (d *Decoder) Decode(block []byte) ([]Field, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields, err := d.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("headers: decode: %w", err)
	}
	return fields, nil
}

// Get returns the first value for name.
func Get(fields []Field, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}
