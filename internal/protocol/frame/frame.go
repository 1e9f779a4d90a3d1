package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 9

	// MaxFrameSizeLimit is the largest length the 24-bit length field can carry.
	MaxFrameSizeLimit uint32 = 1<<24 - 1
	DefaultMaxPayload uint32 = 16384

	streamIDMask uint32 = 1<<31 - 1
)

var (
	ErrShortHeader      = errors.New("frame: short fixed header")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrShortPayload     = errors.New("frame: short payload")
	ErrInvalidStreamID  = errors.New("frame: stream id exceeds 31 bits")
	ErrInvalidLimits    = errors.New("frame: invalid limits")
	ErrMalformedPayload = errors.New("frame: malformed payload")
)

// Header is the fixed 9-byte wire header.
type Header struct {
	Length   uint32
	Type     Type
	Flags    Flags
	StreamID uint32
}

// Frame is one complete wire frame. Sessions may reuse the payload buffer
// after notification returns, so observers must copy what they keep.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayload}
}

func (l Limits) Validate() error {
	if l.MaxPayloadBytes == 0 || l.MaxPayloadBytes > MaxFrameSizeLimit {
		return fmt.Errorf("%w: max_payload_bytes=%d", ErrInvalidLimits, l.MaxPayloadBytes)
	}
	return nil
}

func (f *Frame) Type() Type {
	return f.Header.Type
}

func (f *Frame) StreamID() uint32 {
	return f.Header.StreamID
}

func (f *Frame) Has(v Flags) bool {
	return f.Header.Flags.Has(v)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=%s", f.Header.Type, f.Header.StreamID, len(f.Payload), f.Header.Flags.Format(f.Header.Type))
}

func ReadFrame(r io.Reader, limits Limits) (*Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	h := DecodeHeader(fixed)
	if h.Length > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: length=%d max=%d", ErrPayloadTooLarge, h.Length, limits.MaxPayloadBytes)
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return &Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f *Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: length=%d max=%d", ErrPayloadTooLarge, payloadLen, limits.MaxPayloadBytes)
	}
	if f.Header.StreamID > streamIDMask {
		return ErrInvalidStreamID
	}

	f.Header.Length = uint32(payloadLen)
	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(f.Header)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(h.Length >> 16)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length)
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[5:9], h.StreamID&streamIDMask)
	return buf
}

// DecodeHeader ignores the reserved high bit of the stream id.
func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     Type(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}
