package frame

import (
	"encoding/binary"
	"fmt"
)

// Setting is one SETTINGS parameter.
type Setting struct {
	ID    uint16
	Value uint32
}

const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
)

func NewData(streamID uint32, data []byte, endStream bool) *Frame {
	var flags Flags
	if endStream {
		flags |= FlagDataEndStream
	}
	return &Frame{
		Header:  Header{Type: TypeData, Flags: flags, StreamID: streamID},
		Payload: data,
	}
}

// NewHeaders wraps an already encoded header block fragment.
func NewHeaders(streamID uint32, block []byte, endStream, endHeaders bool) *Frame {
	var flags Flags
	if endStream {
		flags |= FlagHeadersEndStream
	}
	if endHeaders {
		flags |= FlagHeadersEndHeaders
	}
	return &Frame{
		Header:  Header{Type: TypeHeaders, Flags: flags, StreamID: streamID},
		Payload: block,
	}
}

func NewSettings(ack bool, settings ...Setting) *Frame {
	f := &Frame{Header: Header{Type: TypeSettings}}
	if ack {
		f.Header.Flags = FlagSettingsAck
		return f
	}
	f.Payload = make([]byte, 6*len(settings))
	for i, s := range settings {
		binary.BigEndian.PutUint16(f.Payload[i*6:], s.ID)
		binary.BigEndian.PutUint32(f.Payload[i*6+2:], s.Value)
	}
	return f
}

func NewPing(ack bool, data [8]byte) *Frame {
	f := &Frame{Header: Header{Type: TypePing}, Payload: data[:]}
	if ack {
		f.Header.Flags = FlagPingAck
	}
	return f
}

func NewWindowUpdate(streamID, increment uint32) *Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment&streamIDMask)
	return &Frame{
		Header:  Header{Type: TypeWindowUpdate, StreamID: streamID},
		Payload: payload,
	}
}

func NewRSTStream(streamID, code uint32) *Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	return &Frame{
		Header:  Header{Type: TypeRSTStream, StreamID: streamID},
		Payload: payload,
	}
}

func NewGoAway(lastStreamID, code uint32, debug []byte) *Frame {
	payload := make([]byte, 8, 8+len(debug))
	binary.BigEndian.PutUint32(payload[0:4], lastStreamID&streamIDMask)
	binary.BigEndian.PutUint32(payload[4:8], code)
	payload = append(payload, debug...)
	return &Frame{
		Header:  Header{Type: TypeGoAway},
		Payload: payload,
	}
}

// Settings decodes a SETTINGS payload.
func (f *Frame) Settings() ([]Setting, error) {
	if f.Header.Type != TypeSettings {
		return nil, fmt.Errorf("%w: %s is not SETTINGS", ErrMalformedPayload, f.Header.Type)
	}
	if len(f.Payload)%6 != 0 {
		return nil, fmt.Errorf("%w: settings length %d", ErrMalformedPayload, len(f.Payload))
	}
	out := make([]Setting, 0, len(f.Payload)/6)
	for i := 0; i < len(f.Payload); i += 6 {
		out = append(out, Setting{
			ID:    binary.BigEndian.Uint16(f.Payload[i : i+2]),
			Value: binary.BigEndian.Uint32(f.Payload[i+2 : i+6]),
		})
	}
	return out, nil
}

// PingData returns the opaque 8 bytes of a PING frame.
func (f *Frame) PingData() ([8]byte, error) {
	var out [8]byte
	if f.Header.Type != TypePing || len(f.Payload) != 8 {
		return out, fmt.Errorf("%w: ping payload", ErrMalformedPayload)
	}
	copy(out[:], f.Payload)
	return out, nil
}
