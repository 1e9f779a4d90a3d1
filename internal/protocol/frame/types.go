package frame

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Type is the frame type octet.
type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

var typeName = map[Type]string{
	TypeData:         "DATA",
	TypeHeaders:      "HEADERS",
	TypePriority:     "PRIORITY",
	TypeRSTStream:    "RST_STREAM",
	TypeSettings:     "SETTINGS",
	TypePushPromise:  "PUSH_PROMISE",
	TypePing:         "PING",
	TypeGoAway:       "GOAWAY",
	TypeWindowUpdate: "WINDOW_UPDATE",
	TypeContinuation: "CONTINUATION",
}

func (t Type) String() string {
	if s, ok := typeName[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// ParseType accepts a registered name (case-insensitive, "-" or "_") or a
// numeric literal such as "0x0a".
func ParseType(raw string) (Type, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	for t, n := range typeName {
		if n == name {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(name, 0, 8); err == nil {
		return Type(v), nil
	}
	return 0, fmt.Errorf("frame: unknown frame type %q", raw)
}

// Types lists the registered frame types in wire order.
func Types() []Type {
	out := make([]Type, 0, len(typeName))
	for t := range typeName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flags is the frame flag octet. Meaning depends on the frame type.
type Flags uint8

const (
	FlagDataEndStream Flags = 0x1
	FlagDataPadded    Flags = 0x8

	FlagHeadersEndStream  Flags = 0x1
	FlagHeadersEndHeaders Flags = 0x4
	FlagHeadersPadded     Flags = 0x8
	FlagHeadersPriority   Flags = 0x20

	FlagSettingsAck Flags = 0x1
	FlagPingAck     Flags = 0x1

	FlagContinuationEndHeaders Flags = 0x4
)

var flagName = map[Type]map[Flags]string{
	TypeData: {
		FlagDataEndStream: "END_STREAM",
		FlagDataPadded:    "PADDED",
	},
	TypeHeaders: {
		FlagHeadersEndStream:  "END_STREAM",
		FlagHeadersEndHeaders: "END_HEADERS",
		FlagHeadersPadded:     "PADDED",
		FlagHeadersPriority:   "PRIORITY",
	},
	TypeSettings:     {FlagSettingsAck: "ACK"},
	TypePing:         {FlagPingAck: "ACK"},
	TypeContinuation: {FlagContinuationEndHeaders: "END_HEADERS"},
}

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

// Format renders the flags by name for frame type t, e.g. "END_STREAM|0x40".
func (f Flags) Format(t Type) string {
	if f == 0 {
		return "0"
	}
	parts := make([]string, 0, 2)
	for i := uint8(0); i < 8; i++ {
		bit := Flags(1 << i)
		if f&bit == 0 {
			continue
		}
		if name, ok := flagName[t][bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("0x%x", uint8(bit)))
		}
	}
	return strings.Join(parts, "|")
}
