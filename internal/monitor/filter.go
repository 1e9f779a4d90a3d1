package monitor

import (
	"fmt"
	"strings"

	"github.com/danmuck/framewatch/internal/protocol/frame"
)

// Filter decides whether a frame is re-emitted. It runs synchronously on the
// session's notifying goroutine and must not block or retain the frame.
type Filter func(*frame.Frame) bool

func ByType(types ...frame.Type) Filter {
	var set [256]bool
	for _, t := range types {
		set[t] = true
	}
	return func(f *frame.Frame) bool {
		return set[f.Type()]
	}
}

func ByStream(ids ...uint32) Filter {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(f *frame.Frame) bool {
		_, ok := set[f.StreamID()]
		return ok
	}
}

// ByFlags matches frames carrying every flag in v.
func ByFlags(v frame.Flags) Filter {
	return func(f *frame.Frame) bool {
		return f.Has(v)
	}
}

// All matches when every non-nil filter matches. No filters matches everything.
func All(filters ...Filter) Filter {
	return func(f *frame.Frame) bool {
		for _, fl := range filters {
			if fl != nil && !fl(f) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one non-nil filter matches.
func Any(filters ...Filter) Filter {
	return func(f *frame.Frame) bool {
		for _, fl := range filters {
			if fl != nil && fl(f) {
				return true
			}
		}
		return false
	}
}

func Not(fl Filter) Filter {
	return func(f *frame.Frame) bool {
		return !fl(f)
	}
}

// ParseTypes builds a ByType filter from names such as "DATA" or "window_update".
// An empty list yields nil, which accepts every frame.
func ParseTypes(names []string) (Filter, error) {
	types := make([]frame.Type, 0, len(names))
	for _, raw := range names {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		t, err := frame.ParseType(raw)
		if err != nil {
			return nil, fmt.Errorf("monitor: filter: %w", err)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, nil
	}
	return ByType(types...), nil
}
