// Package notify provides ordered, token-keyed notification points.
//
// A Point holds handlers in registration order. Registration and removal
// publish a new immutable snapshot; Emit walks whichever snapshot was current
// when it started, so concurrent add/remove never tears an in-flight dispatch.
package notify

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Token identifies one registration on a Point. The zero Token is never issued.
type Token uint64

// Handler receives one notification. A non-nil error is collected and
// returned from Emit after the remaining handlers have run.
type Handler[T any] func(T) error

// Registrar is the subscribe side of a Point.
type Registrar[T any] interface {
	Add(Handler[T]) Token
	Remove(Token) bool
}

type entry[T any] struct {
	token Token
	fn    Handler[T]
}

// Point is a notification point. The zero value is ready to use.
type Point[T any] struct {
	mu       sync.Mutex
	next     Token
	handlers atomic.Pointer[[]entry[T]]
}

// PanicError reports a handler that panicked during Emit.
type PanicError struct {
	Token Token
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("notify: handler %d panicked: %v", e.Token, e.Value)
}

// Unwrap exposes a panic value that is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Add registers h after all existing handlers. Registering the same func
// twice yields two tokens and two deliveries.
func (p *Point[T]) Add(h Handler[T]) Token {
	if h == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	tok := p.next
	cur := p.snapshot()
	next := make([]entry[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry[T]{token: tok, fn: h})
	p.handlers.Store(&next)
	return tok
}

// Remove unregisters the handler for tok and reports whether it was present.
func (p *Point[T]) Remove(tok Token) bool {
	if tok == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.snapshot()
	for i, e := range cur {
		if e.token != tok {
			continue
		}
		next := make([]entry[T], 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		p.handlers.Store(&next)
		return true
	}
	return false
}

func (p *Point[T]) Len() int {
	return len(p.snapshot())
}

// Tokens returns the registered tokens in delivery order.
func (p *Point[T]) Tokens() []Token {
	cur := p.snapshot()
	out := make([]Token, len(cur))
	for i, e := range cur {
		out[i] = e.token
	}
	return out
}

// Emit delivers v to every handler of the current snapshot in registration
// order. Every handler runs even if an earlier one fails or panics; the
// failures are joined in delivery order.
func (p *Point[T]) Emit(v T) error {
	cur := p.snapshot()
	if len(cur) == 0 {
		return nil
	}
	var errs []error
	for _, e := range cur {
		if err := invoke(e, v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func invoke[T any](e entry[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Token: e.token, Value: r, Stack: debug.Stack()}
		}
	}()
	return e.fn(v)
}

func (p *Point[T]) snapshot() []entry[T] {
	if cur := p.handlers.Load(); cur != nil {
		return *cur
	}
	return nil
}
