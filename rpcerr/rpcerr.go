// Package rpcerr implements the structured error that crosses the RPC boundary.
//
// An Error carries three parts: a context message (which call failed), the
// original cause (introspectable with errors.Is / errors.As), and an origin
// trace captured at the point of failure. On the wire the cause chain is
// flattened to (kind, message) pairs and the trace becomes an opaque display
// string; the receiving side rebuilds a local chain whose kinds match the
// originals, so "was this a missing function" and "was this a divide by zero"
// stay distinguishable from transport failures.
package rpcerr

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"farcall/message"
)

// Well-known cause kinds. KindOf maps an arbitrary error onto one of these
// (or onto the value a Kinder reports); both peers compare kinds, never types.
const (
	KindNotRegistered = "not_registered" // function key has no handler
	KindBadMessage    = "bad_message"    // frame body not request-shaped
	KindBadArity      = "bad_arity"      // argument count/type mismatch
	KindRuntime       = "runtime"        // recovered panic inside the handler
	KindGeneric       = "error"          // any other failure
)

// Kinder lets application errors declare their own cause kind.
type Kinder interface {
	ErrorKind() string
}

// Cause is a leaf (or link) of a cause chain: a kind tag plus a message.
// Two Causes match under errors.Is iff their kinds are equal, so a sentinel
// like ErrNotRegistered matches the rebuilt remote cause.
type Cause struct {
	Kind string
	Msg  string

	// Stack optionally carries the origin trace in display form, for causes
	// built where the stack is only reachable at capture time (recovered
	// panics). Not transmitted per-link; Wrap promotes it to the trace.
	Stack string

	cause error
}

func (c *Cause) Error() string { return c.Msg }

func (c *Cause) ErrorKind() string { return c.Kind }

func (c *Cause) Trace() string { return c.Stack }

func (c *Cause) Unwrap() error { return c.cause }

func (c *Cause) Is(target error) bool {
	t, ok := target.(*Cause)
	return ok && t.Kind == c.Kind
}

// Sentinels for the protocol-level cause kinds. Compare with errors.Is.
var (
	ErrNotRegistered = &Cause{Kind: KindNotRegistered, Msg: "function not registered"}
	ErrBadMessage    = &Cause{Kind: KindBadMessage, Msg: "malformed request"}
	ErrBadArity      = &Cause{Kind: KindBadArity, Msg: "argument mismatch"}
)

// KindOf returns the cause kind of err: a Kinder's own kind, or KindGeneric.
func KindOf(err error) string {
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindGeneric
}

// Error is a failure wrapped with calling context. Immutable once built.
type Error struct {
	msg   string
	cause error
	trace string
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Wrap attaches a context message to cause and captures the origin trace.
// A cause that already carries a stack (a github.com/pkg/errors error) or
// its own trace (a recovered panic) keeps it, so the trace points at the
// failure site, not the wrap site. Wrapping never replaces the cause:
// errors.Is/As see through it.
func Wrap(msg string, cause error) *Error {
	var trace string
	switch c := cause.(type) {
	case stackTracer:
		trace = fmt.Sprintf("%+v", cause)
	case interface{ Trace() string }:
		trace = c.Trace()
	}
	if trace == "" {
		trace = fmt.Sprintf("%+v", errors.WithStack(cause))
	}
	return &Error{msg: msg, cause: cause, trace: trace}
}

// Remote rebuilds an Error received from a peer. The trace is kept verbatim
// as display text; a foreign stack is never turned into a native one.
func Remote(msg string, cause error, trace string) *Error {
	return &Error{msg: msg, cause: cause, trace: trace}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Trace returns the origin trace in display form.
func (e *Error) Trace() string { return e.trace }

// Format renders the three-part display with %+v: the context message, the
// "caused by" section, then the origin trace.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			io.WriteString(s, e.msg)
			if e.cause != nil {
				io.WriteString(s, "\ncaused by: "+e.cause.Error())
			}
			if e.trace != "" {
				io.WriteString(s, "\n"+e.trace)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// ToWire flattens an error into its transmissible form. The cause chain is
// walked outermost-first; each link becomes a (kind, message) pair.
func ToWire(e *Error) *message.WireError {
	w := &message.WireError{Msg: e.msg, Trace: e.trace}
	for cause := e.cause; cause != nil; cause = errors.Unwrap(cause) {
		w.Cause = append(w.Cause, message.WireCause{
			Kind: KindOf(cause),
			Msg:  cause.Error(),
		})
	}
	return w
}

// FromWire rebuilds a local Error from its transmissible form. Chain links
// become Cause values carrying the original kinds, so errors.Is against the
// package sentinels (or any kind-matching Cause) works on the rebuilt error.
func FromWire(w *message.WireError) *Error {
	var chain error
	for i := len(w.Cause) - 1; i >= 0; i-- {
		chain = &Cause{Kind: w.Cause[i].Kind, Msg: w.Cause[i].Msg, cause: chain}
	}
	return Remote(w.Msg, chain, w.Trace)
}
