// Package stub binds local call sites to remote functions.
//
// On the client side, Bind turns a key and a connection into a forwarding
// closure that looks like a normal local call; the key is computed once at
// bind time, never per invocation. On the server side, Export is the
// symmetric binding: it registers an ordinary Go function under the same
// key. Both bindings must be in place before, respectively, the client
// issues calls or the server starts listening.
package stub

import (
	"context"

	"farcall/client"
	"farcall/message"
	"farcall/registry"
)

// Func is a bound forwarding callable: invoking it issues one remote call
// and blocks for the matched response.
type Func func(args ...any) (any, error)

// CtxFunc is a bound forwarding callable with per-call cancellation.
type CtxFunc func(ctx context.Context, args ...any) (any, error)

// Bind associates a local alias with "send a request for key over c".
func Bind(c *client.Conn, key message.Key) Func {
	return func(args ...any) (any, error) {
		return c.Call(key, args...)
	}
}

// BindContext is Bind for call sites that carry a context.
func BindContext(c *client.Conn, key message.Key) CtxFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		return c.CallContext(ctx, key, args...)
	}
}

// Export registers fn under key so remote peers can call it. fn may be any
// function FuncHandler accepts; registration replaces a prior binding for
// the same key.
func Export(r *registry.Registry, key message.Key, fn any) {
	r.Register(key, registry.FuncHandler(fn))
}
