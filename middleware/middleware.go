// Package middleware wraps the server's dispatch path in an onion of
// cross-cutting concerns. Chain(A, B, C)(handler) executes
// A.before → B.before → C.before → handler → C.after → B.after → A.after.
package middleware

import (
	"context"

	"farcall/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, preserving registration order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// failure builds an error response produced by the middleware layer itself,
// as opposed to one coming from a handler.
func failure(msg string, kind string) *message.Response {
	return &message.Response{
		Kind: message.KindError,
		Err: &message.WireError{
			Msg:   msg,
			Cause: []message.WireCause{{Kind: kind, Msg: msg}},
		},
	}
}
