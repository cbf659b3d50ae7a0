// Package registry maps function keys to locally invocable handlers.
//
// Keys are supplied literally by the embedding application (the same
// namespace path and name on both peers) rather than derived from runtime
// metadata, so client and server agree on identity without a shared IDL.
//
// All registrations must complete before the server starts listening.
// Registering while already serving is a benign race: an early connection
// may observe a not-yet-registered function and get a not-found error.
package registry

import (
	"encoding/json"
	"sync"

	"farcall/message"
)

// Handler executes one call: positional arguments still in their serialized
// form in, a result value (or failure) out. FuncHandler adapts an ordinary
// Go function into this shape.
type Handler func(args []json.RawMessage) (any, error)

// Registry is the function table owned by a server-side application.
// Explicit instances, not ambient globals: two servers in one process
// (or two tests) never share registrations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[message.Key]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[message.Key]Handler)}
}

// Register binds key to h, silently replacing any prior binding for the
// exact same key. Last registration wins.
func (r *Registry) Register(key message.Key, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Lookup returns the handler bound to key, or false if none is.
func (r *Registry) Lookup(key message.Key) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
