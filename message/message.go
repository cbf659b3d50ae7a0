// Package message defines the logical RPC messages exchanged between client and server.
//
// A Request or Response is the "envelope" for one call. It gets serialized by the
// codec layer and wrapped in a protocol frame for transmission; the correlation id
// travels in the frame header, not in the envelope.
package message

import (
	"encoding/json"
	"strings"
)

// Key identifies one remotely callable function: a namespace path (an ordered
// sequence of segments, e.g. a module hierarchy) plus a simple name. Both peers
// construct keys from the same literals, so no shared schema is needed.
//
// Key is comparable and safe to use as a map key. Two keys are equal iff their
// namespace paths and names are equal.
type Key struct {
	ns   string // namespace segments joined with '/'
	name string
}

// NewKey builds a key from a simple name and its namespace path segments.
// Segments must not contain '/'.
func NewKey(name string, namespace ...string) Key {
	return Key{ns: strings.Join(namespace, "/"), name: name}
}

// Namespace returns the ordered namespace path segments.
func (k Key) Namespace() []string {
	if k.ns == "" {
		return nil
	}
	return strings.Split(k.ns, "/")
}

// Name returns the simple name.
func (k Key) Name() string { return k.name }

// IsZero reports whether the key is the empty key.
func (k Key) IsZero() bool { return k.ns == "" && k.name == "" }

// String renders the key as "ns/subns.name", or just "name" for an empty path.
func (k Key) String() string {
	if k.ns == "" {
		return k.name
	}
	return k.ns + "." + k.name
}

// keyWire is the JSON shape of a Key on the wire.
type keyWire struct {
	Namespace []string `json:"ns"`
	Name      string   `json:"name"`
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyWire{Namespace: k.Namespace(), Name: k.name})
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var w keyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*k = NewKey(w.Name, w.Namespace...)
	return nil
}

// Request carries one call: the function key and its positional arguments,
// each argument individually serialized so the server can decode them into
// the handler's parameter types.
type Request struct {
	Key  Key               `json:"key"`
	Args []json.RawMessage `json:"args"`
}

// PayloadKind tags the payload of a Response.
type PayloadKind string

const (
	KindResult PayloadKind = "result" // successful call, Result holds the value
	KindError  PayloadKind = "error"  // failed call, Err holds the wire error
)

// ErrPrefix marks a legacy plain-string error payload. Older peers respond
// with a bare string beginning with this prefix instead of a wire error.
const ErrPrefix = "!err "

// Response carries the outcome of one call. Kind selects the payload form;
// an unknown or empty Kind with a non-nil Result is treated by clients as a
// direct value (forward compatibility with simpler peers).
type Response struct {
	Kind   PayloadKind     `json:"kind,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *WireError      `json:"error,omitempty"`
}

// WireError is the transmissible form of a wrapped failure: a context message,
// the cause chain flattened to (kind, message) pairs, and the origin trace as
// an opaque display string. A foreign stack trace is never reconstructed as a
// native one.
type WireError struct {
	Msg   string      `json:"msg"`
	Cause []WireCause `json:"cause,omitempty"` // outermost first
	Trace string      `json:"trace,omitempty"`
}

// WireCause is one link of a transmitted cause chain.
type WireCause struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}
