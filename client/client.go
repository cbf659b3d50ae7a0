// Package client manages one logical farcall connection: a connect/disconnect
// state machine around a multiplexed transport, and the call surface that
// turns a (key, args) pair into a matched result or error.
package client

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"farcall/codec"
	"farcall/message"
	"farcall/rpcerr"
	"farcall/transport"
)

// Transport-level failures, surfaced to callers as-is, never wrapped into a
// remote error: "the connection dropped" must stay distinguishable from
// "the remote function failed".
var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrConnectTimeout = errors.New("client: connect timed out")
)

const (
	// Connect polls the connectivity flag at this interval.
	connectPollInterval = 10 * time.Millisecond

	DefaultConnectTimeout = 3 * time.Second
)

// Conn is a client connection. The zero value is not usable; create it with
// New. A Conn is an explicit instance with one owner; nothing here is
// process-global, so two connections (or two tests) never interfere.
type Conn struct {
	codecType codec.CodecType
	timeout   time.Duration
	log       *zap.Logger

	mu         sync.Mutex
	connected  bool
	connecting bool
	openErr    error
	tr         *transport.Transport
}

// New creates a disconnected connection that will speak the given codec.
// A nil logger disables logging.
func New(codecType codec.CodecType, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		codecType: codecType,
		timeout:   DefaultConnectTimeout,
		log:       log,
	}
}

// SetConnectTimeout overrides the bound on how long Connect blocks.
func (c *Conn) SetConnectTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Connect opens the transport to addr. A no-op when already connected.
//
// The open itself runs in a background task; Connect blocks the caller,
// polling the connectivity flag at a short fixed interval until the flag
// flips or the timeout elapses. An open task that completed with a failure
// fails Connect immediately rather than waiting out the timeout.
func (c *Conn) Connect(addr string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if !c.connecting {
		c.connecting = true
		c.openErr = nil
		go c.open(addr, c.timeout)
	}
	timeout := c.timeout
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		connected, openErr := c.connected, c.openErr
		c.mu.Unlock()
		if connected {
			return nil
		}
		if openErr != nil {
			return openErr
		}
		if time.Now().After(deadline) {
			return ErrConnectTimeout
		}
		time.Sleep(connectPollInterval)
	}
}

// open is the background connect task: dial, then hand the socket to a new
// transport, which spawns the sender and receiver for this connection.
func (c *Conn) open(addr string, timeout time.Duration) {
	conn, err := net.DialTimeout("tcp", addr, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		c.openErr = errors.Wrapf(err, "open connection to %s", addr)
		return
	}
	c.tr = transport.New(conn, c.codecType, c.log)
	c.connected = true
	c.log.Info("connected", zap.String("addr", addr))
}

// Disconnect tears the connection down: the transport gets its shutdown
// sentinel, the socket is closed, the background goroutines are joined, and
// any still-pending callers are woken with a connection-closed error.
// A no-op when not connected.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	tr := c.tr
	c.connected = false
	c.tr = nil
	c.mu.Unlock()

	c.log.Info("disconnected")
	return tr.Close()
}

// Connected reports the connectivity flag.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Call issues one request for key and blocks until its matched response
// arrives. Any number of goroutines may Call concurrently on one Conn;
// each call owns a distinct correlation id and waiter, so responses are
// delivered to exactly the caller that issued them, in whatever order the
// server completes them.
//
// A remote failure comes back as a *rpcerr.Error whose cause chain and
// origin trace survive the boundary; ordinary errors.Is/As introspection
// applies. Call itself has no deadline; use CallContext for one.
func (c *Conn) Call(key message.Key, args ...any) (any, error) {
	return c.CallContext(context.Background(), key, args...)
}

// CallContext is Call with cancellation. When ctx ends first, the call
// returns ctx.Err() and the waiter is deregistered; a response that arrives
// later is dropped by the receiver as an unknown id.
func (c *Conn) CallContext(ctx context.Context, key message.Key, args ...any) (any, error) {
	c.mu.Lock()
	tr, connected := c.tr, c.connected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	id, ch, err := tr.Send(key, args)
	if err != nil {
		return nil, err
	}
	defer tr.Forget(id)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.Err != nil {
			return nil, reply.Err
		}
		return interpret(key, reply.Resp)
	}
}

// interpret maps a response payload onto the call outcome: a Result yields
// its value, a wire error is rebuilt and raised, a legacy error-prefixed
// string becomes a generic failure, and anything else is taken as a direct
// value for forward compatibility with simpler peers.
func interpret(key message.Key, resp *message.Response) (any, error) {
	switch resp.Kind {
	case message.KindError:
		if resp.Err == nil {
			return nil, errors.Errorf("error response for %s carried no error", key)
		}
		return nil, rpcerr.FromWire(resp.Err)
	case message.KindResult:
		return decodeResult(resp.Result)
	default:
		v, err := decodeResult(resp.Result)
		if err != nil {
			return nil, err
		}
		if s, ok := v.(string); ok && strings.HasPrefix(s, message.ErrPrefix) {
			return nil, errors.Errorf("remote error: %s", strings.TrimPrefix(s, message.ErrPrefix))
		}
		return v, nil
	}
}

func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "decode result")
	}
	return v, nil
}
