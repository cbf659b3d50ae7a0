// Package transport implements the client side of a multiplexed farcall
// connection.
//
// A Transport lets any number of goroutines issue calls over a single
// connection. Each request gets a correlation id from a monotonic counter;
// a sender goroutine drains an outbound FIFO queue so frames from concurrent
// calls never interleave on the wire, and a receiver goroutine reads response
// frames and routes each one to the waiter registered under its id.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──queue──sendLoop──→ single conn ──→ server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop: ←── response(id=2) ──→ pending[2] ──→ goroutine-2 wakes up
//
// Responses may arrive in any order relative to the requests; only the
// id-based matching is guaranteed.
package transport

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"farcall/codec"
	"farcall/message"
	"farcall/protocol"
)

// ErrClosed is delivered to every pending waiter when the connection goes
// away, and returned by Send once the transport has shut down. It is a
// transport-level failure, distinct from anything a remote handler produced.
var ErrClosed = errors.New("transport: connection closed")

// Reply is what a waiter receives: either a decoded response or a
// transport failure. Exactly one Reply is delivered per registered id.
type Reply struct {
	Resp *message.Response
	Err  error
}

type outbound struct {
	header *protocol.Header
	body   []byte
}

// Transport multiplexes concurrent requests over one connection. Create it
// with New, which starts the background sender, receiver, and heartbeat
// goroutines; Close tears all three down.
type Transport struct {
	conn      net.Conn
	codecType codec.CodecType
	log       *zap.Logger

	nextID    atomic.Uint32
	pending   sync.Map       // correlation id to chan *Reply, capacity 1
	out       chan *outbound // FIFO outbound queue; a nil entry is the shutdown sentinel
	stopped   atomic.Bool
	done      chan struct{}
	stop      sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps an established connection. The caller keeps ownership of nothing:
// Close both stops the background goroutines and closes conn.
func New(conn net.Conn, codecType codec.CodecType, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		conn:      conn,
		codecType: codecType,
		log:       log,
		out:       make(chan *outbound, 64),
		done:      make(chan struct{}),
	}
	t.wg.Add(2)
	go t.sendLoop()
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Send serializes one request, registers a single-slot waiter for its
// correlation id, and enqueues the frame. The returned channel receives
// exactly one Reply; the caller must call Forget(id) once it has it.
func (t *Transport) Send(key message.Key, args []any) (uint32, <-chan *Reply, error) {
	if t.stopped.Load() {
		return 0, nil, ErrClosed
	}

	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "encode argument for %s", key)
		}
		raw = append(raw, b)
	}

	body, err := codec.GetCodec(t.codecType).Encode(&message.Request{Key: key, Args: raw})
	if err != nil {
		return 0, nil, errors.Wrapf(err, "encode request for %s", key)
	}

	// id 0 is the "could not determine id" sentinel, never assigned to a call
	id := t.nextID.Add(1)
	if id == 0 {
		id = t.nextID.Add(1)
	}

	// Register the waiter before the frame can possibly be answered.
	// Buffered so the receiver hands off without blocking.
	ch := make(chan *Reply, 1)
	t.pending.Store(id, ch)

	// A shutdown that raced past the check above has already swept pending;
	// do not leave a waiter that nothing will ever wake.
	if t.stopped.Load() {
		t.pending.Delete(id)
		return 0, nil, ErrClosed
	}

	t.out <- &outbound{
		header: &protocol.Header{
			CodecType: byte(t.codecType),
			MsgType:   protocol.MsgTypeRequest,
			ID:        id,
			BodyLen:   uint32(len(body)),
		},
		body: body,
	}
	return id, ch, nil
}

// Forget deregisters the waiter for id. Callers invoke it after receiving
// the Reply regardless of outcome; forgetting an already-delivered or
// unknown id is a no-op.
func (t *Transport) Forget(id uint32) {
	t.pending.Delete(id)
}

// sendLoop drains the outbound queue in FIFO order, writing each frame to
// the connection. It is the only writer, so frames never interleave.
// Receiving the shutdown sentinel ends the loop.
func (t *Transport) sendLoop() {
	defer t.wg.Done()
	for ob := range t.out {
		if ob == nil {
			return
		}
		if err := protocol.Encode(t.conn, ob.header, ob.body); err != nil {
			// This request can never be answered; fail its waiter now.
			// The receiver will sweep the rest when the read side breaks.
			t.deliver(ob.header.ID, &Reply{Err: errors.Wrap(err, "write request")})
		}
	}
}

// recvLoop reads frames until the connection breaks, dispatching each
// response to the waiter registered under its correlation id. A response
// for an unknown id (the caller already gave up, or the id-0 sentinel)
// is logged and dropped.
func (t *Transport) recvLoop() {
	defer t.wg.Done()
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.sweepPending()
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.Response{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			t.log.Warn("dropping undecodable response", zap.Uint32("id", header.ID), zap.Error(err))
			continue
		}

		if !t.deliver(header.ID, &Reply{Resp: resp}) {
			t.log.Debug("dropping response for unknown id", zap.Uint32("id", header.ID))
		}
	}
}

// deliver hands a reply to the waiter for id, if one is still registered.
// LoadAndDelete guarantees at most one delivery per id.
func (t *Transport) deliver(id uint32, r *Reply) bool {
	ch, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	ch.(chan *Reply) <- r
	return true
}

// sweepPending wakes every pending waiter with ErrClosed once the connection
// is gone, so no caller blocks forever on a response that will never come.
func (t *Transport) sweepPending() {
	t.stopped.Store(true)
	t.stop.Do(func() { close(t.done) })
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan *Reply) <- &Reply{Err: ErrClosed}
		return true
	})
}

// heartbeatLoop periodically writes an empty heartbeat frame through the
// outbound queue so an otherwise idle connection is not reaped by the peer.
func (t *Transport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.stopped.Load() {
				return
			}
			t.out <- &outbound{header: &protocol.Header{
				CodecType: byte(t.codecType),
				MsgType:   protocol.MsgTypeHeartbeat,
			}}
		}
	}
}

// Close pushes the shutdown sentinel to the sender, closes the connection
// (which breaks the receiver out of its read), and waits for both loops to
// exit. Pending waiters are woken with ErrClosed. Idempotent, and still
// required after the peer closed first, to reap the sender goroutine.
func (t *Transport) Close() error {
	t.stopped.Store(true)
	var err error
	t.closeOnce.Do(func() {
		t.out <- nil
		err = t.conn.Close()
		t.wg.Wait()
		t.sweepPending()
	})
	return err
}

// Conn exposes the underlying connection.
func (t *Transport) Conn() net.Conn {
	return t.conn
}
