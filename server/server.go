// Package server implements the farcall server: it accepts connections,
// reads request frames, dispatches to a function registry through a
// middleware chain, and writes each response back under the correlation id
// of the request that produced it.
//
// Request pipeline:
//
//	Accept conn → handleConn (one goroutine per connection, reads frames)
//	  → serveRequest (inline) → Codec.Decode → Middleware Chain → dispatch
//	    → registry lookup → handler → Codec.Encode → write response
//
// Handler invocation is inline in the read loop: a slow handler delays
// later requests on the same connection but never touches other
// connections. One failing request never terminates the loop; only
// transport closure does.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"farcall/codec"
	"farcall/discovery"
	"farcall/message"
	"farcall/middleware"
	"farcall/protocol"
	"farcall/registry"
	"farcall/rpcerr"
)

// Server owns a listener and a function registry. Lifecycle:
// Idle → Listening → (Draining | Stopped) → Idle; Start and Stop are both
// idempotent. Registrations must be completed before Start.
type Server struct {
	registry    *registry.Registry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	log         *zap.Logger

	mu         sync.Mutex
	listener   net.Listener
	listening  bool
	acceptDone chan struct{}
	conns      map[net.Conn]struct{}
	connWG     sync.WaitGroup
	shutdown   atomic.Bool

	ann       *discovery.Client // nil when discovery is not used
	service   string
	advertise string
}

// New creates an idle server dispatching to reg. A nil logger disables
// logging.
func New(reg *registry.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		registry: reg,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Use appends a middleware. Middlewares run in registration order around
// every dispatched request. Must be called before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Announce makes Start publish advertiseAddr under the service name in the
// discovery registry, and Stop withdraw it. advertiseAddr differs from the
// listen address because ":8080" is not routable for peers.
func (s *Server) Announce(ann *discovery.Client, service, advertiseAddr string) {
	s.ann = ann
	s.service = service
	s.advertise = advertiseAddr
}

// Start binds addr and begins accepting connections in the background,
// returning the listening address. When already listening it returns the
// existing handle without side effects.
func (s *Server) Start(addr string) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return s.listener.Addr(), nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	// Build the middleware chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.listener = ln
	s.listening = true
	s.shutdown.Store(false)
	s.conns = make(map[net.Conn]struct{})
	s.acceptDone = make(chan struct{})

	if s.ann != nil {
		if err := s.ann.Announce(context.Background(), s.service, s.advertise); err != nil {
			s.log.Warn("announce failed", zap.String("service", s.service), zap.Error(err))
		}
	}

	go s.acceptLoop(ln, s.acceptDone)
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return ln.Addr(), nil
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Stop closes the listener; the shutdown flag tells an
			// intentional close apart from a real accept failure.
			if !s.shutdown.Load() {
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.connWG.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one connection's read-dispatch loop. Reads are sequential
// (frame boundaries demand a single reader) and handling is inline, so
// responses on one connection are written by exactly one goroutine and
// never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.connWG.Done()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // transport closed, or the stream is beyond recovery
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeats keep the connection alive, nothing to do
		}
		s.serveRequest(conn, header, body)
	}
}

// serveRequest decodes, dispatches, and answers one request. Every response
// carries the correlation id of its request; a body that does not decode to
// request shape is answered with a wrapped format-violation error under
// whatever id the frame header supplied (0 when the sender could not say).
func (s *Server) serveRequest(conn net.Conn, header *protocol.Header, body []byte) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	req := &message.Request{}
	if err := c.Decode(body, req); err != nil {
		werr := rpcerr.Wrap("malformed request", &rpcerr.Cause{
			Kind: rpcerr.KindBadMessage,
			Msg:  fmt.Sprintf("request body does not decode: %v", err),
		})
		s.writeResponse(conn, header, errResponse(werr))
		return
	}
	if req.Key.IsZero() {
		werr := rpcerr.Wrap("malformed request", &rpcerr.Cause{
			Kind: rpcerr.KindBadMessage,
			Msg:  "request carries no function key",
		})
		s.writeResponse(conn, header, errResponse(werr))
		return
	}

	s.writeResponse(conn, header, s.handler(context.Background(), req))
}

// dispatch is the innermost handler: registry lookup, invocation inside a
// failure boundary, result encoding. Wrapped by the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	h, ok := s.registry.Lookup(req.Key)
	if !ok {
		return errResponse(rpcerr.Wrap(
			fmt.Sprintf("call %s failed", req.Key),
			&rpcerr.Cause{
				Kind: rpcerr.KindNotRegistered,
				Msg:  fmt.Sprintf("no function registered for %s", req.Key),
			}))
	}

	result, err := invoke(h, req.Args)
	if err != nil {
		// The handler's own failure is the cause; its identity and origin
		// trace cross the boundary intact.
		return errResponse(rpcerr.Wrap(fmt.Sprintf("call %s failed", req.Key), err))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errResponse(rpcerr.Wrap(
			fmt.Sprintf("call %s failed", req.Key), err))
	}
	return &message.Response{Kind: message.KindResult, Result: raw}
}

// invoke runs a handler inside a recovery boundary. FuncHandler recovers
// its own panics; this catches custom Handler implementations too, so no
// request can take the connection's read loop down.
func invoke(h registry.Handler, args []json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &rpcerr.Cause{
				Kind:  rpcerr.KindRuntime,
				Msg:   fmt.Sprintf("%v", rec),
				Stack: string(debug.Stack()),
			}
		}
	}()
	return h(args)
}

func errResponse(werr *rpcerr.Error) *message.Response {
	return &message.Response{Kind: message.KindError, Err: rpcerr.ToWire(werr)}
}

func (s *Server) writeResponse(conn net.Conn, reqHeader *protocol.Header, resp *message.Response) {
	c := codec.GetCodec(codec.CodecType(reqHeader.CodecType))
	body, err := c.Encode(resp)
	if err != nil {
		s.log.Error("encode response failed", zap.Uint32("id", reqHeader.ID), zap.Error(err))
		return
	}

	replyHeader := &protocol.Header{
		CodecType: reqHeader.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		ID:        reqHeader.ID, // same correlation id as the request
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, replyHeader, body); err != nil {
		s.log.Warn("write response failed", zap.Uint32("id", reqHeader.ID), zap.Error(err))
	}
}

// Stop shuts the server down and blocks until the accept loop has fully
// exited, then resets to idle so Start may be called again. A no-op when
// not listening.
//
// Graceful (force=false) stops accepting and waits for attached clients to
// disconnect on their own. Forced (force=true) closes the in-flight
// connections immediately; still-attached clients observe their calls
// failing with a closed connection.
func (s *Server) Stop(force bool) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	ln := s.listener
	done := s.acceptDone
	s.mu.Unlock()

	if s.ann != nil {
		// Withdraw first so clients stop routing here before the door shuts.
		if err := s.ann.Withdraw(context.Background(), s.service, s.advertise); err != nil {
			s.log.Warn("withdraw failed", zap.String("service", s.service), zap.Error(err))
		}
	}

	// Flag before close, so the accept loop reads the failure as intentional.
	s.shutdown.Store(true)
	ln.Close()

	if force {
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}

	s.connWG.Wait()
	<-done

	s.mu.Lock()
	s.listening = false
	s.listener = nil
	s.mu.Unlock()
	s.log.Info("stopped", zap.Bool("force", force))
	return nil
}
