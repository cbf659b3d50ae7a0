package transport_test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"farcall/codec"
	"farcall/message"
	"farcall/registry"
	"farcall/server"
	"farcall/stub"
	"farcall/transport"
)

func startServer(t *testing.T, addr string) *server.Server {
	t.Helper()
	reg := registry.New()
	stub.Export(reg, message.NewKey("add", "Demo"), func(a, b int) int { return a + b })

	svr := server.New(reg, nil)
	if _, err := svr.Start(addr); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Stop(true) })
	time.Sleep(100 * time.Millisecond)
	return svr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestTransportSerial(t *testing.T) {
	startServer(t, ":19101")

	tr := transport.New(dial(t, ":19101"), codec.CodecTypeJSON, nil)
	defer tr.Close()

	key := message.NewKey("add", "Demo")
	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}

	for _, tc := range cases {
		id, ch, err := tr.Send(key, []any{tc.a, tc.b})
		if err != nil {
			t.Fatal(err)
		}

		reply := <-ch
		tr.Forget(id)
		if reply.Err != nil {
			t.Fatalf("transport error: %v", reply.Err)
		}
		if reply.Resp.Kind != message.KindResult {
			t.Fatalf("expected result, got %+v", reply.Resp)
		}
		if got := string(reply.Resp.Result); got != strconv.Itoa(tc.expect) {
			t.Fatalf("expected %d, got %s", tc.expect, got)
		}
	}
}

func TestTransportConcurrent(t *testing.T) {
	startServer(t, ":19102")

	tr := transport.New(dial(t, ":19102"), codec.CodecTypeJSON, nil)
	defer tr.Close()

	key := message.NewKey("add", "Demo")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			id, ch, err := tr.Send(key, []any{n, n})
			if err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			reply := <-ch
			tr.Forget(id)
			if reply.Err != nil {
				t.Errorf("transport error: %v", reply.Err)
				return
			}
			// each waiter gets exactly its own response, not a permutation
			if got := string(reply.Resp.Result); got != strconv.Itoa(2*n) {
				t.Errorf("call %d: expected %d, got %s", n, 2*n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestTransportDistinctIDs(t *testing.T) {
	startServer(t, ":19103")

	tr := transport.New(dial(t, ":19103"), codec.CodecTypeJSON, nil)
	defer tr.Close()

	key := message.NewKey("add", "Demo")
	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		id, ch, err := tr.Send(key, []any{i, i})
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 {
			t.Fatal("id 0 is reserved and must never be assigned")
		}
		if seen[id] {
			t.Fatalf("correlation id %d reused while outstanding ids exist", id)
		}
		seen[id] = true
		<-ch
		tr.Forget(id)
	}
}

// A close must wake callers still blocked on a response that will never
// come; nobody hangs forever.
func TestCloseWakesPendingWaiters(t *testing.T) {
	// A listener that accepts and never answers.
	ln, err := net.Listen("tcp", ":19104")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // hold it open, read nothing, answer nothing
		}
	}()

	tr := transport.New(dial(t, ":19104"), codec.CodecTypeJSON, nil)

	_, ch, err := tr.Send(message.NewKey("add", "Demo"), []any{1, 2})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.Close()
	}()

	select {
	case reply := <-ch:
		if !errors.Is(reply.Err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after Close")
	}

	if _, _, err := tr.Send(message.NewKey("add", "Demo"), []any{1, 2}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Send after Close should fail with ErrClosed, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	startServer(t, ":19105")

	tr := transport.New(dial(t, ":19105"), codec.CodecTypeJSON, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}
