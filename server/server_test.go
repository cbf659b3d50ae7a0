package server

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"farcall/codec"
	"farcall/message"
	"farcall/protocol"
	"farcall/registry"
	"farcall/stub"
)

func newTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	reg := registry.New()
	stub.Export(reg, message.NewKey("add", "Demo"), func(a, b int) int { return a + b })

	svr := New(reg, nil)
	if _, err := svr.Start(addr); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Stop(true) })
	time.Sleep(100 * time.Millisecond)
	return svr
}

func sendRequest(t *testing.T, conn net.Conn, id uint32, req *message.Request) {
	t.Helper()
	c := codec.GetCodec(codec.CodecTypeJSON)
	body, err := c.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	header := &protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		ID:        id,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, header, body); err != nil {
		t.Fatal(err)
	}
}

func readResponse(t *testing.T, conn net.Conn) (*protocol.Header, *message.Response) {
	t.Helper()
	header, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	resp := &message.Response{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
		t.Fatal(err)
	}
	return header, resp
}

func TestServeRequest(t *testing.T) {
	newTestServer(t, ":19121")

	conn, err := net.Dial("tcp", ":19121")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendRequest(t, conn, 123, &message.Request{
		Key:  message.NewKey("add", "Demo"),
		Args: []json.RawMessage{[]byte("1"), []byte("2")},
	})

	header, resp := readResponse(t, conn)
	if header.ID != 123 {
		t.Fatalf("response must carry the request's id: want 123, got %d", header.ID)
	}
	if header.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expected response frame, got %d", header.MsgType)
	}
	if header.CodecType != byte(codec.CodecTypeJSON) {
		t.Fatalf("expected same codec as request, got %d", header.CodecType)
	}
	if resp.Kind != message.KindResult || string(resp.Result) != "3" {
		t.Fatalf("expected result 3, got %+v", resp)
	}
}

func TestUnknownKeyKeepsRequestID(t *testing.T) {
	newTestServer(t, ":19122")

	conn, err := net.Dial("tcp", ":19122")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendRequest(t, conn, 77, &message.Request{Key: message.NewKey("nope", "Demo")})

	header, resp := readResponse(t, conn)
	if header.ID != 77 {
		t.Fatalf("error response must carry the request's id, got %d", header.ID)
	}
	if resp.Kind != message.KindError || resp.Err == nil {
		t.Fatalf("expected error payload, got %+v", resp)
	}
	if len(resp.Err.Cause) == 0 || resp.Err.Cause[0].Kind != "not_registered" {
		t.Fatalf("expected not_registered cause, got %+v", resp.Err)
	}
}

// A frame whose body is not request-shaped gets an error response and the
// connection keeps serving well-formed requests afterwards.
func TestMalformedBodyDoesNotKillConnection(t *testing.T) {
	newTestServer(t, ":19123")

	conn, err := net.Dial("tcp", ":19123")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	garbage := []byte("this is not an envelope")
	header := &protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		ID:        55,
		BodyLen:   uint32(len(garbage)),
	}
	if err := protocol.Encode(conn, header, garbage); err != nil {
		t.Fatal(err)
	}

	respHeader, resp := readResponse(t, conn)
	if respHeader.ID != 55 {
		t.Fatalf("shape failure should answer under the frame's id, got %d", respHeader.ID)
	}
	if resp.Kind != message.KindError || resp.Err == nil {
		t.Fatalf("expected error payload, got %+v", resp)
	}
	if len(resp.Err.Cause) == 0 || resp.Err.Cause[0].Kind != "bad_message" {
		t.Fatalf("expected bad_message cause, got %+v", resp.Err)
	}

	// same connection still serves
	sendRequest(t, conn, 56, &message.Request{
		Key:  message.NewKey("add", "Demo"),
		Args: []json.RawMessage{[]byte("2"), []byte("3")},
	})
	respHeader, resp = readResponse(t, conn)
	if respHeader.ID != 56 || string(resp.Result) != "5" {
		t.Fatalf("connection should keep serving after a bad frame, got %d %+v", respHeader.ID, resp)
	}
}

func TestMissingKeyIsShapeFailure(t *testing.T) {
	newTestServer(t, ":19124")

	conn, err := net.Dial("tcp", ":19124")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendRequest(t, conn, 9, &message.Request{}) // no function key

	_, resp := readResponse(t, conn)
	if resp.Err == nil || len(resp.Err.Cause) == 0 || resp.Err.Cause[0].Kind != "bad_message" {
		t.Fatalf("keyless request should be a shape failure, got %+v", resp)
	}
}

func TestStartIdempotent(t *testing.T) {
	svr := newTestServer(t, ":19125")

	addr1, err := svr.Start(":19125")
	if err != nil {
		t.Fatalf("Start while listening must be a no-op, got %v", err)
	}
	addr2, err := svr.Start(":19125")
	if err != nil {
		t.Fatal(err)
	}
	if addr1.String() != addr2.String() {
		t.Fatalf("repeated Start must return the existing handle: %v vs %v", addr1, addr2)
	}
}

func TestStopIdempotentAndRestartable(t *testing.T) {
	reg := registry.New()
	svr := New(reg, nil)
	if _, err := svr.Start(":19126"); err != nil {
		t.Fatal(err)
	}

	if err := svr.Stop(false); err != nil {
		t.Fatal(err)
	}
	if err := svr.Stop(false); err != nil {
		t.Fatalf("Stop when idle must be a no-op, got %v", err)
	}

	// back to idle: Start works again
	if _, err := svr.Start(":19126"); err != nil {
		t.Fatalf("restart after Stop failed: %v", err)
	}
	svr.Stop(true)
}

func TestGracefulStopWaitsForClients(t *testing.T) {
	svr := newTestServer(t, ":19127")

	conn, err := net.Dial("tcp", ":19127")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let the server pick the conn up

	done := make(chan struct{})
	go func() {
		svr.Stop(false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("graceful stop returned while a client was still attached")
	case <-time.After(200 * time.Millisecond):
	}

	conn.Close() // client leaves
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful stop did not return after the client detached")
	}
}

func TestForcedStopReturnsPromptly(t *testing.T) {
	svr := newTestServer(t, ":19128")

	conn, err := net.Dial("tcp", ":19128")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		svr.Stop(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forced stop should return promptly with clients attached")
	}
}
