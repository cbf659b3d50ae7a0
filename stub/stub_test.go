package stub

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"farcall/client"
	"farcall/codec"
	"farcall/message"
	"farcall/registry"
	"farcall/rpcerr"
	"farcall/server"
)

// End to end: the server exports add under (Demo, add),
// the client binds a local alias, and calling the alias behaves like a
// local call, including the arity failure on missing arguments.
func TestBindAndExport(t *testing.T) {
	reg := registry.New()
	Export(reg, message.NewKey("add", "Demo"), func(a, b int) int { return a + b })

	svr := server.New(reg, nil)
	if _, err := svr.Start(":19131"); err != nil {
		t.Fatal(err)
	}
	defer svr.Stop(true)
	time.Sleep(100 * time.Millisecond)

	conn := client.New(codec.CodecTypeJSON, nil)
	if err := conn.Connect(":19131"); err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	remoteAdd := Bind(conn, message.NewKey("add", "Demo"))

	v, err := remoteAdd(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(30) {
		t.Fatalf("expected 30, got %v", v)
	}

	// missing arguments surface as a wrapped arity failure
	_, err = remoteAdd()
	if err == nil {
		t.Fatal("missing arguments must fail")
	}
	if !errors.Is(err, rpcerr.ErrBadArity) {
		t.Errorf("expected arity cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "Demo.add") {
		t.Errorf("failure should name the key, got %q", err.Error())
	}
}

func TestExportReplacesBinding(t *testing.T) {
	reg := registry.New()
	key := message.NewKey("answer", "Demo")

	Export(reg, key, func() int { return 1 })
	Export(reg, key, func() int { return 42 })

	h, ok := reg.Lookup(key)
	if !ok {
		t.Fatal("lookup failed")
	}
	v, err := h(nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("last export must win, got %v", v)
	}
}
