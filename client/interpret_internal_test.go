package client

import (
	"strings"
	"testing"

	"farcall/message"
)

func TestInterpretLegacyPayloads(t *testing.T) {
	key := message.NewKey("legacy", "Demo")

	// legacy error-prefixed string raises a generic failure
	_, err := interpret(key, &message.Response{Result: []byte(`"` + message.ErrPrefix + `boom"`)})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("legacy error payload should fail with its message, got %v", err)
	}

	// unknown kind with a plain value is taken as a direct result
	v, err := interpret(key, &message.Response{Kind: "fancy-future-kind", Result: []byte("42")})
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(42) {
		t.Errorf("expected forward-compat value 42, got %v", v)
	}

	// empty payload means a nil result
	v, err = interpret(key, &message.Response{Kind: message.KindResult})
	if err != nil || v != nil {
		t.Errorf("expected nil result, got (%v, %v)", v, err)
	}
}
