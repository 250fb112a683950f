package mcp

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"
)

func TestPipePreservesWriteOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		msg := Message{
			JSONRPC: JSONRPCVersion,
			ID:      NewRequestID(int64(i)),
			Method:  MethodPing,
		}
		if err := a.Write(ctx, msg); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		msg, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if got := msg.ID.String(); got != strconv.Itoa(i) {
			t.Errorf("position %d: got id %s", i, got)
		}
	}
}

func TestPipeCloseDrainsThenEOF(t *testing.T) {
	a, b := Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := Message{JSONRPC: JSONRPCVersion, Method: methodNotificationsInitialized}
	if err := a.Write(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// The message written before the close is still delivered.
	got, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("pre-close message lost: %v", err)
	}
	if got.Method != methodNotificationsInitialized {
		t.Errorf("got method %s", got.Method)
	}

	if _, err := b.Next(ctx); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestPipeWriteAfterClose(t *testing.T) {
	a, b := Pipe()
	_ = b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Write(ctx, Message{JSONRPC: JSONRPCVersion, Method: MethodPing})
	if err == nil {
		t.Error("write after close must fail")
	}
}
