package mcp

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStdIORoundTrip(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	client := NewStdIO(clientIn, clientOut)
	server := NewStdIO(serverIn, serverOut)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := Message{
		JSONRPC: JSONRPCVersion,
		ID:      NewRequestID(int64(1)),
		Method:  MethodPing,
	}
	go func() {
		_ = client.Write(ctx, req)
	}()

	got, err := server.Next(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if got.Method != MethodPing {
		t.Errorf("got method %s, want %s", got.Method, MethodPing)
	}
	if got.ID.String() != "1" {
		t.Errorf("got id %s, want 1", got.ID.String())
	}
}

func TestStdIOSkipsMalformedLines(t *testing.T) {
	reader, writer := io.Pipe()

	transport := NewStdIO(reader, io.Discard)
	defer transport.Close()

	go func() {
		_, _ = writer.Write([]byte("this is not json\n"))
		bs, _ := json.Marshal(Message{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsInitialized,
		})
		_, _ = writer.Write(append(bs, '\n'))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := transport.Next(ctx)
	if err != nil {
		t.Fatalf("failed to read past malformed line: %v", err)
	}
	if msg.Method != methodNotificationsInitialized {
		t.Errorf("got method %s, want %s", msg.Method, methodNotificationsInitialized)
	}
}

func TestStdIOEndOfStream(t *testing.T) {
	reader, writer := io.Pipe()

	transport := NewStdIO(reader, io.Discard)
	defer transport.Close()

	_ = writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := transport.Next(ctx); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestStdIOConcurrentWritesDoNotInterleave(t *testing.T) {
	reader, writer := io.Pipe()

	sender := NewStdIO(strings.NewReader(""), writer)
	receiver := NewStdIO(reader, io.Discard)
	defer sender.Close()
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const writes = 10
	for i := 0; i < writes; i++ {
		go func(i int) {
			_ = sender.Write(ctx, Message{
				JSONRPC: JSONRPCVersion,
				ID:      NewRequestID(int64(i)),
				Method:  MethodPing,
			})
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < writes; i++ {
		msg, err := receiver.Next(ctx)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if msg.Method != MethodPing {
			t.Fatalf("frame corrupted: %+v", msg)
		}
		seen[msg.ID.String()] = true
	}
	if len(seen) != writes {
		t.Errorf("got %d distinct ids, want %d", len(seen), writes)
	}
}
