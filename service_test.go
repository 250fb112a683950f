package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// echoHandler answers every request with its own params.
type echoHandler struct{}

func (echoHandler) OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error) {
	if len(params) == 0 {
		return struct{}{}, nil
	}
	return json.RawMessage(params), nil
}

func (echoHandler) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	return nil
}

func (echoHandler) Capabilities() Capabilities {
	return Capabilities{}
}

// blockingHandler holds every request until its context is cancelled or the
// release channel is closed.
type blockingHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error) {
	select {
	case h.started <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.release:
		return struct{}{}, nil
	}
}

func (h *blockingHandler) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	return nil
}

func (h *blockingHandler) Capabilities() Capabilities {
	return Capabilities{}
}

func startServicePair(t *testing.T, serverHandler Handler) (client *Service, clientTransport Transport) {
	t.Helper()

	ct, st := Pipe()

	server := NewService(RoleServer, serverHandler)
	go func() {
		_ = server.Run(context.Background(), st)
	}()

	client = NewService(RoleClient, noopHandler{})
	go func() {
		_ = client.Run(context.Background(), ct)
	}()

	t.Cleanup(func() {
		_ = ct.Close()
	})

	return client, ct
}

func TestCallResolvesExactlyOnce(t *testing.T) {
	client, _ := startServicePair(t, echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer := client.Peer()
	result, err := peer.Call(ctx, "test/echo", map[string]any{"value": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if got["value"] != "hello" {
		t.Errorf("got %v, want hello", got["value"])
	}

	// The resolved call must leave no slot behind.
	peer.mu.Lock()
	remaining := len(peer.pending)
	peer.mu.Unlock()
	if remaining != 0 {
		t.Errorf("pending table still holds %d entries", remaining)
	}
}

func TestConcurrentCallsResolveCorrectly(t *testing.T) {
	client, _ := startServicePair(t, echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const calls = 20

	var wg sync.WaitGroup
	errs := make(chan error, calls)

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			want := fmt.Sprintf("payload-%d", i)
			result, err := client.Peer().Call(ctx, "test/echo", map[string]any{"value": want})
			if err != nil {
				errs <- err
				return
			}

			var got map[string]any
			if err := json.Unmarshal(result, &got); err != nil {
				errs <- err
				return
			}
			if got["value"] != want {
				errs <- fmt.Errorf("call %d: got %v, want %s", i, got["value"], want)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUnknownIDResponseIsInert(t *testing.T) {
	ct, st := Pipe()
	defer ct.Close()

	client := NewService(RoleClient, noopHandler{})
	go func() {
		_ = client.Run(context.Background(), ct)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Inject a response nothing is waiting for.
	stray, err := newResultResponse(NewRequestID("no-such-id"), struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Write(ctx, stray); err != nil {
		t.Fatalf("failed to write stray response: %v", err)
	}

	// The connection must still be fully usable.
	done := make(chan error, 1)
	go func() {
		_, err := client.Peer().Call(ctx, "test/echo", nil)
		done <- err
	}()

	msg, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("failed to read request: %v", err)
	}
	resp, err := newResultResponse(msg.ID, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Write(ctx, resp); err != nil {
		t.Fatalf("failed to write response: %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("call after stray response failed: %v", err)
	}
}

func TestCloseResolvesAllPendingCalls(t *testing.T) {
	handler := &blockingHandler{
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	defer close(handler.release)

	client, ct := startServicePair(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const pending = 3
	errs := make(chan error, pending)
	for i := 0; i < pending; i++ {
		go func() {
			_, err := client.Peer().Call(ctx, "test/block", nil)
			errs <- err
		}()
	}

	// Wait for all three to reach the server before closing.
	for i := 0; i < pending; i++ {
		select {
		case <-handler.started:
		case <-ctx.Done():
			t.Fatal("handlers never started")
		}
	}

	if err := ct.Close(); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}

	for i := 0; i < pending; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("got %v, want ErrConnectionClosed", err)
			}
		case <-ctx.Done():
			t.Fatal("pending call never resolved")
		}
	}
}

func TestCallAfterCloseFailsFast(t *testing.T) {
	client, ct := startServicePair(t, echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer := client.Peer()
	if err := ct.Close(); err != nil {
		t.Fatal(err)
	}

	// Shutdown is asynchronous; the peer must fail fast once it lands.
	deadline := time.After(2 * time.Second)
	for {
		_, err := peer.Call(ctx, "test/echo", nil)
		if errors.Is(err, ErrConnectionClosed) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("call did not fail with ErrConnectionClosed, got: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPingAnsweredByRuntime(t *testing.T) {
	// The handler would reject ping; the runtime must answer it first.
	client, _ := startServicePair(t, noopHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Peer().Call(ctx, MethodPing, nil); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestCancelledCallNotifiesRemote(t *testing.T) {
	handler := &blockingHandler{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(handler.release)

	client, _ := startServicePair(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callCtx, cancelCall := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := client.Peer().Call(callCtx, "test/block", nil)
		done <- err
	}()

	select {
	case <-handler.started:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}

	cancelCall()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-ctx.Done():
		t.Fatal("cancelled call never resolved")
	}
}

func TestCancelledCallReturnsOnSaturatedTransport(t *testing.T) {
	// Nothing reads the far end, so the outbound buffer fills up and the
	// cancellation notification itself cannot be written.
	a, _ := Pipe()
	peer := newPeer(RoleClient, a, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callCtx, cancelCall := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := peer.Call(callCtx, "test/block", nil)
		done <- err
	}()

	for i := 0; i < 7; i++ {
		if err := peer.Notify(ctx, methodNotificationsInitialized, nil); err != nil {
			t.Fatalf("notify %d failed: %v", i, err)
		}
	}

	cancelCall()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call blocked behind the cancellation notification")
	}
}

func TestMethodNotFound(t *testing.T) {
	client, _ := startServicePair(t, noopHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Peer().Call(ctx, "test/missing", nil)

	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got %v, want *Error", err)
	}
	if rpcErr.Code != jsonRPCMethodNotFoundCode {
		t.Errorf("got code %d, want %d", rpcErr.Code, jsonRPCMethodNotFoundCode)
	}
}

func TestRoleRestrictsMethods(t *testing.T) {
	client, _ := startServicePair(t, echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// roots/list is a server-to-client request.
	if _, err := client.Peer().Call(ctx, MethodRootsList, nil); err == nil {
		t.Error("expected role violation error, got nil")
	}
}
