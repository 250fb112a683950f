package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned by Peer.Call when the connection shut down
// before a response arrived, and by calls issued after shutdown. It marks a
// local failure, as opposed to an *Error reported by the remote party.
var ErrConnectionClosed = errors.New("connection closed")

const userCancelledReason = "user requested cancellation"

// Peer is the local handle for issuing correlated requests and notifications
// to the remote party over one connection. It owns the connection's id
// counter and pending-request table; distinct connections never share state.
//
// A Peer supports any number of concurrent outstanding calls. All outbound
// traffic funnels through the transport's writer, so concurrent callers queue
// for write access but never wait on each other's response.
type Peer struct {
	role      Role
	transport Transport
	logger    *slog.Logger

	// nextID is monotonic for the life of the connection; ids are never reused.
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error
}

type pendingCall struct {
	respCh chan Message
	errCh  chan error
}

// CallOption configures a single outbound call.
type CallOption func(*callConfig)

type callConfig struct {
	meta map[string]any
}

// WithRequestMeta attaches a _meta object to the outbound request params.
// Only tools/call requests support being annotated this way; for every other
// request kind the metadata is silently ignored. This mirrors the protocol
// surface, where _meta is only defined for tool invocations.
func WithRequestMeta(meta map[string]any) CallOption {
	return func(c *callConfig) {
		c.meta = meta
	}
}

func newPeer(role Role, transport Transport, logger *slog.Logger) *Peer {
	return &Peer{
		role:      role,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingCall),
	}
}

// Call sends a request and blocks until exactly one of: a matching response
// arrives (returning its result or remote *Error), the connection closes
// (ErrConnectionClosed), or ctx is cancelled (ctx.Err(), with a best-effort
// notifications/cancelled sent to the remote). The pending entry is removed
// exactly once regardless of which path resolves it.
func (p *Peer) Call(ctx context.Context, method string, params any, options ...CallOption) (json.RawMessage, error) {
	var cfg callConfig
	for _, opt := range options {
		opt(&cfg)
	}

	if !p.role.mayCall(method) {
		return nil, fmt.Errorf("role %s may not call method %s", p.role, method)
	}

	id := NewRequestID(int64(p.nextID.Add(1)))
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if cfg.meta != nil && method == MethodToolsCall {
		msg.Params, err = attachMeta(msg.Params, cfg.meta)
		if err != nil {
			return nil, err
		}
	}

	pc := &pendingCall{
		respCh: make(chan Message, 1),
		errCh:  make(chan error, 1),
	}

	key := id.String()
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	p.pending[key] = pc
	p.mu.Unlock()

	if err := p.transport.Write(ctx, msg); err != nil {
		p.remove(key)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		p.remove(key)
		go p.sendCancelled(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. It returns once the transport accepted the
// write; no correlation state is created and no acknowledgement is awaited.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	msg, err := newRequest(RequestID{}, method, params)
	if err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	if err := p.transport.Write(ctx, msg); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// deliver routes an inbound response to its waiter. It reports whether a
// pending call matched; unmatched responses are left to the caller's policy.
func (p *Peer) deliver(msg Message) bool {
	key := msg.ID.String()

	p.mu.Lock()
	pc, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if ok {
		pc.respCh <- msg
	}
	return ok
}

// closeWith fails every outstanding call with err and makes subsequent calls
// fail fast. It is idempotent; only the first close error sticks.
func (p *Peer) closeWith(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- err
	}
}

func (p *Peer) remove(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

func (p *Peer) sendCancelled(id RequestID) {
	msg, err := newRequest(RequestID{}, methodNotificationsCancelled, cancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})
	if err != nil {
		return
	}
	// Best effort; the caller already gave up on this request and must not
	// wait on a transport that may itself be stuck.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.transport.Write(ctx, msg); err != nil {
		p.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

// attachMeta merges a _meta object into a params payload. The payload must be
// a JSON object (or empty).
func attachMeta(params json.RawMessage, meta map[string]any) (json.RawMessage, error) {
	obj := make(map[string]any)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("failed to attach _meta: params is not an object: %w", err)
		}
	}
	obj["_meta"] = meta

	bs, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params with _meta: %w", err)
	}
	return bs, nil
}
