package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrMethodNotFound is returned by handlers for methods they do not serve.
// The runtime answers the request with a JSON-RPC method-not-found error.
var ErrMethodNotFound = errors.New("method not found")

// Handler responds to inbound requests and notifications dispatched by a
// Service. Integrators supply the Handler; the core never inspects its
// internals beyond calling these three methods.
type Handler interface {
	// OnRequest serves one inbound request and returns the result payload or
	// an error. Returning ErrMethodNotFound, a *Error, or a *ToolError maps
	// to the corresponding JSON-RPC error response; any other error maps to
	// an internal error response. OnRequest runs concurrently with other
	// dispatches on the same connection.
	OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error)

	// OnNotification serves one inbound notification. Failures are recorded
	// in the log but never surfaced to the remote party.
	OnNotification(ctx context.Context, method string, params json.RawMessage) error

	// Capabilities reports the capability set advertised during the
	// initialize handshake.
	Capabilities() Capabilities
}

// Capabilities is the capability set exchanged during the initialize
// handshake. Nil members are not advertised.
type Capabilities struct {
	Tools    *ToolsCapability    `json:"tools,omitempty"`
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      Info         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      Info         `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

// RequestContext carries per-request out-of-band state into a Handler. It is
// never shared between requests.
type RequestContext struct {
	// Peer is the reverse-call handle for the connection the request arrived
	// on; handlers use it to issue requests back to the remote party while
	// serving this one.
	Peer *Peer

	// Meta holds the _meta object carried by the request envelope, when the
	// request kind supports one. Nil otherwise.
	Meta map[string]any

	// SessionID identifies the transport session the request belongs to, when
	// the transport is session-scoped. Empty otherwise.
	SessionID string

	mu     sync.RWMutex
	values map[string]any
}

// Set stores an extension value on the context, such as transport-level
// headers placed there by the session layer.
func (rc *RequestContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Get returns an extension value previously stored with Set.
func (rc *RequestContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	v, ok := rc.values[key]
	return v, ok
}

// ServiceState describes the lifecycle of a Service.
type ServiceState int

// Service lifecycle states. The order is strict: Init, Running, Closing,
// Closed; Closed is terminal.
const (
	StateInit ServiceState = iota
	StateRunning
	StateClosing
	StateClosed
)

var defaultMaxConcurrentRequests = 128

// Service drives one Transport: it pulls inbound envelopes with a single
// reader, dispatches requests and notifications to its Handler, and routes
// responses to the connection's Peer. Every Service owns its Peer, id
// counter, and pending table independently; unrelated Services can be torn
// down concurrently without coordination.
type Service struct {
	role    Role
	handler Handler
	info    Info
	logger  *slog.Logger

	maxConcurrent   int
	strictResponses bool

	ready chan struct{}

	mu       sync.Mutex
	state    ServiceState
	peer     *Peer
	inflight map[string]context.CancelFunc
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger used by the service. Defaults to
// slog.Default().
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceInfo sets the name and version reported during the initialize
// handshake.
func WithServiceInfo(info Info) ServiceOption {
	return func(s *Service) {
		s.info = info
	}
}

// WithMaxConcurrentRequests caps the number of handler invocations in flight
// on one connection. A slow handler only ever delays the response for its own
// request id; the cap bounds resource use under adversarial load. Zero means
// unlimited.
func WithMaxConcurrentRequests(n int) ServiceOption {
	return func(s *Service) {
		s.maxConcurrent = n
	}
}

// WithStrictResponses upgrades an inbound response with an unknown id from a
// warning-level log to a protocol violation that fails the connection. The
// default is the lenient policy.
func WithStrictResponses() ServiceOption {
	return func(s *Service) {
		s.strictResponses = true
	}
}

// NewService creates a service for the given role and handler. The service
// does nothing until Run is called with a transport.
func NewService(role Role, handler Handler, options ...ServiceOption) *Service {
	s := &Service{
		role:          role,
		handler:       handler,
		logger:        slog.Default(),
		maxConcurrent: defaultMaxConcurrentRequests,
		state:         StateInit,
		ready:         make(chan struct{}),
		inflight:      make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Service) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the connection's outbound handle. It blocks until Run has
// attached the service to a transport.
func (s *Service) Peer() *Peer {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Run attaches the service to a transport and blocks, reading envelopes until
// the stream ends, ctx is cancelled, or the transport fails. On return the
// transport is released, every outstanding local call has been failed with
// ErrConnectionClosed, and the service is Closed. A clean end of stream and
// cancellation both return nil; transport failures return the error.
func (s *Service) Run(ctx context.Context, transport Transport) error {
	return s.run(ctx, transport, "")
}

func (s *Service) run(ctx context.Context, transport Transport, sessionID string) error {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.state = StateRunning
	peer := newPeer(s.role, transport, s.logger)
	s.peer = peer
	s.mu.Unlock()
	close(s.ready)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Semaphore bounding concurrent handler invocations.
	var sem chan struct{}
	if s.maxConcurrent > 0 {
		sem = make(chan struct{}, s.maxConcurrent)
	}

	var wg sync.WaitGroup
	var runErr error

	for {
		msg, err := transport.Next(connCtx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				break
			}
			s.logger.Error("transport failed", slog.String("err", err.Error()))
			runErr = err
			break
		}

		switch msg.Kind() {
		case KindRequest:
			if sem != nil {
				select {
				case sem <- struct{}{}:
				case <-connCtx.Done():
					continue
				}
			}
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				if sem != nil {
					defer func() { <-sem }()
				}
				s.dispatchRequest(connCtx, peer, transport, msg, sessionID)
			}(msg)
		case KindNotification:
			if msg.Method == methodNotificationsCancelled {
				s.cancelInflight(msg.Params)
				continue
			}
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				if err := s.handler.OnNotification(connCtx, msg.Method, msg.Params); err != nil {
					// Notification failures are recorded, never surfaced.
					s.logger.Warn("notification handler failed",
						slog.String("method", msg.Method), slog.String("err", err.Error()))
				}
			}(msg)
		case KindResponse:
			if peer.deliver(msg) {
				continue
			}
			// An unknown or stale id. Non-fatal by default; observed servers
			// disagree on whether this deserves more than a log line.
			if s.strictResponses {
				runErr = fmt.Errorf("protocol violation: response with unknown id %s", msg.ID)
			} else {
				s.logger.Warn("dropping response with unknown id", slog.String("id", msg.ID.String()))
				continue
			}
		case KindInvalid:
			s.handleInvalid(connCtx, transport, msg)
			continue
		}

		if runErr != nil {
			break
		}
	}

	// Shutdown: fail outbound calls first so no caller hangs on a response
	// that can no longer arrive, then cancel in-flight dispatches and wait
	// for them before releasing the transport.
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()

	peer.closeWith(ErrConnectionClosed)
	cancel()
	wg.Wait()

	if err := transport.Close(); err != nil && runErr == nil {
		runErr = err
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	return runErr
}

func (s *Service) dispatchRequest(ctx context.Context, peer *Peer, transport Transport, msg Message, sessionID string) {
	// Answer pings from the runtime itself; they carry no handler semantics.
	if msg.Method == MethodPing {
		s.writeResponse(ctx, transport, msg.ID, struct{}{}, nil)
		return
	}
	if msg.Method == MethodInitialize && s.role == RoleServer {
		s.handleInitialize(ctx, transport, msg)
		return
	}

	key := msg.ID.String()
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	s.mu.Lock()
	s.inflight[key] = cancelReq
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	rc := &RequestContext{
		Peer:      peer,
		SessionID: sessionID,
		Meta:      extractMeta(msg.Method, msg.Params),
	}

	result, err := s.handler.OnRequest(reqCtx, msg.Method, msg.Params, rc)
	if reqCtx.Err() != nil && ctx.Err() == nil {
		// The remote cancelled this request; it no longer wants an answer.
		return
	}

	s.writeResponse(ctx, transport, msg.ID, result, err)
}

func (s *Service) handleInitialize(ctx context.Context, transport Transport, msg Message) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			resp := newErrorResponse(msg.ID, jsonRPCInvalidParamsCode, "invalid initialize params",
				map[string]any{"error": err.Error()})
			s.write(ctx, transport, resp)
			return
		}
	}

	s.writeResponse(ctx, transport, msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.handler.Capabilities(),
		ServerInfo:      s.info,
	}, nil)
}

func (s *Service) handleInvalid(ctx context.Context, transport Transport, msg Message) {
	// Malformed envelopes are answered for requests and logged for the rest.
	if !msg.ID.IsZero() && msg.Method != "" {
		resp := newErrorResponse(msg.ID, jsonRPCInvalidRequestCode, "invalid request", nil)
		s.write(ctx, transport, resp)
		return
	}
	s.logger.Warn("dropping malformed message", slog.String("method", msg.Method))
}

func (s *Service) writeResponse(ctx context.Context, transport Transport, id RequestID, result any, err error) {
	var resp Message
	switch {
	case err == nil:
		var mErr error
		resp, mErr = newResultResponse(id, result)
		if mErr != nil {
			s.logger.Error("failed to marshal result", slog.String("err", mErr.Error()))
			resp = newErrorResponse(id, jsonRPCInternalErrorCode, "internal error", nil)
		}
	default:
		resp = newErrorResponse(id, errorCode(err), err.Error(), nil)
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		}
	}

	s.write(ctx, transport, resp)
}

func (s *Service) write(ctx context.Context, transport Transport, msg Message) {
	wCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := transport.Write(wCtx, msg); err != nil {
		s.logger.Error("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *Service) cancelInflight(params json.RawMessage) {
	var p cancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	cancelReq, ok := s.inflight[p.RequestID.String()]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("cancelled request",
		slog.String("id", p.RequestID.String()), slog.String("reason", p.Reason))
	cancelReq()
}

// errorCode maps a handler error to a JSON-RPC error code.
func errorCode(err error) int {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.rpcCode()
	}
	if errors.Is(err, ErrMethodNotFound) {
		return jsonRPCMethodNotFoundCode
	}
	return jsonRPCInternalErrorCode
}

// extractMeta pulls the _meta object out of a request's params. Only the
// tools/call request kind supports envelope metadata; for every other method
// the field is ignored by design.
func extractMeta(method string, params json.RawMessage) map[string]any {
	if method != MethodToolsCall || len(params) == 0 {
		return nil
	}

	var probe struct {
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta
}

// ForwardingHandler adapts any container holding a Handler-capable value into
// a Handler by forwarding every operation. Wrapping is implemented once here
// rather than per container kind; owned and shared containers behave
// identically.
type ForwardingHandler[H Handler] struct {
	Inner H
}

// OnRequest implements Handler.
func (f ForwardingHandler[H]) OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error) {
	return f.Inner.OnRequest(ctx, method, params, rc)
}

// OnNotification implements Handler.
func (f ForwardingHandler[H]) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	return f.Inner.OnNotification(ctx, method, params)
}

// Capabilities implements Handler.
func (f ForwardingHandler[H]) Capabilities() Capabilities {
	return f.Inner.Capabilities()
}
