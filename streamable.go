package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HeaderSessionID is the HTTP header carrying the streamable session id.
const HeaderSessionID = "Mcp-Session-Id"

const (
	defaultStreamableKeepAlive   = 15 * time.Second
	defaultStreamableIdleTimeout = 30 * time.Minute
)

// StreamableServer serves the protocol over streamable HTTP on a single
// endpoint. POST carries client-to-server envelopes, with the response to a
// posted request returned on that same exchange; GET opens a server-to-client
// event stream for everything else; DELETE ends the session.
//
// In the default stateful mode an initialize request mints a session whose id
// travels in the Mcp-Session-Id header of every later exchange. Stateless
// mode treats each POST as an independent exchange with no session state.
//
// StreamableServer implements http.Handler and can be mounted on any router.
type StreamableServer struct {
	handler Handler
	logger  *slog.Logger

	stateless      bool
	keepAlive      time.Duration
	idleTimeout    time.Duration
	serviceOptions []ServiceOption

	mu       sync.Mutex
	sessions map[string]*streamableSession

	done      chan struct{}
	closeOnce sync.Once
}

// StreamableOption configures a StreamableServer.
type StreamableOption func(*StreamableServer)

// WithStreamableLogger sets the logger used by the server. Defaults to
// slog.Default().
func WithStreamableLogger(logger *slog.Logger) StreamableOption {
	return func(s *StreamableServer) {
		s.logger = logger
	}
}

// WithStreamableStateless disables session minting; every POST is served as
// an independent exchange and no Mcp-Session-Id header is issued or required.
func WithStreamableStateless() StreamableOption {
	return func(s *StreamableServer) {
		s.stateless = true
	}
}

// WithStreamableKeepAlive sets the interval between keep-alive comments on
// the GET event stream. Zero or negative disables keep-alives. Defaults to
// 15 seconds.
func WithStreamableKeepAlive(d time.Duration) StreamableOption {
	return func(s *StreamableServer) {
		s.keepAlive = d
	}
}

// WithStreamableIdleTimeout sets how long a session may sit without traffic
// before it is expired. Zero disables expiry. Defaults to 30 minutes.
func WithStreamableIdleTimeout(d time.Duration) StreamableOption {
	return func(s *StreamableServer) {
		s.idleTimeout = d
	}
}

// WithStreamableServiceOptions forwards options to the Service created for
// each session.
func WithStreamableServiceOptions(options ...ServiceOption) StreamableOption {
	return func(s *StreamableServer) {
		s.serviceOptions = options
	}
}

// NewStreamableServer creates a streamable HTTP server dispatching to the
// given handler. Each session gets its own Service wrapping the handler; the
// handler must tolerate concurrent sessions.
func NewStreamableServer(handler Handler, options ...StreamableOption) *StreamableServer {
	s := &StreamableServer{
		handler:     handler,
		logger:      slog.Default(),
		keepAlive:   defaultStreamableKeepAlive,
		idleTimeout: defaultStreamableIdleTimeout,
		sessions:    make(map[string]*streamableSession),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if !s.stateless && s.idleTimeout > 0 {
		go s.expireIdleSessions()
	}
	return s
}

// Shutdown tears down every active session. Subsequent requests are rejected
// with 503.
func (s *StreamableServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	sessions := make([]*streamableSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to shut down streamable server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *StreamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *StreamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest,
			newErrorResponse(RequestID{}, jsonRPCParseErrorCode, "failed to parse message", nil))
		return
	}

	if s.stateless {
		s.serveStateless(w, r, msg)
		return
	}

	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		if msg.Kind() != KindRequest || msg.Method != MethodInitialize {
			http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
			return
		}
		s.initializeSession(w, r, msg)
		return
	}

	sess := s.lookup(sessID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.touch()

	switch msg.Kind() {
	case KindRequest:
		s.exchange(w, r, sess, msg)
	case KindNotification, KindResponse:
		if err := sess.transport.push(r.Context(), msg); err != nil {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		writeJSON(w, http.StatusBadRequest,
			newErrorResponse(msg.ID, jsonRPCInvalidRequestCode, "invalid request", nil))
	}
}

// initializeSession mints a session, spawns its Service, and serves the
// initialize exchange on this POST.
func (s *StreamableServer) initializeSession(w http.ResponseWriter, r *http.Request, msg Message) {
	sessID := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &streamableSession{
		id:        sessID,
		createdAt: time.Now(),
		transport: newStreamableTransport(),
		cancel:    cancel,
	}
	sess.touch()

	service := NewService(RoleServer, ForwardingHandler[Handler]{Inner: s.handler}, s.serviceOptions...)

	s.mu.Lock()
	s.sessions[sessID] = sess
	s.mu.Unlock()

	go func() {
		if err := service.run(ctx, sess.transport, sessID); err != nil {
			s.logger.Warn("session service failed",
				slog.String("sessionID", sessID), slog.String("err", err.Error()))
		}
		s.remove(sessID)
	}()

	w.Header().Set(HeaderSessionID, sessID)
	s.exchange(w, r, sess, msg)
}

// exchange injects a request and holds the POST open until its response is
// ready, then returns it on this exchange. Responses to requests never travel
// on the GET stream.
func (s *StreamableServer) exchange(w http.ResponseWriter, r *http.Request, sess *streamableSession, msg Message) {
	respCh := sess.transport.expectResponse(msg.ID)
	defer sess.transport.forgetResponse(msg.ID)

	if err := sess.transport.push(r.Context(), msg); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	select {
	case resp := <-respCh:
		writeJSON(w, http.StatusOK, resp)
	case <-sess.transport.done:
		http.Error(w, "session closed", http.StatusGone)
	case <-r.Context().Done():
	}
}

// serveStateless runs one ephemeral service for the lifetime of a single
// exchange.
func (s *StreamableServer) serveStateless(w http.ResponseWriter, r *http.Request, msg Message) {
	transport := newStreamableTransport()
	service := NewService(RoleServer, ForwardingHandler[Handler]{Inner: s.handler}, s.serviceOptions...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = service.run(ctx, transport, "")
	}()
	defer transport.Close()

	if msg.Kind() != KindRequest {
		if err := transport.push(r.Context(), msg); err == nil {
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}

	respCh := transport.expectResponse(msg.ID)
	if err := transport.push(r.Context(), msg); err != nil {
		http.Error(w, "failed to dispatch message", http.StatusInternalServerError)
		return
	}

	select {
	case resp := <-respCh:
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

// handleGet attaches the server-to-client event stream. Server-initiated
// requests and notifications flow here as "message" events, padded with
// keep-alive comments so intermediaries don't reap the idle connection.
func (s *StreamableServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		http.Error(w, "no event stream in stateless mode", http.StatusMethodNotAllowed)
		return
	}

	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := s.lookup(sessID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.touch()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.transport.done:
			return
		case msg := <-sess.transport.events:
			bs, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal event", slog.String("err", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", bs); err != nil {
				return
			}
			flusher.Flush()
			sess.touch()
		case <-keepAlive:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *StreamableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := s.lookup(sessID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	sess.stop()
	s.remove(sessID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *StreamableServer) lookup(sessID string) *streamableSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessID]
}

func (s *StreamableServer) remove(sessID string) {
	s.mu.Lock()
	delete(s.sessions, sessID)
	s.mu.Unlock()
}

func (s *StreamableServer) expireIdleSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(-s.idleTimeout)

		s.mu.Lock()
		var expired []*streamableSession
		for _, sess := range s.sessions {
			if sess.lastActivity().Before(deadline) {
				expired = append(expired, sess)
			}
		}
		s.mu.Unlock()

		for _, sess := range expired {
			s.logger.Info("expiring idle session", slog.String("sessionID", sess.id))
			sess.stop()
			s.remove(sess.id)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

type streamableSession struct {
	id        string
	createdAt time.Time
	transport *streamableTransport
	cancel    context.CancelFunc

	lastActive atomic.Int64
}

func (s *streamableSession) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *streamableSession) lastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *streamableSession) stop() {
	_ = s.transport.Close()
	s.cancel()
}

// streamableTransport is the per-session Transport behind the streamable HTTP
// surface. Inbound envelopes come from POST bodies; outbound envelopes split
// between POST rendezvous channels (responses to posted requests) and the GET
// event stream (everything else).
type streamableTransport struct {
	inbound chan Message
	events  chan Message

	mu         sync.Mutex
	rendezvous map[string]chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func newStreamableTransport() *streamableTransport {
	return &streamableTransport{
		inbound:    make(chan Message, 8),
		events:     make(chan Message, 16),
		rendezvous: make(map[string]chan Message),
		done:       make(chan struct{}),
	}
}

// Next implements Transport.
func (t *streamableTransport) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, io.EOF
	case msg := <-t.inbound:
		return msg, nil
	}
}

// Write implements Transport. Responses go back on their waiting POST
// exchange; everything else queues for the event stream. A response whose
// exchange is gone is dropped, never rerouted to the stream.
func (t *streamableTransport) Write(ctx context.Context, msg Message) error {
	if msg.Kind() == KindResponse {
		t.mu.Lock()
		ch, ok := t.rendezvous[msg.ID.String()]
		t.mu.Unlock()
		if !ok {
			// The posting client disconnected before the response was ready.
			return nil
		}
		select {
		case ch <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return errTransportClosed
		}
	}

	select {
	case t.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTransportClosed
	}
}

// Close implements Transport.
func (t *streamableTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *streamableTransport) push(ctx context.Context, msg Message) error {
	select {
	case t.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTransportClosed
	}
}

func (t *streamableTransport) expectResponse(id RequestID) chan Message {
	ch := make(chan Message, 1)
	t.mu.Lock()
	t.rendezvous[id.String()] = ch
	t.mu.Unlock()
	return ch
}

func (t *streamableTransport) forgetResponse(id RequestID) {
	t.mu.Lock()
	delete(t.rendezvous, id.String())
	t.mu.Unlock()
}
