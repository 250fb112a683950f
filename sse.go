package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSERetryConfig controls automatic reconnection of an SSEClient after its
// event stream drops. MaxTimes caps consecutive reconnection attempts, with
// zero meaning retry forever. MinDuration is the initial wait before the
// first attempt; the wait doubles after each attempt. Both reset only once a
// reconnected stream delivers a message, so a server that accepts connections
// without carrying traffic cannot hold the client forever.
type SSERetryConfig struct {
	MaxTimes    int
	MinDuration time.Duration
}

const defaultSSERetryMinDuration = time.Second

// SSEServer accepts Server-Sent Events connections and exposes each one as a
// Transport. Server-to-client traffic streams over the SSE response;
// client-to-server traffic arrives via HTTP POST to the message endpoint.
//
// The two http.Handlers are framework-agnostic and can be mounted on any
// router. New connections surface through the Transports iterator. Instances
// should be created using NewSSEServer and shut down using Shutdown when no
// longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	transports chan *sseServerTransport

	mu       sync.Mutex
	sessions map[string]*sseServerTransport

	done      chan struct{}
	closeOnce sync.Once
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger sets the logger used by the server. Defaults to
// slog.Default().
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// NewSSEServer creates an SSE server whose clients post their messages to
// messageURL. The returned server is immediately operational; mount HandleSSE
// and HandleMessage and consume Transports.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		transports: make(chan *sseServerTransport, 5),
		sessions:   make(map[string]*sseServerTransport),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Transports yields a Transport for each client that connects, in connection
// order. The iterator ends when the server shuts down.
func (s *SSEServer) Transports() iter.Seq[Transport] {
	return func(yield func(Transport) bool) {
		for {
			select {
			case <-s.done:
				return
			case t := <-s.transports:
				if !yield(t) {
					return
				}
			}
		}
	}
}

// Shutdown terminates every active connection and stops accepting new ones.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	sessions := make([]*sseServerTransport, 0, len(s.sessions))
	for _, t := range s.sessions {
		sessions = append(sessions, t)
	}
	s.mu.Unlock()

	for _, t := range sessions {
		_ = t.Close()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to close SSE server: %w", err)
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE connections over GET
// requests. Each connection is assigned a session id, told its message
// endpoint through an "endpoint" event, and surfaced as a Transport. The
// response stays open until the transport closes or the client disconnects.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		t := newSSEServerTransport(sessID, sess, s.logger)

		// Register before announcing the endpoint so a client that posts
		// immediately finds its session.
		s.mu.Lock()
		s.sessions[sessID] = t
		s.mu.Unlock()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		err = sess.Send(&msg)
		if err == nil {
			err = sess.Flush()
		}
		if err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
			return
		}

		go t.processSendMessages()

		select {
		case s.transports <- t:
		case <-s.done:
			_ = t.Close()
		}

		// Keep the response open for the life of the transport. The client
		// dropping the connection cancels the request context.
		select {
		case <-t.done:
		case <-r.Context().Done():
			_ = t.Close()
		case <-s.done:
			_ = t.Close()
		}

		s.mu.Lock()
		delete(s.sessions, sessID)
		s.mu.Unlock()
	})
}

// HandleMessage returns an http.Handler for client messages posted to the
// message endpoint. The handler expects a sessionID query parameter and a
// JSON-encoded envelope body; valid messages are routed to the session's
// Transport.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		t, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			// The session may already be gone; don't let a straggler 500.
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		select {
		case t.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-t.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

// sseServerTransport is the server-side Transport for one SSE connection.
// Sends are queued through a dedicated goroutine to avoid racing inside the
// SSE session.
type sseServerTransport struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan sseSendMsg
	receivedMsgs chan Message

	done      chan struct{}
	closeOnce sync.Once
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

func newSSEServerTransport(id string, sess *sse.Session, logger *slog.Logger) *sseServerTransport {
	return &sseServerTransport{
		id:           id,
		sess:         sess,
		logger:       logger,
		sendMsgs:     make(chan sseSendMsg, 5),
		receivedMsgs: make(chan Message, 5),
		done:         make(chan struct{}),
	}
}

// SessionID returns the session identifier minted for this connection.
func (t *sseServerTransport) SessionID() string { return t.id }

// Next implements Transport.
func (t *sseServerTransport) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, io.EOF
	case msg := <-t.receivedMsgs:
		return msg, nil
	}
}

// Write implements Transport. The envelope is framed as a "message" event and
// queued for the send goroutine.
func (t *sseServerTransport) Write(ctx context.Context, msg Message) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)
	select {
	case t.sendMsgs <- sseSendMsg{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTransportClosed
	}

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTransportClosed
	}
}

// Close implements Transport.
func (t *sseServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *sseServerTransport) processSendMessages() {
	for {
		select {
		case <-t.done:
			return
		case sm := <-t.sendMsgs:
			err := t.sess.Send(sm.msg)
			if err == nil {
				err = t.sess.Flush()
			}
			if err != nil {
				t.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		}
	}
}

// SSEClient is the client-side Transport for the SSE protocol. It consumes
// server events from the connect URL and posts outbound envelopes to the
// message endpoint announced by the server.
//
// A dropped event stream is reconnected automatically according to the
// configured SSERetryConfig; once retries are exhausted the failure surfaces
// through Next. Instances should be created using NewSSEClient and started
// with Start before use.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	retry          SSERetryConfig
	maxPayloadSize int

	messages chan Message
	ready    chan struct{}
	readyFn  sync.Once
	cancel   context.CancelFunc

	mu         sync.Mutex
	messageURL string
	termErr    error
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientLogger sets the logger used by the client. Defaults to
// slog.Default().
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// accepted from the server. Oversized events fail the stream and trigger the
// retry policy.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientRetry sets the reconnection policy for dropped event streams.
func WithSSEClientRetry(retry SSERetryConfig) SSEClientOption {
	return func(s *SSEClient) {
		s.retry = retry
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. A nil
// httpClient falls back to http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		retry:      SSERetryConfig{MinDuration: defaultSSERetryMinDuration},
		messages:   make(chan Message),
		ready:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.retry.MinDuration <= 0 {
		s.retry.MinDuration = defaultSSERetryMinDuration
	}
	return s
}

// Start establishes the event stream. The initial connection failure is
// returned synchronously; once Start succeeds, later stream drops are handled
// by the retry policy in the background.
func (s *SSEClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	body, err := s.connect(runCtx)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	go s.run(runCtx, body)
	return nil
}

func (s *SSEClient) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// run consumes the event stream and reconnects on failure. Attempt count and
// backoff reset only once a reconnected stream delivers a message; a server
// that accepts the connection and immediately drops it still drains the
// budget.
func (s *SSEClient) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.messages)

	attempts := 0
	delay := s.retry.MinDuration

	for {
		if s.readStream(ctx, body) {
			attempts = 0
			delay = s.retry.MinDuration
		}
		if ctx.Err() != nil {
			return
		}

		for {
			attempts++
			if s.retry.MaxTimes > 0 && attempts > s.retry.MaxTimes {
				s.fail(fmt.Errorf("connection lost after %d reconnection attempts", s.retry.MaxTimes))
				return
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2

			b, err := s.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("failed to reconnect to SSE server",
					slog.Int("attempt", attempts), slog.String("err", err.Error()))
				continue
			}

			body = b
			break
		}
	}
}

// readStream consumes one connection's events. It reports whether the stream
// delivered any protocol message before ending.
func (s *SSEClient) readStream(ctx context.Context, body io.ReadCloser) (progressed bool) {
	defer body.Close()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: s.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("event stream failed", slog.String("err", err.Error()))
			}
			return progressed
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil || u.String() == "" {
				s.logger.Error("invalid endpoint URL", slog.String("data", ev.Data))
				return progressed
			}
			s.mu.Lock()
			s.messageURL = u.String()
			s.mu.Unlock()
			s.readyFn.Do(func() { close(s.ready) })
		case "message":
			var msg Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			progressed = true
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				return progressed
			}
		default:
			s.logger.Error("unhandled event type", slog.String("type", string(ev.Type)))
		}
	}
	return progressed
}

func (s *SSEClient) fail(err error) {
	s.mu.Lock()
	if s.termErr == nil {
		s.termErr = err
	}
	s.mu.Unlock()
}

// Next implements Transport. After the retry policy gives up, Next returns
// the terminal connection error; a deliberate Close yields io.EOF.
func (s *SSEClient) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-s.messages:
		if !ok {
			s.mu.Lock()
			err := s.termErr
			s.mu.Unlock()
			if err != nil {
				return Message{}, err
			}
			return Message{}, io.EOF
		}
		return msg, nil
	}
}

// Write implements Transport. It posts the envelope to the message endpoint
// announced by the server, waiting for the endpoint event if the stream is
// still handshaking.
func (s *SSEClient) Write(ctx context.Context, msg Message) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Close implements Transport.
func (s *SSEClient) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
