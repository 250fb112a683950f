package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client is the typed client-side surface of a connection. It performs the
// initialize handshake and exposes the core request methods over the
// connection's Peer; server-initiated requests are dispatched to the
// configured Handler.
//
// Instances should be created using NewClient, connected with Connect, and
// released with Close.
type Client struct {
	transport Transport
	handler   Handler
	info      Info
	logger    *slog.Logger

	service *Service
	runErr  chan error

	mu                 sync.Mutex
	started            bool
	serverInfo         Info
	serverCapabilities Capabilities
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used by the client. Defaults to
// slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientInfo sets the name and version reported during the initialize
// handshake.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithClientHandler sets the Handler serving server-initiated requests such
// as roots/list and sampling/createMessage. Without one, every
// server-initiated request is answered with method-not-found.
func WithClientHandler(handler Handler) ClientOption {
	return func(c *Client) {
		c.handler = handler
	}
}

// NewClient creates a client over the given transport. The connection is not
// established until Connect is called.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		handler:   noopHandler{},
		logger:    slog.Default(),
		runErr:    make(chan error, 1),
	}
	for _, opt := range options {
		opt(c)
	}
	c.service = NewService(RoleClient, c.handler, WithServiceLogger(c.logger), WithServiceInfo(c.info))
	return c
}

// Connect starts the connection runtime and performs the initialize
// handshake: an initialize request followed by the initialized notification.
// On success the server's identity and capabilities are available through
// ServerInfo and ServerCapabilities.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		c.runErr <- c.service.Run(context.WithoutCancel(ctx), c.transport)
	}()

	result, err := c.service.Peer().Call(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.handler.Capabilities(),
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var initResult initializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.serverCapabilities = initResult.Capabilities
	c.mu.Unlock()

	if err := c.service.Peer().Notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// ServerInfo returns the server identity reported during the handshake.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capability set reported during the
// handshake.
func (c *Client) ServerCapabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Ping checks connection health.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.service.Peer().Call(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves the server's tools, one page at a time.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	raw, err := c.service.Peer().Call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal tools list: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool on the server. Failures reported by the server
// come back as *Error; local failures keep their own types.
func (c *Client) CallTool(ctx context.Context, params CallToolParams, options ...CallOption) (CallToolResult, error) {
	raw, err := c.service.Peer().Call(ctx, MethodToolsCall, params, options...)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

// Close ends the connection and waits for the runtime to finish. Pending
// calls fail with ErrConnectionClosed. Closing a client that never connected
// only releases the transport.
func (c *Client) Close() error {
	if err := c.transport.Close(); err != nil {
		return err
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}
	return <-c.runErr
}

// noopHandler rejects every request; clients without a handler advertise no
// capabilities.
type noopHandler struct{}

func (noopHandler) OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error) {
	return nil, ErrMethodNotFound
}

func (noopHandler) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	return nil
}

func (noopHandler) Capabilities() Capabilities {
	return Capabilities{}
}
