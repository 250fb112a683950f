package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// ContentType represents the type of content in messages.
type ContentType string

// ContentType values.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
)

// Content represents a message content block with its type. Text is populated
// for text content; Data and MimeType carry base64 payloads for image and
// audio content.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent is a convenience constructor for a text content block.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// ToolAnnotations carry behavioral hints about a tool. They are advisory
// metadata for the caller, never enforced by the router.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

// Tool defines a callable tool with its input schema. InputSchema defines the
// expected format of arguments; OutputSchema, when present, obligates the
// tool to return structured content conforming to it.
type Tool struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations   `json:"annotations,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is a paginated list of tools. NextCursor, when set, can be
// passed to the next list call to retrieve the following page.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments must satisfy the tool's InputSchema.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Meta carries envelope metadata such as a progress token.
	Meta map[string]any `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError marks a
// tool-level failure the model is meant to see, as opposed to a protocol
// error. StructuredContent is required when the tool declares an output
// schema.
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// ToolErrorKind classifies tool invocation failures.
type ToolErrorKind int

// ToolErrorKind values.
const (
	// ToolErrorNotFound means no tool with the requested name is registered.
	ToolErrorNotFound ToolErrorKind = iota
	// ToolErrorInvalidParams means the arguments failed input schema validation.
	ToolErrorInvalidParams
	// ToolErrorExecution means the tool's handler returned an error.
	ToolErrorExecution
	// ToolErrorOutputSchema means the tool declared an output schema but its
	// result omitted structured content or the content failed validation.
	ToolErrorOutputSchema
)

// ToolError describes why a tool invocation failed. It distinguishes the
// failure stages so callers can tell a missing tool from bad arguments from a
// handler fault.
type ToolError struct {
	Kind   ToolErrorKind
	Tool   string
	Detail string
	err    error
}

func (e *ToolError) Error() string {
	switch e.Kind {
	case ToolErrorNotFound:
		return fmt.Sprintf("tool %q not found", e.Tool)
	case ToolErrorInvalidParams:
		return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, e.Detail)
	case ToolErrorOutputSchema:
		return fmt.Sprintf("tool %q: output schema violation: %s", e.Tool, e.Detail)
	default:
		if e.err != nil {
			return fmt.Sprintf("tool %q: %s", e.Tool, e.err)
		}
		return fmt.Sprintf("tool %q: execution failed", e.Tool)
	}
}

func (e *ToolError) Unwrap() error {
	return e.err
}

// rpcCode maps the failure stage onto a JSON-RPC error code. Missing tools
// and bad arguments are both caller faults; handler and output-contract
// failures are server faults.
func (e *ToolError) rpcCode() int {
	switch e.Kind {
	case ToolErrorNotFound, ToolErrorInvalidParams:
		return jsonRPCInvalidParamsCode
	default:
		return jsonRPCInternalErrorCode
	}
}

// ToolHandlerFunc executes one tool invocation. The RequestContext gives the
// handler a reverse-call handle to the requesting party.
type ToolHandlerFunc func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error)

type toolEntry struct {
	tool    Tool
	handler ToolHandlerFunc
}

// ToolRouter holds a registry of tools and dispatches invocations to their
// handlers. Registration order is observable: listings report tools in the
// order they were registered.
//
// A ToolRouter is safe for concurrent use; tools may be registered while
// invocations are in flight.
type ToolRouter struct {
	overwrite bool

	mu      sync.RWMutex
	order   []string
	entries map[string]*toolEntry
}

// ToolRouterOption configures a ToolRouter.
type ToolRouterOption func(*ToolRouter)

// WithToolOverwrite makes Register replace an existing tool of the same name
// instead of rejecting the registration. The replaced tool keeps its original
// position in the listing order.
func WithToolOverwrite() ToolRouterOption {
	return func(r *ToolRouter) {
		r.overwrite = true
	}
}

// NewToolRouter creates an empty router.
func NewToolRouter(options ...ToolRouterOption) *ToolRouter {
	r := &ToolRouter{
		entries: make(map[string]*toolEntry),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a tool and its handler to the router. Registering a name that
// already exists fails unless the router was built with WithToolOverwrite.
func (r *ToolRouter) Register(tool Tool, handler ToolHandlerFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[tool.Name]; ok {
		if !r.overwrite {
			return fmt.Errorf("tool %q already registered", tool.Name)
		}
		r.entries[tool.Name] = &toolEntry{tool: tool, handler: handler}
		return nil
	}

	r.entries[tool.Name] = &toolEntry{tool: tool, handler: handler}
	r.order = append(r.order, tool.Name)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *ToolRouter) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.entries[name].tool)
	}
	return tools
}

// Call resolves and invokes a tool. The pipeline short-circuits in order:
// unknown name, input schema validation, handler execution, output schema
// enforcement. Failures are reported as *ToolError with the stage that
// rejected the invocation.
func (r *ToolRouter) Call(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
	r.mu.RLock()
	entry, ok := r.entries[params.Name]
	r.mu.RUnlock()
	if !ok {
		return CallToolResult{}, &ToolError{Kind: ToolErrorNotFound, Tool: params.Name}
	}

	if entry.tool.InputSchema != nil {
		args := params.Arguments
		if args == nil {
			args = map[string]any{}
		}
		if detail := validateSchema(ctx, entry.tool.InputSchema, args); detail != "" {
			return CallToolResult{}, &ToolError{Kind: ToolErrorInvalidParams, Tool: params.Name, Detail: detail}
		}
	}

	result, err := entry.handler(ctx, params, rc)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return CallToolResult{}, toolErr
		}
		return CallToolResult{}, &ToolError{Kind: ToolErrorExecution, Tool: params.Name, err: err}
	}

	if entry.tool.OutputSchema != nil {
		if result.StructuredContent == nil {
			return CallToolResult{}, &ToolError{
				Kind:   ToolErrorOutputSchema,
				Tool:   params.Name,
				Detail: "structured content is required",
			}
		}
		structured, err := normalizeForValidation(result.StructuredContent)
		if err != nil {
			return CallToolResult{}, &ToolError{Kind: ToolErrorOutputSchema, Tool: params.Name, Detail: err.Error()}
		}
		if detail := validateSchema(ctx, entry.tool.OutputSchema, structured); detail != "" {
			return CallToolResult{}, &ToolError{Kind: ToolErrorOutputSchema, Tool: params.Name, Detail: detail}
		}
	}

	return result, nil
}

// validateSchema runs a value through a schema and returns a joined error
// string, empty on success.
func validateSchema(ctx context.Context, schema *jsonschema.Schema, value any) string {
	vs := schema.Validate(ctx, value)
	errs := *vs.Errs
	if len(errs) == 0 {
		return ""
	}

	var errStr []string
	for _, err := range errs {
		errStr = append(errStr, err.Message)
	}
	return strings.Join(errStr, ", ")
}

// normalizeForValidation round-trips a Go value through JSON so typed structs
// validate the same way their wire form would.
func normalizeForValidation(value any) (any, error) {
	bs, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal structured content: %w", err)
	}
	var out any
	if err := json.Unmarshal(bs, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize structured content: %w", err)
	}
	return out, nil
}

// ToolHandler adapts a ToolRouter into a Handler serving tools/list and
// tools/call. Every other method is reported as not found so integrators can
// compose it with their own handlers.
type ToolHandler struct {
	router   *ToolRouter
	pageSize int
}

// ToolHandlerOption configures a ToolHandler.
type ToolHandlerOption func(*ToolHandler)

// WithToolPageSize caps the number of tools returned per tools/list page.
// Zero, the default, returns the full list in one page.
func WithToolPageSize(n int) ToolHandlerOption {
	return func(h *ToolHandler) {
		h.pageSize = n
	}
}

// NewToolHandler creates a Handler backed by the given router.
func NewToolHandler(router *ToolRouter, options ...ToolHandlerOption) *ToolHandler {
	h := &ToolHandler{router: router}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// OnRequest implements Handler.
func (h *ToolHandler) OnRequest(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (any, error) {
	switch method {
	case MethodToolsList:
		var p ListToolsParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &Error{Code: jsonRPCInvalidParamsCode, Message: "invalid tools/list params"}
			}
		}
		return h.listTools(p)
	case MethodToolsCall:
		var p CallToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: jsonRPCInvalidParamsCode, Message: "invalid tools/call params"}
		}
		return h.router.Call(ctx, p, rc)
	default:
		return nil, ErrMethodNotFound
	}
}

// OnNotification implements Handler. Tool routing has no notification
// surface; everything is accepted and dropped.
func (h *ToolHandler) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	return nil
}

// Capabilities implements Handler.
func (h *ToolHandler) Capabilities() Capabilities {
	return Capabilities{Tools: &ToolsCapability{}}
}

func (h *ToolHandler) listTools(params ListToolsParams) (ListToolsResult, error) {
	tools := h.router.Tools()
	if h.pageSize <= 0 {
		return ListToolsResult{Tools: tools}, nil
	}

	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(tools) {
			return ListToolsResult{}, &Error{Code: jsonRPCInvalidParamsCode, Message: "invalid cursor"}
		}
		start = n
	}

	end := start + h.pageSize
	var next string
	if end >= len(tools) {
		end = len(tools)
	} else {
		next = strconv.Itoa(end)
	}

	return ListToolsResult{Tools: tools[start:end], NextCursor: next}, nil
}
