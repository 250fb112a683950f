package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/qri-io/jsonschema"
)

// Toolset accumulates tool definitions, typed or manual, and turns them into
// a ToolRouter. Typed tools reflect their schemas from Go structs; a typed
// tool and a manually registered tool with the same schema produce identical
// router entries and identical wire listings.
type Toolset struct {
	entries []toolsetEntry
	errs    []error
}

type toolsetEntry struct {
	tool    Tool
	handler ToolHandlerFunc
}

// NewToolset creates an empty toolset.
func NewToolset() *Toolset {
	return &Toolset{}
}

// Add registers a tool with a hand-written schema and handler.
func (ts *Toolset) Add(tool Tool, handler ToolHandlerFunc) *Toolset {
	ts.entries = append(ts.entries, toolsetEntry{tool: tool, handler: handler})
	return ts
}

// Router builds a ToolRouter containing every accumulated tool, in the order
// they were added. It fails if any typed tool failed schema reflection or any
// registration was rejected.
func (ts *Toolset) Router(options ...ToolRouterOption) (*ToolRouter, error) {
	if len(ts.errs) > 0 {
		return nil, ts.errs[0]
	}

	router := NewToolRouter(options...)
	for _, e := range ts.entries {
		if err := router.Register(e.tool, e.handler); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// TypedToolOption configures a typed tool built by AddTool or
// AddToolWithOutput.
type TypedToolOption func(*typedToolConfig)

type typedToolConfig struct {
	annotations     *ToolAnnotations
	allowAdditional bool
}

// WithToolAnnotations attaches behavioral hints to the tool descriptor.
func WithToolAnnotations(annotations ToolAnnotations) TypedToolOption {
	return func(c *typedToolConfig) {
		c.annotations = &annotations
	}
}

// WithAllowAdditionalProperties relaxes the reflected input schema to accept
// argument fields not declared on the args struct. By default unknown fields
// are rejected at validation time.
func WithAllowAdditionalProperties() TypedToolOption {
	return func(c *typedToolConfig) {
		c.allowAdditional = true
	}
}

// AddTool registers a typed tool whose input schema is reflected from the
// args struct A. Arguments are validated against the reflected schema by the
// router, then decoded into A before fn runs.
func AddTool[A any](ts *Toolset, name, description string, fn func(ctx context.Context, args A, rc *RequestContext) (CallToolResult, error), options ...TypedToolOption) *Toolset {
	var cfg typedToolConfig
	for _, opt := range options {
		opt(&cfg)
	}

	inputSchema, err := reflectSchema[A](cfg.allowAdditional)
	if err != nil {
		ts.errs = append(ts.errs, fmt.Errorf("tool %q: %w", name, err))
		return ts
	}

	return ts.Add(Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Annotations: cfg.annotations,
	}, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		args, err := decodeArguments[A](params.Arguments, !cfg.allowAdditional)
		if err != nil {
			return CallToolResult{}, &ToolError{Kind: ToolErrorInvalidParams, Tool: name, Detail: err.Error()}
		}
		return fn(ctx, args, rc)
	})
}

// AddToolWithOutput registers a typed tool with both input and output schemas
// reflected from Go structs. The returned O becomes the result's structured
// content, with a JSON rendering mirrored into the text content for callers
// that do not read structured output. The router enforces the output schema
// on every invocation.
func AddToolWithOutput[A, O any](ts *Toolset, name, description string, fn func(ctx context.Context, args A, rc *RequestContext) (O, error), options ...TypedToolOption) *Toolset {
	var cfg typedToolConfig
	for _, opt := range options {
		opt(&cfg)
	}

	inputSchema, err := reflectSchema[A](cfg.allowAdditional)
	if err != nil {
		ts.errs = append(ts.errs, fmt.Errorf("tool %q: %w", name, err))
		return ts
	}
	outputSchema, err := reflectSchema[O](false)
	if err != nil {
		ts.errs = append(ts.errs, fmt.Errorf("tool %q: %w", name, err))
		return ts
	}

	return ts.Add(Tool{
		Name:         name,
		Description:  description,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Annotations:  cfg.annotations,
	}, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		args, err := decodeArguments[A](params.Arguments, !cfg.allowAdditional)
		if err != nil {
			return CallToolResult{}, &ToolError{Kind: ToolErrorInvalidParams, Tool: name, Detail: err.Error()}
		}

		out, err := fn(ctx, args, rc)
		if err != nil {
			return CallToolResult{}, err
		}

		text, err := json.Marshal(out)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("failed to marshal tool output: %w", err)
		}
		return CallToolResult{
			Content:           []Content{TextContent(string(text))},
			StructuredContent: out,
		}, nil
	})
}

// reflectSchema derives a validation schema from a Go struct type. The struct
// is reflected into a draft JSON Schema, then re-parsed into the validator's
// representation so reflected and hand-written schemas flow through one
// validation path.
func reflectSchema[T any](allowAdditional bool) (*jsonschema.Schema, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	reflected := r.Reflect(new(T))
	reflected.Version = ""

	bs, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}

	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(bs, schema); err != nil {
		return nil, fmt.Errorf("failed to parse reflected schema: %w", err)
	}
	return schema, nil
}

// decodeArguments converts the generic argument map into the typed args
// struct. In strict mode fields the struct does not declare are rejected,
// matching the reflected schema's additionalProperties policy.
func decodeArguments[A any](arguments map[string]any, strict bool) (A, error) {
	var args A
	if arguments == nil {
		return args, nil
	}

	bs, err := json.Marshal(arguments)
	if err != nil {
		return args, fmt.Errorf("failed to encode arguments: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(bs))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return args, nil
}
