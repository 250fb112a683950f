package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/qri-io/jsonschema"
)

var addInputSchema = jsonschema.Must(`{
	"type": "object",
	"properties": {
		"a": { "type": "number" },
		"b": { "type": "number" }
	},
	"required": ["a", "b"]
}`)

var sumOutputSchema = jsonschema.Must(`{
	"type": "object",
	"properties": {
		"sum": { "type": "number" }
	},
	"required": ["sum"]
}`)

func addTool(t *testing.T, router *ToolRouter, name string, handler ToolHandlerFunc) {
	t.Helper()
	err := router.Register(Tool{
		Name:        name,
		Description: "adds two numbers",
		InputSchema: addInputSchema,
	}, handler)
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
}

func TestToolRouterNotFound(t *testing.T) {
	router := NewToolRouter()

	invoked := false
	addTool(t, router, "add", func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		invoked = true
		return CallToolResult{}, nil
	})

	_, err := router.Call(context.Background(), CallToolParams{Name: "subtract"}, nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("got %v, want *ToolError", err)
	}
	if toolErr.Kind != ToolErrorNotFound {
		t.Errorf("got kind %d, want ToolErrorNotFound", toolErr.Kind)
	}
	if invoked {
		t.Error("handler must not run for unknown tool")
	}
}

func TestToolRouterInvalidParams(t *testing.T) {
	router := NewToolRouter()

	invoked := false
	addTool(t, router, "add", func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		invoked = true
		return CallToolResult{}, nil
	})

	_, err := router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.0},
	}, nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("got %v, want *ToolError", err)
	}
	if toolErr.Kind != ToolErrorInvalidParams {
		t.Errorf("got kind %d, want ToolErrorInvalidParams", toolErr.Kind)
	}
	if toolErr.Detail == "" {
		t.Error("invalid params must carry a diagnostic")
	}
	if invoked {
		t.Error("handler must not run on validation failure")
	}
}

func TestToolRouterExecutionError(t *testing.T) {
	router := NewToolRouter()

	addTool(t, router, "add", func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{}, fmt.Errorf("overflow")
	})

	_, err := router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.0, "b": 2.0},
	}, nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("got %v, want *ToolError", err)
	}
	if toolErr.Kind != ToolErrorExecution {
		t.Errorf("got kind %d, want ToolErrorExecution", toolErr.Kind)
	}
	if toolErr.rpcCode() != jsonRPCInternalErrorCode {
		t.Errorf("got code %d, want %d", toolErr.rpcCode(), jsonRPCInternalErrorCode)
	}
}

func TestToolRouterOutputSchemaViolation(t *testing.T) {
	tests := []struct {
		name   string
		result CallToolResult
	}{
		{
			name:   "missing structured content",
			result: CallToolResult{Content: []Content{TextContent("3")}},
		},
		{
			name:   "non-conforming structured content",
			result: CallToolResult{StructuredContent: map[string]any{"total": 3.0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewToolRouter()
			err := router.Register(Tool{
				Name:         "add",
				InputSchema:  addInputSchema,
				OutputSchema: sumOutputSchema,
			}, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
				return tt.result, nil
			})
			if err != nil {
				t.Fatal(err)
			}

			_, err = router.Call(context.Background(), CallToolParams{
				Name:      "add",
				Arguments: map[string]any{"a": 1.0, "b": 2.0},
			}, nil)

			var toolErr *ToolError
			if !errors.As(err, &toolErr) {
				t.Fatalf("got %v, want *ToolError", err)
			}
			if toolErr.Kind != ToolErrorOutputSchema {
				t.Errorf("got kind %d, want ToolErrorOutputSchema", toolErr.Kind)
			}
		})
	}
}

func TestToolRouterOutputSchemaAccepted(t *testing.T) {
	router := NewToolRouter()
	err := router.Register(Tool{
		Name:         "add",
		InputSchema:  addInputSchema,
		OutputSchema: sumOutputSchema,
	}, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{
			Content:           []Content{TextContent("3")},
			StructuredContent: map[string]any{"sum": 3.0},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.0, "b": 2.0},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StructuredContent == nil {
		t.Error("structured content lost")
	}
}

func TestToolRouterListOrder(t *testing.T) {
	router := NewToolRouter()

	names := []string{"charlie", "alpha", "bravo"}
	for _, name := range names {
		addTool(t, router, name, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
			return CallToolResult{}, nil
		})
	}

	tools := router.Tools()
	if len(tools) != len(names) {
		t.Fatalf("got %d tools, want %d", len(tools), len(names))
	}
	for i, name := range names {
		if tools[i].Name != name {
			t.Errorf("position %d: got %s, want %s", i, tools[i].Name, name)
		}
	}
}

func TestToolRouterDuplicateRegistration(t *testing.T) {
	router := NewToolRouter()
	handler := func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{}, nil
	}

	addTool(t, router, "add", handler)
	if err := router.Register(Tool{Name: "add"}, handler); err == nil {
		t.Error("duplicate registration must fail")
	}

	overwriting := NewToolRouter(WithToolOverwrite())
	if err := overwriting.Register(Tool{Name: "add"}, handler); err != nil {
		t.Fatal(err)
	}
	if err := overwriting.Register(Tool{Name: "add", Description: "v2"}, handler); err != nil {
		t.Errorf("overwrite registration failed: %v", err)
	}
	if got := overwriting.Tools()[0].Description; got != "v2" {
		t.Errorf("got description %q, want v2", got)
	}
}

func TestToolHandlerPagination(t *testing.T) {
	router := NewToolRouter()
	for _, name := range []string{"a", "b", "c"} {
		addTool(t, router, name, func(ctx context.Context, params CallToolParams, rc *RequestContext) (CallToolResult, error) {
			return CallToolResult{}, nil
		})
	}

	handler := NewToolHandler(router, WithToolPageSize(2))

	first, err := handler.listTools(ListToolsParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Tools) != 2 || first.NextCursor == "" {
		t.Fatalf("got %d tools, cursor %q", len(first.Tools), first.NextCursor)
	}

	second, err := handler.listTools(ListToolsParams{Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Tools) != 1 || second.NextCursor != "" {
		t.Fatalf("got %d tools, cursor %q", len(second.Tools), second.NextCursor)
	}
	if second.Tools[0].Name != "c" {
		t.Errorf("got %s, want c", second.Tools[0].Name)
	}
}
