package mcp

import (
	"context"
	"errors"
	"testing"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type addResult struct {
	Sum float64 `json:"sum"`
}

func TestTypedToolInvocation(t *testing.T) {
	ts := NewToolset()
	AddTool(ts, "add", "adds two numbers", func(ctx context.Context, args addArgs, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{Content: []Content{TextContent("ok")}}, nil
	})

	router, err := ts.Router()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.0, "b": 2.0},
	}, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTypedToolRejectsUnknownFields(t *testing.T) {
	ts := NewToolset()
	AddTool(ts, "add", "adds two numbers", func(ctx context.Context, args addArgs, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{}, nil
	})

	router, err := ts.Router()
	if err != nil {
		t.Fatal(err)
	}

	_, err = router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.0, "b": 2.0, "c": 3.0},
	}, nil)

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("got %v, want *ToolError", err)
	}
	if toolErr.Kind != ToolErrorInvalidParams {
		t.Errorf("got kind %d, want ToolErrorInvalidParams", toolErr.Kind)
	}
}

func TestTypedToolWithOutput(t *testing.T) {
	ts := NewToolset()
	AddToolWithOutput(ts, "add", "adds two numbers", func(ctx context.Context, args addArgs, rc *RequestContext) (addResult, error) {
		return addResult{Sum: args.A + args.B}, nil
	})

	router, err := ts.Router()
	if err != nil {
		t.Fatal(err)
	}

	result, err := router.Call(context.Background(), CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 1.5, "b": 2.5},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum, ok := result.StructuredContent.(addResult)
	if !ok {
		t.Fatalf("got %T, want addResult", result.StructuredContent)
	}
	if sum.Sum != 4.0 {
		t.Errorf("got %v, want 4", sum.Sum)
	}
	if len(result.Content) == 0 {
		t.Error("text rendering missing")
	}
}

func TestTypedToolSchemaMatchesManual(t *testing.T) {
	ts := NewToolset()
	AddTool(ts, "add", "adds two numbers", func(ctx context.Context, args addArgs, rc *RequestContext) (CallToolResult, error) {
		return CallToolResult{}, nil
	})

	router, err := ts.Router()
	if err != nil {
		t.Fatal(err)
	}

	tools := router.Tools()
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].InputSchema == nil {
		t.Fatal("reflected input schema missing")
	}

	// The reflected schema must enforce the struct's required fields.
	if detail := validateSchema(context.Background(), tools[0].InputSchema, map[string]any{"a": 1.0}); detail == "" {
		t.Error("reflected schema accepted missing required field")
	}
}
