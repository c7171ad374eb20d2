package toolconv

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/atlas/internal/agent"
)

type stubTool struct {
	name   string
	schema string
}

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return s.name + " tool" }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(s.schema) }
func (s stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "{}"}, nil
}

func TestToAssistantTools(t *testing.T) {
	tools := []agent.Tool{
		stubTool{name: "places", schema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`},
		stubTool{name: "broken", schema: `not json`},
	}

	got := ToAssistantTools(tools, true)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Type != openai.AssistantToolTypeFunction || got[0].Function.Name != "places" {
		t.Fatalf("first tool = %+v", got[0])
	}
	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("parameters = %#v", got[0].Function.Parameters)
	}
	fallback, ok := got[1].Function.Parameters.(map[string]any)
	if !ok || fallback["type"] != "object" {
		t.Fatalf("invalid schema should fall back to an empty object, got %#v", got[1].Function.Parameters)
	}
	if got[2].Type != openai.AssistantToolTypeFileSearch || got[2].Function != nil {
		t.Fatalf("last tool = %+v, want file_search", got[2])
	}
}

func TestToAssistantToolsWithoutFileSearch(t *testing.T) {
	got := ToAssistantTools(nil, false)
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}
