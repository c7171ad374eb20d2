package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestToolRegistryResolve(t *testing.T) {
	registry := NewToolRegistry()
	registry.MustRegister(echoTool("places"))

	tool, err := registry.Resolve("places")
	if err != nil || tool.Name() != "places" {
		t.Fatalf("Resolve = %v, %v", tool, err)
	}

	_, err = registry.Resolve("missing")
	if !errors.Is(err, ErrToolNotFound) || !IsToolError(err, ToolErrorNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestToolRegistryRegisterRejectsBadSchema(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(&funcTool{name: "bad", schema: `{"type": 12}`}); err == nil {
		t.Fatal("expected schema compile error")
	}
	if err := registry.Register(&funcTool{name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestToolRegistryInvoke(t *testing.T) {
	registry := NewToolRegistry()
	strict := &funcTool{
		name:   "strict",
		schema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		fn: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			var p struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.Query == "explode" {
				return nil, errors.New("upstream exploded")
			}
			if p.Query == "flagged" {
				return &ToolResult{Content: "bad things", IsError: true}, nil
			}
			if p.Query == "plain" {
				return &ToolResult{Content: "not json"}, nil
			}
			return JSONResult(map[string]string{"echo": p.Query})
		},
	}
	registry.MustRegister(strict)

	tests := []struct {
		name     string
		args     string
		wantType ToolErrorType
		want     string
	}{
		{name: "valid", args: `{"query":"tacos"}`, want: `{"echo":"tacos"}`},
		{name: "plain text is json encoded", args: `{"query":"plain"}`, want: `"not json"`},
		{name: "malformed json", args: `{"query":`, wantType: ToolErrorInvalidInput},
		{name: "schema violation", args: `{"query":5}`, wantType: ToolErrorInvalidInput},
		{name: "missing required", args: ``, wantType: ToolErrorInvalidInput},
		{name: "execution error", args: `{"query":"explode"}`, wantType: ToolErrorExecution},
		{name: "result flagged error", args: `{"query":"flagged"}`, wantType: ToolErrorExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := registry.Invoke(context.Background(), strict, json.RawMessage(tt.args))
			if tt.wantType != "" {
				if !IsToolError(err, tt.wantType) {
					t.Fatalf("err = %v, want %s", err, tt.wantType)
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if result.Content != tt.want {
				t.Fatalf("content = %s, want %s", result.Content, tt.want)
			}
		})
	}
}

func TestToolRegistryInvokeRejectsOversizedArgs(t *testing.T) {
	registry := NewToolRegistry()
	tool := echoTool("big")
	registry.MustRegister(tool)
	args := json.RawMessage(`"` + strings.Repeat("x", MaxToolParamsSize) + `"`)
	if _, err := registry.Invoke(context.Background(), tool, args); !IsToolError(err, ToolErrorInvalidInput) {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestToolRegistryToolsSorted(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"visualize_on_map", "search_google_maps", "alpha"} {
		registry.MustRegister(echoTool(name))
	}
	tools := registry.Tools()
	got := []string{tools[0].Name(), tools[1].Name(), tools[2].Name()}
	want := []string{"alpha", "search_google_maps", "visualize_on_map"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tools = %v, want %v", got, want)
		}
	}
}
