package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/config"
	"github.com/haasonsaas/atlas/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "runs", "tools", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(configEnv, "")
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "atlas dev") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "atlas.yaml")
	if err := os.WriteFile(good, []byte("version: 1\nchannels:\n  web:\n    enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "validate", "-c", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Config OK") || !strings.Contains(out, "channels: web") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("version: 1\ntools:\n  on_error: explode\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", "-c", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestToolsListCommand(t *testing.T) {
	out, err := execute(t, "tools", "list")
	if err != nil {
		t.Fatalf("tools list: %v", err)
	}
	if !strings.Contains(out, "search_google_maps") || !strings.Contains(out, "visualize_on_map") {
		t.Fatalf("output = %q", out)
	}

	out, err = execute(t, "tools", "list", "--schemas")
	if err != nil {
		t.Fatalf("tools list --schemas: %v", err)
	}
	if !strings.Contains(out, `"map_data"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestRunsCancelRequiresThread(t *testing.T) {
	if _, err := execute(t, "runs", "cancel"); err == nil {
		t.Fatal("expected error without --thread")
	}
}

type runsEngine struct {
	agent.Engine
	runs      []models.Run
	cancelled []string
}

func (e *runsEngine) ListRuns(context.Context, string, agent.ListRunsRequest) (models.RunPage, error) {
	return models.RunPage{Runs: e.runs}, nil
}

func (e *runsEngine) CancelRun(_ context.Context, threadID, runID string) (models.Run, error) {
	e.cancelled = append(e.cancelled, runID)
	return models.Run{ID: runID, ThreadID: threadID, Status: models.RunStatusCancelling}, nil
}

func TestCancelThreadRuns(t *testing.T) {
	engine := &runsEngine{runs: []models.Run{
		{ID: "run-1", Status: models.RunStatusInProgress},
		{ID: "run-2", Status: models.RunStatusCompleted},
		{ID: "run-3", Status: models.RunStatusRequiresAction},
	}}
	cmd := buildRunsCancelCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	if err := cancelThreadRuns(cmd, engine, config.Default(), nil, "thread-9"); err != nil {
		t.Fatalf("cancelThreadRuns: %v", err)
	}
	if strings.Join(engine.cancelled, ",") != "run-1,run-3" {
		t.Fatalf("cancelled = %v", engine.cancelled)
	}
	if !strings.Contains(out.String(), "Cancelled 2 run(s) on thread-9") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/etc/atlas/env.yaml")
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path = %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/atlas/env.yaml" {
		t.Fatalf("env path = %q", got)
	}
}
