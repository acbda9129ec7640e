package toolcore

import "testing"

func TestDiscoverAncestorMetadataToolHarvestsParentModelFlag(t *testing.T) {
	snap := procSnapshot(map[int32]ProcInfo{
		1: {PID: 1, Cmd: "some-wrapper --model gpt-5", Cwd: "/ws"},
		2: {PID: 2, PPID: 1, Cmd: "codex", Cwd: "/ws"},
	})

	adapter := &CodexAdapter{}
	tools := adapter.Discover(snap)
	if len(tools) != 1 {
		t.Fatalf("expected 1 codex tool, got %d", len(tools))
	}
	if tools[0].ModelInfo != "gpt-5" {
		t.Fatalf("expected harvested model gpt-5, got %q", tools[0].ModelInfo)
	}
}

func TestExtractFlagValueHandlesBothForms(t *testing.T) {
	if got := extractFlagValue("cmd --model gpt-5", "--model"); got != "gpt-5" {
		t.Fatalf("space form: got %q", got)
	}
	if got := extractFlagValue("cmd --model=gpt-5", "--model"); got != "gpt-5" {
		t.Fatalf("equals form: got %q", got)
	}
	if got := extractFlagValue("cmd --other x", "--model"); got != "" {
		t.Fatalf("expected empty when flag absent, got %q", got)
	}
}

func TestClaudeCodeAdapterDiscoversByBasename(t *testing.T) {
	snap := procSnapshot(map[int32]ProcInfo{
		1: {PID: 1, Cmd: "claude --profile work", Cwd: "/ws"},
	})

	adapter := &ClaudeCodeAdapter{}
	tools := adapter.Discover(snap)
	if len(tools) != 1 {
		t.Fatalf("expected 1 claude-code tool, got %d", len(tools))
	}
	if tools[0].Name != "Claude Code" {
		t.Fatalf("unexpected name %q", tools[0].Name)
	}
}
