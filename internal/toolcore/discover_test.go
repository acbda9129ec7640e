package toolcore

import (
	"testing"
	"time"
)

type stubAdapter struct {
	name  string
	tools []DiscoveredTool
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Discover(snap Snapshot) []DiscoveredTool { return s.tools }
func (s *stubAdapter) CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	return map[string]interface{}{}, "stub.v1", nil
}

func TestRegistryDiscoverSortsByNameThenWorkspaceThenPID(t *testing.T) {
	pidA, pidB := int32(100), int32(50)
	reg := &Registry{Adapters: []Adapter{
		&stubAdapter{name: "zeta", tools: []DiscoveredTool{
			{ToolID: "z1", Name: "Zeta", WorkspaceDir: "/z", PID: &pidA},
		}},
		&stubAdapter{name: "alpha", tools: []DiscoveredTool{
			{ToolID: "a2", Name: "Alpha", WorkspaceDir: "/a", PID: &pidA},
			{ToolID: "a1", Name: "Alpha", WorkspaceDir: "/a", PID: &pidB},
		}},
	}}

	got := reg.Discover(Snapshot{})
	if len(got) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(got))
	}
	if got[0].ToolID != "a1" || got[1].ToolID != "a2" || got[2].ToolID != "z1" {
		t.Fatalf("unexpected sort order: %+v", got)
	}
}

func TestRegistryDiscoverEmitsFallbackWhenEmptyAndEnabled(t *testing.T) {
	reg := &Registry{FallbackEnabled: true}
	got := reg.Discover(Snapshot{})
	if len(got) != 1 || got[0].ToolID != "tool_local" {
		t.Fatalf("expected single fallback tool, got %+v", got)
	}
}

func TestRegistryDiscoverReturnsEmptyWhenFallbackDisabled(t *testing.T) {
	reg := &Registry{FallbackEnabled: false}
	got := reg.Discover(Snapshot{})
	if len(got) != 0 {
		t.Fatalf("expected no tools, got %+v", got)
	}
}

func TestRegistryAdapterForResolvesByToolIDPrefix(t *testing.T) {
	reg := DefaultRegistry(false)

	cases := map[string]string{
		"opencode_abc123_p1":    "opencode",
		"openclaw_abc123_gw":    "openclaw",
		"codex_abc123_p1":       "codex",
		"claude_code_abc123_p1": "claude-code",
	}
	for toolID, wantName := range cases {
		adapter := reg.AdapterFor(toolID)
		if adapter == nil {
			t.Fatalf("expected adapter for %s, got nil", toolID)
		}
		if adapter.Name() != wantName {
			t.Fatalf("toolId %s: expected adapter %s, got %s", toolID, wantName, adapter.Name())
		}
	}

	if reg.AdapterFor("tool_local") != nil {
		t.Fatalf("expected no adapter for fallback toolId")
	}
}
