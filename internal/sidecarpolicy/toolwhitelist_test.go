package sidecarpolicy

import (
	"path/filepath"
	"testing"
)

func TestToolWhitelistConnectAppliesSingleOpenClawPolicy(t *testing.T) {
	w, err := LoadToolWhitelist(filepath.Join(t.TempDir(), "tool-whitelist.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w.Connect("openclaw_aaa111_gw")
	w.Connect("opencode_bbb222_p1")
	w.Connect("openclaw_ccc333_p5")

	snap := w.Snapshot()
	if snap["openclaw_aaa111_gw"] {
		t.Fatalf("expected prior openclaw entry replaced")
	}
	if !snap["openclaw_ccc333_p5"] {
		t.Fatalf("expected new openclaw entry present")
	}
	if !snap["opencode_bbb222_p1"] {
		t.Fatalf("expected unrelated entry untouched")
	}
}

func TestToolWhitelistContainsOpenClawSingleInstanceTolerance(t *testing.T) {
	w, err := LoadToolWhitelist(filepath.Join(t.TempDir(), "tool-whitelist.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w.Connect("openclaw_aaa111_gw")

	if !w.Contains("openclaw_zzz999_p7") {
		t.Fatalf("expected single whitelisted OpenClaw entry to tolerate any OpenClaw toolId")
	}
	if w.Contains("opencode_zzz999_p7") {
		t.Fatalf("expected non-OpenClaw toolId to be rejected")
	}
}

func TestToolWhitelistPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool-whitelist.json")
	w, err := LoadToolWhitelist(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w.Connect("codex_abc123_p1")
	if err := w.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded, err := LoadToolWhitelist(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Contains("codex_abc123_p1") {
		t.Fatalf("expected persisted entry to survive reload")
	}
}

func TestToolWhitelistResetClearsAll(t *testing.T) {
	w, err := LoadToolWhitelist(filepath.Join(t.TempDir(), "tool-whitelist.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w.Connect("codex_abc123_p1")
	w.Reset()
	if len(w.Snapshot()) != 0 {
		t.Fatalf("expected empty whitelist after reset")
	}
}
