package toolcore

import "testing"

func TestHashSourceDeterministicOverWorkspace(t *testing.T) {
	a := hashSource("/Users/dev/project", "", 111)
	b := hashSource("/Users/dev/project", "", 222)
	if a != b {
		t.Fatalf("expected same workspace to hash identically regardless of pid, got %q vs %q", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("expected 12-hex hash, got %q (%d chars)", a, len(a))
	}
}

func TestHashSourceFallsBackToCommandThenPID(t *testing.T) {
	withWorkspace := hashSource("/a/b", "cmd --flag", 5)
	withCommandOnly := hashSource("", "cmd --flag", 5)
	withNeither := hashSource("", "", 5)

	if withWorkspace == withCommandOnly {
		t.Fatalf("workspace and command-only hashes should differ for a non-trivial case")
	}
	if withNeither != hashSource("", "", 5) {
		t.Fatalf("pid-only fallback should be deterministic")
	}
}

func TestBuildOpenCodeToolIDIncludesPIDSuffix(t *testing.T) {
	id := buildOpenCodeToolID("/workspace", 42)
	if id != "opencode_"+hashSource("/workspace", "", 42)+"_p42" {
		t.Fatalf("unexpected toolId shape: %s", id)
	}
}

func TestBuildOpenClawToolIDGatewayIsPIDStable(t *testing.T) {
	gw := buildOpenClawToolID("/workspace", "openclaw-gateway", 10, true)
	cli := buildOpenClawToolID("/workspace", "openclaw status", 20, false)

	if gw != "openclaw_"+hashSource("/workspace", "openclaw-gateway", 10)+"_gw" {
		t.Fatalf("unexpected gateway toolId: %s", gw)
	}
	if cli != "openclaw_"+hashSource("/workspace", "openclaw status", 20)+"_p20" {
		t.Fatalf("unexpected cli toolId: %s", cli)
	}
}

func TestOpenClawHashOfExtractsEmbeddedHash(t *testing.T) {
	id := buildOpenClawToolID("/workspace", "openclaw-gateway", 10, true)
	hash, ok := openClawHashOf(id)
	if !ok {
		t.Fatalf("expected hash extraction to succeed for %s", id)
	}
	if hash != hashSource("/workspace", "openclaw-gateway", 10) {
		t.Fatalf("extracted hash %q did not match source hash", hash)
	}

	if _, ok := openClawHashOf("opencode_abc123_p1"); ok {
		t.Fatalf("expected non-openclaw toolId to fail extraction")
	}
}
