package toolcore

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"
)

// hashSource normalizes a workspace path (preferred) or command string (fallback)
// into the 12-hex fingerprint used throughout toolId construction.
func hashSource(workspace, command string, pid int32) string {
	source := normalizePath(workspace)
	if source == "" {
		source = normalizeCommand(command)
	}
	if source == "" {
		source = strconv.Itoa(int(pid))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	return fmt.Sprintf("%012x", h.Sum64())[:12]
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func normalizeCommand(c string) string {
	return strings.TrimSpace(c)
}

// buildOpenCodeToolID builds a per-workspace, per-instance id: hash over the
// workspace keys the id so restarts of the same workspace collapse to the same
// fingerprint, while the pid suffix distinguishes simultaneous instances.
func buildOpenCodeToolID(workspace string, pid int32) string {
	return fmt.Sprintf("opencode_%s_p%d", hashSource(workspace, "", pid), pid)
}

// buildOpenClawToolID builds an OpenClaw toolId. The gateway process is
// PID-stable ("_gw") because the daemon restarts under a fresh pid; CLI
// invocations are instance-scoped ("_p<pid>").
func buildOpenClawToolID(workspace, command string, pid int32, isGateway bool) string {
	hash := hashSource(workspace, command, pid)
	if isGateway {
		return fmt.Sprintf("openclaw_%s_gw", hash)
	}
	return fmt.Sprintf("openclaw_%s_p%d", hash, pid)
}

func buildCodexToolID(workspace, command string, pid int32) string {
	return fmt.Sprintf("codex_%s_p%d", hashSource(workspace, command, pid), pid)
}

func buildClaudeCodeToolID(workspace, command string, pid int32) string {
	return fmt.Sprintf("claude_code_%s_p%d", hashSource(workspace, command, pid), pid)
}

// openClawHashOf extracts the 12-hex hash embedded in an OpenClaw toolId, used by
// the whitelist to match across pid drift and gateway restarts.
func openClawHashOf(toolID string) (string, bool) {
	if !strings.HasPrefix(toolID, "openclaw_") {
		return "", false
	}
	rest := strings.TrimPrefix(toolID, "openclaw_")
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}
