package toolcore

import (
	"strings"
	"time"
)

// CodexAdapter identifies `codex` CLI invocations process-only: no subprocess
// or file probing, just command-line metadata harvested from the process tree.
type CodexAdapter struct{}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) Discover(snap Snapshot) []DiscoveredTool {
	return discoverAncestorMetadataTool(snap, "codex", "Codex", "CODE_AGENT", buildCodexToolID)
}

func (a *CodexAdapter) CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	return map[string]interface{}{
		"workspaceDir": tool.WorkspaceDir,
		"modelInfo":    tool.ModelInfo,
	}, "codex.v1", nil
}

// ClaudeCodeAdapter identifies `claude` CLI invocations the same way Codex is
// identified: process-only, metadata harvested by walking ancestor commands.
type ClaudeCodeAdapter struct{}

func (a *ClaudeCodeAdapter) Name() string { return "claude-code" }

func (a *ClaudeCodeAdapter) Discover(snap Snapshot) []DiscoveredTool {
	return discoverAncestorMetadataTool(snap, "claude", "Claude Code", "CODE_AGENT", buildClaudeCodeToolID)
}

func (a *ClaudeCodeAdapter) CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	return map[string]interface{}{
		"workspaceDir": tool.WorkspaceDir,
		"modelInfo":    tool.ModelInfo,
	}, "claude-code.v1", nil
}

// discoverAncestorMetadataTool finds processes whose command basename matches
// executableName, then walks up to four ancestors looking for a parent command
// carrying --model/--profile flags, harvesting those values as the tool's
// modelInfo.
func discoverAncestorMetadataTool(
	snap Snapshot, executableName, displayName, category string,
	buildID func(workspace, command string, pid int32) string,
) []DiscoveredTool {
	var tools []DiscoveredTool
	for pid, info := range snap.ByPID {
		if commandBasename(info.Cmd) != executableName {
			continue
		}
		modelInfo := harvestAncestorModelInfo(snap, info.PPID, 4)
		p := pid
		workspace := info.Cwd
		tools = append(tools, DiscoveredTool{
			ToolID:       buildID(workspace, info.Cmd, pid),
			Name:         displayName,
			Vendor:       displayName,
			Category:     category,
			Mode:         ModeCLI,
			Status:       "running",
			Connected:    true,
			PID:          &p,
			WorkspaceDir: workspace,
			ModelInfo:    modelInfo,
			CollectedAt:  time.Now(),
			Source:       "process-probe",
		})
	}
	return tools
}

func harvestAncestorModelInfo(snap Snapshot, pid int32, maxHops int) string {
	for hop := 0; hop < maxHops && pid != 0; hop++ {
		info, ok := snap.ByPID[pid]
		if !ok {
			return ""
		}
		if model := extractFlagValue(info.Cmd, "--model"); model != "" {
			return model
		}
		if profile := extractFlagValue(info.Cmd, "--profile"); profile != "" {
			return profile
		}
		pid = info.PPID
	}
	return ""
}

// extractFlagValue pulls the value of `--flag value` or `--flag=value` out of
// a command line.
func extractFlagValue(cmd, flag string) string {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1]
		}
		if strings.HasPrefix(f, flag+"=") {
			return strings.TrimPrefix(f, flag+"=")
		}
	}
	return ""
}
