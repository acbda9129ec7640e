package toolcore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// OpenCodeAdapter discovers OpenCode wrapper/runtime processes and correlates
// them with the tool's local session storage.
type OpenCodeAdapter struct {
	// HomeDir overrides the user home directory probed for session storage;
	// empty uses os.UserHomeDir().
	HomeDir string
}

func (a *OpenCodeAdapter) Name() string { return "opencode" }

var openCodeExcludedSubcommands = []string{"serve", "web", "debug", "completion", "--help", "--version"}

func isOpenCodeCandidateCommand(cmdLower string) bool {
	return strings.Contains(cmdLower, "opencode")
}

// isOpenCodeWrapperCommand requires the command token to be the executable
// basename "opencode" and excludes non-agent subcommands.
func isOpenCodeWrapperCommand(cmd string) bool {
	base := commandBasename(cmd)
	if base != "opencode" {
		return false
	}
	lower := strings.ToLower(cmd)
	for _, excluded := range openCodeExcludedSubcommands {
		if strings.Contains(lower, " "+excluded) {
			return false
		}
	}
	return true
}

// pickRuntimePID chooses the candidate most likely to be the actual OpenCode
// runtime: one whose command references the darwin-arm64 binary path, else the
// wrapper itself.
func pickRuntimePID(wrapperPID int32, candidates []int32, byPID map[int32]ProcInfo) int32 {
	for _, pid := range candidates {
		if info, ok := byPID[pid]; ok && strings.Contains(strings.ToLower(info.Cmd), "opencode-darwin-arm64/bin/opencode") {
			return pid
		}
	}
	return wrapperPID
}

func (a *OpenCodeAdapter) Discover(snap Snapshot) []DiscoveredTool {
	var wrapperPIDs []int32
	for pid, info := range snap.ByPID {
		lower := strings.ToLower(info.Cmd)
		if isOpenCodeCandidateCommand(lower) && isOpenCodeWrapperCommand(info.Cmd) {
			wrapperPIDs = append(wrapperPIDs, pid)
		}
	}
	sort.Slice(wrapperPIDs, func(i, j int) bool { return wrapperPIDs[i] < wrapperPIDs[j] })

	var tools []DiscoveredTool
	claimed := make(map[int32]bool, len(wrapperPIDs))
	for _, wrapperPID := range wrapperPIDs {
		claimed[wrapperPID] = true
		candidates := append([]int32{wrapperPID}, snap.children(wrapperPID)...)
		runtimePID := pickRuntimePID(wrapperPID, candidates, snap.ByPID)
		claimed[runtimePID] = true

		cwd := snap.ByPID[runtimePID].Cwd
		state := a.collectSessionState(cwd)
		workspace := firstNonEmpty(state.WorkspaceDir, cwd)

		pid := runtimePID
		tools = append(tools, DiscoveredTool{
			ToolID:       buildOpenCodeToolID(workspace, wrapperPID),
			Name:         "OpenCode",
			Vendor:       "OpenCode",
			Category:     "CODE_AGENT",
			Mode:         ModeTUI,
			Status:       "running",
			Connected:    true,
			PID:          &pid,
			WorkspaceDir: workspace,
			ModelInfo:    state.Model,
			LatestTokens: state.LatestTokens,
			ModelUsage:   state.ModelUsage,
			CollectedAt:  time.Now(),
			Source:       "opencode-session-probe",
		})
	}

	// Standalone runtime binaries not claimed by any wrapper are emitted as
	// separate tools so they remain visible even without a wrapper process.
	for pid, info := range snap.ByPID {
		if claimed[pid] {
			continue
		}
		if !strings.Contains(strings.ToLower(info.Cmd), "opencode-darwin-arm64/bin/opencode") {
			continue
		}
		state := a.collectSessionState(info.Cwd)
		workspace := firstNonEmpty(state.WorkspaceDir, info.Cwd)
		p := pid
		tools = append(tools, DiscoveredTool{
			ToolID:       buildOpenCodeToolID(workspace, pid),
			Name:         "OpenCode",
			Vendor:       "OpenCode",
			Category:     "CODE_AGENT",
			Mode:         ModeTUI,
			Status:       "running",
			Connected:    true,
			PID:          &p,
			WorkspaceDir: workspace,
			ModelInfo:    state.Model,
			LatestTokens: state.LatestTokens,
			ModelUsage:   state.ModelUsage,
			CollectedAt:  time.Now(),
			Source:       "opencode-session-probe",
		})
	}

	return tools
}

func (a *OpenCodeAdapter) CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	state := a.collectSessionState(tool.WorkspaceDir)
	data := map[string]interface{}{
		"workspaceDir": tool.WorkspaceDir,
		"model":        state.Model,
		"latestTokens": state.LatestTokens,
		"modelUsage":   state.ModelUsage,
		"sessionId":    state.SessionID,
	}
	return data, "opencode.v1", nil
}

type openCodeSessionState struct {
	WorkspaceDir string
	SessionID    string
	Model        string
	LatestTokens int64
	ModelUsage   []ModelUsageEntry
}

// collectSessionState scans OpenCode's local session storage for the session
// whose recorded directory matches cwd (else the newest session found), then
// aggregates assistant-message tokens per provider/model.
//
// Reading these files can legitimately fail (permissions, concurrent
// truncation by the tool itself); per the adapter's documented policy, any
// such failure yields an empty state rather than propagating.
func (a *OpenCodeAdapter) collectSessionState(cwd string) openCodeSessionState {
	home := a.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home == "" {
		return openCodeSessionState{}
	}
	sessionRoot := filepath.Join(home, ".local", "share", "opencode", "storage", "session")
	entries, err := os.ReadDir(sessionRoot)
	if err != nil {
		return openCodeSessionState{}
	}

	var best openCodeSessionState
	var bestModTime time.Time
	matched := false

	for _, workspaceEntry := range entries {
		if !workspaceEntry.IsDir() {
			continue
		}
		workspaceDir := filepath.Join(sessionRoot, workspaceEntry.Name())
		sessionFiles, err := filepath.Glob(filepath.Join(workspaceDir, "ses_*.json"))
		if err != nil {
			continue
		}
		for _, sf := range sessionFiles {
			raw, err := os.ReadFile(sf)
			if err != nil {
				continue
			}
			var doc struct {
				Directory string `json:"directory"`
				ID        string `json:"id"`
			}
			if err := json.Unmarshal(raw, &doc); err != nil {
				continue
			}
			info, statErr := os.Stat(sf)
			if statErr != nil {
				continue
			}
			isMatch := cwd != "" && doc.Directory == cwd
			if isMatch && !matched {
				best = openCodeSessionState{WorkspaceDir: doc.Directory, SessionID: doc.ID}
				bestModTime = info.ModTime()
				matched = true
			} else if !matched && info.ModTime().After(bestModTime) {
				best = openCodeSessionState{WorkspaceDir: doc.Directory, SessionID: doc.ID}
				bestModTime = info.ModTime()
			} else if isMatch && matched && info.ModTime().After(bestModTime) {
				best = openCodeSessionState{WorkspaceDir: doc.Directory, SessionID: doc.ID}
				bestModTime = info.ModTime()
			}
		}
	}

	if best.SessionID == "" {
		return openCodeSessionState{}
	}

	usage, total, model := a.aggregateMessageTokens(sessionRoot, best.SessionID)
	best.ModelUsage = usage
	best.LatestTokens = total
	best.Model = model
	return best
}

// aggregateMessageTokens walks message/<sid>/*.json, summing assistant-message
// tokens per provider/model and keeping the top 3.
func (a *OpenCodeAdapter) aggregateMessageTokens(sessionRoot, sessionID string) ([]ModelUsageEntry, int64, string) {
	messageDir := filepath.Join(filepath.Dir(sessionRoot), "message", sessionID)
	files, err := filepath.Glob(filepath.Join(messageDir, "*.json"))
	if err != nil {
		return nil, 0, ""
	}

	totals := map[string]*ModelUsageEntry{}
	var latestModel string
	var latestTime time.Time
	var grandTotal int64

	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var msg struct {
			Role     string `json:"role"`
			Provider string `json:"providerID"`
			Model    string `json:"modelID"`
			Tokens   struct {
				Input  int64 `json:"input"`
				Output int64 `json:"output"`
			} `json:"tokens"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Role != "assistant" {
			continue
		}
		key := msg.Provider + "/" + msg.Model
		entry, ok := totals[key]
		if !ok {
			entry = &ModelUsageEntry{Provider: msg.Provider, Model: msg.Model}
			totals[key] = entry
		}
		tok := msg.Tokens.Input + msg.Tokens.Output
		entry.Tokens += tok
		grandTotal += tok

		info, err := os.Stat(f)
		if err == nil && info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestModel = msg.Model
		}
	}

	list := make([]ModelUsageEntry, 0, len(totals))
	for _, e := range totals {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Tokens > list[j].Tokens })
	if len(list) > 3 {
		list = list[:3]
	}
	return list, grandTotal, latestModel
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
