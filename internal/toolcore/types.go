// Package toolcore implements process-tree-driven discovery of developer-tool
// instances (OpenCode, OpenClaw, Codex, Claude Code) and the detail collection
// that describes each one to the mobile controller.
package toolcore

import "time"

// ProcInfo is one live process observed in a snapshot.
type ProcInfo struct {
	PID    int32
	PPID   int32
	Cmd    string
	Cwd    string
	CPU    float64
	MemMB  float64
}

// Snapshot is one point-in-time view of the host's process tree.
type Snapshot struct {
	ByPID      map[int32]ProcInfo
	ChildrenOf map[int32][]int32
	TakenAt    time.Time
}

// ToolMode classifies how a discovered tool is operated.
type ToolMode string

const (
	ModeTUI   ToolMode = "TUI"
	ModeCLI   ToolMode = "CLI"
	ModeServe ToolMode = "SERVE"
)

// ModelUsageEntry aggregates tokens used by one provider/model pair.
type ModelUsageEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tokens   int64  `json:"tokens"`
}

// DiscoveredTool is one running tool instance surfaced to the mobile controller.
type DiscoveredTool struct {
	ToolID       string            `json:"toolId"`
	Name         string            `json:"name"`
	Vendor       string            `json:"vendor"`
	Category     string            `json:"category"`
	Mode         ToolMode          `json:"mode"`
	Status       string            `json:"status"`
	Connected    bool              `json:"connected"`
	PID          *int32            `json:"pid,omitempty"`
	WorkspaceDir string            `json:"workspaceDir,omitempty"`
	ModelInfo    string            `json:"modelInfo,omitempty"`
	LatestTokens int64             `json:"latestTokens"`
	ModelUsage   []ModelUsageEntry `json:"modelUsage,omitempty"`
	CollectedAt  time.Time         `json:"collectedAt"`
	Source       string            `json:"source"`
}

// ToolDetailEnvelope is the per-tool detail payload delivered to the controller,
// with staleness semantics carried alongside the last-known data.
type ToolDetailEnvelope struct {
	ToolID      string                 `json:"toolId"`
	Schema      string                 `json:"schema"`
	Stale       bool                   `json:"stale"`
	CollectedAt *time.Time             `json:"collectedAt,omitempty"`
	ExpiresAt   *time.Time             `json:"expiresAt,omitempty"`
	ProfileKey  string                 `json:"profileKey,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// Adapter identifies and describes one tool ecosystem. Discover is a pure
// function over a process snapshot; CollectDetails performs the (possibly
// slow, possibly subprocess-backed) detail collection for one already
// discovered tool. deepRefresh is true only for a forced refresh targeting
// this one tool; adapters that have no cheap/expensive split may ignore it.
type Adapter interface {
	Name() string
	Discover(snap Snapshot) []DiscoveredTool
	CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error)
}
