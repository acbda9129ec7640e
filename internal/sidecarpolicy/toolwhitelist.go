// Package sidecarpolicy holds the sidecar-local authorization stores: which
// tools are whitelisted for detail collection and chat, and which controller
// device is currently bound to issue commands.
package sidecarpolicy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ToolWhitelist is the sidecar-local set of toolIds eligible for detail
// collection. OpenClaw entries match by their embedded 12-hex hash so PID
// drift and gateway restarts don't drop an otherwise-connected tool; when the
// store holds exactly one OpenClaw entry, any OpenClaw toolId is accepted
// (single-instance policy).
type ToolWhitelist struct {
	mu   sync.RWMutex
	path string
	ids  map[string]bool
}

type toolWhitelistDoc struct {
	ToolIDs []string `json:"toolIds"`
}

// ToolWhitelistPath resolves the whitelist file location.
func ToolWhitelistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "yourconnector", "sidecar", "tool-whitelist.json")
}

// LoadToolWhitelist reads the whitelist from disk, starting empty when the
// file is missing.
func LoadToolWhitelist(path string) (*ToolWhitelist, error) {
	w := &ToolWhitelist{path: path, ids: map[string]bool{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return w, nil
		}
		return nil, fmt.Errorf("read tool whitelist: %w", err)
	}
	var doc toolWhitelistDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tool whitelist: %w", err)
	}
	for _, id := range doc.ToolIDs {
		w.ids[id] = true
	}
	return w, nil
}

// Persist atomically re-serializes the whitelist to disk.
func (w *ToolWhitelist) Persist() error {
	w.mu.RLock()
	ids := make([]string, 0, len(w.ids))
	for id := range w.ids {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create tool whitelist dir: %w", err)
	}
	raw, err := json.MarshalIndent(toolWhitelistDoc{ToolIDs: ids}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool whitelist: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write tool whitelist: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replace tool whitelist: %w", err)
	}
	return nil
}

// Snapshot returns the current whitelist as a membership set, safe to hand to
// the discovery scheduler.
func (w *ToolWhitelist) Snapshot() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]bool, len(w.ids))
	for id := range w.ids {
		out[id] = true
	}
	return out
}

// Contains reports whether toolID is a whitelist member, applying the
// OpenClaw hash/single-instance tolerance.
func (w *ToolWhitelist) Contains(toolID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.ids[toolID] {
		return true
	}
	if !strings.HasPrefix(toolID, "openclaw_") {
		return false
	}
	openClawCount := 0
	for id := range w.ids {
		if strings.HasPrefix(id, "openclaw_") {
			openClawCount++
		}
	}
	for id := range w.ids {
		if openClawHashMatches(id, toolID, openClawCount) {
			return true
		}
	}
	return false
}

// Connect adds toolID to the whitelist. For OpenClaw toolIds, per the
// single-OpenClaw policy, any existing OpenClaw entries are replaced rather
// than accumulated: the sidecar tracks at most one connected OpenClaw
// instance at a time.
func (w *ToolWhitelist) Connect(toolID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if strings.HasPrefix(toolID, "openclaw_") {
		for id := range w.ids {
			if strings.HasPrefix(id, "openclaw_") {
				delete(w.ids, id)
			}
		}
	}
	w.ids[toolID] = true
}

// Disconnect removes toolID from the whitelist.
func (w *ToolWhitelist) Disconnect(toolID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ids, toolID)
}

// Reset clears the whitelist entirely.
func (w *ToolWhitelist) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = map[string]bool{}
}

// openClawHashMatches mirrors toolcore's matching policy without importing
// it: a shared hash, or single-instance tolerance when exactly one OpenClaw
// toolId is whitelisted.
func openClawHashMatches(whitelisted, candidate string, whitelistedOpenClawCount int) bool {
	wHash, wOK := openClawHashOf(whitelisted)
	cHash, cOK := openClawHashOf(candidate)
	if !wOK || !cOK {
		return false
	}
	if wHash == cHash {
		return true
	}
	return whitelistedOpenClawCount == 1
}

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
