package sidecarpolicy

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// ControllerWhitelist tracks which device is authorized to issue commands to
// this sidecar. At most one device is bound at a time; binding is an
// overwrite, not an accumulation.
type ControllerWhitelist struct {
	mu                 sync.RWMutex
	path               string
	deviceIDs          map[string]bool
	allowFirstBind     bool
	relayURLIsLoopback bool
}

type controllerWhitelistDoc struct {
	DeviceIDs []string `json:"deviceIds"`
}

// ControllerWhitelistPath resolves the controller whitelist file location.
func ControllerWhitelistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "yourconnector", "sidecar", "controller-devices.json")
}

// LoadControllerWhitelist reads the whitelist from disk (or seeds it from
// seedDeviceIDs when the file doesn't exist yet), recording whether "first
// bind" auto-binding is permitted: by default only when relayURL resolves to
// a loopback host, further gated by allowFirstBind.
func LoadControllerWhitelist(path string, seedDeviceIDs []string, allowFirstBind bool, relayURL string) (*ControllerWhitelist, error) {
	w := &ControllerWhitelist{
		path:               path,
		deviceIDs:          map[string]bool{},
		allowFirstBind:     allowFirstBind,
		relayURLIsLoopback: isLoopbackURL(relayURL),
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc controllerWhitelistDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse controller whitelist: %w", err)
		}
		for _, id := range doc.DeviceIDs {
			w.deviceIDs[id] = true
		}
	case os.IsNotExist(err):
		for _, id := range seedDeviceIDs {
			if id != "" {
				w.deviceIDs[id] = true
			}
		}
	default:
		return nil, fmt.Errorf("read controller whitelist: %w", err)
	}
	return w, nil
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Persist atomically re-serializes the whitelist to disk.
func (w *ControllerWhitelist) Persist() error {
	w.mu.RLock()
	ids := make([]string, 0, len(w.deviceIDs))
	for id := range w.deviceIDs {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create controller whitelist dir: %w", err)
	}
	raw, err := json.MarshalIndent(controllerWhitelistDoc{DeviceIDs: ids}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal controller whitelist: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write controller whitelist: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replace controller whitelist: %w", err)
	}
	return nil
}

// Authorize checks whether a command from deviceID, sent by a client of the
// given clientType, is authorized. Non-"app" clients are always rejected.
// When the whitelist is empty and first-bind is permitted (loopback relay URL
// plus allowFirstBind), the calling device is auto-bound and authorized.
func (w *ControllerWhitelist) Authorize(clientType, deviceID string) bool {
	if clientType != "app" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.deviceIDs) == 0 {
		if w.allowFirstBind && w.relayURLIsLoopback {
			w.deviceIDs[deviceID] = true
			return true
		}
		return false
	}
	return w.deviceIDs[deviceID]
}

// Rebind overwrites the whitelist to contain exactly one device.
func (w *ControllerWhitelist) Rebind(deviceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deviceIDs = map[string]bool{deviceID: true}
}

// Snapshot returns the currently bound device IDs.
func (w *ControllerWhitelist) Snapshot() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.deviceIDs))
	for id := range w.deviceIDs {
		out = append(out, id)
	}
	return out
}
