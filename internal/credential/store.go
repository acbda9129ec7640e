package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AuthStorePath resolves the auth-store location, honoring RELAY_AUTH_STORE_PATH the
// way the reference implementation does, else falling back to the user config dir.
func AuthStorePath() string {
	if p := os.Getenv("RELAY_AUTH_STORE_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "yourconnector", "relay", "auth-store.json")
}

// LoadAuthStore reads the store from disk, creating a fresh one (with a new signing
// key) when the file is missing, and regenerating the signing key when it is empty.
func LoadAuthStore(path string) (*AuthStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AuthStore{Version: 1, SigningKey: GenerateSigningKeySeed(), Systems: map[string]*SystemAuthState{}}, nil
		}
		return nil, fmt.Errorf("read auth store: %w", err)
	}
	var store AuthStore
	if err := json.Unmarshal(raw, &store); err != nil {
		return nil, fmt.Errorf("parse auth store: %w", err)
	}
	if store.Systems == nil {
		store.Systems = make(map[string]*SystemAuthState)
	}
	if store.SigningKey == "" {
		store.SigningKey = GenerateSigningKeySeed()
	}
	if store.Version == 0 {
		store.Version = 1
	}
	return &store, nil
}

// PersistAuthStore atomically re-serializes the whole store to disk: write to a
// sibling temp file, then rename over the destination.
func PersistAuthStore(path string, store *AuthStore) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create auth store dir: %w", err)
	}
	raw, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write auth store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace auth store: %w", err)
	}
	return nil
}
