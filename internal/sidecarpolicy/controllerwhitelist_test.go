package sidecarpolicy

import (
	"path/filepath"
	"testing"
)

func TestControllerWhitelistRejectsNonAppClient(t *testing.T) {
	w, err := LoadControllerWhitelist(filepath.Join(t.TempDir(), "controller-devices.json"), nil, true, "ws://127.0.0.1:8080/v1/ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.Authorize("sidecar", "device_1") {
		t.Fatalf("expected non-app client to always be rejected")
	}
}

func TestControllerWhitelistFirstBindOnlyOnLoopback(t *testing.T) {
	loopback, err := LoadControllerWhitelist(filepath.Join(t.TempDir(), "controller-devices.json"), nil, true, "ws://127.0.0.1:8080/v1/ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loopback.Authorize("app", "device_1") {
		t.Fatalf("expected first-bind to succeed against a loopback relay URL")
	}
	if loopback.Authorize("app", "device_2") {
		t.Fatalf("expected a second device to be rejected once bound")
	}

	remote, err := LoadControllerWhitelist(filepath.Join(t.TempDir(), "controller-devices.json"), nil, true, "ws://relay.example.com/v1/ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if remote.Authorize("app", "device_1") {
		t.Fatalf("expected first-bind to be refused against a non-loopback relay URL")
	}
}

func TestControllerWhitelistSeedsFromConfiguredDeviceIDs(t *testing.T) {
	w, err := LoadControllerWhitelist(filepath.Join(t.TempDir(), "controller-devices.json"), []string{"device_seed"}, true, "ws://127.0.0.1:8080/v1/ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !w.Authorize("app", "device_seed") {
		t.Fatalf("expected seeded device to be authorized")
	}
	if w.Authorize("app", "device_other") {
		t.Fatalf("expected non-seeded device to be rejected once seeded")
	}
}

func TestControllerWhitelistRebindOverwritesToSingleDevice(t *testing.T) {
	w, err := LoadControllerWhitelist(filepath.Join(t.TempDir(), "controller-devices.json"), []string{"device_a", "device_b"}, true, "ws://127.0.0.1:8080/v1/ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w.Rebind("device_c")

	if w.Authorize("app", "device_a") {
		t.Fatalf("expected prior device to be dropped after rebind")
	}
	if !w.Authorize("app", "device_c") {
		t.Fatalf("expected rebind target to be authorized")
	}
}
