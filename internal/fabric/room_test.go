package fabric

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestRoomBroadcastSkipsSenderAndEvictsStale(t *testing.T) {
	room := newSystemRoom("ptk_1")

	sender := NewClientHandle(ClientSidecar, "dev-sidecar", nil)
	receiver := NewClientHandle(ClientApp, "dev-app", nil)
	stale := NewClientHandle(ClientApp, "dev-stale", nil)

	room.insert("c-sender", sender)
	room.insert("c-receiver", receiver)
	room.insert("c-stale", stale)

	// Fill the stale client's buffer so the next send is dropped as dead.
	for i := 0; i < outboundQueueSize; i++ {
		stale.trySend([]byte("x"))
	}

	room.broadcast("c-sender", []byte(`{"type":"tool_event"}`))

	select {
	case <-sender.Send:
		t.Fatalf("sender must not receive its own broadcast")
	default:
	}

	select {
	case frame := <-receiver.Send:
		if string(frame) != `{"type":"tool_event"}` {
			t.Fatalf("unexpected frame: %s", frame)
		}
	default:
		t.Fatalf("receiver should have gotten the frame")
	}

	if room.clientCount() != 2 {
		t.Fatalf("expected stale client evicted, count=%d", room.clientCount())
	}
}

func TestRoomRemoveDropsWhenSidecarGone(t *testing.T) {
	room := newSystemRoom("ptk_1")
	sidecar := NewClientHandle(ClientSidecar, "dev-sidecar", nil)
	app := NewClientHandle(ClientApp, "dev-app", nil)
	room.insert("c-sidecar", sidecar)
	room.insert("c-app", app)

	shouldDrop, remaining := room.remove("c-sidecar")
	if !shouldDrop {
		t.Fatalf("room must be dropped once the only sidecar disconnects")
	}
	if len(remaining) != 1 || remaining[0] != app {
		t.Fatalf("expected the app handle to be returned for eviction, got %+v", remaining)
	}
}

func TestRoomRemoveKeepsRoomWithSidecarPresent(t *testing.T) {
	room := newSystemRoom("ptk_1")
	sidecar := NewClientHandle(ClientSidecar, "dev-sidecar", nil)
	app1 := NewClientHandle(ClientApp, "dev-app1", nil)
	app2 := NewClientHandle(ClientApp, "dev-app2", nil)
	room.insert("c-sidecar", sidecar)
	room.insert("c-app1", app1)
	room.insert("c-app2", app2)

	shouldDrop, _ := room.remove("c-app1")
	if shouldDrop {
		t.Fatalf("room must survive while a sidecar remains")
	}
	if room.clientCount() != 2 {
		t.Fatalf("expected 2 remaining clients, got %d", room.clientCount())
	}
}

func TestSanitizeEnvelopeOverwritesTrustedFields(t *testing.T) {
	raw := []byte(`{"type":"tool_event","systemId":"spoofed","sourceDeviceId":"spoofed-device","payload":{"a":1}}`)
	out, err := sanitizeEnvelope(raw, "sys1", "app", "dev1")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	var env map[string]interface{}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["systemId"] != "sys1" {
		t.Fatalf("systemId must be overwritten, got %v", env["systemId"])
	}
	if env["sourceDeviceId"] != "dev1" {
		t.Fatalf("sourceDeviceId must be overwritten, got %v", env["sourceDeviceId"])
	}
	if env["sourceClientType"] != "app" {
		t.Fatalf("sourceClientType must be set, got %v", env["sourceClientType"])
	}
	if env["ts"] == nil || env["ts"] == "" {
		t.Fatalf("ts must be injected when missing")
	}
}

func TestSanitizeEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := sanitizeEnvelope([]byte(`{"systemId":"sys1"}`), "sys1", "app", "dev1"); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestSanitizeEnvelopeRejectsMismatchedSystem(t *testing.T) {
	if _, err := sanitizeEnvelope([]byte(`{"type":"tool_event","systemId":"other"}`), "sys1", "app", "dev1"); err == nil {
		t.Fatalf("expected error for systemId mismatch")
	}
}

func tempAuthStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "auth-store.json")
}
