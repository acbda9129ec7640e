package sidecarexec

import (
	"testing"

	"github.com/yourconnector/yc/internal/wire"
)

func envelope(eventType string, payload map[string]interface{}) wire.Envelope {
	return wire.Envelope{Type: eventType, Payload: payload, SourceDeviceID: "ios_1", SourceClientType: "app"}
}

func TestParseToolChatRequestDefaultsQueueItemID(t *testing.T) {
	env := envelope(EventToolChatRequest, map[string]interface{}{
		"toolId": "opencode_ws_p1", "conversationKey": "host::opencode_ws_p1",
		"requestId": "req_1", "text": "hello",
	})

	cmdEnv, ok := Parse(env)
	if !ok {
		t.Fatalf("expected command to parse")
	}
	cmd, ok := cmdEnv.Command.(ToolChatRequestCommand)
	if !ok {
		t.Fatalf("expected ToolChatRequestCommand, got %T", cmdEnv.Command)
	}
	if cmd.QueueItemID != "req_1" {
		t.Fatalf("expected queueItemId to default to requestId, got %q", cmd.QueueItemID)
	}
}

func TestParseToolChatRequestRejectsEmptyText(t *testing.T) {
	env := envelope(EventToolChatRequest, map[string]interface{}{
		"toolId": "opencode_ws_p1", "conversationKey": "host::opencode_ws_p1", "requestId": "req_1",
	})
	if _, ok := Parse(env); ok {
		t.Fatalf("expected command with no text to be rejected")
	}
}

func TestParseRebindControllerFallsBackToSourceDeviceID(t *testing.T) {
	env := envelope(EventControllerRebindRequest, map[string]interface{}{})
	cmdEnv, ok := Parse(env)
	if !ok {
		t.Fatalf("expected command to parse")
	}
	cmd, ok := cmdEnv.Command.(RebindControllerCommand)
	if !ok {
		t.Fatalf("expected RebindControllerCommand, got %T", cmdEnv.Command)
	}
	if cmd.DeviceID != "ios_1" {
		t.Fatalf("expected fallback to sourceDeviceId, got %q", cmd.DeviceID)
	}
}

func TestParseRebindControllerPrefersPayloadDeviceID(t *testing.T) {
	env := envelope(EventControllerRebindRequest, map[string]interface{}{"deviceId": "ios_target"})
	cmdEnv, ok := Parse(env)
	if !ok {
		t.Fatalf("expected command to parse")
	}
	cmd := cmdEnv.Command.(RebindControllerCommand)
	if cmd.DeviceID != "ios_target" {
		t.Fatalf("expected payload deviceId to win, got %q", cmd.DeviceID)
	}
}

func TestParseToolDetailsRefreshDefaultsPriorityAndGeneratesRefreshID(t *testing.T) {
	env := envelope(EventToolDetailsRefreshRequest, map[string]interface{}{"toolId": "openclaw_abc_gw", "force": true})
	cmdEnv, ok := Parse(env)
	if !ok {
		t.Fatalf("expected command to parse")
	}
	cmd := cmdEnv.Command.(RefreshToolDetailsCommand)
	if cmd.Priority != PriorityBackground {
		t.Fatalf("expected default priority background, got %v", cmd.Priority)
	}
	if cmd.RefreshID == "" {
		t.Fatalf("expected a generated refreshId when none supplied")
	}
	if !cmd.Force {
		t.Fatalf("expected force=true to be preserved")
	}
}

func TestParseControlToolProcessRejectsUnknownAction(t *testing.T) {
	env := envelope(EventToolProcessControlRequest, map[string]interface{}{"toolId": "openclaw_abc_gw", "action": "nuke"})
	if _, ok := Parse(env); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
}

func TestParseUnknownEventTypeReturnsNotOK(t *testing.T) {
	env := envelope("something_unhandled", map[string]interface{}{})
	if _, ok := Parse(env); ok {
		t.Fatalf("expected unknown event type to be rejected")
	}
}
