package fabric

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourconnector/yc/internal/wire"
)

// sanitizeEnvelope validates and rewrites an upstream frame before rebroadcast: the
// server-trusted identity fields are always overwritten regardless of what the
// sender supplied, matching the "relay is trusted" design.
func sanitizeEnvelope(raw []byte, systemID, sourceClientType, sourceDeviceID string) ([]byte, error) {
	var env map[string]interface{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	if _, ok := env["v"]; !ok {
		env["v"] = float64(1)
	}

	eventType, _ := env["type"].(string)
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("missing type")
	}

	if sid, ok := env["systemId"].(string); ok && sid != systemID {
		return nil, fmt.Errorf("systemId mismatch")
	}

	env["systemId"] = systemID
	env["sourceClientType"] = string(sourceClientType)
	env["sourceDeviceId"] = sourceDeviceID
	env["peerId"] = sourceDeviceID

	tsEmpty := true
	if ts, ok := env["ts"].(string); ok && strings.TrimSpace(ts) != "" {
		tsEmpty = false
	}
	if tsEmpty {
		env["ts"] = wire.NowRFC3339Nanos()
	}

	if payload, ok := env["payload"].(map[string]interface{}); !ok || payload == nil {
		env["payload"] = map[string]interface{}{}
	}

	return json.Marshal(env)
}

// serverPresenceFrame builds the `server_presence` envelope the relay pushes to a
// client immediately after authorizing and registering its connection.
func serverPresenceFrame(systemID, clientType, deviceID string) []byte {
	env := wire.New("server_presence", systemID, map[string]interface{}{
		"status":     "connected",
		"clientType": clientType,
		"deviceId":   deviceID,
	})
	raw, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return raw
}
