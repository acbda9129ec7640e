// Package wire defines the event envelope that both the relay and the sidecar speak
// over the WebSocket connection.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the single wire unit exchanged between sidecar, relay and app.
// Client-supplied SourceClientType/SourceDeviceId are never trusted; the relay
// always overwrites them before rebroadcasting.
type Envelope struct {
	V                uint8                  `json:"v"`
	EventID          string                 `json:"eventId"`
	TraceID          string                 `json:"traceId,omitempty"`
	Type             string                 `json:"type"`
	SystemID         string                 `json:"systemId"`
	ToolID           string                 `json:"toolId,omitempty"`
	PeerID           string                 `json:"peerId,omitempty"`
	SessionID        string                 `json:"sessionId,omitempty"`
	SourceClientType string                 `json:"sourceClientType"`
	SourceDeviceID   string                 `json:"sourceDeviceId"`
	Seq              *int64                 `json:"seq,omitempty"`
	Ts               string                 `json:"ts"`
	AckRequired      bool                   `json:"ackRequired,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
}

// NowRFC3339Nanos renders the current time with nanosecond precision, matching the
// original implementation's `now_rfc3339_nanos`.
func NowRFC3339Nanos() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// New builds a server-originated envelope (server_presence, etc).
func New(eventType, systemID string, payload map[string]interface{}) Envelope {
	return Envelope{
		V:        1,
		EventID:  "evt_" + uuid.NewString(),
		Type:     eventType,
		SystemID: systemID,
		Ts:       NowRFC3339Nanos(),
		Payload:  payload,
	}
}
