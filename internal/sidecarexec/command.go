// Package sidecarexec parses relay-forwarded control envelopes into typed
// commands and executes them against the local tool-discovery stack.
package sidecarexec

import (
	"strings"

	"github.com/google/uuid"
	"github.com/yourconnector/yc/internal/wire"
)

// Event type constants for the sidecar control surface.
const (
	EventToolConnectRequest        = "tool_connect_request"
	EventToolDisconnectRequest     = "tool_disconnect_request"
	EventToolsRefreshRequest       = "tools_refresh_request"
	EventToolWhitelistResetRequest = "tool_whitelist_reset_request"
	EventToolDetailsRefreshRequest = "tool_details_refresh_request"
	EventToolWhitelistUpdated      = "tool_whitelist_updated"
	EventToolProcessControlRequest = "tool_process_control_request"
	EventToolProcessControlUpdated = "tool_process_control_updated"
	EventControllerRebindRequest   = "controller_rebind_request"
	EventControllerBindUpdated     = "controller_bind_updated"
	EventToolChatRequest           = "tool_chat_request"
	EventToolChatCancelRequest     = "tool_chat_cancel_request"
	EventToolChatStarted           = "tool_chat_started"
	EventToolChatChunk             = "tool_chat_chunk"
	EventToolChatFinished          = "tool_chat_finished"
	EventToolReportFetchRequest    = "tool_report_fetch_request"
	EventToolReportFetchStarted    = "tool_report_fetch_started"
	EventToolReportFetchChunk      = "tool_report_fetch_chunk"
	EventToolReportFetchFinished   = "tool_report_fetch_finished"
)

// RefreshPriority distinguishes a user-triggered detail refresh from a
// routine background one. It is parsed and carried on
// RefreshToolDetailsCommand; the executor does not act on it.
type RefreshPriority string

const (
	PriorityBackground RefreshPriority = "background"
	PriorityUser       RefreshPriority = "user"
)

// Command is the typed, validated form of one control envelope.
type Command interface {
	isCommand()
}

type RefreshCommand struct{}

type ConnectToolCommand struct{ ToolID string }

type DisconnectToolCommand struct{ ToolID string }

type ResetToolWhitelistCommand struct{}

type RefreshToolDetailsCommand struct {
	RefreshID string
	ToolID    string // empty means all
	Force     bool
	Priority  RefreshPriority
}

type ControlToolProcessCommand struct {
	ToolID string
	Action string // "stop" or "restart"
}

type RebindControllerCommand struct{ DeviceID string }

type ToolChatRequestCommand struct {
	ToolID           string
	ConversationKey  string
	RequestID        string
	QueueItemID      string
	Text             string
}

type ToolChatCancelCommand struct {
	ToolID          string
	ConversationKey string
	RequestID       string
	QueueItemID     string
}

type ToolReportFetchRequestCommand struct {
	ToolID          string
	ConversationKey string
	RequestID       string
	FilePath        string
}

func (RefreshCommand) isCommand()               {}
func (ConnectToolCommand) isCommand()           {}
func (DisconnectToolCommand) isCommand()        {}
func (ResetToolWhitelistCommand) isCommand()    {}
func (RefreshToolDetailsCommand) isCommand()    {}
func (ControlToolProcessCommand) isCommand()    {}
func (RebindControllerCommand) isCommand()      {}
func (ToolChatRequestCommand) isCommand()       {}
func (ToolChatCancelCommand) isCommand()        {}
func (ToolReportFetchRequestCommand) isCommand() {}

// CommandEnvelope pairs a parsed command with the envelope's trusted source
// fields, used for controller-whitelist authorization.
type CommandEnvelope struct {
	EventType        string
	EventID          string
	TraceID          string
	Command          Command
	SourceClientType string
	SourceDeviceID   string
}

// Parse converts a wire envelope into a typed command, returning ok=false
// when the event type is unrecognized or required fields are missing/blank.
func Parse(env wire.Envelope) (CommandEnvelope, bool) {
	payload := env.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	str := func(key string) string {
		v, _ := payload[key].(string)
		return strings.TrimSpace(v)
	}

	var cmd Command
	switch env.Type {
	case EventToolsRefreshRequest:
		cmd = RefreshCommand{}
	case EventToolConnectRequest:
		toolID := str("toolId")
		if toolID == "" {
			return CommandEnvelope{}, false
		}
		cmd = ConnectToolCommand{ToolID: toolID}
	case EventToolDisconnectRequest:
		toolID := str("toolId")
		if toolID == "" {
			return CommandEnvelope{}, false
		}
		cmd = DisconnectToolCommand{ToolID: toolID}
	case EventToolWhitelistResetRequest:
		cmd = ResetToolWhitelistCommand{}
	case EventToolDetailsRefreshRequest:
		refreshID := str("refreshId")
		if refreshID == "" {
			refreshID = "drf_" + uuid.NewString()
		}
		force, _ := payload["force"].(bool)
		priority := PriorityBackground
		if strings.EqualFold(str("priority"), "user") {
			priority = PriorityUser
		}
		cmd = RefreshToolDetailsCommand{
			RefreshID: refreshID,
			ToolID:    str("toolId"),
			Force:     force,
			Priority:  priority,
		}
	case EventToolProcessControlRequest:
		toolID := str("toolId")
		action := strings.ToLower(str("action"))
		if toolID == "" || (action != "stop" && action != "restart") {
			return CommandEnvelope{}, false
		}
		cmd = ControlToolProcessCommand{ToolID: toolID, Action: action}
	case EventControllerRebindRequest:
		deviceID := str("deviceId")
		if deviceID == "" {
			deviceID = strings.TrimSpace(env.SourceDeviceID)
		}
		if deviceID == "" {
			return CommandEnvelope{}, false
		}
		cmd = RebindControllerCommand{DeviceID: deviceID}
	case EventToolChatRequest:
		toolID, convKey, requestID := str("toolId"), str("conversationKey"), str("requestId")
		if toolID == "" || convKey == "" || requestID == "" {
			return CommandEnvelope{}, false
		}
		text := str("text")
		if text == "" {
			return CommandEnvelope{}, false
		}
		queueItemID := str("queueItemId")
		if queueItemID == "" {
			queueItemID = requestID
		}
		cmd = ToolChatRequestCommand{
			ToolID: toolID, ConversationKey: convKey, RequestID: requestID,
			QueueItemID: queueItemID, Text: text,
		}
	case EventToolChatCancelRequest:
		convKey, requestID := str("conversationKey"), str("requestId")
		if convKey == "" || requestID == "" {
			return CommandEnvelope{}, false
		}
		queueItemID := str("queueItemId")
		if queueItemID == "" {
			queueItemID = requestID
		}
		cmd = ToolChatCancelCommand{
			ToolID: str("toolId"), ConversationKey: convKey,
			RequestID: requestID, QueueItemID: queueItemID,
		}
	case EventToolReportFetchRequest:
		toolID, convKey, requestID, filePath := str("toolId"), str("conversationKey"), str("requestId"), str("filePath")
		if toolID == "" || convKey == "" || requestID == "" || filePath == "" {
			return CommandEnvelope{}, false
		}
		cmd = ToolReportFetchRequestCommand{
			ToolID: toolID, ConversationKey: convKey, RequestID: requestID, FilePath: filePath,
		}
	default:
		return CommandEnvelope{}, false
	}

	return CommandEnvelope{
		EventType:        env.Type,
		EventID:          env.EventID,
		TraceID:          env.TraceID,
		Command:          cmd,
		SourceClientType: env.SourceClientType,
		SourceDeviceID:   env.SourceDeviceID,
	}, true
}
