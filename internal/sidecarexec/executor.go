package sidecarexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yourconnector/yc/internal/sidecarpolicy"
	"github.com/yourconnector/yc/internal/toolcore"
	"github.com/yourconnector/yc/internal/toolcore/cache"
	"github.com/yourconnector/yc/internal/wire"
)

const reportChunkSize = 16 * 1024

// OpenClaw chat flow tunables: a chat.send that returns no inline reply is
// polled via chat.history a bounded number of times before falling back to a
// local, non-gateway agent run.
const (
	openClawChatHistoryPollAttempts = 5
	openClawChatHistoryPollDelay    = 400 * time.Millisecond
)

// Sender delivers an outbound envelope over the sidecar's relay connection.
type Sender interface {
	Send(env wire.Envelope) error
}

// Executor authorizes and runs sidecar control commands, bridging the relay
// control surface to the local discovery, whitelist, and subprocess layers.
type Executor struct {
	SystemID     string
	Registry     *toolcore.Registry
	Cache        *cache.Cache
	Scheduler    *cache.Scheduler
	ToolWL       *sidecarpolicy.ToolWhitelist
	ControllerWL *sidecarpolicy.ControllerWhitelist
	Sender       Sender
	Logger       *slog.Logger
	SnapshotFunc func() (toolcore.Snapshot, error)

	chatMu       sync.Mutex
	activeChats  map[string]context.CancelFunc
	chatSessions map[string]string // conversationKey -> last-known tool sessionId
}

// NewExecutor wires an Executor from its components.
func NewExecutor(systemID string, registry *toolcore.Registry, c *cache.Cache, sched *cache.Scheduler,
	toolWL *sidecarpolicy.ToolWhitelist, controllerWL *sidecarpolicy.ControllerWhitelist,
	sender Sender, logger *slog.Logger, snapshotFunc func() (toolcore.Snapshot, error)) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		SystemID: systemID, Registry: registry, Cache: c, Scheduler: sched,
		ToolWL: toolWL, ControllerWL: controllerWL, Sender: sender, Logger: logger,
		SnapshotFunc: snapshotFunc, activeChats: map[string]context.CancelFunc{},
		chatSessions: map[string]string{},
	}
}

// Execute authorizes cmdEnv by controller whitelist and dispatches it. An
// unauthorized command is logged and dropped rather than erroring the
// connection.
func (e *Executor) Execute(ctx context.Context, cmdEnv CommandEnvelope) {
	if !e.ControllerWL.Authorize(cmdEnv.SourceClientType, cmdEnv.SourceDeviceID) {
		e.Logger.Warn("rejected unauthorized sidecar command",
			"event_type", cmdEnv.EventType, "source_device_id", cmdEnv.SourceDeviceID)
		return
	}

	switch cmd := cmdEnv.Command.(type) {
	case RefreshCommand:
		e.handleRefresh(ctx)
	case ConnectToolCommand:
		e.handleConnect(cmd.ToolID)
	case DisconnectToolCommand:
		e.handleDisconnect(cmd.ToolID)
	case ResetToolWhitelistCommand:
		e.handleResetWhitelist()
	case RefreshToolDetailsCommand:
		e.handleRefreshDetails(ctx, cmd)
	case ControlToolProcessCommand:
		e.handleControlProcess(cmd)
	case RebindControllerCommand:
		e.handleRebindController(cmd.DeviceID)
	case ToolChatRequestCommand:
		e.handleChatRequest(cmd)
	case ToolChatCancelCommand:
		e.handleChatCancel(cmd)
	case ToolReportFetchRequestCommand:
		e.handleReportFetch(cmd)
	}
}

func (e *Executor) snapshot() toolcore.Snapshot {
	snap, err := e.SnapshotFunc()
	if err != nil {
		e.Logger.Warn("process snapshot failed", "error", err)
		return toolcore.Snapshot{}
	}
	return snap
}

func (e *Executor) handleRefresh(ctx context.Context) {
	snap := e.snapshot()
	e.Scheduler.RunOnce(ctx, snap, e.ToolWL.Snapshot(), "", false)
}

func (e *Executor) handleConnect(toolID string) {
	e.ToolWL.Connect(toolID)
	if err := e.ToolWL.Persist(); err != nil {
		e.Logger.Warn("persist tool whitelist failed", "error", err)
	}
	e.emitWhitelistUpdated("connect", toolID)
}

func (e *Executor) handleDisconnect(toolID string) {
	e.ToolWL.Disconnect(toolID)
	if err := e.ToolWL.Persist(); err != nil {
		e.Logger.Warn("persist tool whitelist failed", "error", err)
	}
	e.emitWhitelistUpdated("disconnect", toolID)
}

func (e *Executor) handleResetWhitelist() {
	e.ToolWL.Reset()
	if err := e.ToolWL.Persist(); err != nil {
		e.Logger.Warn("persist tool whitelist failed", "error", err)
	}
	e.emitWhitelistUpdated("reset", "")
}

func (e *Executor) emitWhitelistUpdated(action, toolID string) {
	e.send(EventToolWhitelistUpdated, map[string]interface{}{
		"action": action,
		"toolId": toolID,
		"ids":    e.ToolWL.Snapshot(),
	})
}

func (e *Executor) handleRefreshDetails(ctx context.Context, cmd RefreshToolDetailsCommand) {
	snap := e.snapshot()
	e.Scheduler.RunOnce(ctx, snap, e.ToolWL.Snapshot(), cmd.ToolID, cmd.Force)
}

func (e *Executor) handleControlProcess(cmd ControlToolProcessCommand) {
	tool, ok := e.findTool(cmd.ToolID)
	if !ok || tool.PID == nil {
		e.send(EventToolProcessControlUpdated, map[string]interface{}{
			"toolId": cmd.ToolID, "action": cmd.Action, "status": "failed", "error": "tool not running",
		})
		return
	}

	var sig syscall.Signal
	switch cmd.Action {
	case "stop":
		sig = syscall.SIGTERM
	case "restart":
		sig = syscall.SIGHUP
	default:
		return
	}
	proc, err := os.FindProcess(int(*tool.PID))
	status := "ok"
	var errMsg string
	if err != nil {
		status, errMsg = "failed", err.Error()
	} else if err := proc.Signal(sig); err != nil {
		status, errMsg = "failed", err.Error()
	}

	payload := map[string]interface{}{"toolId": cmd.ToolID, "action": cmd.Action, "status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.send(EventToolProcessControlUpdated, payload)
}

func (e *Executor) handleRebindController(deviceID string) {
	e.ControllerWL.Rebind(deviceID)
	if err := e.ControllerWL.Persist(); err != nil {
		e.Logger.Warn("persist controller whitelist failed", "error", err)
	}
	e.send(EventControllerBindUpdated, map[string]interface{}{"deviceId": deviceID})
}

func (e *Executor) findTool(toolID string) (toolcore.DiscoveredTool, bool) {
	for _, t := range e.Registry.Discover(e.snapshot()) {
		if t.ToolID == toolID {
			return t, true
		}
	}
	return toolcore.DiscoveredTool{}, false
}

// handleChatRequest enforces single-active-chat-per-conversationKey: a new
// request for a key already running cancels the prior one first.
func (e *Executor) handleChatRequest(cmd ToolChatRequestCommand) {
	tool, ok := e.findTool(cmd.ToolID)
	if !ok {
		e.send(EventToolChatFinished, map[string]interface{}{
			"toolId": cmd.ToolID, "requestId": cmd.RequestID, "status": "failed", "error": "tool not found",
		})
		return
	}

	e.chatMu.Lock()
	if cancel, exists := e.activeChats[cmd.ConversationKey]; exists {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.activeChats[cmd.ConversationKey] = cancel
	e.chatMu.Unlock()

	go e.runChat(ctx, cancel, tool, cmd)
}

func (e *Executor) handleChatCancel(cmd ToolChatCancelCommand) {
	e.chatMu.Lock()
	cancel, exists := e.activeChats[cmd.ConversationKey]
	e.chatMu.Unlock()
	if exists {
		cancel()
	}
}

func (e *Executor) runChat(ctx context.Context, cancel context.CancelFunc, tool toolcore.DiscoveredTool, cmd ToolChatRequestCommand) {
	defer func() {
		e.chatMu.Lock()
		delete(e.activeChats, cmd.ConversationKey)
		e.chatMu.Unlock()
		cancel()
	}()

	e.send(EventToolChatStarted, map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
		"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID,
	})

	if strings.HasPrefix(tool.ToolID, "openclaw_") {
		e.runOpenClawChat(ctx, tool, cmd)
		return
	}
	e.runGenericChat(ctx, tool, cmd)
}

// runGenericChat streams a CLI's `run`-style JSON-lines output, carrying
// forward whatever sessionId/usage metadata the stream reports so the final
// chat-finished event can report them even though the subprocess itself only
// ever prints them inline, never as a separate trailer.
func (e *Executor) runGenericChat(ctx context.Context, tool toolcore.DiscoveredTool, cmd ToolChatRequestCommand) {
	execCmd := exec.CommandContext(ctx, "opencode", "run", "--format", "json", "--continue", cmd.Text)
	if tool.WorkspaceDir != "" {
		execCmd.Dir = tool.WorkspaceDir
	}
	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		e.finishChat(cmd, "failed", err.Error(), "", nil)
		return
	}
	if err := execCmd.Start(); err != nil {
		e.finishChat(cmd, "failed", err.Error(), "", nil)
		return
	}

	var sessionID string
	var usage map[string]interface{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e.send(EventToolChatChunk, map[string]interface{}{
			"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
			"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "text": line,
		})
		if sid, u := parseChatStreamMeta(line); sid != "" || u != nil {
			if sid != "" {
				sessionID = sid
			}
			if u != nil {
				usage = u
			}
		}
	}

	waitErr := execCmd.Wait()
	switch {
	case ctx.Err() == context.Canceled:
		e.finishChat(cmd, "cancelled", "", sessionID, usage)
	case waitErr != nil:
		e.finishChat(cmd, "failed", waitErr.Error(), sessionID, usage)
	default:
		e.finishChat(cmd, "ok", "", sessionID, usage)
	}
}

// parseChatStreamMeta extracts a sessionId/usage pair from one line of a
// tool's JSON-lines chat output, if that line carries them.
func parseChatStreamMeta(line string) (string, map[string]interface{}) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return "", nil
	}
	sessionID := firstNonEmptyChat(
		jsonStringAt(parsed, "sessionId"),
		jsonStringAt(parsed, "sessionID"),
		jsonStringAt(parsed, "session_id"),
	)
	return sessionID, jsonMapAt(parsed, "usage")
}

// runOpenClawChat drives OpenClaw's gateway chat protocol rather than a
// single `run` invocation: a leading "/compact" is routed to sessions.compact,
// an ordinary message is sent via chat.send and, when the CLI returns no
// inline reply, followed up with a bounded chat.history poll. Any subprocess
// failure along that path falls back to a local, non-gateway agent run so the
// user still gets a reply when the gateway itself is unreachable.
func (e *Executor) runOpenClawChat(ctx context.Context, tool toolcore.DiscoveredTool, cmd ToolChatRequestCommand) {
	profileKey := openClawProfileKeyFromToolSource(tool.Source)

	e.chatMu.Lock()
	sessionKey := e.chatSessions[cmd.ConversationKey]
	e.chatMu.Unlock()

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(cmd.Text)), "/compact") {
		e.runOpenClawCompact(ctx, profileKey, sessionKey, cmd)
		return
	}

	sendArgs := []string{"chat", "send", "--json", "--message", cmd.Text}
	if sessionKey != "" {
		sendArgs = append(sendArgs, "--session", sessionKey)
	}
	sendResult, err := runOpenClawChatCLI(ctx, profileKey, sendArgs...)
	if err != nil {
		e.runOpenClawLocalFallback(ctx, profileKey, sessionKey, cmd)
		return
	}

	sessionID := firstNonEmptyChat(
		jsonStringAt(sendResult, "sessionId"),
		jsonStringAt(sendResult, "sessionID"),
		jsonStringAt(sendResult, "result", "sessionId"),
		sessionKey,
	)
	e.rememberOpenClawSession(cmd.ConversationKey, sessionID)

	if text := jsonStringAt(sendResult, "text"); text != "" {
		e.send(EventToolChatChunk, map[string]interface{}{
			"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
			"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "text": text,
		})
		e.finishChat(cmd, "ok", "", sessionID, jsonMapAt(sendResult, "usage"))
		return
	}

	if e.pollOpenClawChatHistory(ctx, profileKey, sessionID, cmd) {
		return
	}
	e.runOpenClawLocalFallback(ctx, profileKey, sessionID, cmd)
}

// pollOpenClawChatHistory polls chat.history until the newest row is an
// assistant reply, emits it, and finishes the chat. If the command is
// cancelled while waiting, it finishes the chat as cancelled and returns true.
// Returns false (without finishing the chat) if a history call fails or no
// reply appeared within the attempts, so the caller can fall back to a local
// agent run.
func (e *Executor) pollOpenClawChatHistory(ctx context.Context, profileKey, sessionID string, cmd ToolChatRequestCommand) bool {
	historyArgs := []string{"chat", "history", "--json"}
	if sessionID != "" {
		historyArgs = append(historyArgs, "--session", sessionID)
	}

	for attempt := 0; attempt < openClawChatHistoryPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			e.finishChat(cmd, "cancelled", "", sessionID, nil)
			return true
		case <-time.After(openClawChatHistoryPollDelay):
		}

		history, err := runOpenClawChatCLI(ctx, profileKey, historyArgs...)
		if err != nil {
			return false
		}
		rows, _ := history["messages"].([]interface{})
		if len(rows) == 0 {
			continue
		}
		row, ok := rows[len(rows)-1].(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := row["role"].(string); role != "assistant" {
			continue
		}
		text := firstNonEmptyChat(jsonStringAt(row, "text"), jsonStringAt(row, "content"))
		e.send(EventToolChatChunk, map[string]interface{}{
			"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
			"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "text": text,
		})
		e.finishChat(cmd, "ok", "", sessionID, jsonMapAt(row, "usage"))
		return true
	}
	return false
}

func (e *Executor) runOpenClawCompact(ctx context.Context, profileKey, sessionKey string, cmd ToolChatRequestCommand) {
	args := []string{"sessions", "compact", "--json"}
	if sessionKey != "" {
		args = append(args, "--session", sessionKey)
	}
	result, err := runOpenClawChatCLI(ctx, profileKey, args...)
	if err != nil {
		e.finishChat(cmd, "failed", err.Error(), sessionKey, nil)
		return
	}
	compacted, _ := result["compacted"].(bool)
	text := "compact request completed; no compaction was necessary"
	if compacted {
		text = "session compacted"
	}
	e.send(EventToolChatChunk, map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
		"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "text": text,
	})
	e.finishChat(cmd, "ok", "", sessionKey, nil)
}

// runOpenClawLocalFallback runs the agent directly (bypassing the gateway)
// when the gateway chat path is unreachable or never produces a reply.
func (e *Executor) runOpenClawLocalFallback(ctx context.Context, profileKey, sessionKey string, cmd ToolChatRequestCommand) {
	args := []string{"agent", "run", "--local", "--json", "--message", cmd.Text}
	if sessionKey != "" {
		args = append(args, "--session-id", sessionKey)
	}
	result, err := runOpenClawChatCLI(ctx, profileKey, args...)
	if err != nil {
		e.finishChat(cmd, "failed", err.Error(), sessionKey, nil)
		return
	}

	sessionID := firstNonEmptyChat(
		jsonStringAt(result, "result", "meta", "agentMeta", "sessionId"),
		jsonStringAt(result, "meta", "agentMeta", "sessionId"),
		jsonStringAt(result, "sessionId"),
		sessionKey,
	)
	e.rememberOpenClawSession(cmd.ConversationKey, sessionID)

	usage := firstNonNilChatUsage(
		jsonMapAt(result, "result", "meta", "agentMeta", "usage"),
		jsonMapAt(result, "meta", "agentMeta", "usage"),
		jsonMapAt(result, "usage"),
	)

	text := firstNonEmptyChat(jsonStringAt(result, "text"), jsonStringAt(result, "reply"), jsonStringAt(result, "message"))
	if text == "" {
		if raw, err := json.Marshal(result); err == nil {
			text = string(raw)
		}
	}
	e.send(EventToolChatChunk, map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
		"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "text": text,
	})
	e.finishChat(cmd, "ok", "", sessionID, usage)
}

func (e *Executor) rememberOpenClawSession(conversationKey, sessionID string) {
	if sessionID == "" {
		return
	}
	e.chatMu.Lock()
	e.chatSessions[conversationKey] = sessionID
	e.chatMu.Unlock()
}

// runOpenClawChatCLI runs one OpenClaw CLI subcommand under the given
// profile and parses its JSON stdout.
func runOpenClawChatCLI(ctx context.Context, profileKey string, args ...string) (map[string]interface{}, error) {
	fullArgs := args
	switch profileKey {
	case "", "default":
	case "dev":
		fullArgs = append([]string{"--dev"}, args...)
	default:
		fullArgs = append([]string{"--profile", profileKey}, args...)
	}
	cmd := exec.CommandContext(ctx, "openclaw", fullArgs...)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// openClawProfileKeyFromToolSource extracts the "profile=<key>" marker that
// OpenClawAdapter.Discover stamps into DiscoveredTool.Source.
func openClawProfileKeyFromToolSource(source string) string {
	const marker = "profile="
	if idx := strings.Index(source, marker); idx >= 0 {
		if v := strings.TrimSpace(source[idx+len(marker):]); v != "" {
			return v
		}
	}
	return "default"
}

func jsonPath(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = asMap[key]
	}
	return cur
}

func jsonStringAt(m map[string]interface{}, path ...string) string {
	v, _ := jsonPath(m, path...).(string)
	return v
}

func jsonMapAt(m map[string]interface{}, path ...string) map[string]interface{} {
	v, _ := jsonPath(m, path...).(map[string]interface{})
	return v
}

func firstNonEmptyChat(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonNilChatUsage(values ...map[string]interface{}) map[string]interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func (e *Executor) finishChat(cmd ToolChatRequestCommand, status, errMsg, sessionID string, usage map[string]interface{}) {
	payload := map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
		"requestId": cmd.RequestID, "queueItemId": cmd.QueueItemID, "status": status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	if len(usage) > 0 {
		payload["usage"] = usage
	}
	e.send(EventToolChatFinished, payload)
}

// handleReportFetch validates the requested path is an absolute .md file
// under the tool's canonical workspace, then streams it in ~16 KiB chunks.
func (e *Executor) handleReportFetch(cmd ToolReportFetchRequestCommand) {
	tool, ok := e.findTool(cmd.ToolID)
	if !ok {
		e.finishReport(cmd, "failed", "tool not found")
		return
	}
	if err := validateReportPath(cmd.FilePath, tool.WorkspaceDir); err != nil {
		e.finishReport(cmd, "failed", err.Error())
		return
	}

	f, err := os.Open(cmd.FilePath)
	if err != nil {
		e.finishReport(cmd, "failed", err.Error())
		return
	}
	defer f.Close()

	e.send(EventToolReportFetchStarted, map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey, "requestId": cmd.RequestID,
	})

	buf := make([]byte, reportChunkSize)
	seq := 0
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			e.send(EventToolReportFetchChunk, map[string]interface{}{
				"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
				"requestId": cmd.RequestID, "seq": seq, "data": string(buf[:n]),
			})
			seq++
		}
		if readErr != nil {
			break
		}
	}
	e.finishReport(cmd, "ok", "")
}

func validateReportPath(path, workspaceDir string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}
	if strings.ToLower(filepath.Ext(path)) != ".md" {
		return fmt.Errorf("only .md reports can be fetched")
	}
	if workspaceDir == "" {
		return fmt.Errorf("tool has no known workspace")
	}
	rel, err := filepath.Rel(workspaceDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes tool workspace")
	}
	return nil
}

func (e *Executor) finishReport(cmd ToolReportFetchRequestCommand, status, errMsg string) {
	payload := map[string]interface{}{
		"toolId": cmd.ToolID, "conversationKey": cmd.ConversationKey,
		"requestId": cmd.RequestID, "status": status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.send(EventToolReportFetchFinished, payload)
}

func (e *Executor) send(eventType string, payload map[string]interface{}) {
	env := wire.New(eventType, e.SystemID, payload)
	if err := e.Sender.Send(env); err != nil {
		e.Logger.Warn("send event failed", "event_type", eventType, "error", err)
	}
}
