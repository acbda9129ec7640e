package toolcore

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Per-command timeout caps (ms), each clamped against the caller-supplied
// overall budget so a short scheduler timeout still shortens every
// subprocess call rather than letting one command consume the whole budget.
const (
	openClawStatusTimeoutCapMS   = 8000
	openClawHealthTimeoutCapMS   = 6000
	openClawChannelsTimeoutCapMS = 5000
	openClawGatewayTimeoutCapMS  = 6000
	openClawMemoryTimeoutCapMS   = 6000
	openClawSecurityTimeoutCapMS = 6000
	openClawModelsTimeoutCapMS   = 6000
	openClawAgentsTimeoutCapMS   = 2500

	openClawUsageWindow = time.Hour
)

// OpenClawAdapter discovers openclaw/openclaw-gateway processes and collects
// detail via the official CLI.
type OpenClawAdapter struct{}

func (a *OpenClawAdapter) Name() string { return "openclaw" }

func isOpenClawCandidateCommand(cmdLower string) bool {
	return strings.Contains(cmdLower, "openclaw")
}

func isOpenClawGatewayCommand(cmdLower string) bool {
	return strings.Contains(cmdLower, "openclaw-gateway")
}

func (a *OpenClawAdapter) Discover(snap Snapshot) []DiscoveredTool {
	type candidate struct {
		pid       int32
		isGateway bool
	}
	var candidates []candidate
	for pid, info := range snap.ByPID {
		lower := strings.ToLower(info.Cmd)
		if !isOpenClawCandidateCommand(lower) {
			continue
		}
		candidates = append(candidates, candidate{pid: pid, isGateway: isOpenClawGatewayCommand(lower)})
	}

	// When an openclaw parent has an openclaw-gateway child, the gateway is
	// canonical: drop the parent.
	gatewayParents := make(map[int32]bool)
	for _, c := range candidates {
		if !c.isGateway {
			continue
		}
		info := snap.ByPID[c.pid]
		if info.PPID != 0 {
			if parentInfo, ok := snap.ByPID[info.PPID]; ok && isOpenClawCandidateCommand(strings.ToLower(parentInfo.Cmd)) {
				gatewayParents[info.PPID] = true
			}
		}
	}

	var tools []DiscoveredTool
	for _, c := range candidates {
		if !c.isGateway && gatewayParents[c.pid] {
			continue
		}
		info := snap.ByPID[c.pid]
		pid := c.pid
		workspace := info.Cwd
		profileKey := parseOpenClawProfileKeyFromCmd(info.Cmd)
		tools = append(tools, DiscoveredTool{
			ToolID:       buildOpenClawToolID(workspace, info.Cmd, c.pid, c.isGateway),
			Name:         "OpenClaw",
			Vendor:       "OpenClaw",
			Category:     "AGENT_GATEWAY",
			Mode:         modeFor(c.isGateway),
			Status:       "running",
			Connected:    true,
			PID:          &pid,
			WorkspaceDir: workspace,
			CollectedAt:  time.Now(),
			Source:       "openclaw-cli-probe:profile=" + profileKey,
		})
	}
	return tools
}

func modeFor(isGateway bool) ToolMode {
	if isGateway {
		return ModeServe
	}
	return ModeCLI
}

// CollectDetails runs the OpenClaw CLI's slow-layer commands — status (with
// --usage, falling back to plain status), agents list, channels status,
// models status, sessions and health — on every collection. The deep layer
// (gateway, memory, security) only runs when deepRefresh is true, which the
// scheduler sets exclusively for a forced refresh targeting one specific
// tool: those three commands are the most expensive and least time-sensitive,
// so routine polling never pays for them.
//
// Sessions are scoped to the collecting tool's workspace (via its agents),
// usage is aggregated over a rolling 1-hour window, and per-model cost is
// estimated from the profile's openclaw.json rate whitelist. Every
// subprocess call carries its own capped timeout so a slow command degrades
// that one layer instead of the whole collection.
func (a *OpenClawAdapter) CollectDetails(tool DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	const schema = "openclaw.v1"
	profileKey := parseOpenClawProfileKeyFromSource(tool.Source)

	statusTimeout := effectiveOpenClawTimeout(timeout, openClawStatusTimeoutCapMS)
	status, err := a.runStatusJSON(profileKey, statusTimeout)
	if err != nil {
		return nil, schema, err
	}

	profileConfig := loadOpenClawProfileConfigWhitelist(profileKey)
	modelLookup := buildOpenClawModelLookup(profileConfig.Models)

	agentsTimeout := effectiveOpenClawTimeout(timeout, openClawAgentsTimeoutCapMS)
	agentsList, _ := a.runJSON(profileKey, agentsTimeout, "agents", "list", "--json", "--bindings")

	channelsTimeout := effectiveOpenClawTimeout(timeout, openClawChannelsTimeoutCapMS)
	channelsStatus, _ := a.runJSON(profileKey, channelsTimeout, "channels", "status", "--json")

	modelsTimeout := effectiveOpenClawTimeout(timeout, openClawModelsTimeoutCapMS)
	_, _ = a.runJSON(profileKey, modelsTimeout, "models", "status", "--json")

	sessionsJSON, _ := a.runJSON(profileKey, agentsTimeout, "sessions", "--json")
	sessions := parseOpenClawSessionRows(sessionsJSON, status)
	sessions = dedupeOpenClawSessionsByIdentity(sessions)

	windowToMs := time.Now().UnixMilli()
	windowFromMs := windowToMs - openClawUsageWindow.Milliseconds()
	sessionsInWindow := filterOpenClawSessionsByUpdatedWindow(sessions, windowFromMs, windowToMs)

	healthTimeout := effectiveOpenClawTimeout(timeout, openClawHealthTimeoutCapMS)
	health, _ := a.runJSON(profileKey, healthTimeout, "health", "--json")

	var gatewayStatus, memoryStatus, securityStatus map[string]interface{}
	if deepRefresh {
		gatewayTimeout := effectiveOpenClawTimeout(timeout, openClawGatewayTimeoutCapMS)
		memoryTimeout := effectiveOpenClawTimeout(timeout, openClawMemoryTimeoutCapMS)
		securityTimeout := effectiveOpenClawTimeout(timeout, openClawSecurityTimeoutCapMS)
		gatewayStatus, _ = a.runJSON(profileKey, gatewayTimeout, "gateway", "status", "--json")
		memoryStatus, _ = a.runJSON(profileKey, memoryTimeout, "memory", "status", "--json")
		securityStatus, _ = a.runJSON(profileKey, securityTimeout, "security", "audit", "--json")
	}

	agents := mergeOpenClawAgents(status, agentsList)
	workspace := tool.WorkspaceDir
	scopedAgents := selectOpenClawAgentsByWorkspace(agents, workspace)
	scopedSessions := selectOpenClawSessionsByAgents(sessions, scopedAgents)

	modelTotals := aggregateOpenClawModelTotals(sessionsInWindow, modelLookup)
	estimatedCost := estimateOpenClawModelCost(modelTotals, modelLookup)

	usage := map[string]interface{}{
		"windowPreset":   "1h",
		"windowFromMs":   windowFromMs,
		"windowToMs":     windowToMs,
		"modelTotals":    modelTotals,
		"estimatedCost":  estimatedCost,
		"rateSource":     "openclaw.json",
		"defaultContext": profileConfig.DefaultContextTokens,
	}

	systemService := map[string]interface{}{
		"healthSummary":  health,
		"gatewayRuntime": gatewayStatus,
		"memoryIndex":    memoryStatus,
		"securityAudit":  securityStatus,
		"deepRefresh":    deepRefresh,
	}

	data := map[string]interface{}{
		"status":          status,
		"agents":          scopedAgents,
		"sessions":        scopedSessions,
		"usage":           usage,
		"systemService":   systemService,
		"channelOverview": channelsStatus,
		"statusDots": map[string]interface{}{
			"data": "fresh",
		},
		"workspaceDir": workspace,
		"profileKey":   profileKey,
	}

	return data, schema, nil
}

// runStatusJSON runs `status --json --usage`, falling back to plain `status
// --json` if the richer form is unsupported by the installed CLI.
func (a *OpenClawAdapter) runStatusJSON(profileKey string, timeout time.Duration) (map[string]interface{}, error) {
	status, err := a.runJSON(profileKey, timeout, "status", "--json", "--usage")
	if err != nil {
		return a.runJSON(profileKey, timeout, "status", "--json")
	}
	return status, nil
}

func (a *OpenClawAdapter) runJSON(profileKey string, timeout time.Duration, args ...string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fullArgs := applyOpenClawProfileArgs(profileKey, args)
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

// effectiveOpenClawTimeout clamps the caller-supplied overall budget against
// a command's own cap: a zero/unset budget, or a budget looser than the cap,
// just uses the cap outright.
func effectiveOpenClawTimeout(global time.Duration, capMS int) time.Duration {
	commandCap := time.Duration(capMS) * time.Millisecond
	if global <= 0 || global > commandCap {
		return commandCap
	}
	return global
}

func applyOpenClawProfileArgs(profileKey string, args []string) []string {
	switch profileKey {
	case "", "default":
		return args
	case "dev":
		return append([]string{"--dev"}, args...)
	default:
		return append([]string{"--profile", profileKey}, args...)
	}
}

func parseOpenClawProfileKeyFromCmd(cmd string) string {
	tokens := strings.Fields(cmd)
	for _, t := range tokens {
		if t == "--dev" {
			return "dev"
		}
	}
	for i, t := range tokens {
		if t == "--profile" && i+1 < len(tokens) {
			if v := strings.TrimSpace(tokens[i+1]); v != "" {
				return v
			}
		}
		if v, ok := strings.CutPrefix(t, "--profile="); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return "default"
}

func parseOpenClawProfileKeyFromSource(source string) string {
	const marker = "profile="
	if idx := strings.Index(source, marker); idx >= 0 {
		if v := strings.TrimSpace(source[idx+len(marker):]); v != "" {
			return v
		}
	}
	return "default"
}

func resolveOpenClawProfileStateDir(profileKey string) string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	switch strings.TrimSpace(profileKey) {
	case "dev":
		return filepath.Join(home, ".openclaw-dev")
	case "", "default":
		return filepath.Join(home, ".openclaw")
	default:
		return filepath.Join(home, ".openclaw-"+profileKey)
	}
}

// openClawModelPricing is one model's context window and per-million-token
// rates, read from the profile's openclaw.json whitelist fields.
type openClawModelPricing struct {
	Provider       string
	ModelID        string
	ModelName      string
	ContextWindow  int64
	InputRate      float64
	OutputRate     float64
	CacheReadRate  float64
	CacheWriteRate float64
}

type openClawProfileConfig struct {
	DefaultContextTokens int64
	Models               []openClawModelPricing
}

// loadOpenClawProfileConfigWhitelist reads only the non-sensitive whitelist
// fields (context window, model rates) out of the profile's openclaw.json —
// never credentials or channel secrets also stored in that file.
func loadOpenClawProfileConfigWhitelist(profileKey string) openClawProfileConfig {
	configPath := filepath.Join(resolveOpenClawProfileStateDir(profileKey), "openclaw.json")
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return openClawProfileConfig{}
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return openClawProfileConfig{}
	}

	cfg := openClawProfileConfig{
		DefaultContextTokens: readOpenClawI64Path(parsed, "agents", "defaults", "contextTokens"),
	}

	providers, _ := mapPath(parsed, "models", "providers").(map[string]interface{})
	for providerID, rawProvider := range providers {
		providerCfg, _ := rawProvider.(map[string]interface{})
		rows, _ := providerCfg["models"].([]interface{})
		for _, rawRow := range rows {
			row, ok := rawRow.(map[string]interface{})
			if !ok {
				continue
			}
			modelID := readOpenClawStringOr(row, "id", "key")
			modelName := readOpenClawStringOr(row, "name", "id")
			if modelID == "" && modelName == "" {
				continue
			}
			rates, _ := row["cost"].(map[string]interface{})
			cfg.Models = append(cfg.Models, openClawModelPricing{
				Provider:       providerID,
				ModelID:        modelID,
				ModelName:      modelName,
				ContextWindow:  readOpenClawI64(row, "contextWindow"),
				InputRate:      readOpenClawF64(rates, "input"),
				OutputRate:     readOpenClawF64(rates, "output"),
				CacheReadRate:  readOpenClawF64(rates, "cacheRead"),
				CacheWriteRate: readOpenClawF64(rates, "cacheWrite"),
			})
		}
	}
	return cfg
}

func buildOpenClawModelLookup(models []openClawModelPricing) map[string]openClawModelPricing {
	lookup := make(map[string]openClawModelPricing, len(models)*2)
	for _, m := range models {
		if byID := normalizeOpenClawLookupKey(m.ModelID); byID != "" {
			lookup[byID] = m
		}
		if byName := normalizeOpenClawLookupKey(m.ModelName); byName != "" {
			if _, exists := lookup[byName]; !exists {
				lookup[byName] = m
			}
		}
	}
	return lookup
}

func normalizeOpenClawLookupKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// mergeOpenClawAgents merges the status payload's embedded agent summary
// with the richer `agents list` command, preferring list entries when both
// describe the same agentId.
func mergeOpenClawAgents(status, agentsList map[string]interface{}) []interface{} {
	byID := map[string]map[string]interface{}{}
	var order []string

	addRow := func(row map[string]interface{}) {
		id, _ := row["agentId"].(string)
		if id == "" {
			return
		}
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = row
	}

	if statusAgents, ok := status["agents"].([]interface{}); ok {
		for _, raw := range statusAgents {
			if row, ok := raw.(map[string]interface{}); ok {
				addRow(row)
			}
		}
	}
	if agentsList != nil {
		if rows, ok := agentsList["agents"].([]interface{}); ok {
			for _, raw := range rows {
				if row, ok := raw.(map[string]interface{}); ok {
					addRow(row)
				}
			}
		}
	}

	out := make([]interface{}, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func selectOpenClawAgentsByWorkspace(agents []interface{}, workspace string) []interface{} {
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		return agents
	}
	var filtered []interface{}
	for _, raw := range agents {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if ws, _ := row["workspaceDir"].(string); ws == workspace {
			filtered = append(filtered, raw)
		}
	}
	if len(filtered) == 0 {
		return agents
	}
	return filtered
}

func selectOpenClawSessionsByAgents(sessions []interface{}, agents []interface{}) []interface{} {
	agentIDs := map[string]bool{}
	for _, raw := range agents {
		if row, ok := raw.(map[string]interface{}); ok {
			if id, _ := row["agentId"].(string); id != "" {
				agentIDs[id] = true
			}
		}
	}
	if len(agentIDs) == 0 {
		return sessions
	}
	var filtered []interface{}
	for _, raw := range sessions {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := row["agentId"].(string); agentIDs[id] {
			filtered = append(filtered, raw)
		}
	}
	return filtered
}

func parseOpenClawSessionRows(sessionsJSON, status map[string]interface{}) []interface{} {
	if sessionsJSON != nil {
		if rows, ok := sessionsJSON["sessions"].([]interface{}); ok && len(rows) > 0 {
			return rows
		}
	}
	if status != nil {
		if rows, ok := status["recentSessions"].([]interface{}); ok {
			return rows
		}
	}
	return nil
}

// dedupeOpenClawSessionsByIdentity collapses duplicate rows for the same
// sessionId/key, preferring the non-"run" variant and, among ties, the most
// recently updated row — mirroring the CLI's own bookkeeping, which emits one
// row per run plus a rollup row per session.
func dedupeOpenClawSessionsByIdentity(sessions []interface{}) []interface{} {
	type bucketed struct {
		row       map[string]interface{}
		isRun     bool
		updatedAt int64
	}
	bucket := map[string]bucketed{}
	var order []string

	for _, raw := range sessions {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := row["sessionId"].(string)
		if key == "" {
			key, _ = row["key"].(string)
		}
		if key == "" {
			continue
		}
		rowKey, _ := row["key"].(string)
		isRun := strings.Contains(rowKey, ":run:")
		updatedAt := readOpenClawI64(row, "updatedAt")

		existing, ok := bucket[key]
		if !ok {
			bucket[key] = bucketed{row: row, isRun: isRun, updatedAt: updatedAt}
			order = append(order, key)
			continue
		}
		shouldReplace := (!isRun && existing.isRun) || (isRun == existing.isRun && updatedAt > existing.updatedAt)
		if shouldReplace {
			bucket[key] = bucketed{row: row, isRun: isRun, updatedAt: updatedAt}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return bucket[order[i]].updatedAt > bucket[order[j]].updatedAt
	})
	out := make([]interface{}, 0, len(order))
	for _, key := range order {
		out = append(out, bucket[key].row)
	}
	return out
}

func filterOpenClawSessionsByUpdatedWindow(sessions []interface{}, fromMs, toMs int64) []interface{} {
	var out []interface{}
	for _, raw := range sessions {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		updatedAt := readOpenClawI64(row, "updatedAt")
		if updatedAt >= fromMs && updatedAt <= toMs {
			out = append(out, raw)
		}
	}
	return out
}

type openClawModelTotal struct {
	Provider        string
	Model           string
	Messages        int64
	TokenInput      int64
	TokenOutput     int64
	TokenTotal      int64
	CacheRead       int64
	CacheWrite      int64
	LatestUpdatedAt int64
}

func aggregateOpenClawModelTotals(sessions []interface{}, lookup map[string]openClawModelPricing) []openClawModelTotal {
	bucket := map[string]*openClawModelTotal{}
	var order []string

	for _, raw := range sessions {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		model, _ := row["model"].(string)
		if model == "" {
			continue
		}
		provider := inferOpenClawSessionProvider(row, model, lookup)
		key := openClawUsageModelKey(provider, model)
		if key == "" {
			continue
		}
		t, ok := bucket[key]
		if !ok {
			t = &openClawModelTotal{Provider: provider, Model: model}
			bucket[key] = t
			order = append(order, key)
		}
		t.Messages++
		t.TokenInput += readOpenClawI64(row, "inputTokens")
		t.TokenOutput += readOpenClawI64(row, "outputTokens")
		t.TokenTotal += readOpenClawI64(row, "totalTokens")
		t.CacheRead += readOpenClawI64(row, "cacheRead")
		t.CacheWrite += readOpenClawI64(row, "cacheWrite")
		if updated := readOpenClawI64(row, "updatedAt"); updated > t.LatestUpdatedAt {
			t.LatestUpdatedAt = updated
		}
	}

	sort.Slice(order, func(i, j int) bool { return bucket[order[i]].TokenTotal > bucket[order[j]].TokenTotal })
	out := make([]openClawModelTotal, 0, len(order))
	for _, key := range order {
		out = append(out, *bucket[key])
	}
	return out
}

func inferOpenClawSessionProvider(session map[string]interface{}, model string, lookup map[string]openClawModelPricing) string {
	if p, _ := session["modelProvider"].(string); p != "" {
		return p
	}
	if cfg, ok := lookup[normalizeOpenClawLookupKey(model)]; ok {
		return cfg.Provider
	}
	return ""
}

func openClawUsageModelKey(provider, model string) string {
	p := normalizeOpenClawLookupKey(provider)
	m := normalizeOpenClawLookupKey(model)
	if p == "" || m == "" {
		return ""
	}
	return p + "::" + m
}

// estimateOpenClawModelCost prices each aggregated model total against the
// profile's openclaw.json rate whitelist; a model absent from the whitelist
// is silently excluded from cost (no rate to apply), matching the CLI's own
// "no cost without a configured rate" behavior.
func estimateOpenClawModelCost(totals []openClawModelTotal, lookup map[string]openClawModelPricing) []map[string]interface{} {
	var rows []map[string]interface{}
	for _, total := range totals {
		pricing, ok := lookup[normalizeOpenClawLookupKey(total.Model)]
		if !ok {
			continue
		}
		inputCost := openClawCalcCostPerMillion(total.TokenInput, pricing.InputRate)
		outputCost := openClawCalcCostPerMillion(total.TokenOutput, pricing.OutputRate)
		cacheReadCost := openClawCalcCostPerMillion(total.CacheRead, pricing.CacheReadRate)
		cacheWriteCost := openClawCalcCostPerMillion(total.CacheWrite, pricing.CacheWriteRate)

		provider := total.Provider
		if provider == "" {
			provider = pricing.Provider
		}
		rows = append(rows, map[string]interface{}{
			"provider":       provider,
			"model":          total.Model,
			"inputCost":      roundOpenClaw4(inputCost),
			"outputCost":     roundOpenClaw4(outputCost),
			"cacheReadCost":  roundOpenClaw4(cacheReadCost),
			"cacheWriteCost": roundOpenClaw4(cacheWriteCost),
			"totalCost":      roundOpenClaw4(inputCost + outputCost + cacheReadCost + cacheWriteCost),
			"currency":       "config-rate",
			"rateSource":     "openclaw.json",
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["totalCost"].(float64) > rows[j]["totalCost"].(float64)
	})
	return rows
}

func openClawCalcCostPerMillion(tokens int64, ratePerMillion float64) float64 {
	if tokens <= 0 || ratePerMillion <= 0 {
		return 0
	}
	return (float64(tokens) / 1_000_000) * ratePerMillion
}

func roundOpenClaw4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

func readOpenClawI64(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func readOpenClawF64(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func readOpenClawStringOr(m map[string]interface{}, keyA, keyB string) string {
	if v, _ := m[keyA].(string); v != "" {
		return strings.TrimSpace(v)
	}
	if v, _ := m[keyB].(string); v != "" {
		return strings.TrimSpace(v)
	}
	return ""
}

func readOpenClawI64Path(m map[string]interface{}, path ...string) int64 {
	if v, ok := mapPath(m, path...).(float64); ok {
		return int64(v)
	}
	return 0
}

// mapPath walks a chain of nested map[string]interface{} keys, returning nil
// if any segment is absent or not itself a map.
func mapPath(m map[string]interface{}, path ...string) interface{} {
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

// openClawHashMatches implements the whitelist's tolerant matching policy: a
// hash match, or — when the whitelist holds exactly one OpenClaw entry — any
// OpenClaw toolId at all (single-instance policy).
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
