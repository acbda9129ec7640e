package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yourconnector/yc/internal/toolcore"
)

// Default tunables, overridable per process via environment variables read by
// the sidecar entrypoint.
const (
	DefaultDetailsIntervalSec      = 45
	DefaultDetailsDebounceSec      = 3
	DefaultDetailsCommandTimeoutMS = 8000
	DefaultDetailsMaxParallel      = 2
)

// SchedulerConfig holds the tunables for one Scheduler.
type SchedulerConfig struct {
	DetailInterval time.Duration
	DebounceWindow time.Duration
	CommandTimeout time.Duration
	MaxParallel    int
}

// DefaultSchedulerConfig returns the spec's default tunables.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DetailInterval: DefaultDetailsIntervalSec * time.Second,
		DebounceWindow: DefaultDetailsDebounceSec * time.Second,
		CommandTimeout: DefaultDetailsCommandTimeoutMS * time.Millisecond,
		MaxParallel:    DefaultDetailsMaxParallel,
	}
}

// Scheduler orchestrates periodic detail collection across the whitelisted,
// discovered tool set: debouncing repeat attempts, bounding the number of
// concurrent collections, and folding every outcome into the cache.
type Scheduler struct {
	Registry *toolcore.Registry
	Cache    *Cache
	Config   SchedulerConfig
	Logger   *slog.Logger
}

// NewScheduler builds a Scheduler over an existing registry and cache.
func NewScheduler(registry *toolcore.Registry, cache *Cache, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Registry: registry, Cache: cache, Config: cfg, Logger: logger}
}

// RunOnce performs one collection tick: snap is the current process
// snapshot, whitelist restricts collection to a set of toolIds (nil means
// every discovered tool is eligible), targetToolID narrows to a single tool
// (empty means all eligible tools), and force bypasses debouncing.
//
// It returns the full, sorted discovery list (for presence/occupancy
// reporting) alongside the cached detail envelopes of the discovered tools, in
// discovery order, including entries collected on earlier ticks.
func (s *Scheduler) RunOnce(ctx context.Context, snap toolcore.Snapshot, whitelist map[string]bool, targetToolID string, force bool) ([]toolcore.DiscoveredTool, []*toolcore.ToolDetailEnvelope) {
	discovered, owners := s.Registry.DiscoverOwners(snap)

	activeIDs := make(map[string]bool, len(discovered))
	for _, t := range discovered {
		if whitelist != nil && !whitelist[t.ToolID] {
			continue
		}
		activeIDs[t.ToolID] = true
	}
	s.Cache.PruneInactive(activeIDs)

	eligible := make([]toolcore.DiscoveredTool, 0, len(discovered))
	for _, t := range discovered {
		if whitelist != nil && !whitelist[t.ToolID] {
			continue
		}
		if targetToolID != "" && t.ToolID != targetToolID {
			continue
		}
		eligible = append(eligible, t)
	}

	now := time.Now()
	due := eligible[:0:0]
	for _, t := range eligible {
		if !force && s.Cache.IsDebounced(t.ToolID, s.Config.DebounceWindow, now) {
			continue
		}
		due = append(due, t)
	}

	// Deep-layer collection (gateway/memory/security for OpenClaw) is reserved
	// for a forced refresh that targets exactly one tool — routine polling and
	// whole-fleet forced refreshes never pay for it.
	deepRefresh := force && targetToolID != ""
	s.collect(ctx, due, owners, deepRefresh)

	ids := make([]string, 0, len(discovered))
	for _, t := range discovered {
		ids = append(ids, t.ToolID)
	}
	return discovered, s.Cache.SnapshotForToolOrder(ids)
}

// collect runs detail collection for due tools with bounded parallelism per
// call, partitioned implicitly by the semaphore rather than by adapter (the
// spec bounds total in-flight collections, not per-adapter ones).
func (s *Scheduler) collect(ctx context.Context, due []toolcore.DiscoveredTool, owners map[string]toolcore.Adapter, deepRefresh bool) {
	if len(due) == 0 {
		return
	}
	maxParallel := s.Config.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for _, tool := range due {
		tool := tool
		adapter := owners[tool.ToolID]
		if adapter == nil {
			continue
		}
		s.Cache.MarkAttempt(tool.ToolID, time.Now())

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.collectOne(ctx, adapter, tool, deepRefresh)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) collectOne(ctx context.Context, adapter toolcore.Adapter, tool toolcore.DiscoveredTool, deepRefresh bool) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	data, schema, err := adapter.CollectDetails(tool, s.Config.CommandTimeout, deepRefresh)
	if err != nil {
		s.Logger.Warn("tool detail collection failed",
			"tool_id", tool.ToolID, "adapter", adapter.Name(), "error", err)
		expiresAt := time.Now().Add(s.Config.DetailInterval)
		profileKey := ""
		if idx := strings.Index(tool.Source, "profile="); idx >= 0 {
			profileKey = strings.TrimSpace(tool.Source[idx+len("profile="):])
		}
		s.Cache.MarkStale(tool.ToolID, schema, profileKey, err, expiresAt)
		return
	}
	s.Cache.UpsertSuccess(tool.ToolID, schema, data, s.Config.DetailInterval)
}
