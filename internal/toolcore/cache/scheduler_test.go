package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/yourconnector/yc/internal/toolcore"
)

type fakeAdapter struct {
	name     string
	tools    []toolcore.DiscoveredTool
	failOnce bool
	calls    int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Discover(snap toolcore.Snapshot) []toolcore.DiscoveredTool { return f.tools }
func (f *fakeAdapter) CollectDetails(tool toolcore.DiscoveredTool, timeout time.Duration, deepRefresh bool) (map[string]interface{}, string, error) {
	f.calls++
	if f.failOnce && f.calls == 1 {
		return nil, "fake.v1", context.DeadlineExceeded
	}
	return map[string]interface{}{"ok": true}, "fake.v1", nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedulerRunOnceCollectsWhitelistedToolsOnly(t *testing.T) {
	pid := int32(1)
	adapter := &fakeAdapter{name: "fake", tools: []toolcore.DiscoveredTool{
		{ToolID: "fake_one_p1", PID: &pid},
		{ToolID: "fake_two_p1", PID: &pid},
	}}
	sched := NewScheduler(patchedRegistryFor(adapter), New(), SchedulerConfig{
		DetailInterval: time.Minute, DebounceWindow: 0, CommandTimeout: time.Second, MaxParallel: 2,
	}, testLogger())

	whitelist := map[string]bool{"fake_one_p1": true}
	discovered, envelopes := sched.RunOnce(context.Background(), toolcore.Snapshot{}, whitelist, "", false)

	if len(discovered) != 2 {
		t.Fatalf("expected both tools discovered, got %d", len(discovered))
	}
	if len(envelopes) != 1 || envelopes[0].ToolID != "fake_one_p1" {
		t.Fatalf("expected only whitelisted tool collected, got %+v", envelopes)
	}
}

func TestSchedulerRunOnceRespectsDebounceUnlessForced(t *testing.T) {
	pid := int32(1)
	adapter := &fakeAdapter{name: "fake", tools: []toolcore.DiscoveredTool{{ToolID: "fake_one_p1", PID: &pid}}}
	sched := NewScheduler(patchedRegistryFor(adapter), New(), SchedulerConfig{
		DetailInterval: time.Minute, DebounceWindow: time.Hour, CommandTimeout: time.Second, MaxParallel: 2,
	}, testLogger())

	whitelist := map[string]bool{"fake_one_p1": true}
	ctx := context.Background()

	sched.RunOnce(ctx, toolcore.Snapshot{}, whitelist, "", false)
	if adapter.calls != 1 {
		t.Fatalf("expected 1 collection call, got %d", adapter.calls)
	}

	sched.RunOnce(ctx, toolcore.Snapshot{}, whitelist, "", false)
	if adapter.calls != 1 {
		t.Fatalf("expected debounce to suppress second call, got %d calls", adapter.calls)
	}

	sched.RunOnce(ctx, toolcore.Snapshot{}, whitelist, "", true)
	if adapter.calls != 2 {
		t.Fatalf("expected force to bypass debounce, got %d calls", adapter.calls)
	}
}

func TestSchedulerRunOnceMarksStaleOnCollectionError(t *testing.T) {
	pid := int32(1)
	adapter := &fakeAdapter{name: "fake", failOnce: true, tools: []toolcore.DiscoveredTool{{ToolID: "fake_one_p1", PID: &pid}}}
	c := New()
	sched := NewScheduler(patchedRegistryFor(adapter), c, SchedulerConfig{
		DetailInterval: time.Minute, DebounceWindow: 0, CommandTimeout: time.Second, MaxParallel: 2,
	}, testLogger())

	sched.RunOnce(context.Background(), toolcore.Snapshot{}, map[string]bool{"fake_one_p1": true}, "", false)

	entry, ok := c.Get("fake_one_p1")
	if !ok || !entry.Stale {
		t.Fatalf("expected stale entry after collection failure, got %+v", entry)
	}
}

func patchedRegistryFor(adapter toolcore.Adapter) *toolcore.Registry {
	return &toolcore.Registry{Adapters: []toolcore.Adapter{adapter}}
}
