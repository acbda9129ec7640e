package cache

import (
	"errors"
	"testing"
	"time"
)

func TestIsDebouncedWithinWindow(t *testing.T) {
	c := New()
	now := time.Now()
	c.MarkAttempt("tool_a", now)

	if !c.IsDebounced("tool_a", 3*time.Second, now.Add(time.Second)) {
		t.Fatalf("expected debounced within window")
	}
	if c.IsDebounced("tool_a", 3*time.Second, now.Add(5*time.Second)) {
		t.Fatalf("expected not debounced past window")
	}
	if c.IsDebounced("tool_b", 3*time.Second, now) {
		t.Fatalf("expected no debounce entry for unattempted tool")
	}
}

func TestUpsertSuccessClearsStaleAndSetsExpiry(t *testing.T) {
	c := New()
	interval := 10 * time.Second
	c.UpsertSuccess("tool_a", "schema.v1", map[string]interface{}{"x": 1}, interval)

	entry, ok := c.Get("tool_a")
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if entry.Stale {
		t.Fatalf("expected fresh entry to not be stale")
	}
	if entry.ExpiresAt == nil || !entry.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected expiresAt set in the future")
	}
}

func TestMarkStalePreservesPriorDataAndInjectsCollectError(t *testing.T) {
	c := New()
	c.UpsertSuccess("tool_a", "schema.v1", map[string]interface{}{"x": 1}, time.Second)

	c.MarkStale("tool_a", "schema.v1", "", errors.New("boom"), time.Now().Add(time.Minute))

	entry, ok := c.Get("tool_a")
	if !ok {
		t.Fatalf("expected entry to still exist")
	}
	if !entry.Stale {
		t.Fatalf("expected stale=true")
	}
	if entry.Data["x"] != 1 {
		t.Fatalf("expected prior data preserved, got %+v", entry.Data)
	}
	if entry.Data["collectError"] != "boom" {
		t.Fatalf("expected collectError injected, got %+v", entry.Data["collectError"])
	}
	dots, _ := entry.Data["statusDots"].(map[string]interface{})
	if dots == nil || dots["data"] != "stale" {
		t.Fatalf("expected statusDots.data=stale, got %+v", entry.Data["statusDots"])
	}
}

// TestStaleThenSuccessClearsStaleness exercises the round-trip law: a stale
// mark followed by a later successful collection must fully clear staleness
// and the injected collectError, not merely overwrite stale=false.
func TestStaleThenSuccessClearsStaleness(t *testing.T) {
	c := New()
	c.MarkStale("tool_a", "schema.v1", "", errors.New("boom"), time.Now().Add(time.Minute))
	c.UpsertSuccess("tool_a", "schema.v1", map[string]interface{}{"y": 2}, time.Second)

	entry, _ := c.Get("tool_a")
	if entry.Stale {
		t.Fatalf("expected stale cleared after success")
	}
	if _, exists := entry.Data["collectError"]; exists {
		t.Fatalf("expected collectError removed after success, data=%+v", entry.Data)
	}
}

func TestPruneInactiveDropsEntriesNotInActiveSet(t *testing.T) {
	c := New()
	c.UpsertSuccess("tool_a", "schema.v1", map[string]interface{}{}, time.Second)
	c.UpsertSuccess("tool_b", "schema.v1", map[string]interface{}{}, time.Second)

	c.PruneInactive(map[string]bool{"tool_a": true})

	if _, ok := c.Get("tool_a"); !ok {
		t.Fatalf("expected tool_a to survive pruning")
	}
	if _, ok := c.Get("tool_b"); ok {
		t.Fatalf("expected tool_b to be pruned")
	}
}
