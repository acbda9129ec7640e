// Package cache implements the per-tool detail cache and refresh scheduler: the
// staleness-preserving store that sits between adapter detail collection and
// the envelopes delivered to the mobile controller.
package cache

import (
	"sync"
	"time"

	"github.com/yourconnector/yc/internal/toolcore"
)

// Cache holds the last known detail envelope per tool plus the last collection
// attempt timestamp, used for debouncing.
type Cache struct {
	mu            sync.Mutex
	entries       map[string]*toolcore.ToolDetailEnvelope
	lastAttemptAt map[string]time.Time
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		entries:       make(map[string]*toolcore.ToolDetailEnvelope),
		lastAttemptAt: make(map[string]time.Time),
	}
}

// IsDebounced reports whether a collection attempt for toolID happened within
// window of now.
func (c *Cache) IsDebounced(toolID string, window time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastAttemptAt[toolID]
	if !ok {
		return false
	}
	return now.Sub(last) < window
}

// MarkAttempt records that a collection attempt for toolID started at now,
// independent of its outcome; used to drive debouncing regardless of success.
func (c *Cache) MarkAttempt(toolID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAttemptAt[toolID] = now
}

// UpsertSuccess replaces toolID's entry with a fresh, non-stale envelope.
func (c *Cache) UpsertSuccess(toolID, schema string, data map[string]interface{}, detailInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	expires := now.Add(2 * detailInterval)
	c.entries[toolID] = &toolcore.ToolDetailEnvelope{
		ToolID:      toolID,
		Schema:      schema,
		Stale:       false,
		CollectedAt: &now,
		ExpiresAt:   &expires,
		Data:        data,
	}
}

// MarkStale keeps the prior data (if any) and annotates it with a collection
// error, per the specification's stale-preservation semantics. A tool with no
// prior successful collection gets an empty data object so collectError still
// has somewhere to live.
func (c *Cache) MarkStale(toolID, schema, profileKey string, collectErr error, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior, ok := c.entries[toolID]
	var data map[string]interface{}
	if ok && prior.Data != nil {
		data = cloneData(prior.Data)
	} else {
		data = map[string]interface{}{}
	}
	data["collectError"] = collectErr.Error()

	statusDots, _ := data["statusDots"].(map[string]interface{})
	if statusDots == nil {
		statusDots = map[string]interface{}{}
	}
	statusDots["data"] = "stale"
	data["statusDots"] = statusDots

	c.entries[toolID] = &toolcore.ToolDetailEnvelope{
		ToolID:      toolID,
		Schema:      schema,
		Stale:       true,
		ProfileKey:  profileKey,
		ExpiresAt:   &expiresAt,
		Data:        data,
	}
	if ok && prior.CollectedAt != nil {
		c.entries[toolID].CollectedAt = prior.CollectedAt
	}
}

func cloneData(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Get returns the current envelope for toolID, if any.
func (c *Cache) Get(toolID string) (*toolcore.ToolDetailEnvelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[toolID]
	return e, ok
}

// SnapshotForToolOrder returns the current envelopes in the caller-supplied
// order (typically the discovery sort order), skipping tools with no entry.
func (c *Cache) SnapshotForToolOrder(toolIDs []string) []*toolcore.ToolDetailEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*toolcore.ToolDetailEnvelope, 0, len(toolIDs))
	for _, id := range toolIDs {
		if e, ok := c.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// PruneInactive drops every cache entry (and its attempt timestamp) whose
// toolId is absent from activeIDs; the scheduler passes the discovered tools
// that are in the current whitelist snapshot.
func (c *Cache) PruneInactive(activeIDs map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if !activeIDs[id] {
			delete(c.entries, id)
			delete(c.lastAttemptAt, id)
		}
	}
}
