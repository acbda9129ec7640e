package credential

import "sync"

// NonceSet is a single-use replay-defense set shared by pairing tickets, WS PoP and
// HTTP PoP. Callers hold whatever lock owns the containing struct (room or process);
// NonceSet itself adds its own mutex so it is safe to share across goroutines that
// don't otherwise coordinate.
type NonceSet struct {
	mu      sync.Mutex
	expires map[string]uint64
}

// NewNonceSet constructs an empty nonce set.
func NewNonceSet() *NonceSet {
	return &NonceSet{expires: make(map[string]uint64)}
}

// Consume prunes expired entries, rejects empty nonces or replays, and otherwise
// reserves the nonce until now+skew. Grace is the extra slack added to the pruning
// threshold, bounded to <=5s by the specification.
func (n *NonceSet) Consume(nonce string, now, skew, grace uint64) bool {
	if nonce == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, exp := range n.expires {
		if exp+grace < now {
			delete(n.expires, k)
		}
	}
	if _, exists := n.expires[nonce]; exists {
		return false
	}
	n.expires[nonce] = now + skew
	return true
}

// Peek reports whether nonce is still unused (true) or has already been consumed
// (false), without reserving it. Used by preflight-style checks that must not spend
// the nonce themselves.
func (n *NonceSet) Peek(nonce string, now uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, exp := range n.expires {
		if exp+NonceGraceSec < now {
			delete(n.expires, k)
		}
	}
	_, exists := n.expires[nonce]
	return !exists
}
