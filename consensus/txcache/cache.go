// Package txcache is the loop-owned, bounded holding area for transactions
// taken from the external transaction queue. It exists so the consensus
// engine can sample, gossip and include transactions: a transaction is
// popped from the queue once, then dropped once committed or expired.
package txcache

import (
	"time"

	"github.com/tolelom/tolchain/core"
)

// Cache is a dense, insertion-ordered slice of cached transactions, bounded
// by capacity. It deliberately mirrors core.Mempool.Remove's in-place
// filtering idiom rather than a sparse slice of optional slots.
type Cache struct {
	capacity int
	ttl      time.Duration
	items    []*core.Transaction
}

// New returns an empty cache bounded to capacity entries, dropping anything
// older than ttl on the next CompactExpired call.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{capacity: capacity, ttl: ttl}
}

// Len returns the number of cached transactions.
func (c *Cache) Len() int { return len(c.items) }

// Full reports whether the cache has reached capacity.
func (c *Cache) Full() bool { return len(c.items) >= c.capacity }

// CompactExpired drops entries older than the cache's TTL, measured against
// now. Uses the m.ord[:0] in-place compaction idiom to avoid reallocating.
func (c *Cache) CompactExpired(now time.Time) (dropped int) {
	nowNanos := now.UnixNano()
	kept := c.items[:0]
	for _, tx := range c.items {
		if nowNanos-tx.Timestamp > int64(c.ttl) {
			dropped++
			continue
		}
		kept = append(kept, tx)
	}
	c.items = kept
	return dropped
}

// DropCommitted removes every cached transaction whose ID satisfies
// inBlockchain, called right after a block commits.
func (c *Cache) DropCommitted(inBlockchain func(txID string) bool) (dropped int) {
	kept := c.items[:0]
	for _, tx := range c.items {
		if inBlockchain(tx.ID) {
			dropped++
			continue
		}
		kept = append(kept, tx)
	}
	c.items = kept
	return dropped
}

// Contains reports whether txID is already cached (used by the queue's
// PopWithoutSeen "not already cached" predicate).
func (c *Cache) Contains(txID string) bool {
	for _, tx := range c.items {
		if tx.ID == txID {
			return true
		}
	}
	return false
}

// Fill pulls transactions from pop (the external queue's pop-without-seen
// operation) until the cache reaches capacity or pop returns nothing,
// appending each pulled transaction to the cache and returning the drained
// batch so the caller can, e.g., gossip it immediately.
func (c *Cache) Fill(pop func(seen func(txID string) bool) (*core.Transaction, bool)) []*core.Transaction {
	var pulled []*core.Transaction
	for !c.Full() {
		tx, ok := pop(c.Contains)
		if !ok {
			break
		}
		c.items = append(c.items, tx)
		pulled = append(pulled, tx)
	}
	return pulled
}

// Push inserts a transaction directly into the cache (used when accepting a
// TransactionForwarded message), ignoring it if already present or the
// cache is full.
func (c *Cache) Push(tx *core.Transaction) bool {
	if c.Full() || c.Contains(tx.ID) {
		return false
	}
	c.items = append(c.items, tx)
	return true
}

// Sample returns a pseudo-random cached transaction, or (nil, false) if the
// cache is empty. pick receives len(items) and must return an index in
// [0, n).
func (c *Cache) Sample(pick func(n int) int) (*core.Transaction, bool) {
	if len(c.items) == 0 {
		return nil, false
	}
	return c.items[pick(len(c.items))], true
}

// GossipBatch returns the oldest up-to-n cached transactions, the set the
// engine rebroadcasts once per gossip period whatever its role.
func (c *Cache) GossipBatch(n int) []*core.Transaction {
	if n > len(c.items) {
		n = len(c.items)
	}
	out := make([]*core.Transaction, n)
	copy(out, c.items[:n])
	return out
}

// All returns every cached transaction, oldest first. Used to assemble a
// block's transaction set when producing as Leader.
func (c *Cache) All() []*core.Transaction {
	out := make([]*core.Transaction, len(c.items))
	copy(out, c.items)
	return out
}
