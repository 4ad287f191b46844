// Package locks provides the sharded per-conversation lock table. All state
// transitions for a conversation run under its lock; generation and platform
// sends do not.
package locks

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const shardCount = 64

// Table is a fixed-size sharded mutex table keyed by conversation id.
// Two conversations may share a shard; that only costs contention, never
// correctness.
type Table struct {
	shards [shardCount]sync.Mutex
}

// NewTable creates a lock table.
func NewTable() *Table {
	return &Table{}
}

// Lock acquires the shard for id and returns the unlock function.
func (t *Table) Lock(id uuid.UUID) func() {
	shard := &t.shards[shardFor(id)]
	shard.Lock()
	return shard.Unlock
}

func shardFor(id uuid.UUID) int {
	h := fnv.New32a()
	h.Write(id[:])
	return int(h.Sum32() % shardCount)
}
