package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// DefaultShards matches spec §3 (session_table.shards default 1024).
const DefaultShards = 1024

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Table is the sharded session table (spec §3): a mapping session-id ->
// Session with S independently locked shards, so insert/remove/lookup for
// one session only ever takes one shard's lock (spec §5).
type Table struct {
	shards []shard
	count  atomic.Int64
}

// NewTable builds a Table with the given shard count (<=0 uses the default).
func NewTable(shards int) *Table {
	if shards <= 0 {
		shards = DefaultShards
	}
	t := &Table{shards: make([]shard, shards)}
	for i := range t.shards {
		t.shards[i].sessions = make(map[string]*Session)
	}
	return t
}

func (t *Table) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Insert registers a session and increments the connection counter. Spec P1:
// for every accepted connection there is exactly one Session in exactly one
// shard until it closes.
func (t *Table) Insert(s *Session) {
	sh := t.shardFor(s.ID())
	sh.mu.Lock()
	sh.sessions[s.ID()] = s
	sh.mu.Unlock()
	t.count.Add(1)
}

// Remove erases a session and decrements the connection counter. A second
// Remove for the same id is a safe no-op (it does not double-decrement).
func (t *Table) Remove(id string) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	_, existed := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()
	if existed {
		t.count.Add(-1)
	}
}

// Get looks up a session by id.
func (t *Table) Get(id string) (*Session, bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Count returns the number of live sessions (the "connections" counter in
// spec §4.7).
func (t *Table) Count() int64 { return t.count.Load() }

// CloseAll closes every currently registered session (spec §5 external
// shutdown step 2: "set shutdown flag on WorkerPool and each Session").
// Each shard is snapshotted under its read lock and released before Close
// is called, since Close deregisters back into this same table (Remove
// takes the shard's write lock) — calling Close while still holding the
// read lock would deadlock. Session.Close is itself idempotent, so a
// session that races its own disconnect with CloseAll is still only torn
// down once.
func (t *Table) CloseAll() {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		live := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			live = append(live, s)
		}
		sh.mu.RUnlock()

		for _, s := range live {
			_ = s.Close()
		}
	}
}
