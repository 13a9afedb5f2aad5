package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTableCapacity bounds the process monitor table. Hosts observe an
	// unbounded stream of pids over their lifetime; without a cap the table
	// would grow until the pid space wraps.
	DefaultTableCapacity = 4096

	tableShards = 16
)

// ProcessMonitor is the per-pid mutable record. Counters are atomic: two
// CPUs can legitimately race on the same pid's counters for back-to-back
// syscalls.
type ProcessMonitor struct {
	PID uint32

	execCount           atomic.Uint64
	fileAccessCount     atomic.Uint64
	networkConnCount    atomic.Uint64
	suspiciousCallCount atomic.Uint64
	lastSeen            atomic.Int64
}

func (p *ProcessMonitor) ExecCount() uint64           { return p.execCount.Load() }
func (p *ProcessMonitor) FileAccessCount() uint64     { return p.fileAccessCount.Load() }
func (p *ProcessMonitor) NetworkConnCount() uint64    { return p.networkConnCount.Load() }
func (p *ProcessMonitor) SuspiciousCallCount() uint64 { return p.suspiciousCallCount.Load() }

// LastSeen returns the time of the most recent observation for this pid.
func (p *ProcessMonitor) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// ProcessTable holds per-pid monitors behind sharded locks. A single global
// lock would serialize every hook on the machine; sharding keeps contention
// to pids that hash to the same shard.
type ProcessTable struct {
	shards   [tableShards]tableShard
	capacity int
}

type tableShard struct {
	mu      sync.RWMutex
	entries map[uint32]*ProcessMonitor
}

// NewProcessTable creates a table bounded to capacity entries. A capacity
// of zero or less falls back to DefaultTableCapacity.
func NewProcessTable(capacity int) *ProcessTable {
	if capacity <= 0 {
		capacity = DefaultTableCapacity
	}
	t := &ProcessTable{capacity: capacity}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint32]*ProcessMonitor)
	}
	return t
}

func (t *ProcessTable) shard(pid uint32) *tableShard {
	return &t.shards[pid%tableShards]
}

// touch returns the monitor for pid, creating it lazily. When the shard is
// at capacity the stalest entry is evicted first, so the table never holds
// more than its configured bound.
func (t *ProcessTable) touch(pid uint32) *ProcessMonitor {
	now := time.Now().UnixNano()
	s := t.shard(pid)

	s.mu.RLock()
	m := s.entries[pid]
	s.mu.RUnlock()
	if m != nil {
		m.lastSeen.Store(now)
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m = s.entries[pid]; m != nil {
		m.lastSeen.Store(now)
		return m
	}
	if len(s.entries) >= t.capacity/tableShards {
		s.evictStalest()
	}
	m = &ProcessMonitor{PID: pid}
	m.lastSeen.Store(now)
	s.entries[pid] = m
	return m
}

// evictStalest removes the entry with the oldest lastSeen. Caller holds the
// shard lock; the scan is bounded by the per-shard capacity.
func (s *tableShard) evictStalest() {
	var (
		victim uint32
		oldest int64
		found  bool
	)
	for pid, m := range s.entries {
		seen := m.lastSeen.Load()
		if !found || seen < oldest {
			victim, oldest, found = pid, seen, true
		}
	}
	if found {
		delete(s.entries, victim)
	}
}

// Get returns the monitor for pid without creating one.
func (t *ProcessTable) Get(pid uint32) *ProcessMonitor {
	s := t.shard(pid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[pid]
}

// Delete removes the monitor for pid, typically on process exit.
func (t *ProcessTable) Delete(pid uint32) {
	s := t.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pid)
}

// Len returns the number of live entries across all shards.
func (t *ProcessTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
