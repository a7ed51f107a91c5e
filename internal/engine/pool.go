package engine

import (
	"fmt"
	"math"
	"runtime"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

// poolEntry tracks a working-set member. admitted and shown are sequence
// numbers from a shared counter; shown is 0 until the message first
// appears in a cluster.
type poolEntry struct {
	msg      store.Message
	admitted uint64
	shown    uint64
}

// rank orders entries for eviction: least-recently shown first, with
// never-shown entries ranked by admission order so fresh admissions
// aren't evicted before stale ones.
func (e *poolEntry) rank() uint64 {
	if e.shown > 0 {
		return e.shown
	}
	return e.admitted
}

// Manager owns the working set, historical cursor, new-message watermark,
// and priority queue. It holds no lock of its own: all mutation runs on
// the Service's single logical thread of control.
type Manager struct {
	gw  Gateway
	cfg config.EngineConfig

	entries map[int64]*poolEntry
	seq     uint64

	// cursor is the backward-traversal position through history;
	// nil means "recycle from the newest end".
	cursor    *int64
	watermark int64

	queue []store.Message

	// protectedID is the previous focus, retained for exactly one extra
	// cycle beyond its natural eviction point.
	protectedID int64

	// memUtil reports memory utilization in [0,1] for adaptive queue
	// sizing. Injectable for tests.
	memUtil func() float64
}

// NewManager creates a pool manager backed by the given gateway.
func NewManager(gw Gateway, cfg config.EngineConfig) *Manager {
	m := &Manager{
		gw:      gw,
		cfg:     cfg,
		entries: make(map[int64]*poolEntry),
	}
	m.memUtil = m.heapUtilization
	return m
}

// SetMemoryUtilizationFunc overrides the memory utilization source.
func (m *Manager) SetMemoryUtilizationFunc(fn func() float64) {
	if fn != nil {
		m.memUtil = fn
	}
}

// heapUtilization estimates heap usage against the configured budget.
func (m *Manager) heapUtilization() float64 {
	budget := int64(m.cfg.Queue.MemoryBudgetMB) * 1024 * 1024
	if budget <= 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	util := float64(ms.HeapInuse) / float64(budget)
	if util > 1 {
		return 1
	}
	return util
}

// Watermark returns the highest message id the engine has observed.
func (m *Manager) Watermark() int64 { return m.watermark }

// SetWatermark seeds the watermark, typically from MaxMessageID at
// initialization so pre-existing messages route to historical backfill.
func (m *Manager) SetWatermark(id int64) {
	if id > m.watermark {
		m.watermark = id
	}
}

// Cursor returns a copy of the historical cursor, nil when unset.
func (m *Manager) Cursor() *int64 {
	if m.cursor == nil {
		return nil
	}
	c := *m.cursor
	return &c
}

// Size returns the working-set size.
func (m *Manager) Size() int { return len(m.entries) }

// QueueLen returns the priority-queue occupancy.
func (m *Manager) QueueLen() int { return len(m.queue) }

// EffectiveQueueCapacity returns the priority queue's current capacity.
// With memory-adaptive sizing enabled, observed utilization maps
// monotonically to a reduced capacity: full at ≤50% utilization, a
// quarter at ≥90%, linear in between, never below 1.
func (m *Manager) EffectiveQueueCapacity() int {
	max := m.cfg.Queue.MaxSize
	if max <= 0 {
		max = 1
	}
	if !m.cfg.Queue.MemoryAdaptive {
		return max
	}

	util := m.memUtil()
	var frac float64
	switch {
	case util <= 0.5:
		frac = 1
	case util >= 0.9:
		frac = 0.25
	default:
		frac = 1 - 0.75*(util-0.5)/0.4
	}

	capacity := int(float64(max) * frac)
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// SurgeActive reports whether queue occupancy has crossed the surge
// threshold (a fraction of effective capacity).
func (m *Manager) SurgeActive() bool {
	capacity := m.EffectiveQueueCapacity()
	if capacity <= 0 {
		return false
	}
	return float64(len(m.queue)) >= m.cfg.Surge.Threshold*float64(capacity)
}

// AdmitNewMessages routes messages above the watermark into the priority
// queue (drop-oldest on overflow) and advances the watermark to the
// maximum id seen, including ids dropped from the queue, since the
// watermark tracks "seen" rather than "queued". Returns the number queued.
func (m *Manager) AdmitNewMessages(batch []store.Message) int {
	seen := m.watermark
	queued := 0
	for _, msg := range batch {
		if msg.ID <= seen {
			continue
		}
		if msg.ID > m.watermark {
			m.watermark = msg.ID
		}
		m.queue = append(m.queue, msg)
		queued++
	}

	capacity := m.EffectiveQueueCapacity()
	for len(m.queue) > capacity {
		m.queue = m.queue[1:]
	}
	return queued
}

// PopQueue removes and returns up to n messages from the front of the
// priority queue, oldest first.
func (m *Manager) PopQueue(n int) []store.Message {
	if n > len(m.queue) {
		n = len(m.queue)
	}
	if n <= 0 {
		return nil
	}
	out := make([]store.Message, n)
	copy(out, m.queue[:n])
	m.queue = m.queue[n:]
	return out
}

// SlotAllocation decides how the next cycle's refresh quota splits between
// the priority queue and historical backfill. Normal mode grants the queue
// a small fixed share; surge mode grants it newMessageRatio of the cluster
// size while always reserving minHistoricalRatio for history, so a
// submission burst cannot starve older content entirely.
func (m *Manager) SlotAllocation() (queueSlots, historySlots int) {
	total := m.cfg.ClusterSize
	if total <= 0 {
		return 0, 0
	}

	if m.SurgeActive() {
		queueSlots = int(math.Ceil(m.cfg.Surge.NewMessageRatio * float64(total)))
		minHistory := int(math.Ceil(m.cfg.Surge.MinHistoricalRatio * float64(total)))
		if total-queueSlots < minHistory {
			queueSlots = total - minHistory
		}
		if queueSlots < 0 {
			queueSlots = 0
		}
	} else {
		queueSlots = m.cfg.Queue.NormalSlots
		if queueSlots > total {
			queueSlots = total
		}
	}

	if queueSlots > len(m.queue) {
		queueSlots = len(m.queue)
	}
	return queueSlots, total - queueSlots
}

// BackfillFromHistory pulls up to count messages at or below the
// historical cursor, newest first, and advances the cursor to one below
// the lowest id returned. An exhausted cursor resets to nil and the pull
// wraps to the newest end, so traversal is never permanently exhausted.
// On gateway failure the manager keeps its last good state and returns
// the error for the caller's health signal.
func (m *Manager) BackfillFromHistory(count int) ([]store.Message, error) {
	if count <= 0 {
		return nil, nil
	}

	start := int64(0)
	if m.cursor != nil {
		start = *m.cursor
	} else {
		max, err := m.gw.MaxMessageID()
		if err != nil {
			return nil, fmt.Errorf("backfill: max id: %w", err)
		}
		if max == 0 {
			return nil, nil // empty store is a valid, degenerate state
		}
		start = max
	}

	batch, err := m.gw.FetchBatchWithCursor(start, count, store.Descending)
	if err != nil {
		return nil, fmt.Errorf("backfill: fetch: %w", err)
	}

	if len(batch) == 0 {
		// Cursor ran past the lowest surviving id; wrap to the newest end.
		if m.cursor == nil {
			return nil, nil
		}
		m.cursor = nil
		max, err := m.gw.MaxMessageID()
		if err != nil {
			return nil, fmt.Errorf("backfill: wrap max id: %w", err)
		}
		if max == 0 {
			return nil, nil
		}
		batch, err = m.gw.FetchBatchWithCursor(max, count, store.Descending)
		if err != nil {
			return nil, fmt.Errorf("backfill: wrap fetch: %w", err)
		}
		if len(batch) == 0 {
			return nil, nil
		}
	}

	lowest := batch[len(batch)-1].ID
	if lowest <= 1 {
		m.cursor = nil
	} else {
		c := lowest - 1
		m.cursor = &c
	}
	return batch, nil
}

// AdmitIntoWorkingSet adds candidates to the working set up to quota
// slots, then evicts least-recently-shown unprotected members until the
// set is back at its target size. Returns the ids added and evicted.
func (m *Manager) AdmitIntoWorkingSet(candidates []store.Message, quota int) (added, evicted []int64) {
	for _, msg := range candidates {
		if quota <= 0 {
			break
		}
		if _, ok := m.entries[msg.ID]; ok {
			continue
		}
		m.seq++
		m.entries[msg.ID] = &poolEntry{msg: msg, admitted: m.seq}
		added = append(added, msg.ID)
		quota--
	}

	for len(m.entries) > m.cfg.WorkingSetSize {
		victim := m.evictionCandidate()
		if victim == 0 {
			break
		}
		delete(m.entries, victim)
		evicted = append(evicted, victim)
	}
	return added, evicted
}

// evictionCandidate returns the unprotected entry with the lowest rank,
// or 0 when nothing is evictable.
func (m *Manager) evictionCandidate() int64 {
	var victim int64
	var victimRank uint64 = math.MaxUint64
	for id, e := range m.entries {
		if id == m.protectedID {
			continue
		}
		r := e.rank()
		if r < victimRank || (r == victimRank && id < victim) {
			victim = id
			victimRank = r
		}
	}
	return victim
}

// MarkShown records cluster membership for eviction ranking. The focus is
// marked last so it outranks its related messages.
func (m *Manager) MarkShown(cluster *Cluster) {
	m.seq++
	for _, r := range cluster.Related {
		if e, ok := m.entries[r.Message.ID]; ok {
			e.shown = m.seq
		}
	}
	if cluster.Next != nil {
		if e, ok := m.entries[cluster.Next.ID]; ok {
			e.shown = m.seq
		}
	}
	m.seq++
	if e, ok := m.entries[cluster.Focus.ID]; ok {
		e.shown = m.seq
	}
}

// SetPreviousFocus designates the outgoing focus, protecting it from
// eviction for exactly one cycle. Each call replaces the prior
// protection.
func (m *Manager) SetPreviousFocus(id int64) {
	m.protectedID = id
}

// Snapshot returns the working-set members in unspecified order.
func (m *Manager) Snapshot() []store.Message {
	out := make([]store.Message, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.msg)
	}
	return out
}

// MostRecentlyAdmitted returns the working-set member with the highest
// admission sequence, used to re-derive the focus after a resync. The
// second return is false when the set is empty.
func (m *Manager) MostRecentlyAdmitted() (store.Message, bool) {
	var best *poolEntry
	for _, e := range m.entries {
		if best == nil || e.admitted > best.admitted {
			best = e
		}
	}
	if best == nil {
		return store.Message{}, false
	}
	return best.msg, true
}

// Get returns the working-set member with the given id.
func (m *Manager) Get(id int64) (store.Message, bool) {
	e, ok := m.entries[id]
	if !ok {
		return store.Message{}, false
	}
	return e.msg, true
}

// MemoryEstimate approximates the bytes held by the working set and queue.
func (m *Manager) MemoryEstimate() int64 {
	var total int64
	for _, e := range m.entries {
		total += messageFootprint(&e.msg)
	}
	for i := range m.queue {
		total += messageFootprint(&m.queue[i])
	}
	return total
}

func messageFootprint(msg *store.Message) int64 {
	// Struct header plus content bytes plus embedding floats.
	return 96 + int64(len(msg.Content)) + int64(len(msg.Embedding))*8
}

// Reset empties the working set and queue and clears the cursor,
// watermark, and protection. Used by Cleanup.
func (m *Manager) Reset() {
	m.entries = make(map[int64]*poolEntry)
	m.queue = nil
	m.cursor = nil
	m.watermark = 0
	m.protectedID = 0
	m.seq = 0
}
