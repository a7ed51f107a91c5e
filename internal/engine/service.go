package engine

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/metrics"
	"github.com/murmurwall/murmur/internal/store"
)

// ErrNotInitialized is returned when the service is used before
// Initialize or after Cleanup.
var ErrNotInitialized = errors.New("engine: service not initialized")

// ChangeEvent reports one cycle's working-set churn and the cluster that
// was emitted. Delivered to registered listeners on every cycle.
type ChangeEvent struct {
	Added   []int64
	Evicted []int64
	Cluster *Cluster
}

// Stats is a read-only pool snapshot. Never mutates engine state.
type Stats struct {
	Initialized         bool
	WorkingSetSize      int
	PriorityQueueSize   int
	QueueCapacity       int
	Watermark           int64
	Cursor              *int64
	SurgeActive         bool
	EstimatedQueueWait  time.Duration
	MemoryEstimateBytes int64
	ClustersShown       int64
}

// ComponentStatus is one component's up/down state.
type ComponentStatus struct {
	OK     bool
	Detail string
}

// Health is a read-only component health snapshot.
type Health struct {
	Status      string // "ok", "degraded", "uninitialized"
	Initialized bool
	Store       ComponentStatus
	Scheduler   ComponentStatus
}

// Service composes the pool manager, cluster selector, and scheduler
// behind the engine's public contract. A single mutex serializes every
// mutation of engine state: timer callbacks and external calls queue
// behind each other, so the manager needs no locking of its own.
type Service struct {
	gw  Gateway
	cfg config.EngineConfig

	mu          sync.Mutex
	pool        *Manager
	sched       *Scheduler
	initialized bool

	lastCluster   *Cluster
	prevIDs       map[int64]bool
	clustersShown int64

	lastPollErr     error
	lastBackfillErr error
	lastPollAt      time.Time
	lastCycleAt     time.Time

	listeners []func(ChangeEvent)
}

// NewService creates an engine service over the given gateway.
func NewService(gw Gateway, cfg config.EngineConfig) *Service {
	s := &Service{
		gw:   gw,
		cfg:  cfg,
		pool: NewManager(gw, cfg),
	}
	s.sched = NewScheduler(cfg.PollingIntervalValue(), cfg.ClusterDurationValue(), s.pollTick, s.cycleTick)
	return s
}

// Pool exposes the manager for tests that drive it directly.
func (s *Service) Pool() *Manager { return s.pool }

// OnChange registers a listener for cycle change events. Listeners run on
// the engine's thread of control and must not block; register before
// Initialize.
func (s *Service) OnChange(fn func(ChangeEvent)) {
	s.listeners = append(s.listeners, fn)
}

// Initialize loads the initial historical window, seeds the watermark,
// and starts the timers. It fails fast only when the store is entirely
// unreachable on first contact; an empty store initializes fine.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	count, err := s.gw.MessageCount()
	if err != nil {
		return fmt.Errorf("initialize: store unreachable: %w", err)
	}
	max, err := s.gw.MaxMessageID()
	if err != nil {
		return fmt.Errorf("initialize: store unreachable: %w", err)
	}
	s.pool.SetWatermark(max)

	if count > 0 {
		window, err := s.pool.BackfillFromHistory(s.cfg.WorkingSetSize)
		if err != nil {
			return fmt.Errorf("initialize: load window: %w", err)
		}
		s.pool.AdmitIntoWorkingSet(window, len(window))
	}

	s.initialized = true
	s.updateGauges()
	s.sched.Start()
	return nil
}

// GetNextCluster computes and returns a fresh cluster, advancing the
// traversal exactly as a cycle timer fire would. Returns a nil cluster
// only when the store is empty.
func (s *Service) GetNextCluster() (*Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.advanceCycle(), nil
}

// advanceCycle runs one cluster cycle. Caller holds s.mu.
func (s *Service) advanceCycle() *Cluster {
	// Refresh the working set: split the quota between the priority
	// queue and historical backfill, then admit.
	queueSlots, histSlots := s.pool.SlotAllocation()
	incoming := s.pool.PopQueue(queueSlots)
	hist, err := s.pool.BackfillFromHistory(histSlots)
	if err != nil {
		// Keep last good state; degraded until the next cycle succeeds.
		s.lastBackfillErr = err
		log.Printf("cycle: backfill degraded: %v", err)
	} else {
		s.lastBackfillErr = nil
	}
	added, evicted := s.pool.AdmitIntoWorkingSet(append(incoming, hist...), queueSlots+histSlots)

	// Advance focus: the previous cluster's next, or resync from the
	// most recently admitted member when there is none.
	var focus store.Message
	var haveFocus bool
	if s.lastCluster != nil && s.lastCluster.Next != nil {
		if member, ok := s.pool.Get(s.lastCluster.Next.ID); ok {
			focus, haveFocus = member, true
		} else {
			// Evicted between cycles; its snapshot is still displayable.
			focus, haveFocus = *s.lastCluster.Next, true
		}
	}
	if !haveFocus {
		focus, haveFocus = s.pool.MostRecentlyAdmitted()
	}
	if !haveFocus {
		// Empty store: no cluster to emit.
		s.lastCycleAt = time.Now()
		s.updateGauges()
		return nil
	}

	var prevFocusID int64
	if s.lastCluster != nil {
		prevFocusID = s.lastCluster.Focus.ID
	}

	s.clustersShown++
	cluster := AssembleCluster(
		focus,
		s.pool.Snapshot(),
		s.prevIDs,
		prevFocusID,
		s.cfg.ClusterSize,
		s.cfg.Weights,
		s.cfg.ClusterDurationValue(),
		s.clustersShown,
	)

	s.pool.MarkShown(&cluster)
	s.pool.SetPreviousFocus(cluster.Focus.ID)
	s.prevIDs = cluster.IDs()
	s.lastCluster = &cluster
	s.lastCycleAt = time.Now()

	metrics.ClustersTotal.Inc()
	s.updateGauges()

	if len(s.listeners) > 0 {
		ev := ChangeEvent{Added: added, Evicted: evicted, Cluster: &cluster}
		for _, fn := range s.listeners {
			fn(ev)
		}
	}
	return &cluster
}

// pollTick fetches messages above the watermark and feeds the priority
// queue. A failed poll marks degraded health and is retried on the next
// natural timer fire; there is no internal retry loop.
func (s *Service) pollTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}

	batch, err := s.gw.FetchBatchWithCursor(s.pool.Watermark(), s.cfg.PollBatchLimit, store.Ascending)
	s.lastPollAt = time.Now()
	if err != nil {
		s.lastPollErr = err
		metrics.PollFailures.Inc()
		log.Printf("poll: degraded: %v", err)
		return
	}
	s.lastPollErr = nil

	if len(batch) > 0 {
		queued := s.pool.AdmitNewMessages(batch)
		log.Printf("poll: %d new messages, %d queued", len(batch), queued)
	}
	s.updateGauges()
}

// cycleTick advances the traversal on the cluster timer.
func (s *Service) cycleTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}
	s.advanceCycle()
}

// LastCluster returns the most recently emitted cluster without
// advancing the traversal, or nil before the first cycle.
func (s *Service) LastCluster() *Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCluster
}

// Stats returns a read-only pool snapshot.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Initialized:         s.initialized,
		WorkingSetSize:      s.pool.Size(),
		PriorityQueueSize:   s.pool.QueueLen(),
		QueueCapacity:       s.pool.EffectiveQueueCapacity(),
		Watermark:           s.pool.Watermark(),
		Cursor:              s.pool.Cursor(),
		SurgeActive:         s.pool.SurgeActive(),
		EstimatedQueueWait:  s.estimatedQueueWait(),
		MemoryEstimateBytes: s.pool.MemoryEstimate(),
		ClustersShown:       s.clustersShown,
	}
}

// estimatedQueueWait projects how long the last queued message waits for
// first display at the current drain rate. Caller holds s.mu.
func (s *Service) estimatedQueueWait() time.Duration {
	queued := s.pool.QueueLen()
	if queued == 0 {
		return 0
	}

	perCycle := s.cfg.Queue.NormalSlots
	if s.pool.SurgeActive() {
		perCycle = int(math.Ceil(s.cfg.Surge.NewMessageRatio * float64(s.cfg.ClusterSize)))
	}
	if perCycle <= 0 {
		perCycle = 1
	}

	cycles := (queued + perCycle - 1) / perCycle
	return time.Duration(cycles) * s.cfg.ClusterDurationValue()
}

// Health returns component up/down states. Pure read: the store signal
// reflects the most recent poll/backfill, not a live probe.
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Initialized: s.initialized,
		Store:       ComponentStatus{OK: true},
		Scheduler:   ComponentStatus{OK: s.sched.State() == SchedulerRunning, Detail: s.sched.State().String()},
	}

	if !s.initialized {
		h.Status = "uninitialized"
		h.Scheduler.OK = true // nothing should be running
		return h
	}

	if s.lastPollErr != nil {
		h.Store = ComponentStatus{OK: false, Detail: s.lastPollErr.Error()}
	} else if s.lastBackfillErr != nil {
		h.Store = ComponentStatus{OK: false, Detail: s.lastBackfillErr.Error()}
	}

	if h.Store.OK && h.Scheduler.OK {
		h.Status = "ok"
	} else {
		h.Status = "degraded"
	}
	return h
}

// Cleanup cancels both timers, empties the working set and queue, and
// resets the watermark and cursor. Fully synchronous: when it returns, no
// further timer-driven state change can occur. Idempotent.
func (s *Service) Cleanup() {
	// Stop outside the lock: in-flight ticks hold or wait on s.mu and
	// Stop joins them.
	s.sched.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.Reset()
	s.lastCluster = nil
	s.prevIDs = nil
	s.clustersShown = 0
	s.lastPollErr = nil
	s.lastBackfillErr = nil
	s.initialized = false
	s.updateGauges()
}

// updateGauges refreshes the prometheus pool gauges. Caller holds s.mu.
func (s *Service) updateGauges() {
	metrics.WorkingSetSize.Set(float64(s.pool.Size()))
	metrics.PriorityQueueSize.Set(float64(s.pool.QueueLen()))
	if s.pool.SurgeActive() {
		metrics.SurgeMode.Set(1)
	} else {
		metrics.SurgeMode.Set(0)
	}
}
