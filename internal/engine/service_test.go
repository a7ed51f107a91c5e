package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

func newTestService(t *testing.T, gw Gateway, cfg config.EngineConfig) *Service {
	t.Helper()
	s := NewService(gw, cfg)
	t.Cleanup(s.Cleanup)
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestServiceFreshStart(t *testing.T) {
	cfg := testEngineConfig()
	cfg.WorkingSetSize = 200
	s := newTestService(t, seedGateway(500), cfg)

	stats := s.Stats()
	if !stats.Initialized {
		t.Fatal("service not initialized")
	}
	if stats.WorkingSetSize != 200 {
		t.Errorf("working set = %d, want 200", stats.WorkingSetSize)
	}
	if stats.Watermark != 500 {
		t.Errorf("watermark = %d, want 500", stats.Watermark)
	}

	cluster, err := s.GetNextCluster()
	if err != nil {
		t.Fatalf("get next cluster: %v", err)
	}
	if cluster == nil {
		t.Fatal("cluster is nil with a populated store")
	}
	if cluster.Focus.ID == 0 {
		t.Error("cluster has no focus")
	}
	if len(cluster.Related) == 0 || len(cluster.Related) > cfg.ClusterSize {
		t.Errorf("related size = %d, want 1..%d", len(cluster.Related), cfg.ClusterSize)
	}
	if cluster.Next == nil {
		t.Error("next is nil with a large working set")
	}
	if cluster.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", cluster.Sequence)
	}
}

func TestServiceConsecutiveClustersBarelyOverlap(t *testing.T) {
	s := newTestService(t, seedGateway(500), testEngineConfig())

	prev, err := s.GetNextCluster()
	if err != nil {
		t.Fatalf("get next cluster: %v", err)
	}

	for i := 0; i < 25; i++ {
		cur, err := s.GetNextCluster()
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if cur == nil {
			t.Fatalf("cycle %d: nil cluster", i)
		}

		prevIDs := prev.IDs()
		overlap := 0
		for id := range cur.IDs() {
			if prevIDs[id] {
				overlap++
				promoted := prev.Next != nil && id == prev.Next.ID
				carryover := id == prev.Focus.ID
				if !promoted && !carryover {
					t.Errorf("cycle %d: id %d carried over without being focus or next", i, id)
				}
			}
		}
		if overlap > 2 {
			t.Errorf("cycle %d: overlap %d, want at most 2", i, overlap)
		}

		// The focus advances along the previous cluster's next.
		if prev.Next != nil && cur.Focus.ID != prev.Next.ID {
			t.Errorf("cycle %d: focus = %d, want promoted next %d", i, cur.Focus.ID, prev.Next.ID)
		}
		prev = cur
	}
}

func TestServiceRotationCoverage(t *testing.T) {
	cfg := testEngineConfig()
	cfg.WorkingSetSize = 300
	s := newTestService(t, seedGateway(500), cfg)

	unique := make(map[int64]bool)
	for i := 0; i < 20; i++ {
		cluster, err := s.GetNextCluster()
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		for id := range cluster.IDs() {
			unique[id] = true
		}
	}

	if len(unique) < 100 {
		t.Errorf("20 clusters covered %d unique messages, want at least 100", len(unique))
	}
}

func TestServiceWorkingSetStaysBounded(t *testing.T) {
	cfg := testEngineConfig()
	cfg.WorkingSetSize = 100
	s := newTestService(t, seedGateway(400), cfg)

	for i := 0; i < 30; i++ {
		if _, err := s.GetNextCluster(); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		size := s.Stats().WorkingSetSize
		if size < 90 || size > 110 {
			t.Fatalf("cycle %d: working set %d outside 90..110", i, size)
		}
	}
}

func TestServiceSmallStore(t *testing.T) {
	// Fewer messages than a single cluster: every cycle still emits.
	s := newTestService(t, seedGateway(5), testEngineConfig())

	for i := 0; i < 5; i++ {
		cluster, err := s.GetNextCluster()
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if cluster == nil {
			t.Fatalf("cycle %d: nil cluster with 5 messages stored", i)
		}
		if len(cluster.Related) > 4 {
			t.Errorf("cycle %d: related size %d exceeds available messages", i, len(cluster.Related))
		}
	}
}

func TestServiceEmptyStore(t *testing.T) {
	s := newTestService(t, &fakeGateway{}, testEngineConfig())

	cluster, err := s.GetNextCluster()
	if err != nil {
		t.Fatalf("get next cluster: %v", err)
	}
	if cluster != nil {
		t.Errorf("cluster = %+v, want nil for empty store", cluster)
	}
}

func TestServiceUninitialized(t *testing.T) {
	s := NewService(&fakeGateway{}, testEngineConfig())
	if _, err := s.GetNextCluster(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestServiceInitializeFailsFast(t *testing.T) {
	gw := &fakeGateway{err: errGatewayDown}
	s := NewService(gw, testEngineConfig())
	if err := s.Initialize(); !errors.Is(err, errGatewayDown) {
		t.Errorf("initialize err = %v, want wrapped gateway error", err)
	}
	if s.Stats().Initialized {
		t.Error("service marked initialized after failed start")
	}
}

func TestServicePollFeedsQueue(t *testing.T) {
	gw := seedGateway(50)
	s := newTestService(t, gw, testEngineConfig())

	// New submissions arrive above the watermark.
	now := time.Now().UnixMilli()
	gw.add(store.Message{ID: 51, Content: "fresh", Approved: true, CreatedAt: now})
	gw.add(store.Message{ID: 52, Content: "fresher", Approved: true, CreatedAt: now})

	s.pollTick()

	stats := s.Stats()
	if stats.PriorityQueueSize != 2 {
		t.Errorf("queue size = %d, want 2", stats.PriorityQueueSize)
	}
	if stats.Watermark != 52 {
		t.Errorf("watermark = %d, want 52", stats.Watermark)
	}
	if stats.EstimatedQueueWait <= 0 {
		t.Error("queued messages should report a positive wait estimate")
	}

	// The next cycle drains the queue into the working set and cluster flow.
	if _, err := s.GetNextCluster(); err != nil {
		t.Fatalf("get next cluster: %v", err)
	}
	if got := s.Stats().PriorityQueueSize; got != 0 {
		t.Errorf("queue size after cycle = %d, want 0", got)
	}
}

func TestServiceDegradedHealth(t *testing.T) {
	gw := seedGateway(50)
	s := newTestService(t, gw, testEngineConfig())

	if h := s.Health(); h.Status != "ok" {
		t.Fatalf("health = %q, want ok", h.Status)
	}

	gw.err = errGatewayDown
	s.pollTick()

	h := s.Health()
	if h.Status != "degraded" {
		t.Errorf("health = %q, want degraded after failed poll", h.Status)
	}
	if h.Store.OK {
		t.Error("store component still reported healthy")
	}

	// Recovery on the next successful poll.
	gw.err = nil
	s.pollTick()
	if h := s.Health(); h.Status != "ok" {
		t.Errorf("health = %q, want ok after recovery", h.Status)
	}
}

func TestServiceChangeEvents(t *testing.T) {
	var events []ChangeEvent
	s := NewService(seedGateway(100), testEngineConfig())
	s.OnChange(func(ev ChangeEvent) { events = append(events, ev) })
	t.Cleanup(s.Cleanup)
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := s.GetNextCluster(); err != nil {
		t.Fatalf("get next cluster: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Cluster == nil {
		t.Error("change event carries no cluster")
	}
}

func TestServiceCleanup(t *testing.T) {
	cfg := testEngineConfig()
	cfg.PollingInterval = "10ms"
	cfg.ClusterDuration = "10ms"
	s := NewService(seedGateway(200), cfg)
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Let the timers run a little before tearing down.
	time.Sleep(50 * time.Millisecond)
	s.Cleanup()

	stats := s.Stats()
	if stats.Initialized {
		t.Error("still initialized after cleanup")
	}
	if stats.WorkingSetSize != 0 || stats.PriorityQueueSize != 0 {
		t.Errorf("cleanup left pool state: set=%d queue=%d", stats.WorkingSetSize, stats.PriorityQueueSize)
	}
	if stats.Watermark != 0 || stats.Cursor != nil {
		t.Errorf("cleanup left traversal state: watermark=%d cursor=%v", stats.Watermark, stats.Cursor)
	}

	// Well past both intervals: no timer may mutate state anymore.
	time.Sleep(50 * time.Millisecond)
	if got := s.Stats(); got.WorkingSetSize != 0 || got.ClustersShown != 0 {
		t.Errorf("timer fired after cleanup: set=%d clusters=%d", got.WorkingSetSize, got.ClustersShown)
	}

	if _, err := s.GetNextCluster(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized after cleanup", err)
	}

	// Idempotent.
	s.Cleanup()
}

func TestServiceReinitializeAfterCleanup(t *testing.T) {
	s := newTestService(t, seedGateway(100), testEngineConfig())

	s.Cleanup()
	if err := s.Initialize(); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	cluster, err := s.GetNextCluster()
	if err != nil || cluster == nil {
		t.Fatalf("cluster after reinitialize: %v, %v", cluster, err)
	}
}
