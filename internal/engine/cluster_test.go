package engine

import (
	"testing"
	"time"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

func testWeights() config.WeightsConfig {
	return config.WeightsConfig{Temporal: 0.25, Length: 0.15, Semantic: 0.6}
}

func makeCandidates(n int) []store.Message {
	base := time.Now().UnixMilli()
	const day = 24 * 60 * 60 * 1000
	out := make([]store.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, store.Message{
			ID:        int64(i),
			Content:   "candidate text",
			CreatedAt: base - int64(n-i)*day,
		})
	}
	return out
}

func TestAssembleClusterBasics(t *testing.T) {
	candidates := makeCandidates(30)
	focus := candidates[29]

	cluster := AssembleCluster(focus, candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)

	if cluster.Focus.ID != focus.ID {
		t.Fatalf("focus = %d, want %d", cluster.Focus.ID, focus.ID)
	}
	if len(cluster.Related) != 8 {
		t.Fatalf("related size = %d, want 8", len(cluster.Related))
	}
	if cluster.Next == nil {
		t.Fatal("next is nil with spare candidates")
	}

	seen := map[int64]bool{focus.ID: true}
	for _, r := range cluster.Related {
		if r.Message.ID == focus.ID {
			t.Error("focus appears in related list")
		}
		if seen[r.Message.ID] {
			t.Errorf("duplicate id %d in cluster", r.Message.ID)
		}
		seen[r.Message.ID] = true
	}
	if seen[cluster.Next.ID] {
		t.Error("next duplicates a cluster member")
	}

	// Related is ordered by descending score.
	for i := 1; i < len(cluster.Related); i++ {
		if cluster.Related[i].Score > cluster.Related[i-1].Score {
			t.Errorf("related not sorted: score[%d]=%v > score[%d]=%v",
				i, cluster.Related[i].Score, i-1, cluster.Related[i-1].Score)
		}
	}
}

func TestAssembleClusterConsecutiveOverlap(t *testing.T) {
	candidates := makeCandidates(40)
	focus := candidates[39]

	first := AssembleCluster(focus, candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)
	if first.Next == nil {
		t.Fatal("first cluster has no next")
	}

	second := AssembleCluster(*first.Next, candidates, first.IDs(), first.Focus.ID, 8, testWeights(), 8*time.Second, 2)

	firstIDs := first.IDs()
	overlap := 0
	for id := range second.IDs() {
		if firstIDs[id] {
			overlap++
			// Only the promoted next (now focus) and the outgoing focus
			// may carry over.
			if id != first.Next.ID && id != first.Focus.ID {
				t.Errorf("unexpected carryover id %d", id)
			}
		}
	}
	if overlap > 2 {
		t.Errorf("consecutive clusters share %d ids, want at most 2", overlap)
	}

	// The outgoing focus must not be promoted to next while alternatives exist.
	if second.Next != nil && second.Next.ID == first.Focus.ID {
		t.Error("outgoing focus chosen as next despite other candidates")
	}
}

func TestAssembleClusterDeterminism(t *testing.T) {
	candidates := makeCandidates(25)
	focus := candidates[10]

	a := AssembleCluster(focus, candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)
	b := AssembleCluster(focus, candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)

	if len(a.Related) != len(b.Related) {
		t.Fatalf("related sizes differ: %d vs %d", len(a.Related), len(b.Related))
	}
	for i := range a.Related {
		if a.Related[i].Message.ID != b.Related[i].Message.ID {
			t.Errorf("related[%d] differs: %d vs %d", i, a.Related[i].Message.ID, b.Related[i].Message.ID)
		}
	}
	if (a.Next == nil) != (b.Next == nil) {
		t.Fatal("next presence differs between identical runs")
	}
	if a.Next != nil && a.Next.ID != b.Next.ID {
		t.Errorf("next differs: %d vs %d", a.Next.ID, b.Next.ID)
	}
}

func TestAssembleClusterShortCandidateList(t *testing.T) {
	candidates := makeCandidates(4)
	focus := candidates[3]

	cluster := AssembleCluster(focus, candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)

	if len(cluster.Related) != 3 {
		t.Errorf("related size = %d, want 3", len(cluster.Related))
	}
	if cluster.Next != nil {
		t.Errorf("next = %d, want nil when every candidate fits in related", cluster.Next.ID)
	}
}

func TestAssembleClusterOnlyFocus(t *testing.T) {
	candidates := makeCandidates(1)
	cluster := AssembleCluster(candidates[0], candidates, nil, 0, 8, testWeights(), 8*time.Second, 1)

	if len(cluster.Related) != 0 {
		t.Errorf("related size = %d, want 0", len(cluster.Related))
	}
	if cluster.Next != nil {
		t.Error("next should be nil for a single-message pool")
	}
}

func TestAssembleClusterNextFallsBackToCarryover(t *testing.T) {
	// Cluster size 1 with three candidates: related takes one slot, and
	// when the only remaining candidate is the outgoing focus it is still
	// used rather than stalling the traversal.
	candidates := makeCandidates(3)
	focus := candidates[2]
	prevFocus := candidates[0]

	prevIDs := map[int64]bool{prevFocus.ID: true}
	cluster := AssembleCluster(focus, candidates, prevIDs, prevFocus.ID, 1, testWeights(), 8*time.Second, 2)

	// Id 2 outscores id 1 (closer in time to the focus) and takes the
	// single related slot, leaving only the carryover for next.
	if len(cluster.Related) != 1 || cluster.Related[0].Message.ID != 2 {
		t.Fatalf("related = %+v, want exactly id 2", cluster.Related)
	}
	if cluster.Next == nil {
		t.Fatal("next is nil, want carryover fallback")
	}
	if cluster.Next.ID != prevFocus.ID {
		t.Errorf("next = %d, want carryover %d", cluster.Next.ID, prevFocus.ID)
	}
}

func TestClusterIDs(t *testing.T) {
	next := store.Message{ID: 9}
	c := Cluster{
		Focus:   store.Message{ID: 1},
		Related: []ScoredMessage{{Message: store.Message{ID: 2}}, {Message: store.Message{ID: 3}}},
		Next:    &next,
	}

	ids := c.IDs()
	for _, want := range []int64{1, 2, 3, 9} {
		if !ids[want] {
			t.Errorf("IDs missing %d", want)
		}
	}
	if len(ids) != 4 {
		t.Errorf("IDs size = %d, want 4", len(ids))
	}
}
