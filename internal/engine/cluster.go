package engine

import (
	"sort"
	"time"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

// ScoredMessage pairs a related message with its similarity to the focus.
type ScoredMessage struct {
	Message store.Message
	Score   float64
}

// Cluster is the atomic unit handed to callers: one focus message, its
// related messages ordered by descending similarity, and the message that
// becomes the next focus. Created fresh each cycle, never persisted.
type Cluster struct {
	Focus     store.Message
	Related   []ScoredMessage
	Next      *store.Message
	Duration  time.Duration
	CreatedAt time.Time
	Sequence  int64 // running count of clusters emitted
}

// IDs returns the set of every message id appearing in the cluster.
func (c *Cluster) IDs() map[int64]bool {
	ids := make(map[int64]bool, len(c.Related)+2)
	ids[c.Focus.ID] = true
	for _, r := range c.Related {
		ids[r.Message.ID] = true
	}
	if c.Next != nil {
		ids[c.Next.ID] = true
	}
	return ids
}

// AssembleCluster builds the next cluster around focus from the working-set
// snapshot. Candidates appearing in the previous cluster are excluded,
// except the outgoing focus (prevFocusID), which may reappear once in the
// related list to preserve a visible thread. The incoming focus itself is
// never a candidate. Together these guarantee consecutive clusters share
// at most two ids.
//
// next is the highest-scoring candidate left over after the related list;
// the outgoing focus is only chosen as next when no other candidate
// remains (a two-message pool), since its continuity allowance covers the
// related list. Ties break on lowest id for determinism.
func AssembleCluster(
	focus store.Message,
	candidates []store.Message,
	prevIDs map[int64]bool,
	prevFocusID int64,
	clusterSize int,
	weights config.WeightsConfig,
	duration time.Duration,
	sequence int64,
) Cluster {
	scored := make([]ScoredMessage, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == focus.ID {
			continue
		}
		if prevIDs[c.ID] && c.ID != prevFocusID {
			continue
		}
		scored = append(scored, ScoredMessage{
			Message: c,
			Score:   Similarity(focus, c, weights),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Message.ID < scored[j].Message.ID
	})

	related := scored
	if len(related) > clusterSize {
		related = related[:clusterSize]
	}

	var next *store.Message
	rest := scored[len(related):]
	for i := range rest {
		if rest[i].Message.ID == prevFocusID {
			continue
		}
		m := rest[i].Message
		next = &m
		break
	}
	if next == nil && len(rest) > 0 {
		// Only the continuity carryover is left.
		m := rest[0].Message
		next = &m
	}

	return Cluster{
		Focus:     focus,
		Related:   related,
		Next:      next,
		Duration:  duration,
		CreatedAt: time.Now().UTC(),
		Sequence:  sequence,
	}
}
