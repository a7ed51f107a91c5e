package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

// fakeGateway serves messages from memory with the same cursor semantics
// as the sqlite store.
type fakeGateway struct {
	msgs []store.Message
	err  error
}

var errGatewayDown = errors.New("gateway down")

func (g *fakeGateway) FetchBatchWithCursor(cursorID int64, limit int, dir store.Direction) ([]store.Message, error) {
	if g.err != nil {
		return nil, g.err
	}

	var out []store.Message
	if dir == store.Descending {
		for _, m := range g.msgs {
			if m.ID <= cursorID {
				out = append(out, m)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	} else {
		for _, m := range g.msgs {
			if m.ID > cursorID {
				out = append(out, m)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *fakeGateway) MaxMessageID() (int64, error) {
	if g.err != nil {
		return 0, g.err
	}
	var max int64
	for _, m := range g.msgs {
		if m.ID > max {
			max = m.ID
		}
	}
	return max, nil
}

func (g *fakeGateway) MessageCount() (int64, error) {
	if g.err != nil {
		return 0, g.err
	}
	return int64(len(g.msgs)), nil
}

func (g *fakeGateway) add(m store.Message) { g.msgs = append(g.msgs, m) }

// seedGateway builds a gateway holding n messages with ids 1..n, spread
// one day apart so the newest id carries the newest timestamp.
func seedGateway(n int) *fakeGateway {
	g := &fakeGateway{}
	base := time.Now().UnixMilli()
	const day = 24 * 60 * 60 * 1000
	for i := 1; i <= n; i++ {
		g.add(store.Message{
			ID:        int64(i),
			Content:   "message number " + string(rune('a'+i%26)),
			Approved:  true,
			CreatedAt: base - int64(n-i)*day,
		})
	}
	return g
}

// testEngineConfig returns engine defaults with timers effectively frozen
// so tests drive cycles explicitly.
func testEngineConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.ClusterDuration = "1h"
	cfg.PollingInterval = "1h"
	return cfg
}
