package engine

import (
	"github.com/murmurwall/murmur/internal/store"
)

// Gateway is the narrow slice of the message store the engine consumes.
// *store.DB satisfies it; tests use the in-memory SQLite store or a
// failure-injecting fake. Only approved, non-deleted messages are ever
// returned through this interface.
type Gateway interface {
	// FetchBatchWithCursor returns up to limit messages relative to
	// cursorID: Descending walks ids at or below the cursor, Ascending
	// walks ids strictly above it.
	FetchBatchWithCursor(cursorID int64, limit int, dir store.Direction) ([]store.Message, error)

	// MaxMessageID returns the highest visible id, 0 when empty.
	MaxMessageID() (int64, error)

	// MessageCount returns the number of visible messages.
	MessageCount() (int64, error)
}
