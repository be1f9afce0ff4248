package databases

import "expedienterag/internal/persistence"

// NewMemoryChatStore returns an in-memory ChatStore, used in tests and for
// local development without Postgres.
func NewMemoryChatStore() persistence.ChatStore {
	return newMemoryChatStore()
}
