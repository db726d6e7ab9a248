// Package store defines the persistence interface for the portfolio
// ledger. Implementations include PostgreSQL (source of truth), a Redis
// write-through cache, a JSON file, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/trador/engine/internal/model"
)

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("store: no saved state")

// Store persists the whole ledger State. Save always receives the latest
// snapshot; implementations replace what they hold.
type Store interface {
	// Load returns the last saved State, or ErrNotFound.
	Load(ctx context.Context) (*model.State, error)

	// Save persists s.
	Save(ctx context.Context, s *model.State) error
}

// newTrades returns the trades, most recent first, recorded after the one
// with id latest. When latest is not in the window every trade is new.
func newTrades(trades []model.Trade, latest string) []model.Trade {
	for i, t := range trades {
		if t.ID == latest {
			return trades[:i]
		}
	}
	return trades
}

func newestID(trades []model.Trade) string {
	if len(trades) == 0 {
		return ""
	}
	return trades[0].ID
}
