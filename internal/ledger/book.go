package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/metrics"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/store"
)

// Book is the single owned holder of the current ledger State. Readers
// take deep-copied snapshots; writers submit pure transitions that are
// applied under the lock and never block on I/O while holding it. After
// each transition the latest State is persisted.
type Book struct {
	mu           sync.RWMutex
	state        model.State
	epoch        uint64
	initial      decimal.Decimal
	historyLimit int

	persistMu sync.Mutex
	store     store.Store
}

// Open loads the last saved State from st. A missing or unreadable State
// falls back to a fresh ledger holding initialBalance.
func Open(ctx context.Context, st store.Store, initialBalance decimal.Decimal, historyLimit int) *Book {
	b := &Book{
		initial:      initialBalance,
		historyLimit: historyLimit,
		store:        st,
	}

	saved, err := st.Load(ctx)
	switch {
	case err == nil && saved != nil:
		b.state = normalize(*saved, historyLimit)
		slog.Info("ledger restored",
			"balance", b.state.Balance.String(),
			"positions", len(b.state.Positions),
			"trades", len(b.state.Trades),
			"monitored", len(b.state.Monitored),
		)
	case errors.Is(err, store.ErrNotFound):
		b.state = model.NewState(initialBalance)
		slog.Info("no saved ledger, starting fresh", "balance", initialBalance.String())
	default:
		b.state = model.NewState(initialBalance)
		slog.Warn("saved ledger unreadable, starting fresh", "err", err)
	}
	b.observe(b.state)
	return b
}

// normalize fills fields an older or partial save may lack.
func normalize(s model.State, historyLimit int) model.State {
	if s.Positions == nil {
		s.Positions = make(map[string]model.Position)
	}
	if s.Monitored == nil {
		s.Monitored = make(map[string]model.MonitoredAsset)
	}
	if s.Trades == nil {
		s.Trades = []model.Trade{}
	}
	if historyLimit > 0 && len(s.Trades) > historyLimit {
		s.Trades = s.Trades[:historyLimit]
	}
	for addr, m := range s.Monitored {
		if m.PriceHistory == nil {
			m.PriceHistory = []model.PricePoint{}
		}
		if m.Sentiment == "" {
			m.Sentiment = model.SentimentNeutral
		}
		if m.Metadata.Address == "" {
			m.Metadata.Address = addr
		}
		s.Monitored[addr] = m
	}
	return s.Clone()
}

// Snapshot returns a copy of the current State.
func (b *Book) Snapshot() model.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// SnapshotWithEpoch returns a copy of the current State together with the
// epoch it belongs to, read under one lock.
func (b *Book) SnapshotWithEpoch() (model.State, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone(), b.epoch
}

// Epoch identifies the ledger generation; it changes on every Reset.
func (b *Book) Epoch() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epoch
}

// Position returns the current position held in address.
func (b *Book) Position(address string) model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Positions[address]
}

// Balance returns the current funding-currency balance.
func (b *Book) Balance() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Balance
}

// IsMonitored reports whether address is in the monitored set.
func (b *Book) IsMonitored(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.state.Monitored[address]
	return ok
}

// MonitoredCount returns the size of the monitored set.
func (b *Book) MonitoredCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.state.Monitored)
}

// RecordTrade applies t if the ledger is still at epoch and returns the
// trade as recorded (with realized P/L for exits).
func (b *Book) RecordTrade(ctx context.Context, epoch uint64, t model.Trade) (model.Trade, error) {
	var recorded model.Trade
	err := b.mutate(ctx, func(prev model.State, current uint64) (model.State, error) {
		if current != epoch {
			return prev, ErrStaleEpoch
		}
		var next model.State
		next, recorded = ApplyTrade(prev, t, b.historyLimit)
		return next, nil
	})
	return recorded, err
}

// AddMonitored adds asset to the monitored set.
func (b *Book) AddMonitored(ctx context.Context, asset model.MonitoredAsset) error {
	return b.mutate(ctx, func(prev model.State, _ uint64) (model.State, error) {
		return AddMonitored(prev, asset)
	})
}

// RemoveMonitored drops address from the monitored set.
func (b *Book) RemoveMonitored(ctx context.Context, address string) error {
	return b.mutate(ctx, func(prev model.State, _ uint64) (model.State, error) {
		return RemoveMonitored(prev, address)
	})
}

// UpdateMonitored applies fn to the monitored asset at address, reading
// the asset as it is at the moment of the update.
func (b *Book) UpdateMonitored(ctx context.Context, address string, fn func(model.MonitoredAsset) model.MonitoredAsset) error {
	return b.mutate(ctx, func(prev model.State, _ uint64) (model.State, error) {
		return UpdateMonitored(prev, address, fn)
	})
}

// Reset returns the ledger to its defaults and starts a new epoch.
func (b *Book) Reset(ctx context.Context) model.State {
	b.mu.Lock()
	b.state = model.NewState(b.initial)
	b.epoch++
	b.mu.Unlock()

	b.persist(ctx)
	return b.Snapshot()
}

func (b *Book) mutate(ctx context.Context, fn func(model.State, uint64) (model.State, error)) error {
	b.mu.Lock()
	next, err := fn(b.state, b.epoch)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.state = next
	b.mu.Unlock()

	b.persist(ctx)
	return nil
}

// persist saves the latest State. Saves are serialised and always read
// the State after acquiring persistMu, so the last save wins with the
// newest State.
func (b *Book) persist(ctx context.Context) {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	snap := b.Snapshot()
	b.observe(snap)
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, &snap); err != nil {
		metrics.PersistFailures.Inc()
		slog.Error("ledger persist failed", "err", err)
	}
}

func (b *Book) observe(s model.State) {
	metrics.Balance.Set(s.Balance.InexactFloat64())
	metrics.MonitoredAssets.Set(float64(len(s.Monitored)))
}
