package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/asset"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/scorer"
	"github.com/trador/engine/internal/strategy"
)

// Deploy validates raw as an asset address and adds it to the monitored
// set. A snapshot from the last scan is reused when present. Failures are
// always returned; they are also announced as a notice unless autonomous
// trading is on.
func (e *Engine) Deploy(ctx context.Context, raw string) (model.MonitoredAsset, error) {
	addr, err := asset.ParseAddress(raw)
	if err == nil {
		var m model.MonitoredAsset
		m, err = e.deploy(ctx, addr, e.cached(addr))
		if err == nil {
			return m, nil
		}
	}
	if !e.Modes().Autonomous {
		e.notify(LevelError, addr, deployMessage(err), "")
	}
	return model.MonitoredAsset{}, err
}

func deployMessage(err error) string {
	switch {
	case errors.Is(err, ErrAssetNotFound):
		return "Token not found"
	case errors.Is(err, asset.ErrInvalidAddress), errors.Is(err, asset.ErrFundingAsset):
		return "Invalid token address"
	case errors.Is(err, ledger.ErrAlreadyMonitored):
		return "Token already monitored"
	case errors.Is(err, ErrCapacity):
		return "Monitored set is full"
	}
	return err.Error()
}

// deploy adds addr using snap when given, fetching it otherwise.
func (e *Engine) deploy(ctx context.Context, addr string, snap *model.Snapshot) (model.MonitoredAsset, error) {
	if e.book.IsMonitored(addr) {
		return model.MonitoredAsset{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyMonitored, addr)
	}
	if e.book.MonitoredCount() >= e.opts.MaxMonitored {
		return model.MonitoredAsset{}, fmt.Errorf("%w (%d)", ErrCapacity, e.opts.MaxMonitored)
	}

	if snap == nil {
		fetched, err := e.market.FetchSnapshot(ctx, addr)
		if err != nil || fetched == nil {
			return model.MonitoredAsset{}, fmt.Errorf("%w: %s: %v", ErrAssetNotFound, addr, err)
		}
		snap = fetched
	}
	s := *snap
	s.Address = addr

	m := ledger.NewMonitoredAsset(s, e.now())
	if err := e.book.AddMonitored(ctx, m); err != nil {
		return model.MonitoredAsset{}, err
	}
	e.dropCached(addr)

	slog.Info("asset monitored", "asset", addr, "symbol", s.Symbol, "price", s.Price.String())
	e.events.Publish(Event{Type: EventMonitoredAdded, Time: e.now(), Asset: &m})
	return m, nil
}

// Remove stops monitoring address. Any held position stays in the ledger.
func (e *Engine) Remove(ctx context.Context, address string) error {
	if err := e.book.RemoveMonitored(ctx, address); err != nil {
		return err
	}
	slog.Info("asset removed", "asset", address)
	e.events.Publish(Event{
		Type:  EventMonitoredRemoved,
		Time:  e.now(),
		Asset: &model.MonitoredAsset{Metadata: model.Snapshot{Address: address}},
	})
	return nil
}

// Scan ranks the current unmonitored candidates and caches them so a
// following Deploy can skip the snapshot fetch.
func (e *Engine) Scan(ctx context.Context) ([]scorer.Scored, error) {
	fresh, err := e.unmonitoredCandidates(ctx)
	if err != nil {
		return nil, err
	}
	ranked := scorer.Rank(fresh)

	e.mu.Lock()
	e.scanned = ranked
	e.mu.Unlock()

	slog.Info("market scan", "candidates", len(ranked))
	return ranked, nil
}

func (e *Engine) cached(addr string) *model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.scanned {
		if s.Snapshot.Address == addr {
			snap := s.Snapshot
			return &snap
		}
	}
	return nil
}

func (e *Engine) dropCached(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.scanned[:0]
	for _, s := range e.scanned {
		if s.Snapshot.Address != addr {
			kept = append(kept, s)
		}
	}
	e.scanned = kept
}

// Reset stops autonomous trading, clears the scan cache and returns the
// ledger to its initial state.
func (e *Engine) Reset(ctx context.Context) model.State {
	e.SetAutonomous(false)
	e.mu.Lock()
	e.scanned = nil
	e.mu.Unlock()

	s := e.book.Reset(ctx)
	slog.Info("ledger reset", "balance", s.Balance.String())
	e.events.Publish(Event{Type: EventReset, Time: e.now()})
	e.notify(LevelInfo, "", "Portfolio reset", "")
	return s
}

// Holding is one open position valued at the latest monitored price.
type Holding struct {
	Address       string          `json:"address"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	Value         decimal.Decimal `json:"value"`
	UnrealizedPct decimal.Decimal `json:"unrealized_pct"`
	Phase         strategy.Phase  `json:"phase"`
}

// Portfolio is the operator's view of the ledger.
type Portfolio struct {
	Balance     decimal.Decimal        `json:"balance"`
	Status      model.Status           `json:"status"`
	Holdings    []Holding              `json:"holdings"`
	RealizedPnL decimal.Decimal        `json:"realized_pnl"`
	Monitored   []model.MonitoredAsset `json:"monitored"`
	TradeCount  int                    `json:"trade_count"`
	Modes       Modes                  `json:"modes"`
}

// Portfolio builds the current portfolio view.
func (e *Engine) Portfolio() Portfolio {
	state := e.book.Snapshot()

	holdings := make([]Holding, 0, len(state.Positions))
	for addr, pos := range state.Positions {
		if !pos.IsOpen() {
			continue
		}
		h := Holding{
			Address:       addr,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			Phase:         strategy.PhaseOf(pos, state.HasScaled(addr)),
		}
		if m, ok := state.Monitored[addr]; ok {
			h.Symbol = m.Metadata.Symbol
			h.CurrentPrice = m.CurrentPrice
			h.Value = pos.Quantity.Mul(m.CurrentPrice)
			h.UnrealizedPct = strategy.ProfitPct(m.CurrentPrice, pos.AvgEntryPrice)
		}
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Address < holdings[j].Address })

	monitored := make([]model.MonitoredAsset, 0, len(state.Monitored))
	for _, addr := range e.monitoredOrder() {
		if m, ok := state.Monitored[addr]; ok {
			monitored = append(monitored, m)
		}
	}

	return Portfolio{
		Balance:     state.Balance,
		Status:      state.Status(),
		Holdings:    holdings,
		RealizedPnL: state.RealizedPnL(),
		Monitored:   monitored,
		TradeCount:  len(state.Trades),
		Modes:       e.Modes(),
	}
}
