package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/commentary"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/metrics"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/recorder"
	"github.com/trador/engine/internal/scorer"
	"github.com/trador/engine/internal/settlement"
	"github.com/trador/engine/internal/strategy"
)

// AcquisitionTick adds the best unmonitored candidate, if any scores
// high enough. With the monitored set full it does no work at all.
func (e *Engine) AcquisitionTick(ctx context.Context) {
	start := time.Now()
	defer metrics.ObserveTick("acquisition", start)

	if e.book.MonitoredCount() >= e.opts.MaxMonitored {
		return
	}

	fresh, err := e.unmonitoredCandidates(ctx)
	if err != nil {
		slog.Warn("candidate fetch failed", "err", err)
		return
	}
	best, ok := scorer.Pick(fresh)
	if !ok {
		slog.Debug("no candidate above threshold", "candidates", len(fresh))
		return
	}

	if _, err := e.deploy(ctx, best.Snapshot.Address, &best.Snapshot); err != nil {
		slog.Warn("acquisition skipped", "asset", best.Snapshot.Address, "err", err)
		return
	}
	slog.Info("asset acquired", "asset", best.Snapshot.Address, "symbol", best.Snapshot.Symbol, "score", best.Score)
}

// unmonitoredCandidates fetches trending assets not already monitored,
// keeping the provider's order.
func (e *Engine) unmonitoredCandidates(ctx context.Context) ([]model.Snapshot, error) {
	candidates, err := e.market.FetchCandidates(ctx)
	if err != nil {
		return nil, err
	}
	state := e.book.Snapshot()
	fresh := make([]model.Snapshot, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := state.Monitored[c.Address]; !ok {
			fresh = append(fresh, c)
		}
	}
	return fresh, nil
}

// EvaluationTick refreshes and evaluates every monitored asset in turn.
func (e *Engine) EvaluationTick(ctx context.Context) {
	start := time.Now()
	defer metrics.ObserveTick("evaluation", start)

	for _, addr := range e.monitoredOrder() {
		if ctx.Err() != nil {
			return
		}
		e.evaluateAsset(ctx, addr)
	}
}

// monitoredOrder lists monitored addresses oldest first.
func (e *Engine) monitoredOrder() []string {
	state := e.book.Snapshot()
	addrs := make([]string, 0, len(state.Monitored))
	for a := range state.Monitored {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		ai, aj := state.Monitored[addrs[i]].AddedAt, state.Monitored[addrs[j]].AddedAt
		if ai.Equal(aj) {
			return addrs[i] < addrs[j]
		}
		return ai.Before(aj)
	})
	return addrs
}

func (e *Engine) evaluateAsset(ctx context.Context, addr string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("asset evaluation panicked", "asset", addr, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	snap, err := e.market.FetchSnapshot(ctx, addr)
	if err != nil || snap == nil {
		metrics.SnapshotMisses.Inc()
		slog.Warn("snapshot unavailable, skipping cycle", "asset", addr, "err", err)
		return
	}
	if snap.Address == "" {
		snap.Address = addr
	}

	now := e.now()
	err = e.book.UpdateMonitored(ctx, addr, func(m model.MonitoredAsset) model.MonitoredAsset {
		return ledger.Observe(m, *snap, now, e.opts.ValuationHistoryLimit, e.opts.PriceHistoryLimit)
	})
	if errors.Is(err, ledger.ErrNotMonitored) {
		// Removed while the snapshot was in flight.
		return
	}

	// Fresh read: the decision must see the ledger as it is now.
	state, epoch := e.book.SnapshotWithEpoch()
	m := state.Monitored[addr]
	modes := e.Modes()

	dec := e.evaluator.Evaluate(strategy.Input{
		Snapshot:         *snap,
		Position:         state.Position(addr),
		HasScaled:        state.HasScaled(addr),
		ValuationHistory: m.ValuationHistory,
		Autonomous:       modes.Autonomous,
		Live:             modes.Live,
		Balance:          state.Balance,
		LiveBudget:       modes.LiveBudget,
	})
	if dec.Skip != nil {
		slog.Debug("entry skipped", "asset", addr, "delta", dec.Delta.String(), "reason", dec.Skip)
	}

	e.events.Publish(Event{Type: EventAssetUpdated, Time: now, Asset: &m})

	var bought, sold bool
	if kind, ok := dec.Action.Kind(); ok {
		if e.execute(ctx, kind, *snap, dec, modes.Live, epoch) {
			bought = kind == model.KindBuy
			sold = kind.IsExit()
		}
	}

	if bought || sold || e.chance() < e.opts.CommentaryChance {
		e.comment(ctx, addr, *snap, m.ValuationHistory, bought, sold)
	}
}

// execute records one strategy decision and reports the outcome.
func (e *Engine) execute(ctx context.Context, kind model.TradeKind, snap model.Snapshot, dec strategy.Decision, live bool, epoch uint64) bool {
	t, err := e.recorder.Record(ctx, recorder.Request{
		Kind:      kind,
		Snapshot:  snap,
		Quantity:  dec.Quantity,
		Notional:  dec.Notional,
		Rationale: dec.Rationale,
		Live:      live,
		Epoch:     epoch,
	})
	if err != nil {
		e.reportTradeError(snap, kind, err)
		return false
	}

	e.events.Publish(Event{Type: EventTradeRecorded, Time: e.now(), Trade: &t})
	e.notify(LevelSuccess, snap.Address, fmt.Sprintf("%s %s: %s", t.Kind, t.Symbol, t.Comment), "")
	return true
}

func (e *Engine) reportTradeError(snap model.Snapshot, kind model.TradeKind, err error) {
	var ue *settlement.UnconfirmedError
	switch {
	case errors.As(err, &ue):
		e.notify(LevelUnconfirmed, snap.Address,
			fmt.Sprintf("%s %s submitted but not confirmed. Reconcile manually.", kind, snap.Symbol), ue.Reference)
	case errors.Is(err, ledger.ErrStaleEpoch):
		e.notify(LevelError, snap.Address, fmt.Sprintf("%s %s discarded: ledger was reset", kind, snap.Symbol), "")
	default:
		slog.Error("trade failed", "asset", snap.Address, "kind", kind, "err", err)
		e.notify(LevelError, snap.Address, fmt.Sprintf("%s %s failed: %v", kind, snap.Symbol, err), "")
	}
}

// comment asks for commentary in the background and attaches it if the
// asset is still monitored when the reply arrives.
func (e *Engine) comment(ctx context.Context, addr string, snap model.Snapshot, history []decimal.Decimal, bought, sold bool) {
	balance := e.book.Balance()
	if modes := e.Modes(); modes.Live {
		balance = modes.LiveBudget
	}
	req := commentary.Request{
		Name:             snap.Symbol,
		ValuationHistory: history,
		Buying:           bought,
		Selling:          sold,
		Balance:          balance,
	}

	e.comments.Add(1)
	go func() {
		defer e.comments.Done()
		c := e.commentator.Comment(ctx, req)
		err := e.book.UpdateMonitored(ctx, addr, func(m model.MonitoredAsset) model.MonitoredAsset {
			m.Message = c.Text
			m.Sentiment = c.Sentiment
			return m
		})
		if err != nil && !errors.Is(err, ledger.ErrNotMonitored) {
			slog.Warn("commentary not applied", "asset", addr, "err", err)
		}
	}()
}

// WaitCommentary blocks until background commentary has been applied.
func (e *Engine) WaitCommentary() {
	e.comments.Wait()
}
