// Package recorder turns a trading decision into a ledger trade. In live
// mode the swap is settled on the network first and the ledger changes
// only on confirmed success.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/asset"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/metrics"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/settlement"
)

var (
	ErrInvalidTrade      = errors.New("recorder: invalid trade")
	ErrInsufficientFunds = errors.New("recorder: insufficient funds")
	ErrSettlementFailed  = errors.New("recorder: settlement failed")
	// ErrUnconfirmed means a swap was submitted but its outcome is
	// unknown. The ledger is left untouched; the operator reconciles.
	ErrUnconfirmed = errors.New("recorder: settlement unconfirmed")
)

// Settler executes real swaps.
type Settler interface {
	Settle(ctx context.Context, order settlement.Order) (settlement.Receipt, error)
}

// BalanceReporter is implemented by settlers that can report the wallet's
// funding-currency balance before a live buy.
type BalanceReporter interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// Request describes one trade to record.
type Request struct {
	Kind      model.TradeKind
	Snapshot  model.Snapshot
	Quantity  decimal.Decimal
	Notional  decimal.Decimal
	Rationale string
	Live      bool
	// Epoch is the ledger generation the decision was read from. A trade
	// whose epoch no longer matches is discarded.
	Epoch uint64
}

// Recorder validates, settles and records trades.
type Recorder struct {
	book    *ledger.Book
	settler Settler
	timeout time.Duration
	now     func() time.Time
}

// New creates a recorder. settler may be nil when live mode is never used.
func New(book *ledger.Book, settler Settler, timeout time.Duration) *Recorder {
	return &Recorder{
		book:    book,
		settler: settler,
		timeout: timeout,
		now:     time.Now,
	}
}

// Record executes req and returns the trade as recorded.
func (r *Recorder) Record(ctx context.Context, req Request) (model.Trade, error) {
	if err := validate(req); err != nil {
		return model.Trade{}, err
	}

	if req.Epoch != r.book.Epoch() {
		return model.Trade{}, r.stale(req.Kind, req.Snapshot.Symbol, req.Rationale)
	}
	comment := req.Rationale

	if req.Live {
		ref, err := r.settle(ctx, req)
		if err != nil {
			return model.Trade{}, err
		}
		comment = fmt.Sprintf("%s [TX: %s...]", comment, asset.Short(ref, 6))
	} else if req.Kind == model.KindBuy && req.Notional.GreaterThan(r.book.Balance()) {
		metrics.SettlementFailures.WithLabelValues("funds").Inc()
		return model.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, req.Notional, r.book.Balance())
	}

	t := model.Trade{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Symbol:    req.Snapshot.Symbol,
		Address:   req.Snapshot.Address,
		Price:     req.Snapshot.Price,
		Valuation: req.Snapshot.Valuation,
		Quantity:  req.Quantity,
		Notional:  req.Notional,
		Timestamp: r.now(),
		Comment:   comment,
	}

	recorded, err := r.book.RecordTrade(ctx, req.Epoch, t)
	if errors.Is(err, ledger.ErrStaleEpoch) {
		return model.Trade{}, r.stale(t.Kind, t.Symbol, comment)
	}
	if err != nil {
		return model.Trade{}, err
	}

	metrics.TradesTotal.WithLabelValues(string(recorded.Kind)).Inc()
	slog.Info("trade recorded",
		"kind", recorded.Kind,
		"symbol", recorded.Symbol,
		"quantity", recorded.Quantity.String(),
		"notional", recorded.Notional.String(),
		"live", req.Live,
	)
	return recorded, nil
}

func (r *Recorder) stale(kind model.TradeKind, symbol, comment string) error {
	metrics.SettlementFailures.WithLabelValues("stale").Inc()
	slog.Warn("trade discarded after ledger reset", "kind", kind, "symbol", symbol, "comment", comment)
	return ledger.ErrStaleEpoch
}

func validate(req Request) error {
	switch {
	case !req.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrade, req.Kind)
	case req.Snapshot.Address == "":
		return fmt.Errorf("%w: missing asset address", ErrInvalidTrade)
	case req.Quantity.IsNegative() || req.Notional.IsNegative():
		return fmt.Errorf("%w: negative quantity or notional", ErrInvalidTrade)
	}
	return nil
}

// settle runs the swap outside any ledger lock and returns the
// transaction reference.
func (r *Recorder) settle(ctx context.Context, req Request) (string, error) {
	if r.settler == nil {
		metrics.SettlementFailures.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: %w", ErrSettlementFailed, settlement.ErrWalletUnavailable)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	order := settlement.Order{Asset: req.Snapshot.Address}
	if req.Kind == model.KindBuy {
		order.Direction = settlement.DirectionBuy
		order.Amount = req.Notional
		if br, ok := r.settler.(BalanceReporter); ok {
			bal, err := br.Balance(ctx)
			if err == nil && req.Notional.GreaterThan(bal) {
				metrics.SettlementFailures.WithLabelValues("funds").Inc()
				return "", fmt.Errorf("%w: wallet holds %s, need %s", ErrInsufficientFunds, bal, req.Notional)
			}
		}
	} else {
		order.Direction = settlement.DirectionSell
		order.Amount = req.Quantity
	}

	start := time.Now()
	rct, err := r.settler.Settle(ctx, order)
	metrics.SettlementLatency.WithLabelValues(string(order.Direction)).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, settlement.ErrUnconfirmed):
		metrics.SettlementFailures.WithLabelValues("unconfirmed").Inc()
		slog.Error("settlement unconfirmed, ledger unchanged", "symbol", req.Snapshot.Symbol, "err", err)
		return "", fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	case err != nil:
		metrics.SettlementFailures.WithLabelValues("failed").Inc()
		slog.Error("settlement failed, ledger unchanged", "symbol", req.Snapshot.Symbol, "err", err)
		return "", fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	return rct.Reference, nil
}
