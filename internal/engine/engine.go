// Package engine schedules the two trading loops and exposes the
// operator controls around them.
//
// The acquisition loop adds the best-scoring trending asset while
// autonomous trading is on and the monitored set has room. The evaluation
// loop refreshes every monitored asset and lets the strategy act on it.
// Each loop runs on its own goroutine and never overlaps itself; every
// decision reads the ledger as it is at decision time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/commentary"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/recorder"
	"github.com/trador/engine/internal/scorer"
	"github.com/trador/engine/internal/strategy"
)

var (
	// ErrAssetNotFound is returned when market data has no snapshot for
	// a requested asset.
	ErrAssetNotFound = errors.New("engine: asset not found")

	// ErrCapacity is returned when the monitored set is full.
	ErrCapacity = errors.New("engine: monitored set is at capacity")

	// ErrInvalidBudget is returned for a non-positive live budget.
	ErrInvalidBudget = errors.New("engine: live budget must be positive")
)

// MarketData supplies asset snapshots.
type MarketData interface {
	FetchSnapshot(ctx context.Context, address string) (*model.Snapshot, error)
	FetchCandidates(ctx context.Context) ([]model.Snapshot, error)
}

// Commentator writes best-effort commentary. It must not fail.
type Commentator interface {
	Comment(ctx context.Context, req commentary.Request) commentary.Comment
}

// Options are the engine's scheduling and limit settings.
type Options struct {
	EvaluationInterval    time.Duration
	AcquisitionInterval   time.Duration
	MaxMonitored          int
	ValuationHistoryLimit int
	PriceHistoryLimit     int
	CommentaryChance      float64
	Live                  bool
	LiveBudget            decimal.Decimal
}

// Modes are the operator-controlled flags.
type Modes struct {
	Autonomous bool            `json:"autonomous"`
	Live       bool            `json:"live"`
	LiveBudget decimal.Decimal `json:"live_budget"`
}

// Engine is the scheduler and orchestrator.
type Engine struct {
	book        *ledger.Book
	market      MarketData
	recorder    *recorder.Recorder
	evaluator   *strategy.Evaluator
	commentator Commentator
	events      Publisher
	opts        Options

	mu      sync.RWMutex
	modes   Modes
	scanned []scorer.Scored

	kick     chan struct{}
	comments sync.WaitGroup

	chance func() float64
	now    func() time.Time
}

// New creates an engine. commentator and events may be nil.
func New(book *ledger.Book, market MarketData, rec *recorder.Recorder, eval *strategy.Evaluator,
	commentator Commentator, events Publisher, opts Options) *Engine {
	if commentator == nil {
		commentator = commentary.Static{}
	}
	if events == nil {
		events = discard{}
	}
	return &Engine{
		book:        book,
		market:      market,
		recorder:    rec,
		evaluator:   eval,
		commentator: commentator,
		events:      events,
		opts:        opts,
		modes:       Modes{Live: opts.Live, LiveBudget: opts.LiveBudget},
		kick:        make(chan struct{}, 1),
		chance:      rand.Float64,
		now:         time.Now,
	}
}

// Book returns the ledger the engine trades against.
func (e *Engine) Book() *ledger.Book {
	return e.book
}

// Run drives both loops until ctx is cancelled, then waits for
// outstanding commentary.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("engine started",
		"evaluation_interval", e.opts.EvaluationInterval.String(),
		"acquisition_interval", e.opts.AcquisitionInterval.String(),
		"max_monitored", e.opts.MaxMonitored,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.loop(ctx, e.opts.EvaluationInterval, nil, e.EvaluationTick)
	}()
	go func() {
		defer wg.Done()
		e.loop(ctx, e.opts.AcquisitionInterval, e.kick, func(ctx context.Context) {
			if e.Modes().Autonomous {
				e.AcquisitionTick(ctx)
			}
		})
	}()
	wg.Wait()
	e.comments.Wait()
	slog.Info("engine stopped")
}

// loop calls tick every interval, and immediately whenever kick fires.
func (e *Engine) loop(ctx context.Context, interval time.Duration, kick <-chan struct{}, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		case <-kick:
			ticker.Reset(interval)
			tick(ctx)
		}
	}
}

// Modes returns the current operator flags.
func (e *Engine) Modes() Modes {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modes
}

// SetAutonomous switches autonomous trading. Switching it on triggers an
// acquisition pass right away.
func (e *Engine) SetAutonomous(on bool) Modes {
	e.mu.Lock()
	was := e.modes.Autonomous
	e.modes.Autonomous = on
	m := e.modes
	e.mu.Unlock()

	if on && !was {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	if on != was {
		slog.Info("autonomous trading toggled", "on", on)
		e.publishModes(m)
	}
	return m
}

// SetLive switches between simulated and real settlement.
func (e *Engine) SetLive(on bool) Modes {
	e.mu.Lock()
	e.modes.Live = on
	m := e.modes
	e.mu.Unlock()

	slog.Info("settlement mode changed", "live", on)
	e.publishModes(m)
	return m
}

// SetBudget sets the capital allocated to live trading.
func (e *Engine) SetBudget(budget decimal.Decimal) (Modes, error) {
	if !budget.IsPositive() {
		return e.Modes(), fmt.Errorf("%w: %s", ErrInvalidBudget, budget)
	}
	e.mu.Lock()
	e.modes.LiveBudget = budget
	m := e.modes
	e.mu.Unlock()

	e.publishModes(m)
	return m, nil
}

func (e *Engine) publishModes(m Modes) {
	e.events.Publish(Event{Type: EventModeChanged, Time: e.now(), Modes: &m})
}

func (e *Engine) notify(level Level, asset, msg, ref string) {
	e.events.Publish(Event{
		Type:   EventNotice,
		Time:   e.now(),
		Notice: &Notice{Level: level, Message: msg, Asset: asset, Reference: ref},
	})
}
