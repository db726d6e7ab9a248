package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trador/engine/internal/asset"
	"github.com/trador/engine/internal/commentary"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/marketdata"
	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/recorder"
	"github.com/trador/engine/internal/settlement"
	"github.com/trador/engine/internal/sizing"
	"github.com/trador/engine/internal/store"
	"github.com/trador/engine/internal/strategy"
)

const (
	addrX = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	addrY = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type MockMarket struct {
	mock.Mock
}

func (m *MockMarket) FetchSnapshot(ctx context.Context, address string) (*model.Snapshot, error) {
	args := m.Called(ctx, address)
	s, _ := args.Get(0).(*model.Snapshot)
	return s, args.Error(1)
}

func (m *MockMarket) FetchCandidates(ctx context.Context) ([]model.Snapshot, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]model.Snapshot)
	return s, args.Error(1)
}

type MockSettler struct {
	mock.Mock
}

func (m *MockSettler) Settle(ctx context.Context, order settlement.Order) (settlement.Receipt, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(settlement.Receipt), args.Error(1)
}

type recordingCommentator struct {
	mu   sync.Mutex
	reqs []commentary.Request
	gate chan struct{}
}

func (c *recordingCommentator) Comment(_ context.Context, req commentary.Request) commentary.Comment {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return commentary.Comment{Text: "Rotation confirmed.", Sentiment: model.SentimentBullish}
}

func (c *recordingCommentator) requests() []commentary.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]commentary.Request(nil), c.reqs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) notices() []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Notice
	for _, ev := range p.events {
		if ev.Notice != nil {
			out = append(out, *ev.Notice)
		}
	}
	return out
}

type fixture struct {
	engine    *Engine
	book      *ledger.Book
	market    *MockMarket
	settler   *MockSettler
	comments  *recordingCommentator
	published *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	book := ledger.Open(context.Background(), store.NewMemoryStore(), d(10), 100)
	market := new(MockMarket)
	settler := new(MockSettler)
	comments := &recordingCommentator{}
	published := &recordingPublisher{}

	eval := strategy.NewEvaluator(strategy.DefaultThresholds(), sizing.NewSizer(5, d(0.05), d(10)))
	e := New(book, market, recorder.New(book, settler, time.Second), eval, comments, published, Options{
		EvaluationInterval:    time.Hour,
		AcquisitionInterval:   time.Hour,
		MaxMonitored:          5,
		ValuationHistoryLimit: 20,
		PriceHistoryLimit:     60,
		CommentaryChance:      0.15,
		LiveBudget:            d(1),
	})
	e.chance = func() float64 { return 1 } // commentary only on trades
	return &fixture{engine: e, book: book, market: market, settler: settler, comments: comments, published: published}
}

func snapAt(addr string, price, valuation float64) *model.Snapshot {
	return &model.Snapshot{
		Name:      "Token " + addr[:4],
		Symbol:    addr[:4],
		Address:   addr,
		Price:     d(price),
		Valuation: d(valuation),
	}
}

// hold opens a simulated position of qty at avg and monitors the asset.
func (f *fixture) hold(t *testing.T, addr string, qty, avg float64) {
	t.Helper()
	snap := snapAt(addr, avg, 1000)
	_, err := f.engine.recorder.Record(context.Background(), recorder.Request{
		Kind:     model.KindBuy,
		Snapshot: *snap,
		Quantity: d(qty),
		Notional: d(qty).Mul(d(avg)),
	})
	require.NoError(t, err)
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snap, time.Now())))
}

func (f *fixture) tickAt(t *testing.T, addr string, price, valuation float64) {
	t.Helper()
	f.market.On("FetchSnapshot", mock.Anything, addr).Return(snapAt(addr, price, valuation), nil).Once()
	f.engine.EvaluationTick(context.Background())
	f.engine.WaitCommentary()
}

func TestScenarioB_ScaleOutThenExit(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)

	f.tickAt(t, addrX, 1.8, 1000)
	s := f.book.Snapshot()
	require.Equal(t, model.KindPartialSell, s.Trades[0].Kind)
	assert.True(t, s.Trades[0].Quantity.Equal(d(2)))
	assert.True(t, s.Trades[0].Notional.Equal(d(3.6)))
	assert.True(t, s.Position(addrX).Quantity.Equal(d(2)))
	assert.True(t, s.HasScaled(addrX))

	f.tickAt(t, addrX, 2.1, 1000)
	s = f.book.Snapshot()
	require.Equal(t, model.KindSell, s.Trades[0].Kind)
	assert.True(t, s.Trades[0].Quantity.Equal(d(2)))
	assert.False(t, s.Position(addrX).IsOpen())
	assert.True(t, s.Balance.Equal(d(11.8)), "balance %s", s.Balance)

	reqs := f.comments.requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Selling)
	assert.Equal(t, "Rotation confirmed.", s.Monitored[addrX].Message)
	f.market.AssertExpectations(t)
}

func TestScenarioC_StopLoss(t *testing.T) {
	for _, scaled := range []bool{false, true} {
		t.Run(fmt.Sprintf("scaled=%v", scaled), func(t *testing.T) {
			f := newFixture(t)
			f.hold(t, addrX, 4, 1.5)
			if scaled {
				// A zero-size scale-out marks the position as scaled
				// without changing what is held.
				_, err := f.engine.recorder.Record(context.Background(), recorder.Request{
					Kind: model.KindPartialSell, Snapshot: *snapAt(addrX, 1.5, 1000),
					Quantity: d(0), Notional: d(0),
				})
				require.NoError(t, err)
			}
			f.engine.SetAutonomous(true)

			held := f.book.Position(addrX).Quantity
			f.tickAt(t, addrX, 1.275, 1000)

			s := f.book.Snapshot()
			require.Equal(t, model.KindSell, s.Trades[0].Kind)
			assert.True(t, s.Trades[0].Quantity.Equal(held))
			assert.Contains(t, s.Trades[0].Comment, "Stop loss hit (-15%)")
			require.NotNil(t, s.Trades[0].PnL)
			assert.True(t, s.Trades[0].PnL.IsNegative())
			assert.False(t, s.Position(addrX).IsOpen())
		})
	}
}

func TestScenarioD_FullSetDoesNoWork(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		snap := snapAt(fmt.Sprintf("Asset%d%s", i, addrX[6:]), 1, 1000)
		require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snap, time.Now())))
	}
	f.engine.SetAutonomous(true)

	f.engine.AcquisitionTick(context.Background())

	assert.Equal(t, 5, f.book.MonitoredCount())
	f.market.AssertNotCalled(t, "FetchCandidates", mock.Anything)
	f.market.AssertNotCalled(t, "FetchSnapshot", mock.Anything, mock.Anything)
}

func moneyJSON(t *testing.T, s model.State) string {
	t.Helper()
	raw, err := json.Marshal(struct {
		Balance   decimal.Decimal
		Positions map[string]model.Position
		Trades    []model.Trade
	}{s.Balance, s.Positions, s.Trades})
	require.NoError(t, err)
	return string(raw)
}

func TestScenarioE_FailedSettlementChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	f.engine.SetLive(true)
	before := moneyJSON(t, f.book.Snapshot())

	f.settler.On("Settle", mock.Anything, mock.Anything).
		Return(settlement.Receipt{}, errors.New("user declined")).Once()

	f.tickAt(t, addrX, 1.8, 1000)

	assert.Equal(t, before, moneyJSON(t, f.book.Snapshot()))
	f.settler.AssertExpectations(t)

	notices := f.published.notices()
	require.NotEmpty(t, notices)
	last := notices[len(notices)-1]
	assert.Equal(t, LevelError, last.Level)
	assert.Contains(t, last.Message, "user declined")

	// Prices still refresh when the trade fails.
	assert.True(t, f.book.Snapshot().Monitored[addrX].CurrentPrice.Equal(d(1.8)))
}

func TestUnconfirmedSettlementRaisesDistinctNotice(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	f.engine.SetLive(true)
	before := moneyJSON(t, f.book.Snapshot())

	f.settler.On("Settle", mock.Anything, mock.Anything).
		Return(settlement.Receipt{}, &settlement.UnconfirmedError{Reference: "sig123", Cause: context.DeadlineExceeded}).Once()

	f.tickAt(t, addrX, 1.8, 1000)

	assert.Equal(t, before, moneyJSON(t, f.book.Snapshot()))
	notices := f.published.notices()
	require.NotEmpty(t, notices)
	last := notices[len(notices)-1]
	assert.Equal(t, LevelUnconfirmed, last.Level)
	assert.Equal(t, "sig123", last.Reference)
}

func TestLiveTradeCarriesReference(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	f.engine.SetLive(true)

	f.settler.On("Settle", mock.Anything, mock.MatchedBy(func(o settlement.Order) bool {
		return o.Direction == settlement.DirectionSell && o.Amount.Equal(d(2))
	})).Return(settlement.Receipt{Reference: "3vZkQwSignature"}, nil).Once()

	f.tickAt(t, addrX, 1.8, 1000)

	tr := f.book.Snapshot().Trades[0]
	assert.Equal(t, "Target 1 reached. Securing 50%. [TX: 3vZkQw...]", tr.Comment)
}

func TestEntryOnMomentum(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrX, 0.5, 1000), time.Now())))
	f.engine.SetAutonomous(true)

	f.tickAt(t, addrX, 0.5, 1000)
	f.tickAt(t, addrX, 0.5, 1000)
	assert.Empty(t, f.book.Snapshot().Trades, "no entry before four samples")

	f.tickAt(t, addrX, 0.5, 1010)
	s := f.book.Snapshot()
	require.Len(t, s.Trades, 1)
	assert.Equal(t, model.KindBuy, s.Trades[0].Kind)
	assert.True(t, s.Trades[0].Notional.Equal(d(2)))
	assert.True(t, s.Position(addrX).Quantity.Equal(d(4)))
	assert.True(t, s.Balance.Equal(d(8)))
	assert.Equal(t, []decimal.Decimal{d(1000), d(1000), d(1000), d(1010)}, s.Monitored[addrX].ValuationHistory)

	reqs := f.comments.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Buying)
}

func TestNoTradesWhileNotAutonomous(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)

	f.tickAt(t, addrX, 1.275, 1000)

	s := f.book.Snapshot()
	assert.Len(t, s.Trades, 1, "only the seeding buy")
	assert.True(t, s.Monitored[addrX].CurrentPrice.Equal(d(1.275)))
	assert.Len(t, s.Monitored[addrX].PriceHistory, 2)
}

func TestMissingSnapshotSkipsOnlyThatAsset(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrX, 1, 1000), now)))
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrY, 1, 1000), now.Add(time.Second))))

	f.market.On("FetchSnapshot", mock.Anything, addrX).Return(nil, marketdata.ErrNotFound).Once()
	f.market.On("FetchSnapshot", mock.Anything, addrY).Return(snapAt(addrY, 3, 1200), nil).Once()

	f.engine.EvaluationTick(context.Background())

	s := f.book.Snapshot()
	assert.True(t, s.Monitored[addrX].CurrentPrice.Equal(d(1)), "skipped asset unchanged")
	assert.Len(t, s.Monitored[addrX].ValuationHistory, 1)
	assert.True(t, s.Monitored[addrY].CurrentPrice.Equal(d(3)))
	f.market.AssertExpectations(t)
}

func TestPanicInOneAssetDoesNotStopTick(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrX, 1, 1000), now)))
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrY, 1, 1000), now.Add(time.Second))))

	f.market.On("FetchSnapshot", mock.Anything, addrX).Run(func(mock.Arguments) { panic("decoder blew up") }).Once()
	f.market.On("FetchSnapshot", mock.Anything, addrY).Return(snapAt(addrY, 2, 1000), nil).Once()

	assert.NotPanics(t, func() { f.engine.EvaluationTick(context.Background()) })
	assert.True(t, f.book.Snapshot().Monitored[addrY].CurrentPrice.Equal(d(2)))
}

func TestAcquisitionPicksBestUnmonitored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snapAt(addrX, 1, 1000), time.Now())))

	strong := *snapAt(addrX, 1, 1000) // already monitored
	strong.PriceChange1h = 5
	strong.Txns24h = model.TxnCounts{Buys: 90, Sells: 10}
	other := *snapAt(addrY, 2, 500)
	other.PriceChange1h = 5
	other.Txns24h = model.TxnCounts{Buys: 55, Sells: 45}
	f.market.On("FetchCandidates", mock.Anything).Return([]model.Snapshot{strong, other}, nil).Once()
	f.engine.SetAutonomous(true)

	f.engine.AcquisitionTick(context.Background())

	s := f.book.Snapshot()
	require.Contains(t, s.Monitored, addrY)
	assert.Equal(t, "Initiating tactical monitoring...", s.Monitored[addrY].Message)
	assert.Equal(t, []decimal.Decimal{d(500)}, s.Monitored[addrY].ValuationHistory)
	// The scanned snapshot is reused.
	f.market.AssertNotCalled(t, "FetchSnapshot", mock.Anything, mock.Anything)
}

func TestAcquisitionRejectsWeakCandidates(t *testing.T) {
	f := newFixture(t)
	weak := *snapAt(addrY, 1, 1000)
	weak.PriceChange1h = -30
	weak.Txns24h = model.TxnCounts{Buys: 1, Sells: 9}
	weak.AgeHours = 500
	f.market.On("FetchCandidates", mock.Anything).Return([]model.Snapshot{weak}, nil).Once()

	f.engine.AcquisitionTick(context.Background())
	assert.Equal(t, 0, f.book.MonitoredCount())
}

func TestEnablingAutonomousAcquiresImmediately(t *testing.T) {
	f := newFixture(t)
	cand := *snapAt(addrY, 1, 1000)
	cand.PriceChange1h = 5
	f.market.On("FetchCandidates", mock.Anything).Return([]model.Snapshot{cand}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.engine.SetAutonomous(true)
	require.Eventually(t, func() bool { return f.book.IsMonitored(addrY) }, 2*time.Second, 10*time.Millisecond)
}

func TestDeploy_InvalidAddressNeverFetches(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{"", "short", asset.NativeMint, "0OIl" + addrX[4:]} {
		_, err := f.engine.Deploy(context.Background(), raw)
		assert.Error(t, err, raw)
	}
	f.market.AssertNotCalled(t, "FetchSnapshot", mock.Anything, mock.Anything)
}

func TestDeploy_NotFoundNoticeOnlyWhenManual(t *testing.T) {
	f := newFixture(t)
	f.market.On("FetchSnapshot", mock.Anything, addrX).Return(nil, marketdata.ErrNotFound)

	_, err := f.engine.Deploy(context.Background(), addrX)
	assert.ErrorIs(t, err, ErrAssetNotFound)
	require.Len(t, f.published.notices(), 1)
	assert.Equal(t, "Token not found", f.published.notices()[0].Message)

	f.engine.SetAutonomous(true)
	_, err = f.engine.Deploy(context.Background(), addrX)
	assert.ErrorIs(t, err, ErrAssetNotFound)
	assert.Len(t, f.published.notices(), 1, "no notice while autonomous")
}

func TestDeploy_TrimsAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.market.On("FetchSnapshot", mock.Anything, addrX).Return(snapAt(addrX, 1, 1000), nil).Once()

	m, err := f.engine.Deploy(context.Background(), "  "+addrX+"\n")
	require.NoError(t, err)
	assert.Equal(t, addrX, m.Metadata.Address)
	assert.Equal(t, model.StatusTrading, f.book.Snapshot().Status())

	_, err = f.engine.Deploy(context.Background(), addrX)
	assert.ErrorIs(t, err, ledger.ErrAlreadyMonitored)
}

func TestDeploy_RespectsCapacity(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		snap := snapAt(fmt.Sprintf("Asset%d%s", i, addrX[6:]), 1, 1000)
		require.NoError(t, f.book.AddMonitored(context.Background(), ledger.NewMonitoredAsset(*snap, time.Now())))
	}
	_, err := f.engine.Deploy(context.Background(), addrY)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestScanCachesForDeploy(t *testing.T) {
	f := newFixture(t)
	f.market.On("FetchCandidates", mock.Anything).Return([]model.Snapshot{*snapAt(addrY, 2, 700)}, nil).Once()

	ranked, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, ranked, 1)

	_, err = f.engine.Deploy(context.Background(), addrY)
	require.NoError(t, err)
	f.market.AssertNotCalled(t, "FetchSnapshot", mock.Anything, mock.Anything)
	assert.Nil(t, f.engine.cached(addrY), "deployed asset leaves the cache")
}

func TestRemoveKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)

	require.NoError(t, f.engine.Remove(context.Background(), addrX))
	assert.False(t, f.book.IsMonitored(addrX))
	assert.True(t, f.book.Position(addrX).Quantity.Equal(d(4)))
	assert.ErrorIs(t, f.engine.Remove(context.Background(), addrX), ledger.ErrNotMonitored)
}

func TestCommentaryDroppedAfterRemoval(t *testing.T) {
	f := newFixture(t)
	f.comments.gate = make(chan struct{})
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	f.market.On("FetchSnapshot", mock.Anything, addrX).Return(snapAt(addrX, 1.8, 1000), nil).Once()

	f.engine.EvaluationTick(context.Background())
	require.NoError(t, f.engine.Remove(context.Background(), addrX))
	close(f.comments.gate)
	f.engine.WaitCommentary()

	assert.False(t, f.book.IsMonitored(addrX))
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	f.market.On("FetchCandidates", mock.Anything).Return([]model.Snapshot{*snapAt(addrY, 1, 1)}, nil).Once()
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)

	s := f.engine.Reset(context.Background())

	assert.True(t, s.Balance.Equal(d(10)))
	assert.Empty(t, s.Trades)
	assert.Empty(t, s.Monitored)
	assert.False(t, f.engine.Modes().Autonomous)
	assert.Nil(t, f.engine.cached(addrY))
}

// resetOnUpdate resets the ledger as soon as the first asset update is
// published, which happens after the decision and before it is recorded.
type resetOnUpdate struct {
	recordingPublisher
	book *ledger.Book
	once sync.Once
}

func (p *resetOnUpdate) Publish(ev Event) {
	if ev.Type == EventAssetUpdated {
		p.once.Do(func() { p.book.Reset(context.Background()) })
	}
	p.recordingPublisher.Publish(ev)
}

func TestResetBetweenDecisionAndRecordDiscardsTrade(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.engine.SetAutonomous(true)
	pub := &resetOnUpdate{book: f.book}
	f.engine.events = pub

	f.tickAt(t, addrX, 1.275, 1000)

	s := f.book.Snapshot()
	assert.True(t, s.Balance.Equal(d(10)), "balance %s", s.Balance)
	assert.Empty(t, s.Trades)
	assert.Empty(t, s.Positions)
	notices := pub.notices()
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[len(notices)-1].Message, "ledger was reset")
}

func TestSetBudget(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetBudget(d(0))
	assert.ErrorIs(t, err, ErrInvalidBudget)

	m, err := f.engine.SetBudget(d(2.5))
	require.NoError(t, err)
	assert.True(t, m.LiveBudget.Equal(d(2.5)))
}

func TestPortfolio(t *testing.T) {
	f := newFixture(t)
	f.hold(t, addrX, 4, 1.5)
	f.tickAt(t, addrX, 1.65, 1000)

	p := f.engine.Portfolio()
	require.Len(t, p.Holdings, 1)
	h := p.Holdings[0]
	assert.Equal(t, addrX[:4], h.Symbol)
	assert.True(t, h.UnrealizedPct.Equal(d(10)), "got %s", h.UnrealizedPct)
	assert.True(t, h.Value.Equal(d(6.6)))
	assert.Equal(t, strategy.PhaseOpen, h.Phase)
	assert.True(t, p.Balance.Equal(d(4)))
	assert.Equal(t, model.StatusTrading, p.Status)
	assert.Equal(t, 1, p.TradeCount)
}
