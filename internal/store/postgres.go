package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The ledger lives in one state row; every trade is also appended to the
// trades table, which keeps the full history beyond the retained window.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	latest string // id of the newest trade known to be stored
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_state (
	id         SMALLINT PRIMARY KEY,
	balance    NUMERIC NOT NULL,
	positions  JSONB NOT NULL,
	monitored  JSONB NOT NULL,
	trade_ids  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	address     TEXT NOT NULL,
	price       NUMERIC NOT NULL,
	valuation   NUMERIC NOT NULL,
	quantity    NUMERIC NOT NULL,
	notional    NUMERIC NOT NULL,
	pnl         NUMERIC,
	comment     TEXT NOT NULL DEFAULT '',
	executed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_address_executed_at ON trades (address, executed_at DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (*model.State, error) {
	var balance, positions, monitored, tradeIDs string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, positions::TEXT, monitored::TEXT, trade_ids::TEXT
		 FROM ledger_state WHERE id = 1`).
		Scan(&balance, &positions, &monitored, &tradeIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	}

	st := model.NewState(decimal.Zero)
	st.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("load ledger state: balance: %w", err)
	}
	if err := json.Unmarshal([]byte(positions), &st.Positions); err != nil {
		return nil, fmt.Errorf("load ledger state: positions: %w", err)
	}
	if err := json.Unmarshal([]byte(monitored), &st.Monitored); err != nil {
		return nil, fmt.Errorf("load ledger state: monitored: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(tradeIDs), &ids); err != nil {
		return nil, fmt.Errorf("load ledger state: trade ids: %w", err)
	}
	st.Trades, err = s.tradesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.latest = newestID(st.Trades)
	s.mu.Unlock()
	return &st, nil
}

// tradesByID returns the trades with the given ids, in the order of ids.
func (s *PostgresStore) tradesByID(ctx context.Context, ids []string) ([]model.Trade, error) {
	if len(ids) == 0 {
		return []model.Trade{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, symbol, address,
		        price::TEXT, valuation::TEXT, quantity::TEXT, notional::TEXT, pnl::TEXT,
		        comment, executed_at
		 FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Trade, len(ids))
	for rows.Next() {
		var t model.Trade
		var price, valuation, quantity, notional string
		var pnl *string
		if err := rows.Scan(&t.ID, &t.Kind, &t.Symbol, &t.Address,
			&price, &valuation, &quantity, &notional, &pnl,
			&t.Comment, &t.Timestamp); err != nil {
			return nil, err
		}
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{{&t.Price, price}, {&t.Valuation, valuation}, {&t.Quantity, quantity}, {&t.Notional, notional}}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("load trade %s: %w", t.ID, err)
			}
			*f.dst = v
		}
		if pnl != nil {
			v, err := decimal.NewFromString(*pnl)
			if err != nil {
				return nil, fmt.Errorf("load trade %s: pnl: %w", t.ID, err)
			}
			t.PnL = &v
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// Save writes the state row and appends any trades not yet stored, in
// one transaction.
func (s *PostgresStore) Save(ctx context.Context, st *model.State) error {
	positions, err := json.Marshal(st.Positions)
	if err != nil {
		return err
	}
	monitored, err := json.Marshal(st.Monitored)
	if err != nil {
		return err
	}
	ids := make([]string, len(st.Trades))
	for i, t := range st.Trades {
		ids[i] = t.ID
	}
	tradeIDs, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := newTrades(st.Trades, s.latest)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Oldest first so executed_at ties keep insertion order.
	for i := len(fresh) - 1; i >= 0; i-- {
		t := fresh[i]
		var pnl *string
		if t.PnL != nil {
			v := t.PnL.String()
			pnl = &v
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, kind, symbol, address, price, valuation, quantity, notional, pnl, comment, executed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, string(t.Kind), t.Symbol, t.Address,
			t.Price.String(), t.Valuation.String(), t.Quantity.String(), t.Notional.String(), pnl,
			t.Comment, t.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_state (id, balance, positions, monitored, trade_ids, updated_at)
		 VALUES (1, $1::NUMERIC, $2::JSONB, $3::JSONB, $4::JSONB, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   balance = EXCLUDED.balance,
		   positions = EXCLUDED.positions,
		   monitored = EXCLUDED.monitored,
		   trade_ids = EXCLUDED.trade_ids,
		   updated_at = EXCLUDED.updated_at`,
		st.Balance.String(), string(positions), string(monitored), string(tradeIDs), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.latest = newestID(st.Trades)
	return nil
}

// TradeHistory returns up to limit trades for address from the full
// history, most recent first.
func (s *PostgresStore) TradeHistory(ctx context.Context, address string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM trades WHERE address = $1 ORDER BY executed_at DESC LIMIT $2`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("trade history %s: %w", address, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return s.tradesByID(ctx, ids)
}
