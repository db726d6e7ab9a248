package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trador/engine/internal/model"
)

// HistoryStore is a Store that also keeps every trade ever recorded.
type HistoryStore interface {
	Store
	TradeHistory(ctx context.Context, address string, limit int) ([]model.Trade, error)
}

// CachedStore wraps a primary store (PostgreSQL) with a Redis
// write-through cache. Every Save refreshes the cached State, so restarts
// and the status command read it from Redis. Per-asset trade history is
// cached as well and dropped whenever that asset trades again.
type CachedStore struct {
	primary HistoryStore
	rdb     *redis.Client
	ttl     time.Duration
	key     string

	mu     sync.Mutex
	latest string
}

var _ HistoryStore = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary HistoryStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		key:     stateKey("default"),
	}
}

func (s *CachedStore) Save(ctx context.Context, st *model.State) error {
	if err := s.primary.Save(ctx, st); err != nil {
		return err
	}

	data, err := Encode(st)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		slog.Warn("state cache write failed", "key", s.key, "error", err)
		// A stale entry must not outlive a failed refresh.
		s.rdb.Del(ctx, s.key)
	}

	s.mu.Lock()
	fresh := newTrades(st.Trades, s.latest)
	s.latest = newestID(st.Trades)
	s.mu.Unlock()

	if keys := historyKeys(fresh); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("history cache invalidation failed", "keys", keys, "error", err)
		}
	}
	return nil
}

func (s *CachedStore) Load(ctx context.Context) (*model.State, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == nil {
		if st, err := Decode(data); err == nil {
			s.remember(st)
			return st, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("state cache read failed", "key", s.key, "error", err)
	}

	// Cache miss: read from primary.
	st, err := s.primary.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.remember(st)

	if data, err := Encode(st); err == nil {
		s.rdb.Set(ctx, s.key, data, s.ttl)
	}
	return st, nil
}

// TradeHistory serves the primary's per-asset history through a Redis
// hash keyed by limit.
func (s *CachedStore) TradeHistory(ctx context.Context, address string, limit int) ([]model.Trade, error) {
	key := historyKey(address)
	field := strconv.Itoa(limit)

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var trades []model.Trade
		if err := json.Unmarshal(data, &trades); err == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.TradeHistory(ctx, address, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		if err := s.rdb.HSet(ctx, key, field, data).Err(); err == nil {
			s.rdb.Expire(ctx, key, s.ttl)
		}
	}
	return trades, nil
}

func (s *CachedStore) remember(st *model.State) {
	s.mu.Lock()
	s.latest = newestID(st.Trades)
	s.mu.Unlock()
}

// historyKeys lists the history keys of the assets in trades, once each.
func historyKeys(trades []model.Trade) []string {
	var keys []string
	seen := make(map[string]bool, len(trades))
	for _, t := range trades {
		if !seen[t.Address] {
			seen[t.Address] = true
			keys = append(keys, historyKey(t.Address))
		}
	}
	return keys
}

func stateKey(name string) string { return fmt.Sprintf("trador:state:%s", name) }

func historyKey(address string) string { return fmt.Sprintf("trador:history:%s", address) }
