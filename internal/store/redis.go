package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneymouth/battle-engine/internal/model"
)

//go:embed scripts/fill.lua
var fillLua string

//go:embed scripts/invalidate.lua
var invalidateLua string

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for battle snapshots and wallet balances. Writes go to the primary
// store and invalidate the cache after commit; reads check Redis first then
// fall back to the primary. Methods not overridden pass straight through.
//
// Every cached key has a generation counter. Invalidation bumps it, and a
// read-through fill only lands if the generation is unchanged since before
// the primary read, so a slow reader cannot re-cache a snapshot that a
// concurrent write already replaced.
type CachedStore struct {
	Store
	rdb        redis.Cmdable
	ttl        time.Duration
	fill       *redis.Script
	invalidate *redis.Script
	logger     *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:      primary,
		rdb:        rdb,
		ttl:        ttl,
		fill:       redis.NewScript(fillLua),
		invalidate: redis.NewScript(invalidateLua),
		logger:     slog.Default(),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateBattle(ctx context.Context, b *model.Battle) error {
	key := battleKey(b.ID)
	gen, ok := s.generation(ctx, key)
	if err := s.Store.CreateBattle(ctx, b); err != nil {
		return err
	}
	if ok {
		if data, err := json.Marshal(b); err == nil {
			s.fillIfCurrent(ctx, key, data, gen)
		}
	}
	return nil
}

func (s *CachedStore) WithPledgeTx(ctx context.Context, battleID, participantID string, fn func(PledgeTx) error) error {
	if err := s.Store.WithPledgeTx(ctx, battleID, participantID, fn); err != nil {
		return err
	}
	s.invalidateKeys(ctx, battleKey(battleID), balanceKey(participantID))
	return nil
}

func (s *CachedStore) WithBattleTx(ctx context.Context, battleID string, fn func(BattleTx) error) error {
	if err := s.Store.WithBattleTx(ctx, battleID, fn); err != nil {
		return err
	}
	s.invalidateKeys(ctx, battleKey(battleID))
	return nil
}

func (s *CachedStore) WithWalletTx(ctx context.Context, participantID string, fn func(WalletTx) error) error {
	if err := s.Store.WithWalletTx(ctx, participantID, fn); err != nil {
		return err
	}
	s.invalidateKeys(ctx, balanceKey(participantID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	key := battleKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var b model.Battle
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	gen, ok := s.generation(ctx, key)
	b, err := s.Store.GetBattle(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		if data, err := json.Marshal(b); err == nil {
			s.fillIfCurrent(ctx, key, data, gen)
		}
	}
	return b, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, participantID string) (int64, error) {
	key := balanceKey(participantID)
	if v, err := s.rdb.Get(ctx, key).Int64(); err == nil {
		return v, nil
	}

	gen, ok := s.generation(ctx, key)
	balance, err := s.Store.GetBalance(ctx, participantID)
	if err != nil {
		return 0, err
	}
	if ok {
		s.fillIfCurrent(ctx, key, strconv.FormatInt(balance, 10), gen)
	}
	return balance, nil
}

// --- Cache helpers ---

// generation returns the key's invalidation counter. ok is false when Redis
// could not answer, in which case the caller must not fill.
func (s *CachedStore) generation(ctx context.Context, key string) (string, bool) {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

func (s *CachedStore) fillIfCurrent(ctx context.Context, key string, value any, gen string) {
	ttl := s.ttl.Milliseconds()
	if ttl <= 0 {
		return
	}
	if err := s.fill.Run(ctx, s.rdb, []string{key, genKey(key)}, value, ttl, gen).Err(); err != nil {
		s.logger.Warn("cache fill failed", "key", key, "err", err)
	}
}

// invalidateKeys bumps each key's generation and drops the cached value. A
// failure leaves the old value readable until its TTL runs out.
func (s *CachedStore) invalidateKeys(ctx context.Context, keys ...string) {
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, genKey(k))
	}
	if err := s.invalidate.Run(ctx, s.rdb, pairs).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func battleKey(id string) string  { return fmt.Sprintf("battle:%s", id) }
func balanceKey(id string) string { return fmt.Sprintf("balance:%s", id) }
func genKey(key string) string    { return key + ":gen" }

// Compile-time interface check.
var _ Store = (*CachedStore)(nil)
