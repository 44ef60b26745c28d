package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanwei/tradeforge/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// StrategyLock prevents two processes from running the same strategy id
// concurrently. It uses Redis SETNX with a TTL and a Lua-based conditional
// unlock. Running the same strategy twice would double every order, so the
// app refuses to start a strategy whose lock is held elsewhere.
type StrategyLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewStrategyLock creates a StrategyLock backed by the given Client.
func NewStrategyLock(c *Client) *StrategyLock {
	return &StrategyLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func strategyLockKey(strategyID string) string {
	return "strategy_lock:" + strategyID
}

// Acquire attempts to obtain the lock for the given strategy id with the
// specified TTL. On success it returns an unlock function that must be called
// when the strategy stops; it is safe to call more than once.
//
// It returns domain.ErrLockHeld when another process holds the lock.
func (sl *StrategyLock) Acquire(ctx context.Context, strategyID string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := strategyLockKey(strategyID)

	ok, err := sl.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire strategy lock %s: %w", strategyID, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: strategy %s: %w", strategyID, domain.ErrLockHeld)
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so unlock succeeds even when the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = sl.unlockSc.Run(unlockCtx, sl.rdb, []string{key}, token).Err()
	}

	return unlock, nil
}

// Refresh extends the TTL of a held lock. Long-running strategies call this
// periodically so a crashed process frees its lock after the TTL lapses.
func (sl *StrategyLock) Refresh(ctx context.Context, strategyID string, ttl time.Duration) error {
	if err := sl.rdb.Expire(ctx, strategyLockKey(strategyID), ttl).Err(); err != nil {
		return fmt.Errorf("redis: refresh strategy lock %s: %w", strategyID, err)
	}
	return nil
}
