package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanwei/tradeforge/internal/domain"
)

// streamMaxLen is the approximate maximum length for cycle streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// CycleBus implements domain.CycleSink over Redis. Every cycle result is
// published to a Pub/Sub channel for live dashboards and appended to a capped
// Redis stream so late consumers can replay recent cycles.
type CycleBus struct {
	rdb *redis.Client
}

// NewCycleBus creates a CycleBus backed by the given Client.
func NewCycleBus(c *Client) *CycleBus {
	return &CycleBus{rdb: c.Underlying()}
}

func cycleChannel(strategyID string) string {
	return "cycles:" + strategyID
}

func cycleStream(strategyID string) string {
	return "cycle_stream:" + strategyID
}

// stopEvent is the wire form of a strategy stop on the bus.
type stopEvent struct {
	Event      string `json:"event"`
	StrategyID string `json:"strategy_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Publish broadcasts a cycle result and appends it to the strategy's stream.
func (cb *CycleBus) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redis: marshal cycle result: %w", err)
	}
	strategyID := result.Summary.StrategyID

	if err := cb.rdb.Publish(ctx, cycleChannel(strategyID), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish cycle %s: %w", result.ComposeID, err)
	}

	args := &redis.XAddArgs{
		Stream: cycleStream(strategyID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := cb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append cycle %s: %w", result.ComposeID, err)
	}
	return nil
}

// PublishStop broadcasts the terminal status on the strategy's channel.
func (cb *CycleBus) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	payload, err := json.Marshal(stopEvent{
		Event:      "stop",
		StrategyID: strategyID,
		Reason:     string(reason),
		Detail:     detail,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal stop event: %w", err)
	}
	if err := cb.rdb.Publish(ctx, cycleChannel(strategyID), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish stop %s: %w", strategyID, err)
	}
	return nil
}

// Subscribe returns a read-only channel of raw cycle payloads for a strategy.
// The subscription is closed when the context is cancelled; the returned
// channel is closed at that point as well.
func (cb *CycleBus) Subscribe(ctx context.Context, strategyID string) (<-chan []byte, error) {
	pubsub := cb.rdb.Subscribe(ctx, cycleChannel(strategyID))

	// Verify the subscription is established before handing it out.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe cycles %s: %w", strategyID, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Replay reads up to count cycle payloads from the strategy's stream starting
// after lastID. Use "0" to read from the beginning or "$" for new entries
// only. It returns an empty slice (not an error) when nothing is available.
func (cb *CycleBus) Replay(ctx context.Context, strategyID string, lastID string, count int) ([][]byte, error) {
	args := &redis.XReadArgs{
		Streams: []string{cycleStream(strategyID), lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := cb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: replay cycles %s: %w", strategyID, err)
	}

	var payloads [][]byte
	for _, s := range results {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			switch v := raw.(type) {
			case string:
				payloads = append(payloads, []byte(v))
			case []byte:
				payloads = append(payloads, v)
			}
		}
	}
	return payloads, nil
}

// Compile-time interface check.
var _ domain.CycleSink = (*CycleBus)(nil)
