package settlement

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneymouth/battle-engine/internal/model"
)

// Publisher delivers a settlement event to the payment executor. A failed
// publish is retried on the next sweep for that sink only. A crash between a
// publish and its acknowledgement can still repeat it, so sinks must
// tolerate seeing the same battle id twice.
type Publisher interface {
	Publish(ctx context.Context, ev model.SettlementEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev model.SettlementEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev model.SettlementEvent) error {
	return f(ctx, ev)
}

// LogPublisher writes each event to the structured log.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev model.SettlementEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("settlement event",
		"battle", ev.BattleID,
		"winner", ev.WinningSideID,
		"payout", ev.PayoutAmount,
		"fee", ev.FeeAmount,
		"payouts", len(ev.Payouts),
		"settled_at", ev.SettledAt,
	)
	return nil
}

// Sink is a named Publisher. The outbox records acknowledgements by name,
// so a sink that accepted an event is not sent it again when another sink
// fails. Names must be unique within one engine.
type Sink struct {
	Name      string
	Publisher Publisher
}

//go:embed scripts/xadd_once.lua
var xaddOnceLua string

// DefaultStream is the Redis stream settlement events are appended to.
const DefaultStream = "battle:settlements"

// deliveryMarkerTTL bounds how long the stream remembers a delivered battle.
const deliveryMarkerTTL = 7 * 24 * time.Hour

// RedisPublisher appends events to a Redis stream for the payment executor.
// Appends are guarded by a per-battle marker set in the same script, so a
// republished event never reaches the stream twice.
type RedisPublisher struct {
	rdb      redis.Cmdable
	stream   string
	xaddOnce *redis.Script
}

// NewRedisPublisher creates a stream publisher. An empty stream name uses
// DefaultStream.
func NewRedisPublisher(rdb redis.Cmdable, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{rdb: rdb, stream: stream, xaddOnce: redis.NewScript(xaddOnceLua)}
}

func deliveryKey(stream, battleID string) string {
	return stream + ":sent:" + battleID
}

func (p *RedisPublisher) Publish(ctx context.Context, ev model.SettlementEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", ev.BattleID, err)
	}
	err = p.xaddOnce.Run(ctx, p.rdb,
		[]string{deliveryKey(p.stream, ev.BattleID), p.stream},
		deliveryMarkerTTL.Milliseconds(),
		"battle_id", ev.BattleID,
		"winner", ev.WinningSideID,
		"payload", string(payload),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
