package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

// RedisStreamConfig names the stream and consumer group Serf event handlers write to.
type RedisStreamConfig struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration
	Count      int64
	MaxPayload int
}

func (c *RedisStreamConfig) defaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Stream == "" {
		c.Stream = "transEventStream"
	}
	if c.Group == "" {
		c.Group = "execEvents"
	}
	if c.Consumer == "" {
		c.Consumer = "c1"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.Count <= 0 {
		c.Count = 16
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
}

// RedisStream consumes user events from a Redis stream through a consumer group and
// acknowledges each entry once it has been handed to the relay. It can also publish
// events onto the same stream.
type RedisStream struct {
	cfg      RedisStreamConfig
	client   *redis.Client
	backoff  resiliency.Backoff
	onStatus StatusFunc
	logger   *slog.Logger
}

func NewRedisStream(cfg RedisStreamConfig) *RedisStream {
	cfg.defaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStreamWithClient(rdb, cfg)
}

// NewRedisStreamWithClient uses an existing client, e.g. one shared with the outcome
// publisher.
func NewRedisStreamWithClient(rdb *redis.Client, cfg RedisStreamConfig) *RedisStream {
	cfg.defaults()
	return &RedisStream{
		cfg:     cfg,
		client:  rdb,
		backoff: resiliency.Backoff{Base: 500 * time.Millisecond, Max: 15 * time.Second},
		logger:  slog.Default().With("component", "gossip", "transport", "redis-stream", "stream", cfg.Stream),
	}
}

func (r *RedisStream) OnStatus(fn StatusFunc) { r.onStatus = fn }

func (r *RedisStream) Name() string { return events.SourceRedisStream }

func (r *RedisStream) Client() *redis.Client { return r.client }

// EnsureGroup creates the consumer group (and stream) if missing.
func (r *RedisStream) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("gossip: create group %s: %w", r.cfg.Group, err)
	}
	return nil
}

func (r *RedisStream) Run(ctx context.Context, out chan<- events.Event) error {
	failures := 0
	connected := false
	for ctx.Err() == nil {
		if err := r.EnsureGroup(ctx); err != nil {
			connected = false
			if r.retry(ctx, &failures, err) {
				continue
			}
			return nil
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{r.cfg.Stream, ">"},
			Count:    r.cfg.Count,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			connected = false
			if r.retry(ctx, &failures, err) {
				continue
			}
			return nil
		}

		if !connected {
			r.status("Connected", nil)
			connected = true
		}
		failures = 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !r.handle(ctx, msg, out) {
					return nil
				}
			}
		}
	}
	return nil
}

// handle converts and delivers one entry, then acknowledges it. Entries that cannot be
// converted, and outcome records, are acknowledged without delivery.
func (r *RedisStream) handle(ctx context.Context, msg redis.XMessage, out chan<- events.Event) bool {
	ev, err := events.FromStreamMessage(msg.Values)
	switch {
	case err != nil:
		r.logger.WarnContext(ctx, "dropping malformed stream entry", "id", msg.ID, "error", err)
	case ev.Kind == events.KindOutcome:
	default:
		if !deliver(ctx, out, ev) {
			return false
		}
	}
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, msg.ID).Err(); err != nil {
		r.logger.WarnContext(ctx, "xack failed", "id", msg.ID, "error", err)
	}
	return true
}

func (r *RedisStream) retry(ctx context.Context, failures *int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	r.status(string(resiliency.Classify(err)), err)
	r.logger.WarnContext(ctx, "redis stream read failed", "error", err, "failures", *failures)
	if r.backoff.Sleep(ctx, *failures) != nil {
		return false
	}
	*failures++
	return true
}

func (r *RedisStream) status(status string, err error) {
	if r.onStatus != nil {
		r.onStatus(status, err)
	}
}

// UserEvent appends an event entry in the shape Serf event handlers publish.
func (r *RedisStream) UserEvent(ctx context.Context, name string, payload []byte) error {
	if err := CheckSize(name, payload, r.cfg.MaxPayload); err != nil {
		return err
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]interface{}{"event": name, "payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("gossip: xadd %s: %w", name, err)
	}
	return nil
}

func (r *RedisStream) Close() error { return r.client.Close() }
