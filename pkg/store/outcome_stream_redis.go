package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
)

// RedisOutcomeStream appends outcomes to a Redis stream as `poll-event` entries, the
// shape downstream consumers of the event stream already understand.
type RedisOutcomeStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisOutcomeStream(client *redis.Client, stream string, maxLen int64) *RedisOutcomeStream {
	if stream == "" {
		stream = "transEventStream"
	}
	return &RedisOutcomeStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisOutcomeStream) Record(ctx context.Context, o Outcome) error {
	result, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: outcomeValues(o, result),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd outcome: %w", err)
	}
	return nil
}

func outcomeValues(o Outcome, result []byte) map[string]interface{} {
	return map[string]interface{}{
		"event":       events.PollEventName,
		"event_name":  o.EventName,
		"fingerprint": o.Fingerprint.String(),
		"success":     fmt.Sprintf("%t", o.Committed()),
		"msg":         o.ConsensusStatus,
		"result":      string(result),
		"timestamp":   o.CompletedAt.UTC().Format(time.RFC3339),
	}
}
