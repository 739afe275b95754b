package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/common/logger"
)

// redisStreamMaxLen bounds each execution stream with approximate trimming
const redisStreamMaxLen = 10000

// RedisSink mirrors published events onto per-execution Redis streams so
// external consumers can tail progress without holding an engine connection.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// RedisSinkOptions configures a RedisSink
type RedisSinkOptions struct {
	Client *redis.Client
	// Prefix is prepended to the stream key; defaults to "wf.events"
	Prefix string
	// TTL expires idle streams; defaults to 1h
	TTL    time.Duration
	Logger *logger.Logger
}

// NewRedisSink creates a sink writing to <prefix>.<executionID> streams
func NewRedisSink(opts RedisSinkOptions) *RedisSink {
	if opts.Prefix == "" {
		opts.Prefix = "wf.events"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &RedisSink{
		client: opts.Client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		log:    opts.Logger,
	}
}

// Publish appends the event to the execution's stream. Failures are logged
// and swallowed so the in-process surface never stalls on Redis.
func (s *RedisSink) Publish(executionID string, kind Kind, nodeID string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	values := map[string]any{
		"kind": string(kind),
		"ts":   time.Now().UnixMilli(),
	}
	if nodeID != "" {
		values["node_id"] = nodeID
	}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			s.log.Warn("event data not encodable", "execution_id", executionID, "kind", kind)
		} else {
			values["data"] = string(raw)
		}
	}

	key := s.key(executionID)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.log.Warn("failed to publish event to redis",
			"execution_id", executionID, "kind", kind, "error", err.Error())
		return
	}

	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.log.Warn("failed to refresh stream ttl", "execution_id", executionID, "error", err.Error())
	}
}

func (s *RedisSink) key(executionID string) string {
	return fmt.Sprintf("%s.%s", s.prefix, executionID)
}
