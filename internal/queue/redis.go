package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConsumerConfig mirrors the teacher pack's stream-consumer-group
// shape (group/consumer/batch/block), grounded on
// basegraph's internal/queue/consumer.go (ConsumerConfig, ensureGroup,
// XReadGroup) — an alternate backend for deployments that already run a
// Redis broker alongside the orchestrator rather than relying on
// InProcess's ticker.
type RedisConsumerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// RedisProducer pushes a protocol run id onto the work stream, grounded on
// basegraph's internal/queue/producer.go's XAdd-based Enqueue.
type RedisProducer struct {
	client *redis.Client
	stream string
}

// NewRedisProducer wraps an existing redis client for a given stream name.
func NewRedisProducer(client *redis.Client, stream string) *RedisProducer {
	return &RedisProducer{client: client, stream: stream}
}

// Enqueue appends protocolRunID to the stream so any RedisConsumer can pick
// it up.
func (p *RedisProducer) Enqueue(ctx context.Context, protocolRunID string) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"protocol_run_id": protocolRunID},
	}).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s onto %s: %w", protocolRunID, p.stream, err)
	}
	return nil
}

// RedisConsumer reads protocol run ids off a stream consumer group and
// drives each one through Processor, acking only once Processor returns
// without error, matching basegraph's internal/queue/consumer.go's
// XReadGroup/ack discipline. An unacked id stays in the group's pending
// list; the consumer reads only new entries (">") and never claims pending
// ones, so it does not re-read such an id itself.
type RedisConsumer struct {
	client  *redis.Client
	cfg     RedisConsumerConfig
	process Processor
	logger  *slog.Logger
}

// NewRedisConsumer creates the stream's consumer group if it does not
// already exist (idempotent, matching the teacher's BUSYGROUP handling)
// and returns a ready-to-run consumer.
func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg RedisConsumerConfig, process Processor, logger *slog.Logger) (*RedisConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	c := &RedisConsumer{client: client, cfg: cfg, process: process, logger: logger}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

// Run blocks, reading and processing batches until ctx is cancelled.
func (c *RedisConsumer) Run(ctx context.Context) {
	c.logger.Info("queue: redis consumer started", "stream", c.cfg.Stream, "group", c.cfg.Group)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue: redis consumer stopping")
			return
		default:
		}
		if err := c.readAndProcessOne(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("queue: read batch failed", "error", err)
		}
	}
}

func (c *RedisConsumer) readAndProcessOne(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("queue: read group: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			protocolRunID, _ := msg.Values["protocol_run_id"].(string)
			if protocolRunID == "" {
				c.logger.Warn("queue: message missing protocol_run_id, acking and skipping", "id", msg.ID)
				c.ack(ctx, msg.ID)
				continue
			}
			if err := c.process(ctx, protocolRunID); err != nil {
				c.logger.Error("queue: processing failed, leaving unacked in the pending list",
					"protocol_run_id", protocolRunID, "error", err)
				continue
			}
			c.ack(ctx, msg.ID)
		}
	}
	return nil
}

func (c *RedisConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("queue: ack failed", "id", id, "error", err)
	}
}
