// Package notify carries pass notifications between processes over a Redis
// stream. Delivery is at-least-once: a message is acknowledged only after
// the local sink accepted it, and unacknowledged messages are reclaimed by
// the group once they have been idle long enough.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

const (
	defaultStream    = "roughmap:passes"
	defaultGroup     = "aggregator"
	defaultBlock     = 2 * time.Second
	defaultBatch     = 64
	defaultClaimIdle = time.Minute
	pollBackoff      = 500 * time.Millisecond

	fieldPassID     = "passId"
	fieldReceivedAt = "receivedAt"
)

// Sink accepts a notification for local processing. Returning an error
// leaves the message pending so it is redelivered.
type Sink func(ctx context.Context, n model.PassNotification) error

// Delivery is one stream message decoded into a notification.
type Delivery struct {
	ID           string
	Notification model.PassNotification
}

// RedisNotifier publishes and consumes pass notifications on a stream.
type RedisNotifier struct {
	rdb       *redis.Client
	stream    string
	group     string
	consumer  string
	block     time.Duration
	batch     int64
	claimIdle time.Duration
	maxLen    int64
	log       logger.Logger
}

// NewRedisNotifier wraps an existing client.
func NewRedisNotifier(rdb *redis.Client, opts ...Option) *RedisNotifier {
	host, _ := os.Hostname()
	n := &RedisNotifier{
		rdb:       rdb,
		stream:    defaultStream,
		group:     defaultGroup,
		consumer:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		block:     defaultBlock,
		batch:     defaultBatch,
		claimIdle: defaultClaimIdle,
		log:       logger.Get().Named("notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, opts ...Option) (*RedisNotifier, error) {
	if url == "" {
		return nil, ErrMissingURL
	}
	ropt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisNotifier(rdb, opts...), nil
}

// Stream returns the stream key.
func (n *RedisNotifier) Stream() string { return n.stream }

// Publish appends a notification to the stream.
func (n *RedisNotifier) Publish(ctx context.Context, note model.PassNotification) error {
	if note.ReceivedAt.IsZero() {
		note.ReceivedAt = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			fieldPassID:     note.PassID,
			fieldReceivedAt: note.ReceivedAt.UnixMilli(),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.rdb.XAdd(ctx, args).Err(); err != nil {
		metrics.RecordNotifierEvent("publish_error")
		return fmt.Errorf("publish pass %s: %w", note.PassID, err)
	}
	metrics.RecordNotifierEvent("published")
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (n *RedisNotifier) EnsureGroup(ctx context.Context) error {
	err := n.rdb.XGroupCreateMkStream(ctx, n.stream, n.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", n.group, n.stream, err)
	}
	return nil
}

// Poll returns the next batch for this consumer. Messages idle in other
// consumers' pending lists are claimed first, then new messages are read,
// waiting up to the block duration.
func (n *RedisNotifier) Poll(ctx context.Context) ([]Delivery, error) {
	claimed, _, err := n.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   n.stream,
		Group:    n.group,
		Consumer: n.consumer,
		MinIdle:  n.claimIdle,
		Start:    "0-0",
		Count:    n.batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	if len(claimed) > 0 {
		metrics.RecordNotifierEvent("claimed")
		return n.decode(ctx, claimed), nil
	}

	streams, err := n.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    n.group,
		Consumer: n.consumer,
		Streams:  []string{n.stream, ">"},
		Count:    n.batch,
		Block:    n.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}

	var out []Delivery
	for _, s := range streams {
		out = append(out, n.decode(ctx, s.Messages)...)
	}
	return out, nil
}

// Ack acknowledges processed messages.
func (n *RedisNotifier) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := n.rdb.XAck(ctx, n.stream, n.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	metrics.RecordNotifierEvent("acked")
	return nil
}

// Run consumes the stream until ctx is done, handing every notification to
// sink and acknowledging the ones it accepts.
func (n *RedisNotifier) Run(ctx context.Context, sink Sink) error {
	if err := n.EnsureGroup(ctx); err != nil {
		return err
	}
	n.log.Info(ctx, "stream consumer started",
		logger.String("stream", n.stream),
		logger.String("group", n.group),
		logger.String("consumer", n.consumer),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := n.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.RecordNotifierEvent("poll_error")
			n.log.Warn(ctx, "stream poll failed", logger.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollBackoff):
			}
			continue
		}

		acks := make([]string, 0, len(batch))
		for _, d := range batch {
			if err := sink(ctx, d.Notification); err != nil {
				metrics.RecordNotifierEvent("rejected")
				n.log.Warn(ctx, "notification left pending",
					logger.String("passId", d.Notification.PassID),
					logger.Error(fmt.Errorf("%w: %w", ErrSinkRejected, err)),
				)
				continue
			}
			acks = append(acks, d.ID)
		}
		if err := n.Ack(ctx, acks...); err != nil {
			n.log.Warn(ctx, "stream ack failed", logger.Error(err))
		}
	}
}

// Close releases the client.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}

// decode turns stream messages into deliveries. Malformed messages are
// acknowledged and dropped so they do not cycle through the pending list.
func (n *RedisNotifier) decode(ctx context.Context, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		note, err := parseMessage(m)
		if err != nil {
			metrics.RecordNotifierEvent("malformed")
			n.log.Warn(ctx, "dropping stream message", logger.String("id", m.ID), logger.Error(err))
			_ = n.Ack(ctx, m.ID)
			continue
		}
		out = append(out, Delivery{ID: m.ID, Notification: note})
	}
	return out
}

func parseMessage(m redis.XMessage) (model.PassNotification, error) {
	id, _ := m.Values[fieldPassID].(string)
	if strings.TrimSpace(id) == "" {
		return model.PassNotification{}, fmt.Errorf("%w: %s has no %s", ErrMalformed, m.ID, fieldPassID)
	}
	note := model.PassNotification{PassID: id}
	if raw, ok := m.Values[fieldReceivedAt].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			note.ReceivedAt = time.UnixMilli(ms)
		}
	}
	return note, nil
}
