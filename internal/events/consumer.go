// Package events feeds business events from a Redis stream into the
// automation evaluator.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/metrics"
)

// Field holds the JSON encoded event in each stream entry
const Field = "event"

// Handler receives decoded events
type Handler interface {
	OnEvent(ctx context.Context, ev *automation.Event) ([]*automation.Execution, error)
}

// Consumer reads a stream as a member of a consumer group. Entries are acked
// once handled; malformed entries are acked and dropped. Entries whose
// handling failed stay pending and are read again.
type Consumer struct {
	client  *redis.Client
	handler Handler
	stream  string
	group   string
	name    string
	batch   int64
	block   time.Duration
	logger  *slog.Logger

	retryPending bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for cfg.Stream
func NewConsumer(client *redis.Client, cfg config.EventsConfig, handler Handler, logger *slog.Logger) *Consumer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}

	return &Consumer{
		client:       client,
		handler:      handler,
		stream:       cfg.Stream,
		group:        cfg.Group,
		name:         cfg.Consumer,
		batch:        batch,
		block:        block,
		logger:       logger.With("component", "events", "stream", cfg.Stream),
		retryPending: true,
		stopCh:       make(chan struct{}),
	}
}

// Setup creates the stream and the consumer group if they do not exist
func (c *Consumer) Setup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Start sets up the group and consumes in the background until Stop
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info("event consumer started", "group", c.group, "consumer", c.name)
	return nil
}

// Stop waits for the current read to finish
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.logger.Info("event consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read events", "error", err)
		}
		if err == nil && (n > 0 || !c.retryPending) {
			continue
		}

		// back off after errors and while pending entries keep failing
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.block):
		}
	}
}

// Poll reads and handles one batch. Pending entries left by an earlier
// failure or a previous process are read before new ones.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	if c.retryPending {
		entries, err := c.read(ctx, "0", -1)
		if err != nil {
			return 0, err
		}
		if len(entries) > 0 {
			return c.process(ctx, entries, true)
		}
		c.retryPending = false
	}

	entries, err := c.read(ctx, ">", c.block)
	if err != nil {
		return 0, err
	}
	return c.process(ctx, entries, false)
}

func (c *Consumer) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, id},
		Count:    c.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var entries []redis.XMessage
	for _, s := range streams {
		entries = append(entries, s.Messages...)
	}
	return entries, nil
}

func (c *Consumer) process(ctx context.Context, entries []redis.XMessage, fromPending bool) (int, error) {
	handled := 0
	failed := false

	for _, entry := range entries {
		if err := c.handle(ctx, entry); err != nil {
			failed = true
			c.logger.Warn("event handling failed, will retry", "entry_id", entry.ID, "error", err)
			continue
		}
		if err := c.client.XAck(ctx, c.stream, c.group, entry.ID).Err(); err != nil {
			return handled, fmt.Errorf("xack: %w", err)
		}
		handled++
	}

	switch {
	case failed:
		c.retryPending = true
	case fromPending && int64(len(entries)) < c.batch:
		c.retryPending = false
	}
	return handled, nil
}

// handle returns an error only for failures worth retrying
func (c *Consumer) handle(ctx context.Context, entry redis.XMessage) error {
	ev, err := decode(entry)
	if err != nil {
		metrics.IncEvents("unknown", "malformed")
		c.logger.Warn("dropping malformed event", "entry_id", entry.ID, "error", err)
		return nil
	}
	if ev.ID == "" {
		ev.ID = entry.ID
	}

	execs, err := c.handler.OnEvent(ctx, ev)
	if err != nil {
		return err
	}

	c.logger.Debug("event handled",
		"entry_id", entry.ID,
		"tenant_id", ev.TenantID,
		"type", ev.Type,
		"executions", len(execs))
	return nil
}

func decode(entry redis.XMessage) (*automation.Event, error) {
	raw, ok := entry.Values[Field]
	if !ok {
		return nil, fmt.Errorf("missing %q field", Field)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("field %q is not a string", Field)
	}

	var ev automation.Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return nil, fmt.Errorf("invalid event json: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Publish appends ev to stream
func Publish(ctx context.Context, client *redis.Client, stream string, ev *automation.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{Field: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
