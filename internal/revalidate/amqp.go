package revalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
)

// AMQPQueue publishes work items to a direct exchange with the shard as
// routing key. Each shard is bound to its own queue so a consumer with a
// prefetch of one keeps per-shard order. The dedupe key travels as the
// message id.
type AMQPQueue struct {
	cfg            config.AMQPConfig
	maxConcurrency int
	dedupeWindow   time.Duration
	metrics        *metrics.Collector

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// DialAMQP connects and declares the exchange and the shard queues.
func DialAMQP(cfg config.RevalidationConfig, m *metrics.Collector) (*AMQPQueue, error) {
	if cfg.AMQP.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	conn, err := amqp091.Dial(cfg.AMQP.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: channel failed: %w", err)
	}
	q := &AMQPQueue{
		cfg:            cfg.AMQP,
		maxConcurrency: cfg.MaxConcurrency,
		dedupeWindow:   cfg.DedupeWindow,
		metrics:        m,
		conn:           conn,
		ch:             ch,
	}
	if q.maxConcurrency <= 0 {
		q.maxConcurrency = 10
	}
	if q.cfg.PublishTimeout <= 0 {
		q.cfg.PublishTimeout = 5 * time.Second
	}
	if err := q.declare(ch); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// laneQueue names the queue bound to shard.
func laneQueue(base, shard string) string {
	return base + "." + shard
}

func (q *AMQPQueue) declare(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(q.cfg.Exchange, amqp091.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare exchange %s: %w", q.cfg.Exchange, err)
	}
	for i := 0; i < q.maxConcurrency; i++ {
		shard := fmt.Sprintf("%s%d", ShardPrefix, i)
		name := laneQueue(q.cfg.Queue, shard)
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, shard, q.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("amqp: bind queue %s: %w", name, err)
		}
	}
	return nil
}

func encodeItem(item WorkItem) (amqp091.Publishing, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return amqp091.Publishing{}, err
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    item.DedupeKey,
		Timestamp:    item.EnqueuedAt,
		Body:         body,
	}, nil
}

func decodeItem(d amqp091.Delivery) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		return WorkItem{}, fmt.Errorf("amqp: decode work item: %w", err)
	}
	if item.DedupeKey == "" {
		item.DedupeKey = d.MessageId
	}
	return item, nil
}

// Send publishes item, retrying with exponential backoff.
func (q *AMQPQueue) Send(ctx context.Context, item WorkItem) error {
	msg, err := encodeItem(item)
	if err != nil {
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(q.cfg.MaxRetries)), ctx)

	err = backoff.Retry(func() error {
		q.mu.Lock()
		ch := q.ch
		q.mu.Unlock()
		if ch == nil {
			return backoff.Permanent(ErrQueueClosed)
		}
		pctx, cancel := context.WithTimeout(ctx, q.cfg.PublishTimeout)
		defer cancel()
		return ch.PublishWithContext(pctx, q.cfg.Exchange, item.Shard, false, false, msg)
	}, policy)
	if err != nil {
		q.metrics.RecordRevalidation("dropped")
		return fmt.Errorf("amqp: publish failed: %w", err)
	}
	q.metrics.RecordRevalidation("enqueued")
	return nil
}

// Consume runs h for every delivered item until ctx is cancelled. Items
// whose message id was already handled within the dedupe window are
// acknowledged without running h.
func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()
	if conn == nil {
		return ErrQueueClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: consumer channel failed: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("amqp: qos: %w", err)
	}

	window := q.dedupeWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	seen := expirable.NewLRU[string, struct{}](4096, nil, window)

	var wg sync.WaitGroup
	for i := 0; i < q.maxConcurrency; i++ {
		name := laneQueue(q.cfg.Queue, fmt.Sprintf("%s%d", ShardPrefix, i))
		deliveries, err := ch.ConsumeWithContext(ctx, name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp: consume %s: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.handleDelivery(ctx, d, seen, h)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp091.Delivery, seen *expirable.LRU[string, struct{}], h Handler) {
	item, err := decodeItem(d)
	if err != nil {
		logging.Warn("dropping malformed revalidation message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if seen.Contains(item.DedupeKey) {
		q.metrics.RecordRevalidation("deduplicated")
		_ = d.Ack(false)
		return
	}
	if err := h(ctx, item); err != nil {
		q.metrics.RecordRevalidation("failed")
		logging.Warn("revalidation failed", zap.String("url", item.URL), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	seen.Add(item.DedupeKey, struct{}{})
	q.metrics.RecordRevalidation("completed")
	_ = d.Ack(false)
}

// Close shuts down the AMQP connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
