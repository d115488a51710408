package revalidate

import (
	"context"
	"errors"
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
)

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("revalidate: queue closed")

// Handler processes one work item.
type Handler func(ctx context.Context, item WorkItem) error

// MemoryQueue is an in-process Queue: one FIFO lane per shard, each
// drained by a single goroutine. Items whose dedupe key was seen within
// the window are dropped.
type MemoryQueue struct {
	lanes   []chan WorkItem
	dedupe  *expirable.LRU[string, struct{}]
	handler Handler
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// MemoryOptions configures a MemoryQueue.
type MemoryOptions struct {
	MaxConcurrency int
	QueueSize      int
	DedupeWindow   time.Duration
	Metrics        *metrics.Collector
}

// NewMemoryQueue creates the lanes. Workers start with Start.
func NewMemoryQueue(opts MemoryOptions, h Handler) *MemoryQueue {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 5 * time.Minute
	}
	q := &MemoryQueue{
		lanes:   make([]chan WorkItem, opts.MaxConcurrency),
		dedupe:  expirable.NewLRU[string, struct{}](opts.QueueSize*opts.MaxConcurrency, nil, opts.DedupeWindow),
		handler: h,
		metrics: opts.Metrics,
	}
	perLane := opts.QueueSize / opts.MaxConcurrency
	if perLane < 1 {
		perLane = 1
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan WorkItem, perLane)
	}
	return q
}

// Send places item on its shard's lane without blocking.
func (q *MemoryQueue) Send(_ context.Context, item WorkItem) error {
	idx, err := ShardIndex(item.Shard)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(q.lanes) {
		return errors.New("revalidate: shard out of range: " + item.Shard)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.dedupe.Contains(item.DedupeKey) {
		q.metrics.RecordRevalidation("deduplicated")
		return nil
	}
	select {
	case q.lanes[idx] <- item:
		q.dedupe.Add(item.DedupeKey, struct{}{})
		q.metrics.RecordRevalidation("enqueued")
		return nil
	default:
		q.metrics.RecordRevalidation("dropped")
		return ErrQueueFull
	}
}

// Start launches one worker per lane. Workers exit when ctx is cancelled
// or the queue is closed and drained.
func (q *MemoryQueue) Start(ctx context.Context) {
	for _, lane := range q.lanes {
		q.wg.Add(1)
		go func(lane <-chan WorkItem) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-lane:
					if !ok {
						return
					}
					q.process(ctx, item)
				}
			}
		}(lane)
	}
}

func (q *MemoryQueue) process(ctx context.Context, item WorkItem) {
	if err := q.handler(ctx, item); err != nil {
		q.metrics.RecordRevalidation("failed")
		logging.Warn("revalidation failed",
			zap.String("url", item.URL),
			zap.String("shard", item.Shard),
			zap.Error(err),
		)
		return
	}
	q.metrics.RecordRevalidation("completed")
}

// Close stops accepting items and waits for the workers to drain their
// lanes.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
