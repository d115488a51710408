package revalidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

// ErrQueueFull is returned when a lane cannot take more work.
var ErrQueueFull = errors.New("revalidate: queue full")

// WorkItem asks a worker to regenerate URL on Host. ETag and LastModified
// identify the stale render that triggered it.
type WorkItem struct {
	Host         string    `json:"host"`
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
	DedupeKey    string    `json:"dedupe_key"`
	Shard        string    `json:"shard"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Queue transports work items to workers. Implementations deduplicate on
// WorkItem.DedupeKey within their window and keep items of one shard in
// order.
type Queue interface {
	Send(ctx context.Context, item WorkItem) error
}

// Options shapes the URLs the scheduler enqueues.
type Options struct {
	BasePath       string
	TrailingSlash  bool
	MaxConcurrency int
}

// Scheduler turns stale cache observations into work items.
type Scheduler struct {
	queue Queue
	opts  Options
	now   func() time.Time
}

// NewScheduler creates a scheduler sending to q.
func NewScheduler(q Queue, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	return &Scheduler{queue: q, opts: opts, now: time.Now}
}

// Enqueue schedules regeneration of the entry stored under path. path is
// the normalized cache path; the enqueued URL gains the base path and the
// trailing slash the deployment routes with.
func (s *Scheduler) Enqueue(ctx context.Context, path, host, etag string, lastModified time.Time) (WorkItem, error) {
	target := path
	if s.opts.TrailingSlash && !strings.HasSuffix(target, "/") {
		target += "/"
	}
	target = s.opts.BasePath + target

	item := WorkItem{
		Host:         host,
		URL:          target,
		ETag:         etag,
		LastModified: lastModified,
		DedupeKey:    DedupeKey(path, lastModified, etag),
		Shard:        Shard(path, s.opts.MaxConcurrency),
		EnqueuedAt:   s.now(),
	}
	if err := s.queue.Send(ctx, item); err != nil {
		return item, fmt.Errorf("enqueue revalidation of %s: %w", path, err)
	}
	logging.FromContext(ctx).Debug("revalidation enqueued",
		zap.String("url", item.URL),
		zap.String("shard", item.Shard),
		zap.String("dedupe_key", item.DedupeKey),
	)
	return item, nil
}
