// Package background collects work a request registers to run after its
// response has been delivered.
package background

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgeroute/internal/logging"
)

// Task is one unit of deferred work.
type Task func(ctx context.Context) error

// Collector accumulates tasks for a single request. It is safe for
// concurrent use; tasks may register further tasks while Wait runs.
type Collector struct {
	mu    sync.Mutex
	tasks []Task
	limit int
}

// NewCollector returns a collector running at most limit tasks at once.
// limit <= 0 means unbounded.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit}
}

// Add registers a task. Nil tasks are ignored.
func (c *Collector) Add(t Task) {
	if t == nil {
		return
	}
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
}

// Len returns the number of tasks not yet started.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *Collector) drain() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tasks
	c.tasks = nil
	return t
}

// Wait runs every registered task, including tasks added by running
// tasks, and returns the joined errors. One failing task does not cancel
// the others.
func (c *Collector) Wait(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	for {
		batch := c.drain()
		if len(batch) == 0 {
			break
		}
		var g errgroup.Group
		if c.limit > 0 {
			g.SetLimit(c.limit)
		}
		for _, t := range batch {
			g.Go(func() error {
				if err := runTask(ctx, t); err != nil {
					logging.FromContext(ctx).Warn("background task failed", zap.Error(err))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(errs...)
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return t(ctx)
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "background task panicked"
}
