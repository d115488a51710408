package revalidate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Worker regenerates entries by sending a HEAD request carrying the
// preview mode id to the origin, which re-renders and stores the page.
type Worker struct {
	client        *http.Client
	previewModeID atomic.Pointer[string]
	target        func(WorkItem) (string, error)
	flight        singleflight.Group
	limiter       *rate.Limiter // nil = unlimited
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	PreviewModeID string
	Timeout       time.Duration
	// Target maps an item to the absolute URL to request. Defaults to
	// https://<host><url>.
	Target    func(WorkItem) (string, error)
	Transport http.RoundTripper
	// RateLimit caps revalidation requests per second towards the origins. Zero disables
	// the cap; Burst defaults to one second's worth of requests.
	RateLimit float64
	Burst     int
}

// NewWorker creates a worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Target == nil {
		opts.Target = func(item WorkItem) (string, error) {
			return "https://" + item.Host + item.URL, nil
		}
	}
	w := &Worker{
		client: &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		target: opts.Target,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = max(1, int(opts.RateLimit))
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	w.SetPreviewModeID(opts.PreviewModeID)
	return w
}

// SetPreviewModeID replaces the secret sent to the origin, e.g. after a
// new build was loaded.
func (w *Worker) SetPreviewModeID(id string) {
	w.previewModeID.Store(&id)
}

// Handle revalidates one item. Concurrent calls for the same URL share a
// single request.
func (w *Worker) Handle(ctx context.Context, item WorkItem) error {
	target, err := w.target(item)
	if err != nil {
		return fmt.Errorf("resolve revalidation target: %w", err)
	}
	_, err, _ = w.flight.Do(target, func() (any, error) {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("revalidate %s: %w", target, err)
			}
		}
		return nil, w.send(ctx, target, item.Host)
	})
	return err
}

func (w *Worker) send(ctx context.Context, target, host string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	if host != "" {
		req.Host = host
	}
	req.Header.Set("x-prerender-revalidate", *w.previewModeID.Load())
	req.Header.Set("x-isr", "1")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("revalidate %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("revalidate %s: origin returned %d", target, resp.StatusCode)
	}
	return nil
}
