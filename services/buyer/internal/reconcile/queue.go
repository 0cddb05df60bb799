package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
)

var (
	ErrQueueFull   = errors.New("reconcile queue is full")
	ErrQueueClosed = errors.New("reconcile queue is closed")
)

const itemTimeout = 30 * time.Second

// Queue decouples callback acknowledgement from reconciliation: receivers
// Enqueue and return, workers apply callbacks in the background.
type Queue struct {
	r       *Reconciler
	ch      chan Callback
	workers int
	log     logrus.FieldLogger
	metrics metrics.BuyerMetrics

	mu     sync.RWMutex
	closed bool
}

func NewQueue(r *Reconciler, size, workers int) *Queue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{r: r, ch: make(chan Callback, size), workers: workers, log: r.log, metrics: r.metrics}
}

// Enqueue never blocks.
func (q *Queue) Enqueue(cb Callback) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- cb:
		q.metrics.SetReconcileQueueDepth(len(q.ch))
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Depth() int { return len(q.ch) }

// Close stops intake. Run returns once the backlog has drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run processes callbacks until Close is called and the backlog is drained,
// or until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case cb, ok := <-q.ch:
					if !ok {
						return nil
					}
					q.metrics.SetReconcileQueueDepth(len(q.ch))
					q.process(ctx, cb)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) process(ctx context.Context, cb Callback) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), itemTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			q.log.WithFields(logrus.Fields{"action": cb.Action(), "panic": p}).Error("reconcile worker recovered")
		}
	}()
	// Reconcile already logs and counts failures.
	_, _ = q.r.Reconcile(ictx, cb)
}
