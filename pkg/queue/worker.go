package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/rs/zerolog/log"
)

var ErrShutdownTimeout = errors.New("worker did not stop before the shutdown timeout")

// ErrorHandler receives every error and recovered panic raised by an op.
type ErrorHandler func(op Op, err error)

// LogErrors is the default ErrorHandler: log and continue.
func LogErrors(name string) ErrorHandler {
	return func(op Op, err error) {
		metric.Incr(metric.OperationFailure, metric.OperationTags(name, op.Name()))
		log.Error().Err(err).Msgf("operation %s failed for %s", op.Name(), name)
	}
}

// Worker drains one Queue on a single goroutine.
type Worker struct {
	name    string
	queue   *Queue
	handler ErrorHandler

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWorker(name string, q *Queue, handler ErrorHandler) *Worker {
	if handler == nil {
		handler = LogErrors(name)
	}
	return &Worker{
		name:    name,
		queue:   q,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine; later calls are no-ops.
func (w *Worker) Start(parent context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		w.cancel = cancel
		go w.run(ctx)
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		op, err := w.queue.Take(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msgf("worker %s stopped unexpectedly", w.name)
			}
			return
		}
		w.invoke(ctx, op)
	}
}

func (w *Worker) invoke(ctx context.Context, op Op) {
	st := time.Now()
	tags := metric.OperationTags(w.name, op.Name())
	defer func() {
		if r := recover(); r != nil {
			w.handler(op, fmt.Errorf("panic in %s: %v\n%s", op.Name(), r, debug.Stack()))
		}
		metric.Timing(metric.OperationLatency, time.Since(st), tags)
	}()
	metric.Incr(metric.OperationCount, tags)
	if err := op.Invoke(ctx); err != nil {
		w.handler(op, err)
	}
}

// Stop shuts the queue down with final as the last op and waits up to timeout for the worker to
// finish it. On timeout the worker's context is cancelled and ErrShutdownTimeout is returned.
func (w *Worker) Stop(final Op, timeout time.Duration) error {
	w.queue.Shutdown(final)
	started := false
	w.startOnce.Do(func() {})
	if w.cancel != nil {
		started = true
	}
	if !started {
		return nil
	}
	defer w.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		w.cancel()
		log.Error().Msgf("worker %s did not stop within %s", w.name, timeout)
		return ErrShutdownTimeout
	}
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
