package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
)

var ErrQueueClosed = errors.New("operation queue closed")

// Key identifies operations that may be collapsed into one while pending. The zero Key is never
// coalesced.
type Key struct {
	Kind   string
	Target string
}

func (k Key) coalescable() bool {
	return k != Key{}
}

// Op is a unit of work executed by a Worker.
type Op interface {
	Key() Key
	Name() string
	Invoke(ctx context.Context) error
}

// Queue is an unbounded multi-lane FIFO. Lower lanes are always drained first. An op whose key
// equals a pending op's key replaces it and moves to the back of its lane.
type Queue struct {
	mu       sync.Mutex
	nonEmpty chan struct{}
	lanes    []*list.List
	pending  map[Key]*list.Element
	laneOf   func(Op) int
	closed   bool
	name     string
}

type entry struct {
	op   Op
	lane int
}

// NewFIFO returns a single-lane queue.
func NewFIFO(name string) *Queue {
	return New(name, 1, nil)
}

// New returns a queue with the given number of lanes; laneOf picks the lane for an op and is
// clamped to the valid range.
func New(name string, lanes int, laneOf func(Op) int) *Queue {
	if lanes < 1 {
		lanes = 1
	}
	q := &Queue{
		nonEmpty: make(chan struct{}, 1),
		lanes:    make([]*list.List, lanes),
		pending:  make(map[Key]*list.Element),
		laneOf:   laneOf,
		name:     name,
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	return q
}

func (q *Queue) lane(op Op) int {
	if q.laneOf == nil {
		return 0
	}
	l := q.laneOf(op)
	if l < 0 {
		return 0
	}
	if l >= len(q.lanes) {
		return len(q.lanes) - 1
	}
	return l
}

// Offer enqueues op, first removing a pending op with the same key. It reports false once the
// queue is shut down. Offer never blocks.
func (q *Queue) Offer(op Op) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	key := op.Key()
	coalesced := false
	if key.coalescable() {
		if el, ok := q.pending[key]; ok {
			q.lanes[el.Value.(*entry).lane].Remove(el)
			delete(q.pending, key)
			coalesced = true
		}
	}
	lane := q.lane(op)
	el := q.lanes[lane].PushBack(&entry{op: op, lane: lane})
	if key.coalescable() {
		q.pending[key] = el
	}
	q.mu.Unlock()

	if coalesced {
		metric.Incr(metric.QueueCoalesced, metric.OperationTags(q.name, op.Name()))
	}
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.nonEmpty <- struct{}{}:
	default:
	}
}

func (q *Queue) poll() (Op, bool) {
	for _, l := range q.lanes {
		if el := l.Front(); el != nil {
			l.Remove(el)
			op := el.Value.(*entry).op
			if key := op.Key(); key.coalescable() {
				if cur, ok := q.pending[key]; ok && cur == el {
					delete(q.pending, key)
				}
			}
			return op, true
		}
	}
	return nil, false
}

// Take blocks until an op is available, the context is done, or the queue is shut down and
// drained.
func (q *Queue) Take(ctx context.Context) (Op, error) {
	for {
		q.mu.Lock()
		op, ok := q.poll()
		closed := q.closed
		more := ok && q.lenLocked() > 0
		q.mu.Unlock()
		if ok {
			if more {
				q.signal()
			}
			return op, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.nonEmpty:
		}
	}
}

// Shutdown drops every pending op, enqueues final (when non-nil) and rejects later offers. Take
// returns final and then ErrQueueClosed.
func (q *Queue) Shutdown(final Op) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for _, l := range q.lanes {
		l.Init()
	}
	q.pending = make(map[Key]*list.Element)
	if final != nil {
		q.lanes[0].PushBack(&entry{op: final})
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, l := range q.lanes {
		n += l.Len()
	}
	return n
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
