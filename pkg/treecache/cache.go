// Package treecache mirrors a whole subtree of the coordination store and reports incremental
// changes to listeners.
package treecache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/mirror"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/queue"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed      = errors.New("tree cache is closed")
	ErrNotStarted  = errors.New("tree cache is not started")
	ErrOutsideRoot = errors.New("path is outside the cached tree")
)

const (
	laneFetch = iota
	laneEvents
)

const DefaultCloseTimeout = 5 * time.Second

// Cache keeps a snapshot of every node below root. Store calls happen on the worker only.
type Cache struct {
	root          string
	store         store.Store
	maxDepth      int
	diffMode      bool
	cacheData     bool
	createParents bool
	closeTimeout  time.Duration
	errorHandler  queue.ErrorHandler

	queue     *queue.Queue
	worker    *queue.Worker
	mirror    *mirror.Mirror
	listeners *ds.Registry[Listener]

	lifecycle          sync.Mutex
	started            atomic.Bool
	closed             atomic.Bool
	connected          atomic.Bool
	removeConnListener func()

	// owned by the worker
	everConnected bool
	initialized   bool
	pending       map[string]struct{}
}

type Option func(*Cache)

// WithMaxDepth limits caching to n levels below root; root itself is depth 0.
func WithMaxDepth(n int) Option {
	return func(c *Cache) {
		c.maxDepth = n
	}
}

// WithDiffMode suppresses NodeUpdated when only the stat changed.
func WithDiffMode(on bool) Option {
	return func(c *Cache) {
		c.diffMode = on
	}
}

// WithCacheData controls whether payload bytes are kept in the snapshots.
func WithCacheData(on bool) Option {
	return func(c *Cache) {
		c.cacheData = on
	}
}

func WithCreateParentNodes(on bool) Option {
	return func(c *Cache) {
		c.createParents = on
	}
}

func WithErrorHandler(h queue.ErrorHandler) Option {
	return func(c *Cache) {
		c.errorHandler = h
	}
}

func WithCloseTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.closeTimeout = d
	}
}

func New(s store.Store, root string, opts ...Option) (*Cache, error) {
	if err := store.ValidatePath(root); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("tree cache %s: store is required", root)
	}
	c := &Cache{
		root:         root,
		store:        s,
		maxDepth:     math.MaxInt32,
		cacheData:    true,
		closeTimeout: DefaultCloseTimeout,
		mirror:       mirror.New(),
		listeners:    ds.NewRegistry[Listener](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.errorHandler == nil {
		c.errorHandler = queue.LogErrors(root)
	}
	c.queue = queue.New(root, 2, func(op queue.Op) int {
		if _, ok := op.(*eventOp); ok {
			return laneEvents
		}
		return laneFetch
	})
	c.worker = queue.NewWorker(root, c.queue, c.errorHandler)
	return c, nil
}

func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.removeConnListener = c.store.AddConnectionListener(c.onConnectionState)
	c.worker.Start(context.Background())
	if c.store.Connected() {
		c.queue.Offer(&connectionOp{c: c, state: store.StateConnected})
	}
	log.Info().Msgf("tree cache %s started", c.root)
	return nil
}

func (c *Cache) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.started.Load() {
		return nil
	}
	if c.removeConnListener != nil {
		c.removeConnListener()
	}
	err := c.worker.Stop(nil, c.closeTimeout)
	c.mirror.Clear()
	if err != nil {
		return fmt.Errorf("closing tree cache %s: %w", c.root, err)
	}
	log.Info().Msgf("tree cache %s closed", c.root)
	return nil
}

func (c *Cache) AddListener(l Listener) (remove func()) {
	return c.listeners.Add(l)
}

// CurrentData returns the cached snapshot of p.
func (c *Cache) CurrentData(p string) (*mirror.Snapshot, bool) {
	return c.mirror.Get(p)
}

// CurrentChildren returns the cached children of p keyed by name, or nil when p is not cached.
func (c *Cache) CurrentChildren(p string) map[string]*mirror.Snapshot {
	parent, ok := c.mirror.Get(p)
	if !ok {
		return nil
	}
	out := make(map[string]*mirror.Snapshot, len(parent.Children))
	for _, name := range parent.Children {
		if child, ok := c.mirror.Get(store.Join(p, name)); ok {
			out[name] = child
		}
	}
	return out
}

// Rebuild reloads the whole tree without notifying listeners and returns once the cache matches
// the store.
func (c *Cache) Rebuild(ctx context.Context) error {
	return c.RebuildNode(ctx, c.root)
}

// RebuildNode reloads the subtree at p without notifying listeners.
func (c *Cache) RebuildNode(ctx context.Context, p string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	if !c.contains(p) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	op := &rebuildOp{c: c, path: p, done: make(chan error, 1)}
	if !c.queue.Offer(op) {
		return ErrClosed
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.worker.Done():
		return ErrClosed
	}
}

func (c *Cache) contains(p string) bool {
	return p == c.root || c.root == "/" || strings.HasPrefix(p, c.root+"/")
}

func (c *Cache) depth(p string) int {
	if p == c.root {
		return 0
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, c.root), "/")
	return strings.Count(rel, "/") + 1
}

func (c *Cache) onConnectionState(state store.ConnState) {
	metric.Incr(metric.ConnectionState, metric.BuildTag(metric.NewTag(metric.TagPath, c.root), metric.NewTag(metric.TagState, state.String())))
	c.queue.Offer(&connectionOp{c: c, state: state})
}

// watch runs on the store client's goroutine and only enqueues.
func (c *Cache) watch(ev store.Event) {
	metric.Incr(metric.WatchEventCount, metric.BuildTag(metric.NewTag(metric.TagPath, c.root), metric.NewTag(metric.TagEvent, ev.Type.String())))
	switch ev.Type {
	case store.EventNodeCreated, store.EventNodeChildrenChanged:
		c.queue.Offer(&refreshOp{c: c, path: ev.Path, mode: refreshStandard})
	case store.EventNodeDataChanged, store.EventNodeDeleted:
		c.queue.Offer(&getDataOp{c: c, path: ev.Path})
	}
}

func (c *Cache) emit(t EventType, p string, node *mirror.Snapshot) {
	metric.Incr(metric.TreeEventCount, metric.BuildTag(metric.NewTag(metric.TagPath, c.root), metric.NewTag(metric.TagEvent, t.String())))
	c.queue.Offer(&eventOp{c: c, event: Event{Type: t, Path: p, Node: node}})
}
