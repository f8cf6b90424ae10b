package treecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/mirror"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/queue"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/rs/zerolog/log"
)

type refreshMode int

const (
	refreshStandard refreshMode = iota
	refreshForce
)

func (m refreshMode) String() string {
	if m == refreshForce {
		return "refresh_force"
	}
	return "refresh"
}

type refreshOp struct {
	c    *Cache
	path string
	mode refreshMode
}

func (o *refreshOp) Key() queue.Key { return queue.Key{Kind: o.mode.String(), Target: o.path} }
func (o *refreshOp) Name() string   { return o.mode.String() }
func (o *refreshOp) Invoke(ctx context.Context) error {
	return o.c.refresh(ctx, o.path, o.mode)
}

type getDataOp struct {
	c    *Cache
	path string
}

func (o *getDataOp) Key() queue.Key { return queue.Key{Kind: "get_data", Target: o.path} }
func (o *getDataOp) Name() string   { return "get_data" }
func (o *getDataOp) Invoke(ctx context.Context) error {
	return o.c.getData(ctx, o.path)
}

type eventOp struct {
	c     *Cache
	event Event
}

func (o *eventOp) Key() queue.Key { return queue.Key{} }
func (o *eventOp) Name() string   { return "event_" + o.event.Type.String() }
func (o *eventOp) Invoke(context.Context) error {
	dispatch(o.c.listeners, o.c, o.event)
	return nil
}

type connectionOp struct {
	c     *Cache
	state store.ConnState
}

func (o *connectionOp) Key() queue.Key { return queue.Key{} }
func (o *connectionOp) Name() string   { return "connection_" + o.state.String() }
func (o *connectionOp) Invoke(ctx context.Context) error {
	return o.c.handleConnection(ctx, o.state)
}

type rebuildOp struct {
	c    *Cache
	path string
	done chan error
}

func (o *rebuildOp) Key() queue.Key { return queue.Key{} }
func (o *rebuildOp) Name() string   { return "rebuild" }
func (o *rebuildOp) Invoke(ctx context.Context) error {
	o.done <- o.c.rebuild(ctx, o.path)
	return nil
}

func (c *Cache) handleConnection(ctx context.Context, state store.ConnState) error {
	log.Info().Msgf("tree cache %s connection state %s", c.root, state)
	switch state {
	case store.StateConnected, store.StateReconnected:
		if state == store.StateConnected && c.connected.Load() {
			return nil
		}
		c.connected.Store(true)
		if c.createParents {
			if err := store.EnsurePath(ctx, c.store, c.root); err != nil {
				return err
			}
		}
		if !c.everConnected {
			c.everConnected = true
			c.pending = map[string]struct{}{c.root: {}}
			return c.refresh(ctx, c.root, refreshStandard)
		}
		c.emit(ConnectionReconnected, "", nil)
		return c.refresh(ctx, c.root, refreshForce)
	case store.StateSuspended:
		c.connected.Store(false)
		c.emit(ConnectionSuspended, "", nil)
	case store.StateLost:
		c.connected.Store(false)
		c.emit(ConnectionLost, "", nil)
	}
	return nil
}

// refresh lists p's children and, when p is new or mode is forced, reads its data. New children
// are refreshed in turn.
func (c *Cache) refresh(ctx context.Context, p string, mode refreshMode) error {
	if !c.connected.Load() {
		return nil
	}
	depth := c.depth(p)
	if !c.contains(p) || depth > c.maxDepth {
		c.resolve(p)
		return nil
	}

	var children []string
	if depth < c.maxDepth {
		var err error
		children, err = c.store.Children(ctx, p, c.watch)
		if errors.Is(err, store.ErrNoNode) {
			return c.vanished(ctx, p)
		}
		if err != nil {
			return fmt.Errorf("listing %s: %w", p, err)
		}
	}

	prev, cached := c.mirror.Get(p)
	next := prev
	fetched := !cached || mode == refreshForce
	if fetched {
		data, stat, err := c.store.Get(ctx, p, c.watch)
		if errors.Is(err, store.ErrNoNode) {
			return c.vanished(ctx, p)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		next = &mirror.Snapshot{Path: p, Stat: *stat, Data: c.keep(data)}
	}
	next = next.WithChildren(children)
	c.mirror.Put(next)

	switch {
	case !cached:
		if p != c.root {
			c.emit(NodeAdded, p, next)
		}
	case fetched && c.updated(prev, next):
		c.emit(NodeUpdated, p, next)
	}

	if cached {
		current := make(map[string]struct{}, len(next.Children))
		for _, name := range next.Children {
			current[name] = struct{}{}
		}
		for _, name := range prev.Children {
			if _, ok := current[name]; !ok {
				c.remove(store.Join(p, name))
			}
		}
	}
	for _, name := range next.Children {
		child := store.Join(p, name)
		if mode == refreshForce || !c.mirror.Has(child) {
			if c.pending != nil {
				c.pending[child] = struct{}{}
			}
			c.queue.Offer(&refreshOp{c: c, path: child, mode: mode})
		}
	}
	c.resolve(p)
	metric.Gauge(metric.TreeNodes, float64(c.mirror.Len()), metric.BuildTag(metric.NewTag(metric.TagPath, c.root)))
	return nil
}

func (c *Cache) getData(ctx context.Context, p string) error {
	if !c.connected.Load() {
		return nil
	}
	data, stat, err := c.store.Get(ctx, p, c.watch)
	if errors.Is(err, store.ErrNoNode) {
		return c.vanished(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	prev, ok := c.mirror.Get(p)
	if !ok {
		return nil
	}
	next := prev.WithData(*stat, c.keep(data), nil)
	c.mirror.Put(next)
	if c.updated(prev, next) {
		c.emit(NodeUpdated, p, next)
	}
	return nil
}

// vanished drops p after the store reported it missing. A missing root is watched for creation.
func (c *Cache) vanished(ctx context.Context, p string) error {
	c.remove(p)
	defer c.resolve(p)
	if p != c.root {
		return nil
	}
	stat, err := c.store.Exists(ctx, p, c.watch)
	if err != nil {
		return fmt.Errorf("watching %s: %w", p, err)
	}
	if stat != nil {
		c.queue.Offer(&refreshOp{c: c, path: p, mode: refreshStandard})
	}
	return nil
}

// remove drops p and every cached descendant, deepest first, with one NodeRemoved each.
func (c *Cache) remove(p string) {
	for _, d := range c.mirror.Descendants(p) {
		if snap, ok := c.mirror.Remove(d); ok {
			c.emit(NodeRemoved, d, snap)
		}
	}
	snap, ok := c.mirror.Remove(p)
	if p == c.root {
		return
	}
	if ok {
		c.emit(NodeRemoved, p, snap)
	}
	c.unlink(p)
}

func (c *Cache) unlink(p string) {
	parent, ok := c.mirror.Get(store.Parent(p))
	if !ok {
		return
	}
	name := store.Name(p)
	children := make([]string, 0, len(parent.Children))
	for _, n := range parent.Children {
		if n != name {
			children = append(children, n)
		}
	}
	if len(children) != len(parent.Children) {
		c.mirror.Put(parent.WithChildren(children))
	}
}

func (c *Cache) link(p string) {
	if p == c.root {
		return
	}
	parent, ok := c.mirror.Get(store.Parent(p))
	if !ok {
		return
	}
	name := store.Name(p)
	for _, n := range parent.Children {
		if n == name {
			return
		}
	}
	c.mirror.Put(parent.WithChildren(append(append([]string(nil), parent.Children...), name)))
}

func (c *Cache) resolve(p string) {
	if c.pending == nil {
		return
	}
	delete(c.pending, p)
	if len(c.pending) > 0 {
		return
	}
	c.pending = nil
	if !c.initialized {
		c.initialized = true
		c.emit(Initialized, "", nil)
	}
}

func (c *Cache) updated(prev, next *mirror.Snapshot) bool {
	if prev.Stat.Mzxid == next.Stat.Mzxid {
		return false
	}
	return !(c.diffMode && c.cacheData && bytes.Equal(prev.Data, next.Data))
}

func (c *Cache) keep(data []byte) []byte {
	if !c.cacheData {
		return nil
	}
	return data
}

// rebuild replaces the cached subtree at p with a fresh read and schedules a forced refresh to
// re-arm watches. Listeners are not notified.
func (c *Cache) rebuild(ctx context.Context, p string) error {
	for _, d := range c.mirror.Descendants(p) {
		c.mirror.Remove(d)
	}
	if err := c.load(ctx, p); err != nil {
		return err
	}
	c.queue.Offer(&refreshOp{c: c, path: p, mode: refreshForce})
	return nil
}

func (c *Cache) load(ctx context.Context, p string) error {
	data, stat, err := c.store.Get(ctx, p, nil)
	if errors.Is(err, store.ErrNoNode) {
		c.mirror.Remove(p)
		if p != c.root {
			c.unlink(p)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebuilding %s: %w", p, err)
	}
	var children []string
	if c.depth(p) < c.maxDepth {
		children, err = c.store.Children(ctx, p, nil)
		if errors.Is(err, store.ErrNoNode) {
			c.mirror.Remove(p)
			c.unlink(p)
			return nil
		}
		if err != nil {
			return fmt.Errorf("rebuilding %s: %w", p, err)
		}
	}
	snap := (&mirror.Snapshot{Path: p, Stat: *stat, Data: c.keep(data)}).WithChildren(children)
	c.mirror.Put(snap)
	c.link(p)
	for _, name := range snap.Children {
		if err := c.load(ctx, store.Join(p, name)); err != nil {
			return err
		}
	}
	return nil
}
