package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/codec"
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
		return "force"
	}
	return "standard"
}

type refreshOp struct {
	g    *Group
	mode refreshMode
}

func (o *refreshOp) Key() queue.Key { return queue.Key{Kind: "refresh", Target: o.mode.String()} }
func (o *refreshOp) Name() string   { return "refresh" }
func (o *refreshOp) Invoke(ctx context.Context) error {
	return o.g.refresh(ctx, o.mode)
}

type updateOp struct {
	g      *Group
	record codec.Record
	data   []byte
}

func (o *updateOp) Key() queue.Key { return queue.Key{Kind: "update"} }
func (o *updateOp) Name() string   { return "update" }
func (o *updateOp) Invoke(ctx context.Context) error {
	if o.record == nil {
		o.g.desired.Store(nil)
		return o.g.withdraw(ctx)
	}
	o.g.desired.Store(&desiredState{record: o.record, data: o.data})
	if !o.g.connected.Load() {
		return nil
	}
	return o.g.write(ctx, false)
}

// republishOp writes the current desired record again.
type republishOp struct {
	g *Group
}

func (o *republishOp) Key() queue.Key { return queue.Key{Kind: "republish"} }
func (o *republishOp) Name() string   { return "republish" }
func (o *republishOp) Invoke(ctx context.Context) error {
	if !o.g.connected.Load() {
		return nil
	}
	return o.g.write(ctx, false)
}

type getDataOp struct {
	g    *Group
	path string
}

func (o *getDataOp) Key() queue.Key { return queue.Key{Kind: "get_data", Target: o.path} }
func (o *getDataOp) Name() string   { return "get_data" }
func (o *getDataOp) Invoke(ctx context.Context) error {
	delete(o.g.watched, o.path)
	if !o.g.connected.Load() {
		return nil
	}
	return o.g.fetch(ctx, o.path)
}

type eventOp struct {
	g    *Group
	kind EventKind
}

func (o *eventOp) Key() queue.Key { return queue.Key{Kind: "event", Target: o.kind.String()} }
func (o *eventOp) Name() string   { return "event_" + o.kind.String() }
func (o *eventOp) Invoke(context.Context) error {
	if o.kind == Changed {
		o.g.observeLeadership()
	}
	o.g.listeners.dispatch(o.g, o.kind)
	return nil
}

type connectionOp struct {
	g     *Group
	state store.ConnState
}

func (o *connectionOp) Key() queue.Key { return queue.Key{} }
func (o *connectionOp) Name() string   { return "connection_" + o.state.String() }
func (o *connectionOp) Invoke(ctx context.Context) error {
	return o.g.handleConnection(ctx, o.state)
}

type closeOp struct {
	g *Group
}

func (o *closeOp) Key() queue.Key { return queue.Key{} }
func (o *closeOp) Name() string   { return "close" }
func (o *closeOp) Invoke(ctx context.Context) error {
	g := o.g
	self := g.Self()
	g.self.Store(nil)
	g.published = nil
	if self == "" {
		self = g.stale
	}
	g.stale = ""
	if self == "" || !g.store.Connected() {
		return nil
	}
	if err := g.store.Delete(ctx, self, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("deleting %s on close: %w", self, err)
	}
	return nil
}

func (g *Group) handleConnection(ctx context.Context, state store.ConnState) error {
	log.Info().Msgf("group %s connection state %s", g.path, state)
	switch state {
	case store.StateConnected, store.StateReconnected:
		if state == store.StateConnected && g.connected.Load() {
			return nil
		}
		g.connected.Store(true)
		if err := g.dropStale(ctx); err != nil {
			return err
		}
		if err := store.EnsurePath(ctx, g.store, g.path); err != nil {
			return err
		}
		err := g.refresh(ctx, refreshForce)
		if g.desired.Load() != nil {
			err = errors.Join(err, g.write(ctx, true))
		}
		g.emit(Connected)
		return err
	case store.StateSuspended, store.StateLost:
		was := g.connected.Swap(false)
		g.mirror.Clear()
		g.published = nil
		if state == store.StateLost {
			g.self.Store(nil)
			g.stale = ""
			clear(g.watched)
		}
		if was {
			g.emit(Disconnected)
		}
	}
	return nil
}

// write publishes the desired record. Unless forced it is skipped when the node already carries
// the same bytes.
func (g *Group) write(ctx context.Context, force bool) error {
	d := g.desired.Load()
	if d == nil {
		return nil
	}
	self := g.Self()
	if !force && self != "" && bytes.Equal(g.published, d.data) {
		return nil
	}
	if self == "" {
		if err := g.refresh(ctx, refreshForce); err != nil {
			log.Warn().Err(err).Msgf("group %s refresh before registration was incomplete", g.path)
		}
		self = g.adopt(d.record)
	}
	if self == "" {
		return g.create(ctx, d)
	}

	snap, ok := g.mirror.Get(self)
	if ok && bytes.Equal(snap.Data, d.data) {
		g.published = d.data
		return nil
	}
	version := store.AnyVersion
	if ok {
		version = snap.Stat.Version
	}
	stat, err := g.store.Set(ctx, self, d.data, version)
	switch {
	case err == nil:
		g.published = d.data
		g.record(self, *stat, d.data, d.record)
		return nil
	case errors.Is(err, store.ErrNoNode):
		g.forget(self)
		return g.create(ctx, d)
	case errors.Is(err, store.ErrBadVersion):
		log.Warn().Msgf("group %s: %s was modified concurrently, re-registering", g.path, self)
		if err := g.store.Delete(ctx, self, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("replacing %s: %w", self, err)
		}
		g.forget(self)
		return g.create(ctx, d)
	default:
		return fmt.Errorf("updating %s: %w", self, err)
	}
}

// adopt takes over a node left by a previous session of the same container.
func (g *Group) adopt(rec codec.Record) string {
	for _, s := range g.mirror.Sorted() {
		if s.Record != nil && codec.SameIdentity(s.Record, rec) {
			log.Info().Msgf("group %s adopting existing node %s", g.path, s.Path)
			if g.stale == s.Path {
				g.stale = ""
			}
			g.setSelf(s.Path)
			return s.Path
		}
	}
	return ""
}

func (g *Group) create(ctx context.Context, d *desiredState) error {
	prefix := store.Join(g.path, g.prefix)
	p, err := g.store.Create(ctx, prefix, d.data, store.EphemeralSequential)
	if errors.Is(err, store.ErrNoNode) {
		if err := store.EnsurePath(ctx, g.store, g.path); err != nil {
			return err
		}
		p, err = g.store.Create(ctx, prefix, d.data, store.EphemeralSequential)
	}
	if err != nil {
		return fmt.Errorf("registering in %s: %w", g.path, err)
	}
	g.setSelf(p)
	g.published = d.data
	log.Info().Msgf("group %s registered %s", g.path, p)
	return g.fetch(ctx, p)
}

func (g *Group) withdraw(ctx context.Context) error {
	self := g.Self()
	g.self.Store(nil)
	g.published = nil
	if self == "" {
		return nil
	}
	if !g.connected.Load() {
		g.stale = self
		return nil
	}
	if err := g.store.Delete(ctx, self, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		g.stale = self
		return fmt.Errorf("withdrawing %s: %w", self, err)
	}
	g.removeNode(self)
	return nil
}

// dropStale deletes a node withdrawn while the session was suspended.
func (g *Group) dropStale(ctx context.Context) error {
	if g.stale == "" {
		return nil
	}
	if err := g.store.Delete(ctx, g.stale, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("withdrawing %s: %w", g.stale, err)
	}
	log.Info().Msgf("group %s withdrew %s after reconnecting", g.path, g.stale)
	g.stale = ""
	return nil
}

func (g *Group) refresh(ctx context.Context, mode refreshMode) error {
	if !g.connected.Load() {
		return nil
	}
	children, err := g.store.Children(ctx, g.path, g.childWatcher)
	if errors.Is(err, store.ErrNoNode) {
		if err := store.EnsurePath(ctx, g.store, g.path); err != nil {
			return err
		}
		children, err = g.store.Children(ctx, g.path, g.childWatcher)
	}
	if err != nil {
		return fmt.Errorf("listing %s: %w", g.path, err)
	}

	current := make(map[string]struct{}, len(children))
	for _, c := range children {
		current[store.Join(g.path, c)] = struct{}{}
	}
	for _, p := range g.mirror.Paths() {
		if _, ok := current[p]; !ok {
			g.removeNode(p)
		}
	}
	var errs []error
	for p := range current {
		if mode == refreshForce || !g.mirror.Has(p) {
			if err := g.fetch(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// fetch reads p into the mirror. A data watch is armed only when none is outstanding for p.
func (g *Group) fetch(ctx context.Context, p string) error {
	var w store.Watcher
	if _, ok := g.watched[p]; !ok {
		w = g.dataWatcher
	}
	data, stat, err := g.store.Get(ctx, p, w)
	if errors.Is(err, store.ErrNoNode) {
		g.removeNode(p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	g.watched[p] = struct{}{}
	rec, err := g.codec.Decode(data)
	if err != nil {
		metric.Incr(metric.RecordDecodeFailed, metric.BuildTag(metric.NewTag(metric.TagPath, g.path)))
		// kept without a record so refreshes skip it until its data changes
		g.record(p, *stat, data, nil)
		return fmt.Errorf("ignoring %s: %w", p, err)
	}
	g.record(p, *stat, data, rec)
	return nil
}

func (g *Group) record(p string, stat store.Stat, data []byte, rec codec.Record) {
	prev := g.mirror.Put(&mirror.Snapshot{Path: p, Stat: stat, Data: data, Record: rec})
	if prev == nil || prev.Stat.Version != stat.Version || prev.Stat.Mzxid != stat.Mzxid {
		g.emit(Changed)
	}
}

func (g *Group) forget(p string) {
	if _, ok := g.mirror.Remove(p); ok {
		g.emit(Changed)
	}
	if g.Self() == p {
		g.self.Store(nil)
		g.published = nil
	}
}

// removeNode drops p from the view. Losing our own node schedules a re-registration.
func (g *Group) removeNode(p string) {
	wasSelf := p == g.Self()
	g.forget(p)
	if wasSelf && g.connected.Load() && g.desired.Load() != nil {
		g.queue.Offer(&republishOp{g: g})
	}
}

func (g *Group) observeLeadership() {
	members := g.Members()
	metric.Gauge(metric.GroupMembers, float64(len(members)), metric.BuildTag(metric.NewTag(metric.TagPath, g.path)))
	metric.Incr(metric.GroupChanged, metric.BuildTag(metric.NewTag(metric.TagPath, g.path)))
	master := g.IsMaster()
	if master == g.wasMaster {
		return
	}
	g.wasMaster = master
	metric.Incr(metric.LeaderChanged, metric.BuildTag(
		metric.NewTag(metric.TagPath, g.path),
		metric.NewTag(metric.TagIsMaster, fmt.Sprintf("%t", master)),
	))
	if master {
		log.Info().Msgf("group %s: %s became master", g.path, g.Self())
	} else {
		log.Info().Msgf("group %s: %s is no longer master", g.path, g.Self())
	}
}
