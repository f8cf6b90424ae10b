package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/codec"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/mirror"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/queue"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("group is closed")

const (
	DefaultCloseTimeout = 5 * time.Second
	DefaultNodePrefix   = "member-"
)

// Member is one entry of the membership view.
type Member struct {
	Path   string
	Record codec.Record
	Stat   store.Stat
}

type desiredState struct {
	record codec.Record
	data   []byte
}

// Group keeps a cached view of the members registered under one path and elects a master from
// it. Store calls only happen on the group's worker goroutine; reads are served from the cache.
type Group struct {
	path         string
	prefix       string
	store        store.Store
	codec        *codec.Codec
	election     Election
	closeTimeout time.Duration
	errorHandler queue.ErrorHandler

	queue     *queue.Queue
	worker    *queue.Worker
	mirror    *mirror.Mirror
	listeners *listenerSet

	lifecycle          sync.Mutex
	started            atomic.Bool
	closed             atomic.Bool
	connected          atomic.Bool
	self               atomic.Pointer[string]
	desired            atomic.Pointer[desiredState]
	removeConnListener func()

	// owned by the worker
	published []byte
	wasMaster bool
	stale     string
	watched   map[string]struct{}
}

type Option func(*Group)

// WithElection replaces the default single-leader election.
func WithElection(e Election) Option {
	return func(g *Group) {
		g.election = e
	}
}

// WithErrorHandler replaces the log-and-continue handler for failed background operations.
func WithErrorHandler(h queue.ErrorHandler) Option {
	return func(g *Group) {
		g.errorHandler = h
	}
}

func WithCloseTimeout(d time.Duration) Option {
	return func(g *Group) {
		g.closeTimeout = d
	}
}

// WithNodePrefix sets the name the store's sequence number is appended to.
func WithNodePrefix(prefix string) Option {
	return func(g *Group) {
		g.prefix = prefix
	}
}

func New(s store.Store, path string, c *codec.Codec, opts ...Option) (*Group, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	if s == nil || c == nil {
		return nil, fmt.Errorf("group %s: store and codec are required", path)
	}
	g := &Group{
		path:         path,
		prefix:       DefaultNodePrefix,
		store:        s,
		codec:        c,
		election:     SingleLeader(),
		closeTimeout: DefaultCloseTimeout,
		queue:        queue.NewFIFO(path),
		mirror:       mirror.New(),
		listeners:    newListenerSet(),
		watched:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.errorHandler == nil {
		g.errorHandler = queue.LogErrors(path)
	}
	g.worker = queue.NewWorker(path, g.queue, g.errorHandler)
	return g, nil
}

func (g *Group) Path() string {
	return g.path
}

// Start begins background processing. It is idempotent.
func (g *Group) Start() error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.closed.Load() {
		return ErrClosed
	}
	if !g.started.CompareAndSwap(false, true) {
		return nil
	}
	g.removeConnListener = g.store.AddConnectionListener(g.onConnectionState)
	g.worker.Start(context.Background())
	if g.store.Connected() {
		g.queue.Offer(&connectionOp{g: g, state: store.StateConnected})
	}
	log.Info().Msgf("group %s started", g.path)
	return nil
}

// Close stops background processing and deletes this member's node when connected. It is
// idempotent; only the first call can report ErrShutdownTimeout.
func (g *Group) Close() error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !g.started.Load() {
		return nil
	}
	if g.removeConnListener != nil {
		g.removeConnListener()
	}
	err := g.worker.Stop(&closeOp{g: g}, g.closeTimeout)
	g.connected.Store(false)
	g.mirror.Clear()
	if err != nil {
		return fmt.Errorf("closing group %s: %w", g.path, err)
	}
	log.Info().Msgf("group %s closed", g.path)
	return nil
}

// Update publishes rec as this member's state; nil withdraws the member without closing the
// group. Encoding errors are returned; store failures are handled in the background.
func (g *Group) Update(rec codec.Record) error {
	if g.closed.Load() {
		return ErrClosed
	}
	var data []byte
	if rec != nil {
		var err error
		data, err = g.codec.Encode(rec)
		if err != nil {
			metric.Incr(metric.OperationFailure, metric.OperationTags(g.path, "encode"))
			log.Error().Err(err).Msgf("dropping update for group %s", g.path)
			return err
		}
	}
	if !g.queue.Offer(&updateOp{g: g, record: rec, data: data}) {
		return ErrClosed
	}
	return nil
}

// AddListener registers l and returns the function that removes it.
func (g *Group) AddListener(l Listener) (remove func()) {
	return g.listeners.add(l)
}

func (g *Group) Connected() bool {
	return g.connected.Load()
}

// Self returns the path of this member's node, or "" when it has none.
func (g *Group) Self() string {
	if p := g.self.Load(); p != nil {
		return *p
	}
	return ""
}

func (g *Group) setSelf(p string) {
	g.self.Store(&p)
}

// Members returns the membership view in sequence order. It is empty while disconnected.
func (g *Group) Members() []Member {
	if !g.connected.Load() {
		return []Member{}
	}
	snaps := g.mirror.Sorted()
	out := make([]Member, 0, len(snaps))
	for _, s := range snaps {
		if s.Record == nil {
			continue
		}
		out = append(out, Member{Path: s.Path, Record: s.Record, Stat: s.Stat})
	}
	return out
}

func (g *Group) candidates() ([]Member, string) {
	view := g.Members()
	self := g.Self()
	var own *Member
	for i := range view {
		if view[i].Path == self {
			own = &view[i]
			break
		}
	}
	return g.election.Candidates(view, own), self
}

// IsMaster reports whether this member holds the smallest sequence among its candidates.
func (g *Group) IsMaster() bool {
	candidates, self := g.candidates()
	return self != "" && len(candidates) > 0 && candidates[0].Path == self
}

func (g *Group) Master() (Member, bool) {
	candidates, _ := g.candidates()
	if len(candidates) == 0 {
		return Member{}, false
	}
	return candidates[0], true
}

func (g *Group) Slaves() []Member {
	candidates, _ := g.candidates()
	if len(candidates) < 2 {
		return []Member{}
	}
	return candidates[1:]
}

// IsMasterOf reports whether this member leads the election for logical id.
func (g *Group) IsMasterOf(id string) bool {
	m, ok := g.MasterOf(id)
	self := g.Self()
	return ok && self != "" && m.Path == self
}

func (g *Group) MasterOf(id string) (Member, bool) {
	members := filterByID(g.Members(), id)
	if len(members) == 0 {
		return Member{}, false
	}
	return members[0], true
}

func (g *Group) SlavesOf(id string) []Member {
	members := filterByID(g.Members(), id)
	if len(members) < 2 {
		return []Member{}
	}
	return members[1:]
}

// LogicalIDs lists the ids present in the view, in order of first appearance.
func (g *Group) LogicalIDs() []string {
	seen := make(map[string]struct{})
	ids := []string{}
	for _, m := range g.Members() {
		id := m.Record.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// onConnectionState runs on the store client's goroutine.
func (g *Group) onConnectionState(state store.ConnState) {
	metric.Incr(metric.ConnectionState, metric.BuildTag(metric.NewTag(metric.TagPath, g.path), metric.NewTag(metric.TagState, state.String())))
	g.queue.Offer(&connectionOp{g: g, state: state})
}

func (g *Group) childWatcher(ev store.Event) {
	metric.Incr(metric.WatchEventCount, metric.BuildTag(metric.NewTag(metric.TagPath, g.path), metric.NewTag(metric.TagEvent, ev.Type.String())))
	g.queue.Offer(&refreshOp{g: g, mode: refreshStandard})
}

func (g *Group) dataWatcher(ev store.Event) {
	metric.Incr(metric.WatchEventCount, metric.BuildTag(metric.NewTag(metric.TagPath, g.path), metric.NewTag(metric.TagEvent, ev.Type.String())))
	switch ev.Type {
	case store.EventNodeDeleted, store.EventNodeDataChanged:
		g.queue.Offer(&getDataOp{g: g, path: ev.Path})
	}
}

func (g *Group) emit(kind EventKind) {
	g.queue.Offer(&eventOp{g: g, kind: kind})
}
