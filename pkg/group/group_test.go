package group

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/codec"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type member struct {
	group  *Group
	client *memstore.Client
	record *codec.NodeState
}

func join(t *testing.T, srv *memstore.Server, path, id, container string, opts ...Option) *member {
	t.Helper()
	client := srv.Connect()
	g, err := New(client, path, codec.New(), opts...)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	rec := &codec.NodeState{Id: id, ContainerId: container}
	require.NoError(t, g.Update(rec))
	t.Cleanup(func() {
		_ = g.Close()
		_ = client.Close()
	})
	require.Eventually(t, func() bool { return g.Self() != "" }, waitFor, tick)
	return &member{group: g, client: client, record: rec}
}

func paths(ms []Member) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Path)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *recorder) OnGroupEvent(_ *Group, kind EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *recorder) seen(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.events {
		if k == kind {
			return true
		}
	}
	return false
}

func TestNew_RejectsInvalidPath(t *testing.T) {
	srv := memstore.NewServer()
	_, err := New(srv.Connect(), "groups/", codec.New())
	assert.ErrorIs(t, err, store.ErrInvalidPath)
}

func TestGroup_SingleMaster(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/services/search", "search", "a")
	b := join(t, srv, "/services/search", "search", "b")
	c := join(t, srv, "/services/search", "search", "c")
	all := []*member{a, b, c}

	for _, m := range all {
		m := m
		require.Eventually(t, func() bool { return len(m.group.Members()) == 3 }, waitFor, tick)
	}

	masters := 0
	for _, m := range all {
		if m.group.IsMaster() {
			masters++
		}
		master, ok := m.group.Master()
		require.True(t, ok)
		assert.Equal(t, a.group.Self(), master.Path)
		assert.Len(t, m.group.Slaves(), 2)
	}
	assert.Equal(t, 1, masters)
	assert.True(t, a.group.IsMaster())
	assert.Equal(t, []string{a.group.Self(), b.group.Self(), c.group.Self()}, paths(b.group.Members()))
}

func TestGroup_PromotesNextMemberWhenMasterLeaves(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	c := join(t, srv, "/g", "svc", "c")
	require.Eventually(t, func() bool { return len(c.group.Members()) == 3 }, waitFor, tick)

	require.NoError(t, a.group.Close())

	require.Eventually(t, func() bool { return b.group.IsMaster() && len(c.group.Members()) == 2 }, waitFor, tick)
	master, ok := c.group.Master()
	require.True(t, ok)
	assert.Equal(t, b.group.Self(), master.Path)
	assert.Equal(t, []string{c.group.Self()}, paths(c.group.Slaves()))
	assert.False(t, c.group.IsMaster())
}

func TestGroup_UnchangedUpdateDoesNotWrite(t *testing.T) {
	srv := memstore.NewServer()
	setup := srv.Connect()
	require.NoError(t, store.EnsurePath(context.Background(), setup, "/g"))

	m := join(t, srv, "/g", "svc", "a")
	require.NoError(t, m.group.Update(&codec.NodeState{Id: "svc", ContainerId: "a"}))
	require.NoError(t, m.group.Update(&codec.NodeState{Id: "svc", ContainerId: "a"}))
	require.Eventually(t, func() bool { return m.group.queue.Len() == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, m.client.Calls("create")+m.client.Calls("set"))
}

func TestGroup_UpdateRewritesOwnNode(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	self := a.group.Self()

	updated := &codec.NodeState{Id: "svc", ContainerId: "a", Attributes: map[string]string{"zone": "z1"}}
	require.NoError(t, a.group.Update(updated))

	require.Eventually(t, func() bool {
		for _, m := range b.group.Members() {
			if m.Path == self {
				return m.Record.(*codec.NodeState).Attributes["zone"] == "z1"
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, self, a.group.Self())
	assert.Equal(t, 1, a.client.Calls("set"))
}

func TestGroup_UpdateNilWithdraws(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool { return len(b.group.Members()) == 2 }, waitFor, tick)

	require.NoError(t, a.group.Update(nil))

	require.Eventually(t, func() bool { return len(b.group.Members()) == 1 }, waitFor, tick)
	assert.Empty(t, a.group.Self())
	assert.False(t, a.group.IsMaster())
	assert.True(t, b.group.IsMaster())
}

func TestGroup_SuspendAndReconnect(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool { return len(a.group.Members()) == 2 }, waitFor, tick)
	rec := &recorder{}
	a.group.AddListener(rec)
	self := a.group.Self()

	a.client.Suspend()
	require.Eventually(t, func() bool { return rec.seen(Disconnected) }, waitFor, tick)
	assert.False(t, a.group.Connected())
	assert.Empty(t, a.group.Members())
	assert.False(t, a.group.IsMaster())

	require.NoError(t, b.group.Close())
	c := join(t, srv, "/g", "svc", "c")

	a.client.Resume()
	require.Eventually(t, func() bool {
		return rec.seen(Connected) && len(a.group.Members()) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{self, c.group.Self()}, paths(a.group.Members()))
	assert.Equal(t, self, a.group.Self())
	assert.True(t, a.group.IsMaster())
}

func TestGroup_SessionExpiryReregisters(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool { return a.group.IsMaster() && len(b.group.Members()) == 2 }, waitFor, tick)
	old := a.group.Self()

	a.client.Expire()
	require.Eventually(t, func() bool {
		return b.group.IsMaster() && len(b.group.Members()) == 1 && a.group.Self() == ""
	}, waitFor, tick)
	assert.False(t, a.group.Connected())

	a.client.Resume()
	require.Eventually(t, func() bool { return len(b.group.Members()) == 2 && len(a.group.Members()) == 2 }, waitFor, tick)
	assert.NotEqual(t, old, a.group.Self())
	assert.NotEmpty(t, a.group.Self())
	assert.True(t, b.group.IsMaster())
	assert.False(t, a.group.IsMaster())
}

func TestGroup_RecreatesNodeDeletedExternally(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	admin := srv.Connect()
	old := a.group.Self()

	require.NoError(t, admin.Delete(context.Background(), old, store.AnyVersion))

	require.Eventually(t, func() bool {
		self := a.group.Self()
		return self != "" && self != old && len(a.group.Members()) == 1
	}, waitFor, tick)
}

// conflictingClient fails the next Set with a version conflict once armed.
type conflictingClient struct {
	*memstore.Client
	armed atomic.Bool
}

func (c *conflictingClient) Set(ctx context.Context, p string, data []byte, version int32) (*store.Stat, error) {
	if c.armed.CompareAndSwap(true, false) {
		return nil, store.ErrBadVersion
	}
	return c.Client.Set(ctx, p, data, version)
}

func TestGroup_VersionConflictReplacesOwnNode(t *testing.T) {
	srv := memstore.NewServer()
	client := &conflictingClient{Client: srv.Connect()}
	g, err := New(client, "/g", codec.New())
	require.NoError(t, err)
	require.NoError(t, g.Start())
	t.Cleanup(func() {
		_ = g.Close()
		_ = client.Close()
	})
	require.NoError(t, g.Update(&codec.NodeState{Id: "svc", ContainerId: "a"}))
	require.Eventually(t, func() bool { return len(g.Members()) == 1 }, waitFor, tick)
	old := g.Self()

	client.armed.Store(true)
	require.NoError(t, g.Update(&codec.NodeState{Id: "svc", ContainerId: "a", Attributes: map[string]string{"k": "v"}}))

	require.Eventually(t, func() bool {
		members := g.Members()
		if len(members) != 1 || g.Self() == "" || g.Self() == old {
			return false
		}
		rec, ok := members[0].Record.(*codec.NodeState)
		return ok && rec.Attributes["k"] == "v"
	}, waitFor, tick)
	assert.False(t, client.armed.Load())
	assert.Equal(t, g.Self(), g.Members()[0].Path)
	assert.True(t, g.IsMaster())

	stat, err := srv.Connect().Exists(context.Background(), old, nil)
	require.NoError(t, err)
	assert.Nil(t, stat)
}

func TestGroup_WithdrawWhileSuspendedDeletesNodeOnReconnect(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool { return len(b.group.Members()) == 2 }, waitFor, tick)
	rec := &recorder{}
	a.group.AddListener(rec)
	old := a.group.Self()

	a.client.Suspend()
	require.Eventually(t, func() bool { return rec.seen(Disconnected) }, waitFor, tick)
	require.NoError(t, a.group.Update(nil))
	require.Eventually(t, func() bool { return a.group.Self() == "" }, waitFor, tick)

	a.client.Resume()
	admin := srv.Connect()
	require.Eventually(t, func() bool {
		stat, err := admin.Exists(context.Background(), old, nil)
		return err == nil && stat == nil && len(b.group.Members()) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return a.group.Connected() && len(a.group.Members()) == 1
	}, waitFor, tick)
	assert.True(t, b.group.IsMaster())
	assert.False(t, a.group.IsMaster())
	assert.Empty(t, a.group.Self())
	assert.Equal(t, []string{b.group.Self()}, paths(a.group.Members()))
}

func TestGroup_AdoptsNodeOfSameContainer(t *testing.T) {
	srv := memstore.NewServer()
	previous := srv.Connect()
	ctx := context.Background()
	require.NoError(t, store.EnsurePath(ctx, previous, "/g"))
	data, err := codec.New().Encode(&codec.NodeState{Id: "svc", ContainerId: "a"})
	require.NoError(t, err)
	orphan, err := previous.Create(ctx, "/g/member-", data, store.EphemeralSequential)
	require.NoError(t, err)

	m := join(t, srv, "/g", "svc", "a")

	assert.Equal(t, orphan, m.group.Self())
	assert.Equal(t, 0, m.client.Calls("create"))
	assert.True(t, m.group.IsMaster())
}

func TestGroup_PerLogicalIDElection(t *testing.T) {
	srv := memstore.NewServer()
	x1 := join(t, srv, "/g", "x", "c1", WithElection(PerLogicalID()))
	y1 := join(t, srv, "/g", "y", "c2", WithElection(PerLogicalID()))
	x2 := join(t, srv, "/g", "x", "c3", WithElection(PerLogicalID()))
	y2 := join(t, srv, "/g", "y", "c4", WithElection(PerLogicalID()))
	require.Eventually(t, func() bool { return len(y2.group.Members()) == 4 && len(x1.group.Members()) == 4 }, waitFor, tick)

	assert.True(t, x1.group.IsMaster())
	assert.True(t, y1.group.IsMaster())
	assert.False(t, x2.group.IsMaster())
	assert.False(t, y2.group.IsMaster())
	assert.ElementsMatch(t, []string{"x", "y"}, x1.group.LogicalIDs())

	assert.True(t, x1.group.IsMasterOf("x"))
	assert.False(t, x1.group.IsMasterOf("y"))
	master, ok := x2.group.MasterOf("y")
	require.True(t, ok)
	assert.Equal(t, y1.group.Self(), master.Path)
	assert.Equal(t, []string{y2.group.Self()}, paths(x2.group.SlavesOf("y")))
	_, ok = x2.group.MasterOf("z")
	assert.False(t, ok)

	master, ok = y2.group.Master()
	require.True(t, ok)
	assert.Equal(t, y1.group.Self(), master.Path)
	assert.Equal(t, []string{y2.group.Self()}, paths(y1.group.Slaves()))
}

func TestGroup_IgnoresUndecodableNodes(t *testing.T) {
	srv := memstore.NewServer()
	admin := srv.Connect()
	ctx := context.Background()
	require.NoError(t, store.EnsurePath(ctx, admin, "/g"))
	_, err := admin.Create(ctx, "/g/member-", []byte("{not json"), store.PersistentSequential)
	require.NoError(t, err)

	m := join(t, srv, "/g", "svc", "a")
	require.Eventually(t, func() bool { return len(m.group.Members()) == 1 }, waitFor, tick)
	assert.True(t, m.group.IsMaster())
	assert.Equal(t, []string{m.group.Self()}, paths(m.group.Members()))
}

func TestGroup_UndecodableNodeIsNotFetchedAgain(t *testing.T) {
	srv := memstore.NewServer()
	admin := srv.Connect()
	ctx := context.Background()
	require.NoError(t, store.EnsurePath(ctx, admin, "/g"))
	_, err := admin.Create(ctx, "/g/member-", []byte("{not json"), store.PersistentSequential)
	require.NoError(t, err)

	a := join(t, srv, "/g", "svc", "a")
	require.Eventually(t, func() bool { return len(a.group.Members()) == 1 }, waitFor, tick)
	gets := a.client.Calls("get")

	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool { return len(a.group.Members()) == 2 }, waitFor, tick)
	assert.Equal(t, gets+1, a.client.Calls("get"))
	assert.Equal(t, []string{a.group.Self(), b.group.Self()}, paths(a.group.Members()))
}

func TestGroup_ReconnectDoesNotStackDataWatches(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	b := join(t, srv, "/g", "svc", "b")
	require.Eventually(t, func() bool {
		return len(a.group.Members()) == 2 && len(b.group.Members()) == 2
	}, waitFor, tick)
	rec := &recorder{}
	a.group.AddListener(rec)
	before := map[string]int{
		a.group.Self(): srv.DataWatches(a.group.Self()),
		b.group.Self(): srv.DataWatches(b.group.Self()),
	}

	a.client.Suspend()
	require.Eventually(t, func() bool { return rec.seen(Disconnected) }, waitFor, tick)
	a.client.Resume()
	require.Eventually(t, func() bool {
		return rec.seen(Connected) && len(a.group.Members()) == 2
	}, waitFor, tick)

	for p, n := range before {
		assert.Equal(t, n, srv.DataWatches(p), p)
	}
}

func TestGroup_EmptyViewAccessors(t *testing.T) {
	srv := memstore.NewServer()
	g, err := New(srv.Connect(), "/g", codec.New())
	require.NoError(t, err)

	assert.NotNil(t, g.LogicalIDs())
	assert.Empty(t, g.LogicalIDs())
	assert.NotNil(t, g.Members())
	assert.NotNil(t, g.Slaves())
}

func TestGroup_ListenersObserveLifecycle(t *testing.T) {
	srv := memstore.NewServer()
	client := srv.Connect()
	g, err := New(client, "/g", codec.New())
	require.NoError(t, err)
	rec := &recorder{}
	removed := &recorder{}
	g.AddListener(rec)
	remove := g.AddListener(removed)
	remove()
	g.AddListener(ListenerFunc(func(*Group, EventKind) { panic("boom") }))

	require.NoError(t, g.Start())
	require.NoError(t, g.Start())
	require.NoError(t, g.Update(&codec.NodeState{Id: "svc", ContainerId: "a"}))

	require.Eventually(t, func() bool { return rec.seen(Connected) && rec.seen(Changed) }, waitFor, tick)
	assert.Empty(t, removed.events)
	require.NoError(t, g.Close())
}

func TestGroup_CloseRemovesNodeAndRejectsUpdates(t *testing.T) {
	srv := memstore.NewServer()
	a := join(t, srv, "/g", "svc", "a")
	admin := srv.Connect()
	self := a.group.Self()

	require.NoError(t, a.group.Close())
	require.NoError(t, a.group.Close())

	stat, err := admin.Exists(context.Background(), self, nil)
	require.NoError(t, err)
	assert.Nil(t, stat)
	assert.ErrorIs(t, a.group.Update(a.record), ErrClosed)
	assert.ErrorIs(t, a.group.Start(), ErrClosed)
	assert.Empty(t, a.group.Members())
}

func TestGroup_UpdateRejectsUnencodableRecord(t *testing.T) {
	srv := memstore.NewServer()
	g, err := New(srv.Connect(), "/g", codec.New())
	require.NoError(t, err)
	assert.ErrorIs(t, g.Update(&unknownRecord{}), codec.ErrUnknownKind)
}

type unknownRecord struct{}

func (unknownRecord) Kind() string      { return "unknown" }
func (unknownRecord) ID() string        { return "" }
func (unknownRecord) Container() string { return "" }
