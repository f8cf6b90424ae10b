package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []store.Event
	states []store.ConnState
}

func (r *recorder) watch(ev store.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) conn(s store.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) Events() []store.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Event(nil), r.events...)
}

func TestCreateGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewServer().Connect()

	_, err := c.Create(ctx, "/a/b", nil, store.Persistent)
	assert.ErrorIs(t, err, store.ErrNoNode)

	p, err := c.Create(ctx, "/a", []byte("one"), store.Persistent)
	require.NoError(t, err)
	assert.Equal(t, "/a", p)

	_, err = c.Create(ctx, "/a", nil, store.Persistent)
	assert.ErrorIs(t, err, store.ErrNodeExists)

	data, stat, err := c.Get(ctx, "/a", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	assert.Equal(t, int32(0), stat.Version)

	_, err = c.Set(ctx, "/a", []byte("two"), 5)
	assert.ErrorIs(t, err, store.ErrBadVersion)
	stat2, err := c.Set(ctx, "/a", []byte("two"), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stat2.Version)
	assert.Greater(t, stat2.Mzxid, stat.Mzxid)

	_, err = c.Create(ctx, "/a/child", nil, store.Persistent)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Delete(ctx, "/a", store.AnyVersion), store.ErrNotEmpty)
	require.NoError(t, c.Delete(ctx, "/a/child", store.AnyVersion))
	assert.ErrorIs(t, c.Delete(ctx, "/a", 0), store.ErrBadVersion)
	require.NoError(t, c.Delete(ctx, "/a", 1))

	stat, err = c.Exists(ctx, "/a", nil)
	require.NoError(t, err)
	assert.Nil(t, stat)

	assert.Equal(t, 4, c.Calls("create"))
	assert.Equal(t, 2, c.Calls("set"))
}

func TestSequentialNamesAreOrdered(t *testing.T) {
	ctx := context.Background()
	c := NewServer().Connect()
	require.NoError(t, store.EnsurePath(ctx, c, "/g"))

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := c.Create(ctx, "/g/member-", nil, store.EphemeralSequential)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"/g/member-0000000000", "/g/member-0000000001", "/g/member-0000000002"}, paths)

	children, err := c.Children(ctx, "/g", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"member-0000000000", "member-0000000001", "member-0000000002"}, children)
}

func TestWatchesAreOneShot(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	c := srv.Connect()
	other := srv.Connect()
	require.NoError(t, store.EnsurePath(ctx, c, "/g"))

	rec := &recorder{}
	_, err := c.Children(ctx, "/g", rec.watch)
	require.NoError(t, err)

	_, err = other.Create(ctx, "/g/x", []byte("1"), store.Persistent)
	require.NoError(t, err)
	_, err = other.Create(ctx, "/g/y", []byte("1"), store.Persistent)
	require.NoError(t, err)
	assert.Equal(t, []store.Event{{Type: store.EventNodeChildrenChanged, Path: "/g"}}, rec.Events())

	_, _, err = c.Get(ctx, "/g/x", rec.watch)
	require.NoError(t, err)
	_, err = other.Set(ctx, "/g/x", []byte("2"), store.AnyVersion)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "/g/x", rec.watch)
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, "/g/x", store.AnyVersion))

	assert.Equal(t, []store.Event{
		{Type: store.EventNodeChildrenChanged, Path: "/g"},
		{Type: store.EventNodeDataChanged, Path: "/g/x"},
		{Type: store.EventNodeDeleted, Path: "/g/x"},
	}, rec.Events())
}

func TestExistsWatchFiresOnCreate(t *testing.T) {
	ctx := context.Background()
	c := NewServer().Connect()
	rec := &recorder{}
	stat, err := c.Exists(ctx, "/later", rec.watch)
	require.NoError(t, err)
	assert.Nil(t, stat)

	_, err = c.Create(ctx, "/later", nil, store.Persistent)
	require.NoError(t, err)
	assert.Equal(t, []store.Event{{Type: store.EventNodeCreated, Path: "/later"}}, rec.Events())
}

func TestSuspendAndExpire(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	c := srv.Connect()
	observer := srv.Connect()
	require.NoError(t, store.EnsurePath(ctx, c, "/g"))
	eph, err := c.Create(ctx, "/g/member-", nil, store.EphemeralSequential)
	require.NoError(t, err)

	rec := &recorder{}
	remove := c.AddConnectionListener(rec.conn)
	defer remove()

	c.Suspend()
	assert.False(t, c.Connected())
	_, err = c.Children(ctx, "/g", nil)
	assert.ErrorIs(t, err, store.ErrConnectionLoss)

	c.Resume()
	assert.True(t, c.Connected())
	stat, err := observer.Exists(ctx, eph, nil)
	require.NoError(t, err)
	assert.NotNil(t, stat, "suspension keeps the session and its ephemeral nodes")

	session := c.Session()
	c.Expire()
	stat, err = observer.Exists(ctx, eph, nil)
	require.NoError(t, err)
	assert.Nil(t, stat, "expiry removes ephemeral nodes")

	c.Resume()
	assert.NotEqual(t, session, c.Session())
	assert.Equal(t, []store.ConnState{store.StateSuspended, store.StateReconnected, store.StateLost, store.StateReconnected}, rec.states)
}

func TestCloseRemovesEphemeralsAndNotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	c := srv.Connect()
	observer := srv.Connect()
	require.NoError(t, store.EnsurePath(ctx, c, "/g"))
	_, err := c.Create(ctx, "/g/member-", nil, store.EphemeralSequential)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = observer.Children(ctx, "/g", rec.watch)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	children, err := observer.Children(ctx, "/g", nil)
	require.NoError(t, err)
	assert.Empty(t, children)
	assert.Equal(t, []store.Event{{Type: store.EventNodeChildrenChanged, Path: "/g"}}, rec.Events())

	_, err = c.Children(ctx, "/g", nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestDataWatchesAreOneShot(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	c := srv.Connect()
	_, err := c.Create(ctx, "/n", []byte("1"), store.Persistent)
	require.NoError(t, err)
	rec := &recorder{}

	_, _, err = c.Get(ctx, "/n", rec.watch)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "/n", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.DataWatches("/n"))

	_, err = c.Set(ctx, "/n", []byte("2"), store.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, 0, srv.DataWatches("/n"))
	assert.Len(t, rec.Events(), 1)
}
