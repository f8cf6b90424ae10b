// Package memstore is an in-process coordination store with ZooKeeper semantics: sessions,
// ephemeral and sequential nodes, one-shot watches and connection-state notifications. Many
// clients can share one Server, each with its own session.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
)

type node struct {
	data     []byte
	stat     store.Stat
	children map[string]struct{}
	seq      int64
}

type watchReg struct {
	session int64
	w       store.Watcher
}

type pendingEvent struct {
	w  store.Watcher
	ev store.Event
}

// Server holds the shared tree.
type Server struct {
	mu           sync.Mutex
	nodes        map[string]*node
	zxid         int64
	dataWatches  map[string][]watchReg
	childWatches map[string][]watchReg
	sessions     map[int64]*Client
	nextSession  int64
}

func NewServer() *Server {
	s := &Server{
		nodes:        make(map[string]*node),
		dataWatches:  make(map[string][]watchReg),
		childWatches: make(map[string][]watchReg),
		sessions:     make(map[int64]*Client),
	}
	s.nodes["/"] = &node{children: make(map[string]struct{})}
	return s
}

// DataWatches counts the data watches registered on p across all sessions.
func (s *Server) DataWatches(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dataWatches[p])
}

func (s *Server) newSessionLocked(c *Client) int64 {
	s.nextSession++
	s.sessions[s.nextSession] = c
	return s.nextSession
}

func (s *Server) nextZxidLocked() int64 {
	s.zxid++
	return s.zxid
}

// deliverable reports whether a watch registered by session can fire now. Watches of suspended
// clients stay registered until the client is back.
func (s *Server) deliverableLocked(session int64) (bool, bool) {
	c, ok := s.sessions[session]
	if !ok {
		return false, false
	}
	return c.isConnected(), true
}

func (s *Server) triggerLocked(table map[string][]watchReg, path string, ev store.Event, out []pendingEvent) []pendingEvent {
	regs := table[path]
	if len(regs) == 0 {
		return out
	}
	var kept []watchReg
	for _, r := range regs {
		fire, alive := s.deliverableLocked(r.session)
		if !alive {
			continue
		}
		if !fire {
			kept = append(kept, r)
			continue
		}
		out = append(out, pendingEvent{w: r.w, ev: ev})
	}
	if len(kept) == 0 {
		delete(table, path)
	} else {
		table[path] = kept
	}
	return out
}

func fire(events []pendingEvent) {
	for _, e := range events {
		e.w(e.ev)
	}
}

func (s *Server) dropSessionLocked(session int64) []pendingEvent {
	var events []pendingEvent
	var owned []string
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == session {
			owned = append(owned, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(owned)))
	for _, p := range owned {
		events = s.deleteLocked(p, events)
	}
	for _, table := range []map[string][]watchReg{s.dataWatches, s.childWatches} {
		for p, regs := range table {
			var kept []watchReg
			for _, r := range regs {
				if r.session != session {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(table, p)
			} else {
				table[p] = kept
			}
		}
	}
	delete(s.sessions, session)
	return events
}

func (s *Server) deleteLocked(p string, events []pendingEvent) []pendingEvent {
	if _, ok := s.nodes[p]; !ok {
		return events
	}
	delete(s.nodes, p)
	parentPath := store.Parent(p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, store.Name(p))
		parent.stat.Cversion++
		parent.stat.NumChildren = int32(len(parent.children))
		parent.stat.Pzxid = s.nextZxidLocked()
	}
	events = s.triggerLocked(s.dataWatches, p, store.Event{Type: store.EventNodeDeleted, Path: p}, events)
	events = s.triggerLocked(s.childWatches, p, store.Event{Type: store.EventNodeDeleted, Path: p}, events)
	events = s.triggerLocked(s.childWatches, parentPath, store.Event{Type: store.EventNodeChildrenChanged, Path: parentPath}, events)
	return events
}

// Client is one session against a Server. It implements store.Store.
type Client struct {
	srv *Server

	mu        sync.Mutex
	session   int64
	state     store.ConnState
	closed    bool
	listeners map[int]store.ConnectionListener
	nextL     int
	calls     map[string]int
}

var _ store.Store = (*Client)(nil)

// Connect opens a new session.
func (s *Server) Connect() *Client {
	c := &Client{
		srv:       s,
		state:     store.StateConnected,
		listeners: make(map[int]store.ConnectionListener),
		calls:     make(map[string]int),
	}
	s.mu.Lock()
	c.session = s.newSessionLocked(c)
	s.mu.Unlock()
	return c
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.state.IsConnected()
}

// begin counts the call and returns the session it runs under.
func (c *Client) begin(ctx context.Context, op string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if c.closed {
		return 0, store.ErrClosed
	}
	if !c.state.IsConnected() {
		return 0, store.ErrConnectionLoss
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.session, nil
}

// Calls returns how many times op ("create", "delete", "exists", "get", "set", "children") was
// invoked on this client.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *Client) Session() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.CreateMode) (string, error) {
	session, err := c.begin(ctx, "create")
	if err != nil {
		return "", err
	}
	if err := store.ValidatePath(p); err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	parentPath := store.Parent(p)
	parent, ok := s.nodes[parentPath]
	if !ok {
		s.mu.Unlock()
		return "", store.ErrNoNode
	}
	created := p
	if mode.IsSequential() {
		created = p + store.FormatSequence(parent.seq)
		parent.seq++
	}
	if _, exists := s.nodes[created]; exists {
		s.mu.Unlock()
		return "", store.ErrNodeExists
	}
	zxid := s.nextZxidLocked()
	now := time.Now().UnixMilli()
	n := &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		stat:     store.Stat{Czxid: zxid, Mzxid: zxid, Pzxid: zxid, Ctime: now, Mtime: now, DataLength: int32(len(data))},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = session
	}
	s.nodes[created] = n
	parent.children[store.Name(created)] = struct{}{}
	parent.stat.Cversion++
	parent.stat.NumChildren = int32(len(parent.children))
	parent.stat.Pzxid = zxid

	var events []pendingEvent
	events = s.triggerLocked(s.dataWatches, created, store.Event{Type: store.EventNodeCreated, Path: created}, events)
	events = s.triggerLocked(s.childWatches, parentPath, store.Event{Type: store.EventNodeChildrenChanged, Path: parentPath}, events)
	s.mu.Unlock()
	fire(events)
	return created, nil
}

func (c *Client) Delete(ctx context.Context, p string, version int32) error {
	if _, err := c.begin(ctx, "delete"); err != nil {
		return err
	}
	if p == "/" {
		return store.ErrInvalidPath
	}
	s := c.srv
	s.mu.Lock()
	n, ok := s.nodes[p]
	if !ok {
		s.mu.Unlock()
		return store.ErrNoNode
	}
	if version != store.AnyVersion && version != n.stat.Version {
		s.mu.Unlock()
		return store.ErrBadVersion
	}
	if len(n.children) > 0 {
		s.mu.Unlock()
		return store.ErrNotEmpty
	}
	events := s.deleteLocked(p, nil)
	s.mu.Unlock()
	fire(events)
	return nil
}

func (c *Client) Exists(ctx context.Context, p string, w store.Watcher) (*store.Stat, error) {
	session, err := c.begin(ctx, "exists")
	if err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if w != nil {
		s.dataWatches[p] = append(s.dataWatches[p], watchReg{session: session, w: w})
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil
	}
	stat := n.stat
	return &stat, nil
}

func (c *Client) Get(ctx context.Context, p string, w store.Watcher) ([]byte, *store.Stat, error) {
	session, err := c.begin(ctx, "get")
	if err != nil {
		return nil, nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, store.ErrNoNode
	}
	if w != nil {
		s.dataWatches[p] = append(s.dataWatches[p], watchReg{session: session, w: w})
	}
	stat := n.stat
	return append([]byte(nil), n.data...), &stat, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int32) (*store.Stat, error) {
	if _, err := c.begin(ctx, "set"); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	n, ok := s.nodes[p]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNoNode
	}
	if version != store.AnyVersion && version != n.stat.Version {
		s.mu.Unlock()
		return nil, store.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mzxid = s.nextZxidLocked()
	n.stat.Mtime = time.Now().UnixMilli()
	n.stat.DataLength = int32(len(data))
	stat := n.stat
	events := s.triggerLocked(s.dataWatches, p, store.Event{Type: store.EventNodeDataChanged, Path: p}, nil)
	s.mu.Unlock()
	fire(events)
	return &stat, nil
}

func (c *Client) Children(ctx context.Context, p string, w store.Watcher) ([]string, error) {
	session, err := c.begin(ctx, "children")
	if err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, store.ErrNoNode
	}
	if w != nil {
		s.childWatches[p] = append(s.childWatches[p], watchReg{session: session, w: w})
	}
	children := make([]string, 0, len(n.children))
	for name := range n.children {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (c *Client) AddConnectionListener(l store.ConnectionListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) Connected() bool {
	return c.isConnected()
}

func (c *Client) setState(state store.ConnState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	listeners := make([]store.ConnectionListener, 0, len(c.listeners))
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
}

// Suspend simulates a dropped connection that keeps its session.
func (c *Client) Suspend() {
	c.setState(store.StateSuspended)
}

// Expire ends the session: its ephemeral nodes and watches are removed and listeners see Lost.
func (c *Client) Expire() {
	s := c.srv
	s.mu.Lock()
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	c.setStateQuiet(store.StateLost)
	events := s.dropSessionLocked(session)
	s.mu.Unlock()
	fire(events)
	c.setState(store.StateLost)
}

func (c *Client) setStateQuiet(state store.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Resume reconnects the client, with a new session when the previous one expired.
func (c *Client) Resume() {
	s := c.srv
	s.mu.Lock()
	c.mu.Lock()
	if _, alive := s.sessions[c.session]; !alive {
		c.session = s.newSessionLocked(c)
	}
	c.mu.Unlock()
	s.mu.Unlock()
	c.setState(store.StateReconnected)
}

// Close ends the session and removes its ephemeral nodes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	s := c.srv
	s.mu.Lock()
	events := s.dropSessionLocked(session)
	s.mu.Unlock()
	fire(events)
	return nil
}
