// Package zookeeper implements store.Store on top of github.com/go-zookeeper/zk.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/logger"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSessionTimeout = 15 * time.Second
	digestScheme          = "digest"
)

type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	Username       string
	Password       string
}

// Client is a store.Store backed by one ZooKeeper session. Watches and connection changes are
// delivered on goroutines owned by the client.
type Client struct {
	conn      *zk.Conn
	acl       []zk.ACL
	listeners *ds.Registry[store.ConnectionListener]

	mu      sync.Mutex
	machine stateMachine

	done      chan struct{}
	closeOnce sync.Once
}

var _ store.Store = (*Client)(nil)

func Connect(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zookeeper: no servers configured")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(logger.Printf{Component: "zookeeper"}))
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper %v: %w", cfg.Servers, err)
	}
	if cfg.Username != "" {
		if err := conn.AddAuth(digestScheme, []byte(cfg.Username+":"+cfg.Password)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticating to zookeeper: %w", err)
		}
	}
	c := &Client{
		conn:      conn,
		acl:       zk.WorldACL(zk.PermAll),
		listeners: ds.NewRegistry[store.ConnectionListener](),
		done:      make(chan struct{}),
	}
	go c.watchSession(events)
	log.Info().Msgf("zookeeper client connecting to %v", cfg.Servers)
	return c, nil
}

func (c *Client) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			c.mu.Lock()
			state, changed := c.machine.next(ev.State)
			c.mu.Unlock()
			if !changed {
				continue
			}
			log.Info().Msgf("zookeeper session %s (%s)", state, ev.State)
			metric.Incr(metric.ConnectionState, metric.BuildTag(
				metric.NewTag(metric.TagStore, "zookeeper"),
				metric.NewTag(metric.TagState, state.String()),
			))
			for _, l := range c.listeners.Snapshot() {
				l(state)
			}
		}
	}
}

func (c *Client) AddConnectionListener(l store.ConnectionListener) func() {
	return c.listeners.Add(l)
}

func (c *Client) Connected() bool {
	return c.conn.State() == zk.StateHasSession
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.conn.Create(p, data, createFlags(mode), c.acl)
	if err != nil {
		return "", translate(err)
	}
	return created, nil
}

func (c *Client) Delete(ctx context.Context, p string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.conn.Delete(p, version))
}

func (c *Client) Exists(ctx context.Context, p string, w store.Watcher) (*store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		ok   bool
		stat *zk.Stat
		err  error
	)
	if w == nil {
		ok, stat, err = c.conn.Exists(p)
	} else {
		var ch <-chan zk.Event
		ok, stat, ch, err = c.conn.ExistsW(p)
		if err == nil {
			c.forward(ch, w)
		}
	}
	if err != nil {
		return nil, translate(err)
	}
	if !ok {
		return nil, nil
	}
	s := toStat(stat)
	return &s, nil
}

func (c *Client) Get(ctx context.Context, p string, w store.Watcher) ([]byte, *store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var (
		data []byte
		stat *zk.Stat
		err  error
	)
	if w == nil {
		data, stat, err = c.conn.Get(p)
	} else {
		var ch <-chan zk.Event
		data, stat, ch, err = c.conn.GetW(p)
		if err == nil {
			c.forward(ch, w)
		}
	}
	if err != nil {
		return nil, nil, translate(err)
	}
	s := toStat(stat)
	return data, &s, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int32) (*store.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stat, err := c.conn.Set(p, data, version)
	if err != nil {
		return nil, translate(err)
	}
	s := toStat(stat)
	return &s, nil
}

func (c *Client) Children(ctx context.Context, p string, w store.Watcher) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		children []string
		err      error
	)
	if w == nil {
		children, _, err = c.conn.Children(p)
	} else {
		var ch <-chan zk.Event
		children, _, ch, err = c.conn.ChildrenW(p)
		if err == nil {
			c.forward(ch, w)
		}
	}
	if err != nil {
		return nil, translate(err)
	}
	return children, nil
}

// forward delivers the single event of a one-shot zk watch to w.
func (c *Client) forward(ch <-chan zk.Event, w store.Watcher) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Msgf("zookeeper watcher panicked: %v", r)
			}
		}()
		select {
		case <-c.done:
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if t, known := eventType(ev.Type); known {
				w(store.Event{Type: t, Path: ev.Path})
			}
		}
	}()
}
