// Package etcd implements store.Store on etcd v3. A lease stands in for the ZooKeeper session:
// ephemeral nodes are attached to it and its loss is reported as StateLost.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix         = "/coordinator"
	DefaultSessionTimeout = 15 * time.Second
	dialTimeout           = 5 * time.Second
	regrantBackoff        = time.Second
)

type Config struct {
	Endpoints      []string
	Username       string
	Password       string
	SessionTimeout time.Duration
	Prefix         string
}

type Client struct {
	cli       *clientv3.Client
	keys      keyspace
	ttl       int64
	listeners *ds.Registry[store.ConnectionListener]

	lease     atomic.Int64
	connected atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Store = (*Client)(nil)

func Connect(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:           cfg.Endpoints,
		Username:            cfg.Username,
		Password:            cfg.Password,
		DialTimeout:         dialTimeout,
		DialKeepAliveTime:   dialTimeout,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %w", err)
	}
	ttl := int64(cfg.SessionTimeout / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:       cli,
		keys:      newKeyspace(cfg.Prefix),
		ttl:       ttl,
		listeners: ds.NewRegistry[store.ConnectionListener](),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := c.grant(); err != nil {
		cancel()
		_ = cli.Close()
		return nil, err
	}
	c.connected.Store(true)
	c.wg.Add(1)
	go c.keepAlive()
	log.Info().Msgf("etcd client connected to %v with lease %x", cfg.Endpoints, c.lease.Load())
	return c, nil
}

func (c *Client) grant() error {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	resp, err := c.cli.Grant(ctx, c.ttl)
	if err != nil {
		return fmt.Errorf("granting etcd lease: %w", err)
	}
	c.lease.Store(int64(resp.ID))
	return nil
}

// keepAlive refreshes the lease until it is lost, then reports StateLost and replaces it.
func (c *Client) keepAlive() {
	defer c.wg.Done()
	for {
		id := clientv3.LeaseID(c.lease.Load())
		ch, err := c.cli.KeepAlive(c.ctx, id)
		if err == nil {
			for range ch {
			}
		}
		if c.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msgf("etcd lease %x lost", int64(id))
		c.connected.Store(false)
		c.notify(store.StateLost)

		revokeCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
		if _, err := c.cli.Revoke(revokeCtx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			log.Debug().Err(err).Msgf("revoking etcd lease %x", int64(id))
		}
		cancel()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(regrantBackoff):
			}
			if err := c.grant(); err != nil {
				log.Error().Err(err).Msg("re-establishing etcd session")
				continue
			}
			break
		}
		c.connected.Store(true)
		c.notify(store.StateReconnected)
	}
}

func (c *Client) notify(state store.ConnState) {
	metric.Incr(metric.ConnectionState, metric.BuildTag(
		metric.NewTag(metric.TagStore, "etcd"),
		metric.NewTag(metric.TagState, state.String()),
	))
	for _, l := range c.listeners.Snapshot() {
		l(state)
	}
}

func (c *Client) AddConnectionListener(l store.ConnectionListener) func() {
	return c.listeners.Add(l)
}

func (c *Client) Connected() bool {
	return c.connected.Load() && c.ctx.Err() == nil
}

// Close revokes the lease, which removes every ephemeral node of this client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.connected.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if _, rerr := c.cli.Revoke(ctx, clientv3.LeaseID(c.lease.Load())); rerr != nil && !errors.Is(rerr, rpctypes.ErrLeaseNotFound) {
			log.Warn().Err(rerr).Msg("revoking etcd lease on close")
		}
		err = c.cli.Close()
	})
	return err
}

func (c *Client) check(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return store.ErrClosed
	}
	return ctx.Err()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: session lease expired: %w", store.ErrConnectionLoss, err)
	default:
		return fmt.Errorf("%w: %w", store.ErrConnectionLoss, err)
	}
}
