// Package factory hands the engines a store connection, either one supplied by the hosting process
// or one built from configuration.
package factory

import (
	"fmt"

	"github.com/Meesho/BharatMLStack/group-coordinator/internal/config"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/etcd"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store/memstore"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/zookeeper"
	"github.com/rs/zerolog/log"
)

// Handle owns the store it built; a supplied store is never closed by the handle.
type Handle struct {
	store store.Store
	owned bool
}

type Option func(*options)

type options struct {
	supplied store.Store
}

// WithSupplied makes New return s instead of connecting.
func WithSupplied(s store.Store) Option {
	return func(o *options) {
		o.supplied = s
	}
}

func New(cfg config.StoreConfig, opts ...Option) (*Handle, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.supplied != nil {
		log.Info().Msg("using supplied coordination store")
		return &Handle{store: o.supplied}, nil
	}
	s, err := build(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("connected %s coordination store", cfg.Type)
	return &Handle{store: s, owned: true}, nil
}

func build(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreZookeeper:
		c, err := zookeeper.Connect(zookeeper.Config{
			Servers:        cfg.Servers,
			SessionTimeout: cfg.SessionTimeout,
			Username:       cfg.Username,
			Password:       cfg.Password,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.StoreEtcd:
		c, err := etcd.Connect(etcd.Config{
			Endpoints:      cfg.Servers,
			Username:       cfg.Username,
			Password:       cfg.Password,
			SessionTimeout: cfg.SessionTimeout,
			Prefix:         cfg.Root,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.StoreMemory:
		return memstore.NewServer().Connect(), nil
	default:
		return nil, fmt.Errorf("unknown coordination store type %q", cfg.Type)
	}
}

func (h *Handle) Store() store.Store {
	return h.store
}

func (h *Handle) Owned() bool {
	return h.owned
}

func (h *Handle) Close() error {
	if !h.owned {
		return nil
	}
	return h.store.Close()
}
