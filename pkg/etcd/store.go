package etcd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const maxAttempts = 32

var errContention = fmt.Errorf("%w: too many concurrent modifications", store.ErrConnectionLoss)

func (c *Client) parentExists(parent string) []clientv3.Cmp {
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(c.keys.node(parent)), ">", 0)}
}

// createFailure explains a failed create transaction.
func (c *Client) createFailure(ctx context.Context, parent string) error {
	if parent == "/" {
		return store.ErrNodeExists
	}
	resp, err := c.cli.Get(ctx, c.keys.node(parent), clientv3.WithCountOnly())
	if err != nil {
		return translate(err)
	}
	if resp.Count == 0 {
		return store.ErrNoNode
	}
	return store.ErrNodeExists
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.CreateMode) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := store.ValidatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", store.ErrNodeExists
	}
	parent := store.Parent(p)
	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(clientv3.LeaseID(c.lease.Load())))
	}

	if !mode.IsSequential() {
		cmps := append(c.parentExists(parent), clientv3.Compare(clientv3.CreateRevision(c.keys.node(p)), "=", 0))
		resp, err := c.cli.Txn(ctx).If(cmps...).Then(clientv3.OpPut(c.keys.node(p), string(data), putOpts...)).Commit()
		if err != nil {
			return "", translate(err)
		}
		if !resp.Succeeded {
			return "", c.createFailure(ctx, parent)
		}
		return p, nil
	}

	seqKey := c.keys.sequence(parent)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.cli.Get(ctx, seqKey)
		if err != nil {
			return "", translate(err)
		}
		var next, rev int64
		if len(resp.Kvs) > 0 {
			next = parseCounter(resp.Kvs[0].Value)
			rev = resp.Kvs[0].ModRevision
		}
		created := p + store.FormatSequence(next)
		counterUnchanged := clientv3.Compare(clientv3.ModRevision(seqKey), "=", rev)
		cmps := append(c.parentExists(parent), counterUnchanged, clientv3.Compare(clientv3.CreateRevision(c.keys.node(created)), "=", 0))
		txn, err := c.cli.Txn(ctx).If(cmps...).Then(
			clientv3.OpPut(seqKey, strconv.FormatInt(next+1, 10)),
			clientv3.OpPut(c.keys.node(created), string(data), putOpts...),
		).Commit()
		if err != nil {
			return "", translate(err)
		}
		if txn.Succeeded {
			return created, nil
		}
		if err := c.createFailure(ctx, parent); !errors.Is(err, store.ErrNodeExists) {
			return "", err
		}
		// The name is taken by a node created without the counter; move the counter past it.
		if _, err := c.cli.Txn(ctx).If(counterUnchanged).Then(clientv3.OpPut(seqKey, strconv.FormatInt(next+1, 10))).Commit(); err != nil {
			return "", translate(err)
		}
	}
	return "", errContention
}

func (c *Client) Delete(ctx context.Context, p string, version int32) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if p == "/" {
		return store.ErrInvalidPath
	}
	key := c.keys.node(p)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.cli.Get(ctx, key)
		if err != nil {
			return translate(err)
		}
		if len(resp.Kvs) == 0 {
			return store.ErrNoNode
		}
		kv := resp.Kvs[0]
		if version != store.AnyVersion && toStat(kv).Version != version {
			return store.ErrBadVersion
		}
		kids, err := c.cli.Get(ctx, c.keys.children(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return translate(err)
		}
		if kids.Count > 0 {
			return store.ErrNotEmpty
		}
		txn, err := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(key), clientv3.OpDelete(c.keys.sequence(p))).
			Commit()
		if err != nil {
			return translate(err)
		}
		if txn.Succeeded {
			return nil
		}
		if version != store.AnyVersion {
			return store.ErrBadVersion
		}
	}
	return errContention
}

func (c *Client) Exists(ctx context.Context, p string, w store.Watcher) (*store.Stat, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if p == "/" {
		return &store.Stat{}, nil
	}
	key := c.keys.node(p)
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, translate(err)
	}
	if w != nil {
		c.watchOnce(key, resp.Header.Revision+1, false, w, dataEvent(p),
			store.Event{Type: store.EventNodeDataChanged, Path: p})
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	stat := toStat(resp.Kvs[0])
	return &stat, nil
}

func (c *Client) Get(ctx context.Context, p string, w store.Watcher) ([]byte, *store.Stat, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, err
	}
	if p == "/" {
		return nil, &store.Stat{}, nil
	}
	key := c.keys.node(p)
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, nil, translate(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, store.ErrNoNode
	}
	if w != nil {
		c.watchOnce(key, resp.Header.Revision+1, false, w, dataEvent(p),
			store.Event{Type: store.EventNodeDataChanged, Path: p})
	}
	kv := resp.Kvs[0]
	stat := toStat(kv)
	return kv.Value, &stat, nil
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int32) (*store.Stat, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, store.ErrInvalidPath
	}
	key := c.keys.node(p)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.cli.Get(ctx, key)
		if err != nil {
			return nil, translate(err)
		}
		if len(resp.Kvs) == 0 {
			return nil, store.ErrNoNode
		}
		kv := resp.Kvs[0]
		if version != store.AnyVersion && toStat(kv).Version != version {
			return nil, store.ErrBadVersion
		}
		txn, err := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return nil, translate(err)
		}
		if txn.Succeeded {
			stat := toStat(&mvccpb.KeyValue{
				CreateRevision: kv.CreateRevision,
				ModRevision:    txn.Header.Revision,
				Version:        kv.Version + 1,
				Value:          data,
				Lease:          kv.Lease,
			})
			return &stat, nil
		}
		if version != store.AnyVersion {
			return nil, store.ErrBadVersion
		}
	}
	return nil, errContention
}

func (c *Client) Children(ctx context.Context, p string, w store.Watcher) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if p != "/" {
		resp, err := c.cli.Get(ctx, c.keys.node(p), clientv3.WithCountOnly())
		if err != nil {
			return nil, translate(err)
		}
		if resp.Count == 0 {
			return nil, store.ErrNoNode
		}
	}
	prefix := c.keys.children(p)
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, translate(err)
	}
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name, ok := c.keys.childName(p, string(kv.Key)); ok {
			children = append(children, name)
		}
	}
	sort.Strings(children)
	if w != nil {
		c.watchOnce(prefix, resp.Header.Revision+1, true, w, c.keys.childEvent(p),
			store.Event{Type: store.EventNodeChildrenChanged, Path: p})
	}
	return children, nil
}

// watchOnce delivers the first matching event after rev and stops watching. When the watch
// breaks, fallback is delivered so the caller re-reads.
func (c *Client) watchOnce(key string, rev int64, prefix bool, w store.Watcher, match func(*clientv3.Event) (store.Event, bool), fallback store.Event) {
	ctx, cancel := context.WithCancel(c.ctx)
	opts := []clientv3.OpOption{clientv3.WithRev(rev)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	ch := c.cli.Watch(clientv3.WithRequireLeader(ctx), key, opts...)
	go func() {
		defer cancel()
		for resp := range ch {
			if err := resp.Err(); err != nil {
				log.Warn().Err(err).Msgf("etcd watch on %s broke", key)
				w(fallback)
				return
			}
			for _, ev := range resp.Events {
				if e, ok := match(ev); ok {
					w(e)
					return
				}
			}
		}
	}()
}

func dataEvent(p string) func(*clientv3.Event) (store.Event, bool) {
	return func(ev *clientv3.Event) (store.Event, bool) {
		switch {
		case ev.Type == mvccpb.DELETE:
			return store.Event{Type: store.EventNodeDeleted, Path: p}, true
		case ev.IsCreate():
			return store.Event{Type: store.EventNodeCreated, Path: p}, true
		case ev.Type == mvccpb.PUT:
			return store.Event{Type: store.EventNodeDataChanged, Path: p}, true
		}
		return store.Event{}, false
	}
}

func (k keyspace) childEvent(p string) func(*clientv3.Event) (store.Event, bool) {
	return func(ev *clientv3.Event) (store.Event, bool) {
		if _, ok := k.childName(p, string(ev.Kv.Key)); !ok {
			return store.Event{}, false
		}
		if ev.Type == mvccpb.DELETE || ev.IsCreate() {
			return store.Event{Type: store.EventNodeChildrenChanged, Path: p}, true
		}
		return store.Event{}, false
	}
}
