package etcd

import (
	"strconv"
	"strings"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

const (
	treeSegment = "/tree"
	seqSegment  = "/seq"
)

// keyspace maps store paths to etcd keys below one prefix. Node p lives at <prefix>/tree<p>, the
// sequence counter of parent p at <prefix>/seq<p>.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: strings.TrimSuffix(prefix, "/")}
}

func (k keyspace) node(p string) string {
	if p == "/" {
		return k.prefix + treeSegment
	}
	return k.prefix + treeSegment + p
}

func (k keyspace) children(p string) string {
	return k.node(p) + "/"
}

func (k keyspace) sequence(parent string) string {
	if parent == "/" {
		return k.prefix + seqSegment
	}
	return k.prefix + seqSegment + parent
}

// childName returns the name of key when it is a direct child of p.
func (k keyspace) childName(p, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, k.children(p))
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func parseCounter(v []byte) int64 {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// toStat maps etcd revisions onto the store stat. Versions start at 0 like ZooKeeper's.
func toStat(kv *mvccpb.KeyValue) store.Stat {
	return store.Stat{
		Czxid:          kv.CreateRevision,
		Mzxid:          kv.ModRevision,
		Pzxid:          kv.ModRevision,
		Version:        int32(kv.Version - 1),
		DataLength:     int32(len(kv.Value)),
		EphemeralOwner: kv.Lease,
	}
}
