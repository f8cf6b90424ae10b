package mirror

import (
	"sort"
	"strings"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
)

// Mirror is the local copy of store nodes. One goroutine writes, any goroutine reads.
type Mirror struct {
	nodes *ds.SyncMap[string, *Snapshot]
}

func New() *Mirror {
	return &Mirror{nodes: ds.NewSyncMap[string, *Snapshot]()}
}

func (m *Mirror) Get(path string) (*Snapshot, bool) {
	return m.nodes.Get(path)
}

func (m *Mirror) Has(path string) bool {
	return m.nodes.Has(path)
}

// Put stores s and returns the snapshot it replaced, if any.
func (m *Mirror) Put(s *Snapshot) *Snapshot {
	prev, _ := m.nodes.Set(s.Path, s)
	return prev
}

func (m *Mirror) Remove(path string) (*Snapshot, bool) {
	return m.nodes.Delete(path)
}

func (m *Mirror) Clear() {
	m.nodes.Clear()
}

func (m *Mirror) Len() int {
	return m.nodes.Len()
}

// Sorted returns every snapshot ordered with Less.
func (m *Mirror) Sorted() []*Snapshot {
	out := make([]*Snapshot, 0, m.nodes.Len())
	m.nodes.Range(func(_ string, s *Snapshot) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return Less(out[i].Path, out[j].Path) })
	return out
}

func (m *Mirror) Paths() []string {
	var out []string
	m.nodes.Range(func(p string, _ *Snapshot) bool {
		out = append(out, p)
		return true
	})
	sort.Strings(out)
	return out
}

// Descendants returns the cached paths strictly below p, deepest first.
func (m *Mirror) Descendants(p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var out []string
	m.nodes.Range(func(k string, _ *Snapshot) bool {
		if k != p && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}
