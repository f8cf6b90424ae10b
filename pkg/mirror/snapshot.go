package mirror

import (
	"sort"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/codec"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
)

// Snapshot is an immutable view of one store node. The flat group cache leaves Children empty.
type Snapshot struct {
	Path     string
	Stat     store.Stat
	Data     []byte
	Record   codec.Record
	Children []string
}

func (s *Snapshot) Name() string {
	return store.Name(s.Path)
}

// WithData returns a copy carrying new data and stat; the child list is kept.
func (s *Snapshot) WithData(stat store.Stat, data []byte, rec codec.Record) *Snapshot {
	return &Snapshot{Path: s.Path, Stat: stat, Data: data, Record: rec, Children: s.Children}
}

// WithChildren returns a copy carrying a new, sorted child list.
func (s *Snapshot) WithChildren(children []string) *Snapshot {
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)
	return &Snapshot{Path: s.Path, Stat: s.Stat, Data: s.Data, Record: s.Record, Children: sorted}
}

// Less orders member nodes by their sequence suffix, falling back to the full path.
func Less(a, b string) bool {
	sa, sb := store.SequenceSuffix(a), store.SequenceSuffix(b)
	if sa != "" && sb != "" && sa != sb {
		return sa < sb
	}
	return a < b
}
