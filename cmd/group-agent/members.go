package main

import (
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/group"
	"gopkg.in/yaml.v3"
)

type memberView struct {
	Path      string `yaml:"path"`
	Kind      string `yaml:"kind"`
	ID        string `yaml:"id"`
	Container string `yaml:"container"`
	Master    bool   `yaml:"master"`
	Self      bool   `yaml:"self,omitempty"`
}

// renderMembers dumps the membership view as YAML, marking the master of every logical id.
func renderMembers(g *group.Group) ([]byte, error) {
	self := g.Self()
	members := g.Members()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		master, _ := g.MasterOf(m.Record.ID())
		views = append(views, memberView{
			Path:      m.Path,
			Kind:      m.Record.Kind(),
			ID:        m.Record.ID(),
			Container: m.Record.Container(),
			Master:    master.Path == m.Path,
			Self:      m.Path == self,
		})
	}
	return yaml.Marshal(views)
}
