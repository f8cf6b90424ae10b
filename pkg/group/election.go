package group

// Election picks, from the sequence-ordered membership view, the members that compete with self.
// The first candidate is the master.
type Election interface {
	Candidates(view []Member, self *Member) []Member
}

type singleLeader struct{}

// SingleLeader elects one master among every member of the path.
func SingleLeader() Election {
	return singleLeader{}
}

func (singleLeader) Candidates(view []Member, _ *Member) []Member {
	return view
}

type perLogicalID struct{}

// PerLogicalID runs an independent election for every logical id sharing the path.
func PerLogicalID() Election {
	return perLogicalID{}
}

func (perLogicalID) Candidates(view []Member, self *Member) []Member {
	if self == nil || self.Record == nil {
		return nil
	}
	return filterByID(view, self.Record.ID())
}

func filterByID(view []Member, id string) []Member {
	var out []Member
	for _, m := range view {
		if m.Record != nil && m.Record.ID() == id {
			out = append(out, m)
		}
	}
	return out
}
