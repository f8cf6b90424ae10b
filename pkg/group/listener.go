package group

import (
	"runtime/debug"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	Connected EventKind = iota + 1
	Changed
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Changed:
		return "changed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Listener is notified on the group's worker goroutine, in the order events were raised.
type Listener interface {
	OnGroupEvent(g *Group, kind EventKind)
}

type ListenerFunc func(g *Group, kind EventKind)

func (f ListenerFunc) OnGroupEvent(g *Group, kind EventKind) {
	f(g, kind)
}

type listenerSet struct {
	*ds.Registry[Listener]
}

func newListenerSet() *listenerSet {
	return &listenerSet{Registry: ds.NewRegistry[Listener]()}
}

func (s *listenerSet) add(l Listener) func() {
	return s.Add(l)
}

func (s *listenerSet) dispatch(g *Group, kind EventKind) {
	for _, l := range s.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Msgf("group listener panicked on %s event for %s: %v\n%s", kind, g.path, r, debug.Stack())
				}
			}()
			l.OnGroupEvent(g, kind)
		}()
	}
}
