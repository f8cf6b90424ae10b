package treecache

import (
	"runtime/debug"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/ds"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/mirror"
	"github.com/rs/zerolog/log"
)

type EventType int

const (
	NodeAdded EventType = iota + 1
	NodeUpdated
	NodeRemoved
	Initialized
	ConnectionSuspended
	ConnectionReconnected
	ConnectionLost
)

var eventTypeNames = map[EventType]string{
	NodeAdded:             "node_added",
	NodeUpdated:           "node_updated",
	NodeRemoved:           "node_removed",
	Initialized:           "initialized",
	ConnectionSuspended:   "connection_suspended",
	ConnectionReconnected: "connection_reconnected",
	ConnectionLost:        "connection_lost",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event describes one change of the cache. Node is the new snapshot, or the removed one for
// NodeRemoved, and is nil for Initialized and connection events.
type Event struct {
	Type EventType
	Path string
	Node *mirror.Snapshot
}

// Listener is called on the cache's worker goroutine once pending refreshes have settled.
type Listener interface {
	OnTreeEvent(c *Cache, e Event)
}

type ListenerFunc func(c *Cache, e Event)

func (f ListenerFunc) OnTreeEvent(c *Cache, e Event) {
	f(c, e)
}

func dispatch(listeners *ds.Registry[Listener], c *Cache, e Event) {
	for _, l := range listeners.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Msgf("tree listener panicked on %s for %s: %v\n%s", e.Type, e.Path, r, debug.Stack())
				}
			}()
			l.OnTreeEvent(c, e)
		}()
	}
}
