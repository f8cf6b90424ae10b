package zookeeper

import (
	"errors"
	"fmt"

	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/store"
	"github.com/go-zookeeper/zk"
)

// stateMachine turns zk session states into store connection states. Only transitions are
// reported.
type stateMachine struct {
	current    store.ConnState
	hadSession bool
}

func (m *stateMachine) next(s zk.State) (store.ConnState, bool) {
	var to store.ConnState
	switch s {
	case zk.StateHasSession:
		if m.current.IsConnected() {
			return m.current, false
		}
		to = store.StateConnected
		if m.hadSession {
			to = store.StateReconnected
		}
		m.hadSession = true
	case zk.StateDisconnected:
		if !m.current.IsConnected() {
			return m.current, false
		}
		to = store.StateSuspended
	case zk.StateExpired:
		if m.current == store.StateLost {
			return m.current, false
		}
		to = store.StateLost
	default:
		return m.current, false
	}
	m.current = to
	return to, true
}

func createFlags(mode store.CreateMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

func eventType(t zk.EventType) (store.EventType, bool) {
	switch t {
	case zk.EventNodeCreated:
		return store.EventNodeCreated, true
	case zk.EventNodeDeleted:
		return store.EventNodeDeleted, true
	case zk.EventNodeDataChanged:
		return store.EventNodeDataChanged, true
	case zk.EventNodeChildrenChanged:
		return store.EventNodeChildrenChanged, true
	default:
		return 0, false
	}
}

func toStat(s *zk.Stat) store.Stat {
	if s == nil {
		return store.Stat{}
	}
	return store.Stat{
		Czxid:          s.Czxid,
		Mzxid:          s.Mzxid,
		Pzxid:          s.Pzxid,
		Ctime:          s.Ctime,
		Mtime:          s.Mtime,
		Version:        s.Version,
		Cversion:       s.Cversion,
		DataLength:     s.DataLength,
		NumChildren:    s.NumChildren,
		EphemeralOwner: s.EphemeralOwner,
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return store.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return store.ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return store.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return store.ErrNotEmpty
	case errors.Is(err, zk.ErrInvalidPath), errors.Is(err, zk.ErrBadArguments):
		return fmt.Errorf("%w: %w", store.ErrInvalidPath, err)
	case errors.Is(err, zk.ErrClosing):
		return store.ErrClosed
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %w", store.ErrConnectionLoss, err)
	default:
		return fmt.Errorf("zookeeper: %w", err)
	}
}
