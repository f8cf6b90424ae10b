package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrNoNode         = errors.New("node does not exist")
	ErrNodeExists     = errors.New("node already exists")
	ErrBadVersion     = errors.New("version conflict")
	ErrNotEmpty       = errors.New("node has children")
	ErrConnectionLoss = errors.New("connection to coordination store lost")
	ErrClosed         = errors.New("store client closed")
	ErrInvalidPath    = errors.New("invalid path")
)

// AnyVersion skips the version check on Set and Delete.
const AnyVersion int32 = -1

// SequenceWidth is the number of digits a sequential create appends to the node name.
const SequenceWidth = 10

type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// Stat is the metadata the store keeps for a node.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Pzxid          int64
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	DataLength     int32
	NumChildren    int32
	EphemeralOwner int64
}

type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
)

var eventTypeNames = map[EventType]string{
	EventNodeCreated:         "node_created",
	EventNodeDeleted:         "node_deleted",
	EventNodeDataChanged:     "node_data_changed",
	EventNodeChildrenChanged: "node_children_changed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

type Event struct {
	Type EventType
	Path string
}

// Watcher is a one-shot callback. It runs on the client's I/O goroutine and must not block.
type Watcher func(Event)

type ConnState int

const (
	StateConnected ConnState = iota + 1
	StateSuspended
	StateLost
	StateReconnected
)

var connStateNames = map[ConnState]string{
	StateConnected:   "connected",
	StateSuspended:   "suspended",
	StateLost:        "lost",
	StateReconnected: "reconnected",
}

func (s ConnState) String() string {
	if name, ok := connStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsConnected reports whether the state allows store calls.
func (s ConnState) IsConnected() bool {
	return s == StateConnected || s == StateReconnected
}

type ConnectionListener func(ConnState)

// Store is the client side of a hierarchical, watch-capable coordination store.
type Store interface {
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	Delete(ctx context.Context, path string, version int32) error
	// Exists returns a nil Stat when the node is absent; the watcher is registered either way.
	Exists(ctx context.Context, path string, w Watcher) (*Stat, error)
	Get(ctx context.Context, path string, w Watcher) ([]byte, *Stat, error)
	Set(ctx context.Context, path string, data []byte, version int32) (*Stat, error)
	Children(ctx context.Context, path string, w Watcher) ([]string, error)
	AddConnectionListener(l ConnectionListener) (remove func())
	Connected() bool
	Close() error
}

// EnsurePath creates every missing persistent node along p.
func EnsurePath(ctx context.Context, s Store, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		current += "/" + part
		stat, err := s.Exists(ctx, current, nil)
		if err != nil {
			return fmt.Errorf("checking %s: %w", current, err)
		}
		if stat != nil {
			continue
		}
		if _, err := s.Create(ctx, current, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("creating %s: %w", current, err)
		}
	}
	return nil
}

// ValidatePath accepts absolute, clean paths without a trailing slash.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must be absolute", ErrInvalidPath, p)
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

func Join(parent, child string) string {
	if parent == "/" {
		return "/" + child
	}
	return parent + "/" + child
}

func Parent(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func Name(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// SequenceSuffix returns the trailing sequence digits of a sequential node name, or "" when the
// name does not end with one.
func SequenceSuffix(p string) string {
	name := Name(p)
	if len(name) < SequenceWidth {
		return ""
	}
	suffix := name[len(name)-SequenceWidth:]
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return suffix
}

// FormatSequence renders n the way a sequential create suffixes node names.
func FormatSequence(n int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}
