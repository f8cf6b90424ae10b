package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEncode      = errors.New("unable to encode record")
	ErrDecode      = errors.New("unable to decode record")
	ErrUnknownKind = errors.New("unknown record kind")
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Factory returns a fresh, empty record of one kind for Decode to fill.
type Factory func() Record

// Codec converts records to the bytes stored under member nodes. Create one per process and pass
// it to every engine.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns a codec that knows the built-in kinds plus any registered through Register.
func New() *Codec {
	c := &Codec{factories: make(map[string]Factory)}
	c.Register(KindNode, func() Record { return &NodeState{} })
	c.Register(KindEndpoint, func() Record { return &EndpointState{} })
	return c
}

// Register adds or replaces the factory for kind.
func (c *Codec) Register(kind string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[kind] = f
}

func (c *Codec) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, 0, len(c.factories))
	for k := range c.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

func (c *Codec) factory(kind string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[kind]
	return f, ok
}

func (c *Codec) Encode(r Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrEncode)
	}
	if _, ok := c.factory(r.Kind()); !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrEncode, ErrUnknownKind, r.Kind())
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	data, err := json.Marshal(envelope{Type: r.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

func (c *Codec) Decode(data []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	f, ok := c.factory(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrDecode, ErrUnknownKind, env.Type)
	}
	r := f()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, r); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrDecode, env.Type, err)
		}
	}
	return r, nil
}
