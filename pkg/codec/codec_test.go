package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeState struct {
	Id          string `json:"id"`
	ContainerId string `json:"container"`
	Weight      int    `json:"weight"`
}

func (r *routeState) Kind() string      { return "route" }
func (r *routeState) ID() string        { return r.Id }
func (r *routeState) Container() string { return r.ContainerId }

func TestCodec_RoundTrip(t *testing.T) {
	c := New()
	c.Register("route", func() Record { return &routeState{} })

	records := []Record{
		&NodeState{Id: "registry", ContainerId: "root", Attributes: map[string]string{"zone": "a"}},
		&NodeState{Id: "bare"},
		&EndpointState{Id: "orders", ContainerId: "c1", URLs: []string{"http://c1:8181/orders"}, Services: []string{"orders"}},
		&routeState{Id: "r", ContainerId: "c2", Weight: 7},
	}
	for _, r := range records {
		data, err := c.Encode(r)
		require.NoError(t, err)
		decoded, err := c.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, r, decoded)
	}
}

func TestCodec_DecodeGarbage(t *testing.T) {
	c := New()
	inputs := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"payload":{"id":"x"}}`),
		[]byte(`{"type":"unregistered","payload":{}}`),
		[]byte(`{"type":"node","payload":{"id":42}}`),
	}
	for _, in := range inputs {
		r, err := c.Decode(in)
		assert.Nil(t, r)
		assert.ErrorIs(t, err, ErrDecode, "input %q", string(in))
	}

	_, err := c.Decode([]byte(`{"type":"unregistered","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCodec_EncodeRejectsUnknownKind(t *testing.T) {
	c := New()
	_, err := c.Encode(&routeState{Id: "r"})
	assert.ErrorIs(t, err, ErrEncode)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.Encode(nil)
	assert.ErrorIs(t, err, ErrEncode)
}

func TestCodec_EncodeIsDeterministic(t *testing.T) {
	c := New()
	r := &NodeState{Id: "a", ContainerId: "c", Attributes: map[string]string{"b": "2", "a": "1"}}
	first, err := c.Encode(r)
	require.NoError(t, err)
	second, err := c.Encode(r)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSameIdentity(t *testing.T) {
	a := &NodeState{Id: "x", ContainerId: "c1"}
	assert.True(t, SameIdentity(a, &EndpointState{Id: "x", ContainerId: "c1"}))
	assert.False(t, SameIdentity(a, &NodeState{Id: "y", ContainerId: "c1"}))
	assert.False(t, SameIdentity(a, &NodeState{Id: "x", ContainerId: "c2"}))
	assert.False(t, SameIdentity(&NodeState{Id: "x"}, &NodeState{Id: "x"}))
	assert.False(t, SameIdentity(a, nil))
}
