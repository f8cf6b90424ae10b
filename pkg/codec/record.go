package codec

// Record is the payload a group member publishes under its node.
type Record interface {
	// Kind is the discriminant written next to the payload.
	Kind() string
	// ID is the logical id; members with the same ID compete for the same leadership.
	ID() string
	// Container identifies the process that owns the record.
	Container() string
}

const (
	KindNode     = "node"
	KindEndpoint = "endpoint"
)

// NodeState is the plain membership record.
type NodeState struct {
	Id          string            `json:"id"`
	ContainerId string            `json:"container"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func (n *NodeState) Kind() string      { return KindNode }
func (n *NodeState) ID() string        { return n.Id }
func (n *NodeState) Container() string { return n.ContainerId }

// EndpointState is published by clustered endpoints that other processes route to.
type EndpointState struct {
	Id          string            `json:"id"`
	ContainerId string            `json:"container"`
	URLs        []string          `json:"urls,omitempty"`
	Services    []string          `json:"services,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func (e *EndpointState) Kind() string      { return KindEndpoint }
func (e *EndpointState) ID() string        { return e.Id }
func (e *EndpointState) Container() string { return e.ContainerId }

// SameIdentity reports whether two records were published by the same logical member.
func SameIdentity(a, b Record) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Container() != "" && a.Container() == b.Container() && a.ID() == b.ID()
}
