package topology

// Oracle answers ownership questions for the local node against the current
// topology. Implementations must evaluate at call time, not against a
// snapshot taken earlier in an operation.
type Oracle interface {
	// IsPrimaryOwner reports whether the local node holds the primary lock
	// role for key.
	IsPrimaryOwner(key string) bool
	// IsOwner reports whether the local node owns key at all, as primary or
	// as a replica.
	IsOwner(key string) bool
	// Epoch is the current topology id.
	Epoch() int64
	// ClusterSize is the number of nodes in the current topology.
	ClusterSize() int
}

// LocalView is the Oracle for one node over the replicated slot map.
type LocalView struct {
	nodeID string
	fsm    *FSM
}

// NewLocalView binds a node id to the shared topology state.
func NewLocalView(nodeID string, fsm *FSM) *LocalView {
	return &LocalView{nodeID: nodeID, fsm: fsm}
}

func (v *LocalView) IsPrimaryOwner(key string) bool {
	primary, ok := v.fsm.PrimaryOwner(key)
	return ok && primary == v.nodeID
}

func (v *LocalView) IsOwner(key string) bool {
	for _, owner := range v.fsm.Owners(key) {
		if owner == v.nodeID {
			return true
		}
	}
	return false
}

func (v *LocalView) Epoch() int64 {
	return v.fsm.Epoch()
}

func (v *LocalView) ClusterSize() int {
	return v.fsm.NodeCount()
}

// NodeID returns the node this view answers for.
func (v *LocalView) NodeID() string {
	return v.nodeID
}
