// Package topology maintains the replicated ownership map of the cluster:
// which node is the primary owner of each hash slot and which nodes hold
// replicas. Every applied change bumps the topology epoch, the monotonically
// increasing id that the transaction layer tags transactions with.
package topology

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// TotalHashSlots is the fixed number of hash slots keys map onto.
const TotalHashSlots = 1024

// Operation types replicated through the raft log.
const (
	OpAddNode         = "add_node"
	OpRemoveNode      = "remove_node"
	OpAssignSlotRange = "assign_slot_range"
	OpRemoveSlotRange = "remove_slot_range"
	OpPromoteReplica  = "promote_replica"
)

// Command is the unit applied to the FSM via raft. Value carries a
// JSON-marshaled SlotRangeInfo for slot assignment operations.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SlotRangeInfo describes ownership of a contiguous range of hash slots.
type SlotRangeInfo struct {
	RangeID        string    `json:"range_id"`
	StartSlot      int       `json:"start_slot"`
	EndSlot        int       `json:"end_slot"`
	PrimaryNodeID  string    `json:"primary_node_id"`
	ReplicaNodeIDs []string  `json:"replica_node_ids"`
	LastUpdated    time.Time `json:"last_updated"`
}

// FSM implements raft.FSM and holds the replicated topology state. Queries
// are answered against the current state at call time, never a snapshot.
type FSM struct {
	logger *zap.Logger

	mu               sync.RWMutex
	nodes            map[string]string
	slots            map[string]SlotRangeInfo
	epoch            int64
	lastAppliedIndex uint64
	listeners        []func(epoch int64)
}

// NewFSM creates an empty topology state machine at epoch 0.
func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		logger: logger,
		nodes:  make(map[string]string),
		slots:  make(map[string]SlotRangeInfo),
	}
}

// OnEpochChange registers a callback invoked (outside the FSM lock) after
// every applied change that altered ownership. The transaction registry hooks
// in here to tag new transactions with the fresh epoch.
func (f *FSM) OnEpochChange(fn func(epoch int64)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Apply applies a raft log entry to the topology state.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal raft log entry", zap.Error(err))
		return nil
	}

	f.mu.Lock()
	f.lastAppliedIndex = logEntry.Index
	changed, err := f.applyLocked(cmd)
	var epoch int64
	var listeners []func(int64)
	if changed {
		f.epoch++
		epoch = f.epoch
		listeners = append(listeners, f.listeners...)
	}
	f.mu.Unlock()

	if changed {
		f.logger.Info("topology changed",
			zap.String("op", cmd.Op),
			zap.Int64("epoch", epoch),
		)
		for _, fn := range listeners {
			fn(epoch)
		}
	}
	if err != nil {
		return err
	}
	return nil
}

func (f *FSM) applyLocked(cmd Command) (changed bool, err error) {
	switch cmd.Op {
	case OpAddNode:
		f.nodes[cmd.Key] = cmd.Value
		return true, nil
	case OpRemoveNode:
		if _, ok := f.nodes[cmd.Key]; !ok {
			return false, nil
		}
		delete(f.nodes, cmd.Key)
		return true, nil
	case OpAssignSlotRange:
		var info SlotRangeInfo
		if err := json.Unmarshal([]byte(cmd.Value), &info); err != nil {
			return false, fmt.Errorf("invalid SlotRangeInfo for %s: %w", cmd.Op, err)
		}
		info.LastUpdated = time.Now()
		f.slots[info.RangeID] = info
		return true, nil
	case OpRemoveSlotRange:
		if _, ok := f.slots[cmd.Key]; !ok {
			return false, nil
		}
		delete(f.slots, cmd.Key)
		return true, nil
	case OpPromoteReplica:
		// cmd.Key: range id, cmd.Value: node to promote to primary.
		info, ok := f.slots[cmd.Key]
		if !ok {
			return false, fmt.Errorf("slot range %s not found for promotion", cmd.Key)
		}
		replicas := make([]string, 0, len(info.ReplicaNodeIDs))
		if info.PrimaryNodeID != "" && info.PrimaryNodeID != cmd.Value {
			replicas = append(replicas, info.PrimaryNodeID)
		}
		for _, id := range info.ReplicaNodeIDs {
			if id != cmd.Value {
				replicas = append(replicas, id)
			}
		}
		info.PrimaryNodeID = cmd.Value
		info.ReplicaNodeIDs = replicas
		info.LastUpdated = time.Now()
		f.slots[cmd.Key] = info
		return true, nil
	default:
		f.logger.Warn("unknown topology command", zap.String("op", cmd.Op))
		return false, fmt.Errorf("unknown topology command: %s", cmd.Op)
	}
}

// SlotForKey hashes a key to its slot, crc32 modulo the slot count.
func SlotForKey(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % TotalHashSlots)
}

// Epoch returns the current topology epoch.
func (f *FSM) Epoch() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// NodeCount returns the number of known nodes.
func (f *FSM) NodeCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.nodes)
}

// Nodes returns a copy of the node id to address map.
func (f *FSM) Nodes() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.nodes))
	for k, v := range f.nodes {
		out[k] = v
	}
	return out
}

// PrimaryOwner returns the node holding the primary lock role for key.
func (f *FSM) PrimaryOwner(key string) (string, bool) {
	slot := SlotForKey(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, info := range f.slots {
		if slot >= info.StartSlot && slot <= info.EndSlot {
			return info.PrimaryNodeID, info.PrimaryNodeID != ""
		}
	}
	return "", false
}

// Owners returns every node owning key, primary first.
func (f *FSM) Owners(key string) []string {
	slot := SlotForKey(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, info := range f.slots {
		if slot >= info.StartSlot && slot <= info.EndSlot {
			owners := make([]string, 0, 1+len(info.ReplicaNodeIDs))
			if info.PrimaryNodeID != "" {
				owners = append(owners, info.PrimaryNodeID)
			}
			owners = append(owners, info.ReplicaNodeIDs...)
			return owners
		}
	}
	return nil
}

// SlotAssignments returns a copy of the slot map, for the admin API.
func (f *FSM) SlotAssignments() map[string]SlotRangeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]SlotRangeInfo, len(f.slots))
	for k, v := range f.slots {
		out[k] = v
	}
	return out
}

// Snapshot returns a point-in-time copy of the topology for raft log
// truncation.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes := make(map[string]string, len(f.nodes))
	for k, v := range f.nodes {
		nodes[k] = v
	}
	slots := make(map[string]SlotRangeInfo, len(f.slots))
	for k, v := range f.slots {
		slots[k] = v
	}
	return &fsmSnapshot{Nodes: nodes, Slots: slots, Epoch: f.epoch}, nil
}

// Restore replaces the topology state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode topology snapshot: %w", err)
	}

	f.mu.Lock()
	f.nodes = snap.Nodes
	f.slots = snap.Slots
	f.epoch = snap.Epoch
	f.mu.Unlock()

	f.logger.Info("topology restored from snapshot", zap.Int64("epoch", snap.Epoch))
	return nil
}

type fsmSnapshot struct {
	Nodes map[string]string        `json:"nodes"`
	Slots map[string]SlotRangeInfo `json:"slots"`
	Epoch int64                    `json:"epoch"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal topology snapshot: %w", err)
	}
	if _, err := sink.Write(b); err != nil {
		return fmt.Errorf("failed to write topology snapshot: %w", err)
	}
	return nil
}

func (s *fsmSnapshot) Release() {}
