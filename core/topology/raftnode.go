package topology

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
	raftApplyTimeout     = 5 * time.Second
)

// RaftOptions configures the replicated topology log.
type RaftOptions struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
}

// RaftNode wraps the raft instance replicating the topology FSM and offers
// typed proposal helpers.
type RaftNode struct {
	raft      *raft.Raft
	fsm       *FSM
	transport *raft.NetworkTransport
	logger    *zap.Logger
}

// StartRaft builds the transport, BoltDB-backed stores and the raft
// instance, optionally bootstrapping a single-node cluster.
func StartRaft(opts RaftOptions, fsm *FSM, logger *zap.Logger) (*RaftNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.NodeID)
	config.Logger = NewRaftLogger(logger)

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir %s: %w", opts.DataDir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address %s: %w", opts.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(opts.BindAddr, addr, raftTransportMaxPool, raftTransportTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(opts.DataDir, raftSnapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store at %s: %w", opts.DataDir, err)
	}

	boltDBPath := filepath.Join(opts.DataDir, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		return nil, fmt.Errorf("create bolt store at %s: %w", boltDBPath, err)
	}

	r, err := raft.NewRaft(config, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if opts.Bootstrap {
		logger.Info("bootstrapping raft cluster as the first node")
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return &RaftNode{raft: r, fsm: fsm, transport: transport, logger: logger}, nil
}

// Propose replicates a topology command through the raft log. Leader only.
func (n *RaftNode) Propose(cmd Command) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader (leader is %s)", n.raft.Leader())
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode topology command: %w", err)
	}
	future := n.raft.Apply(data, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply topology command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

// AddVoter joins a new node into the raft cluster. Leader only.
func (n *RaftNode) AddVoter(nodeID, raftAddr string) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader (leader is %s)", n.raft.Leader())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, raftApplyTimeout)
	return future.Error()
}

// IsLeader reports whether this node currently leads the topology log.
func (n *RaftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr is the current leader's raft address, empty when unknown.
func (n *RaftNode) LeaderAddr() string {
	return string(n.raft.Leader())
}

// Shutdown stops raft and its transport.
func (n *RaftNode) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	return n.transport.Close()
}
