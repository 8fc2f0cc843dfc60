// Package peers forwards two-phase transaction commands between cluster
// nodes over pooled TCP connections. The originator drives the protocol:
// it sends prepare to every node owning a written key, then commit or
// rollback once the outcome is decided. Messages are newline-delimited JSON.
package peers

import (
	"github.com/google/uuid"
)

// MessageType discriminates the wire messages.
type MessageType string

const (
	TypePrepare  MessageType = "prepare"
	TypeCommit   MessageType = "commit"
	TypeRollback MessageType = "rollback"
)

// WriteOp is one buffered write carried by a prepare.
type WriteOp struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// Request is the envelope for every forwarded command.
type Request struct {
	Type       MessageType `json:"type"`
	TxID       uuid.UUID   `json:"tx_id"`
	OriginNode string      `json:"origin_node"`
	TopologyID int64       `json:"topology_id"`
	Writes     []WriteOp   `json:"writes,omitempty"`
	OnePhase   bool        `json:"one_phase,omitempty"`
}

// Response reports the peer's outcome for one request.
type Response struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error,omitempty"`
	OutdatedTopology bool   `json:"outdated_topology,omitempty"`
}
