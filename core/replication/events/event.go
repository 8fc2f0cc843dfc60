// Package events carries transaction-completion notifications between
// cluster nodes over HTTP/3 (QUIC) streams. When a transaction's second
// phase is synchronous, participants holding locks for a remote-origin
// transaction release them only when the originator's completion event
// arrives; this package is that wire.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state a completion event reports.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// TxCompletionEvent announces that a transaction finished on its originator
// and every participant may release the locks held on its behalf.
type TxCompletionEvent struct {
	TxID        uuid.UUID `json:"tx_id"`
	OriginNode  string    `json:"origin_node"`
	Outcome     Outcome   `json:"outcome"`
	TopologyID  int64     `json:"topology_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Encode serializes the event to its wire form.
func (e TxCompletionEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire frame back into an event.
func DecodeEvent(data []byte) (TxCompletionEvent, error) {
	var e TxCompletionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return TxCompletionEvent{}, fmt.Errorf("decode completion event: %w", err)
	}
	if e.TxID == uuid.Nil {
		return TxCompletionEvent{}, fmt.Errorf("decode completion event: missing tx id")
	}
	return e, nil
}
