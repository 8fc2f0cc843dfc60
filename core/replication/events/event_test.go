package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	ev := TxCompletionEvent{
		TxID:        uuid.New(),
		OriginNode:  "node1",
		Outcome:     OutcomeCommitted,
		TopologyID:  7,
		CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := ev.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	require.Equal(t, ev.TxID, decoded.TxID)
	require.Equal(t, ev.OriginNode, decoded.OriginNode)
	require.Equal(t, ev.Outcome, decoded.Outcome)
	require.EqualValues(t, 7, decoded.TopologyID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeRejectsMissingTxID(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"origin_node":"node1","outcome":"committed"}`))
	require.Error(t, err)
}
