package locking

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojocache/core/locking/locktable"
	"github.com/sushant-115/gojocache/core/transaction"
)

// ErrLockTimeout is re-exported so callers can errors.Is against one sentinel
// whether the timeout came from the lock table or the pending-lock wait.
var ErrLockTimeout = locktable.ErrLockTimeout

// ErrOutdatedTopology is returned by the commit stage when the topology
// changed mid-commit. The coordinator suppresses lock release and re-raises
// it unchanged; the retry is driven by the caller against the new topology
// and needs the locks intact.
var ErrOutdatedTopology = errors.New("topology changed during commit")

// PendingTxTimeoutError reports that an acquisition spent its whole budget
// waiting for an in-flight transaction from an older topology to finish.
type PendingTxTimeoutError struct {
	Key       string
	Requester transaction.GlobalTransaction
	Blocking  transaction.GlobalTransaction
}

func (e *PendingTxTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock on %q on behalf of %s, waiting to complete tx %s", e.Key, e.Requester, e.Blocking)
}

func (e *PendingTxTimeoutError) Unwrap() error { return ErrLockTimeout }
