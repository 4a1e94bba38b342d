package reconcile

import "errors"

var (
	// ErrAlone: no peer is known and solitary operation is not permitted.
	ErrAlone = errors.New("reconcile: no peers known")
	// ErrMissingPeers: a mandatory peer has not been seen yet.
	ErrMissingPeers = errors.New("reconcile: mandatory peers missing")
	// ErrQuorumTimeout: the query timed out before every peer answered and
	// timed-out queries are not applied.
	ErrQuorumTimeout = errors.New("reconcile: query timed out without quorum")
	// ErrFetchTimeout: the winner never sent the snapshot.
	ErrFetchTimeout = errors.New("reconcile: snapshot fetch timed out")
	// ErrDeparted: the identity went inactive before its query resolved.
	ErrDeparted    = errors.New("reconcile: identity departed during query")
	ErrStopped     = errors.New("reconcile: service stopped")
	ErrNoTransport = errors.New("reconcile: no transport configured")
)

// ReasonCantLoad is passed to Host.Reject when an identity's state could not
// be reconciled.
const ReasonCantLoad = "cant-load-data"
