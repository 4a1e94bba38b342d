package reconcile

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type Outcome uint8

const (
	// OutcomeLocal: this node already holds the freshest state.
	OutcomeLocal Outcome = iota
	// OutcomeFetch: the snapshot was requested from the winner.
	OutcomeFetch
	// OutcomeRedirect: the client should be sent to the winner.
	OutcomeRedirect
	// OutcomeApplied: a snapshot arrived and was applied while the query ran.
	OutcomeApplied
	// OutcomeFailed: the query could not be resolved; see Result.Err.
	OutcomeFailed
	// OutcomeAbandoned: the identity left before the query resolved.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "local"
	case OutcomeFetch:
		return "fetch"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Result is what a completed Query reports.
type Result struct {
	Identity  uuid.UUID
	Txn       int64
	Outcome   Outcome
	Winner    string // empty when the local node won
	Responses int
	TimedOut  bool // completed by the deadline rather than by quorum
	Err       error
}

// Query is one freshness reconciliation for an identity. Its mutable fields
// belong to the service loop; callers observe it through Done and Result.
type Query struct {
	Identity      uuid.UUID
	LocalLastSeen time.Time
	Txn           int64
	CreatedAt     time.Time

	responses  map[string]time.Time
	required   map[string]struct{}
	completed  bool
	timer      *time.Timer
	onComplete func(Result)
	done       chan struct{}
	result     Result
}

func newQuery(id uuid.UUID, local time.Time, txn int64, now time.Time, onComplete func(Result)) *Query {
	return &Query{
		Identity:      id,
		LocalLastSeen: local,
		Txn:           txn,
		CreatedAt:     now,
		responses:     make(map[string]time.Time),
		required:      make(map[string]struct{}),
		onComplete:    onComplete,
		done:          make(chan struct{}),
	}
}

// Done is closed once the query has completed.
func (q *Query) Done() <-chan struct{} { return q.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (q *Query) Result() Result {
	select {
	case <-q.done:
		return q.result
	default:
		return Result{}
	}
}

func (q *Query) addResponse(node string, at time.Time) {
	q.responses[node] = at
}

func (q *Query) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// youngest picks the node holding the freshest state. A peer only wins with a
// timestamp strictly greater than local and every other peer; equal peers
// resolve to the lexicographically smallest name. ok is false when the local
// node wins.
func youngest(local time.Time, responses map[string]time.Time) (winner string, ok bool) {
	names := make([]string, 0, len(responses))
	for name := range responses {
		names = append(names, name)
	}
	sort.Strings(names)

	best := local
	for _, name := range names {
		if at := responses[name]; at.After(best) {
			best = at
			winner = name
			ok = true
		}
	}
	return winner, ok
}
