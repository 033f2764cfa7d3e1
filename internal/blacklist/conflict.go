package blacklist

import "slices"

// Decision is the outcome of resolving one log entry against known state.
type Decision int

const (
	// DecisionSkip leaves state untouched: the entry is stale or already applied.
	DecisionSkip Decision = iota
	// DecisionUpsert writes the entry's ADD into the snapshot.
	DecisionUpsert
	// DecisionDelete removes the user from the snapshot.
	DecisionDelete
)

// String names the decision for logs.
func (decision Decision) String() string {
	switch decision {
	case DecisionUpsert:
		return "upsert"
	case DecisionDelete:
		return "delete"
	default:
		return "skip"
	}
}

// Resolve applies the last-write-wins rule. current is the newest version already
// reflected for the entry's user, either a live row or a REMOVE tombstone; known
// is false when nothing has been seen for that user.
func Resolve(current Version, known bool, entry LogEntry) Decision {
	if known && !entry.Version().After(current) {
		return DecisionSkip
	}
	if entry.Operation == OperationRemove {
		return DecisionDelete
	}
	return DecisionUpsert
}

// foldState is the per-user register used when folding the log.
type foldState struct {
	entry   LogEntry
	removed bool
	// addedAt is the time of the first ADD since the last REMOVE.
	addedAt OperationTime
}

// fold reduces entries into the final per-user state. The input order does not
// matter; entries are replayed in (operation_time, id) order.
func fold(entries []LogEntry) map[UserID]foldState {
	ordered := slices.Clone(entries)
	slices.SortFunc(ordered, compareEntries)

	states := make(map[UserID]foldState)
	for _, entry := range ordered {
		state, known := states[entry.UserID]
		states[entry.UserID] = foldEntry(state, known, entry)
	}
	return states
}

// foldEntry advances a single user's state by one entry.
func foldEntry(state foldState, known bool, entry LogEntry) foldState {
	switch Resolve(state.entry.Version(), known, entry) {
	case DecisionSkip:
		return state
	case DecisionDelete:
		return foldState{entry: entry, removed: true}
	default:
		addedAt := entry.OperationTime
		if known && !state.removed {
			addedAt = state.addedAt
		}
		return foldState{entry: entry, addedAt: addedAt}
	}
}

func compareEntries(left LogEntry, right LogEntry) int {
	switch {
	case left.Version() == right.Version():
		return 0
	case right.Version().After(left.Version()):
		return -1
	default:
		return 1
	}
}
