package runtree

import "github.com/raphi011/relay/internal/model"

// Aggregate derives the status of a suite or run from the statuses of its
// children. Reverted children are ignored.
//
// The result is Failed if any child failed (or was aborted), Passed if at least
// one child passed and Skipped otherwise. With skipsAsFailures any skipped
// child fails the aggregate. Children never change their own status.
func Aggregate(statuses []model.Status, skipsAsFailures bool) model.Status {
	passed, skipped := 0, 0

	for _, s := range statuses {
		switch s {
		case model.StatusFailed, model.StatusAborted:
			return model.StatusFailed
		case model.StatusPassed:
			passed++
		case model.StatusSkipped:
			skipped++
		}
	}

	if skipped > 0 && skipsAsFailures {
		return model.StatusFailed
	}

	if passed > 0 {
		return model.StatusPassed
	}

	return model.StatusSkipped
}
