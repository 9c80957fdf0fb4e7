package industry

import "sort"

// SortRequirements orders by priority descending, then deadline ascending with
// requirements lacking a deadline last, then creation time.
func SortRequirements(reqs []Requirement) {
	sort.SliceStable(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.Deadline == nil && b.Deadline == nil:
		case a.Deadline == nil:
			return false
		case b.Deadline == nil:
			return true
		case !a.Deadline.Equal(*b.Deadline):
			return a.Deadline.Before(*b.Deadline)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
