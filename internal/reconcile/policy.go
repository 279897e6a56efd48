package reconcile

import "fmt"

// DateCompareMode selects how an incoming collection date competes with the
// date already on a master record.
type DateCompareMode int

const (
	// NewerWins replaces the master value only when the submitted
	// collection date is strictly later. This is the adopted policy.
	NewerWins DateCompareMode = iota
	// NewerOrEqualWins additionally lets a same-date submission replace
	// the master value. Kept selectable for earlier policy behavior.
	NewerOrEqualWins
)

// ConflictPolicy parameterizes the conflict resolver per call. Passing it
// explicitly, rather than reading module state, keeps every policy variant
// independently testable.
type ConflictPolicy struct {
	AllowOverride bool
	DateMode      DateCompareMode
}

// decision is the resolver's verdict for one row against the current
// master state.
type decision struct {
	status RowStatus
	note   string
}

// resolve decides what happens to a submitted row. existing is nil when no
// master record is present. Calendar dates are canonical YYYY-MM-DD strings,
// so lexicographic comparison is chronological comparison.
func resolve(existing *MasterRecord, req UploadRequest, row Row) decision {
	if existing == nil {
		return decision{status: StatusInserted, note: "Inserted new EA into master."}
	}

	replace := req.Policy.AllowOverride
	switch {
	case replace:
	case existing.LastCollectionDate == "":
		// Legacy rows without a collection date always lose.
		replace = true
	case req.CollectionDate > existing.LastCollectionDate:
		replace = true
	case req.CollectionDate == existing.LastCollectionDate && req.Policy.DateMode == NewerOrEqualWins:
		replace = true
	}

	if replace {
		return decision{
			status: StatusUpdated,
			note: fmt.Sprintf("Master updated; previous value by '%s' (%s) dated %s.",
				existing.OwnerName, existing.OwnerProject, orUnset(existing.LastCollectionDate)),
		}
	}
	return decision{
		status: StatusSkippedStale,
		note: fmt.Sprintf("Kept master value by '%s' (%s) dated %s; submitted date %s is not newer.",
			existing.OwnerName, existing.OwnerProject, existing.LastCollectionDate, req.CollectionDate),
	}
}

func orUnset(date string) string {
	if date == "" {
		return "(unset)"
	}
	return date
}
