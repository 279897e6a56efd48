// Package reconcile implements the upload reconciliation engine: CSV
// validation, content fingerprinting, the master-record conflict policy,
// and the atomic batch ledger that makes every upload auditable and
// idempotent.
package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrRejected        = errors.New("upload rejected")
	ErrAlreadyUploaded = errors.New("already uploaded")
)

// RowStatus is the resolved outcome of one submitted row.
type RowStatus string

const (
	StatusInserted                RowStatus = "inserted"
	StatusUpdated                 RowStatus = "updated"
	StatusSkippedStale            RowStatus = "skipped_stale"
	StatusSkippedDuplicateContext RowStatus = "skipped_duplicate_context"
)

// RejectionError carries the single human-readable reason an upload was
// refused before any storage mutation.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// AlreadyUploadedError reports the idempotency short-circuit: byte-identical
// content was previously accepted for the same submission context.
type AlreadyUploadedError struct {
	BatchID    string
	UploadedAt time.Time
}

func (e *AlreadyUploadedError) Error() string {
	return fmt.Sprintf("already uploaded as batch %s at %s", e.BatchID, e.UploadedAt.Format(time.RFC3339))
}

func (e *AlreadyUploadedError) Is(target error) bool {
	return target == ErrAlreadyUploaded
}

// Row is one validated (entity, count) pair in file order.
type Row struct {
	EntityID       string
	HouseholdCount int64
}

// ParseResult is the outcome of validating one submitted file.
type ParseResult struct {
	Rows             []Row
	RowsTotal        int
	DuplicatesInFile int
}

// MasterRecord is the single authoritative household count for one EA.
type MasterRecord struct {
	EntityID           string    `json:"entityId"`
	HouseholdCount     int64     `json:"householdCount"`
	OwnerName          string    `json:"ownerName"`
	OwnerProject       string    `json:"ownerProject"`
	LastCollectionDate string    `json:"lastCollectionDate,omitempty"`
	LastAppliedAt      time.Time `json:"lastAppliedAt"`
}

// UploadBatch is one accepted upload attempt, the unit of idempotency and
// audit.
type UploadBatch struct {
	BatchID            string    `json:"batchId"`
	ClientName         string    `json:"clientName"`
	ClientProject      string    `json:"clientProject"`
	CollectionDate     string    `json:"collectionDate"`
	ContentFingerprint string    `json:"contentFingerprint"`
	RowsTotal          int       `json:"rowsTotal"`
	RowsValidUnique    int       `json:"rowsValidUnique"`
	RowsApplied        int       `json:"rowsApplied"`
	RowsSkipped        int       `json:"rowsSkipped"`
	DuplicatesInFile   int       `json:"duplicatesInFile"`
	Note               string    `json:"note"`
	CreatedAt          time.Time `json:"createdAt"`
}

// UploadRequest is a fully validated submission handed to the applier.
// CollectionDate is an ISO calendar date (YYYY-MM-DD).
type UploadRequest struct {
	ClientName     string
	ClientProject  string
	CollectionDate string
	Content        []byte
	Policy         ConflictPolicy
}

// UploadSummary is the structured result of an accepted upload.
type UploadSummary struct {
	BatchID          string   `json:"batchId"`
	RowsTotal        int      `json:"rowsTotal"`
	RowsValidUnique  int      `json:"rowsValidUnique"`
	RowsApplied      int      `json:"rowsApplied"`
	RowsSkipped      int      `json:"rowsSkipped"`
	DuplicatesInFile int      `json:"duplicatesInFile"`
	Note             string   `json:"note"`
	Notes            []string `json:"notes,omitempty"`
}

// maxSummaryNotes caps the per-entity notes returned to the caller.
const maxSummaryNotes = 15

// ValidateContext checks the submission context fields shared by every
// upload surface. It trims the client fields in place and returns a
// RejectionError on the first failure.
func ValidateContext(clientName, clientProject, collectionDate *string) error {
	*clientName = trimmed(*clientName)
	*clientProject = trimmed(*clientProject)
	if *clientName == "" || *clientProject == "" {
		return &RejectionError{Reason: "Please provide Client Name and Client Project."}
	}
	date, err := ParseCollectionDate(*collectionDate)
	if err != nil {
		return &RejectionError{Reason: "Collection Date is invalid. Please use an ISO date (YYYY-MM-DD)."}
	}
	*collectionDate = date
	return nil
}

// ParseCollectionDate validates an ISO-8601 calendar date and returns it in
// canonical YYYY-MM-DD form.
func ParseCollectionDate(raw string) (string, error) {
	raw = trimmed(raw)
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return "", fmt.Errorf("invalid collection date %q: %w", raw, err)
	}
	return t.Format("2006-01-02"), nil
}
