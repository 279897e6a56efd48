package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const masterResolveAttempts = 2

// StoreOptions configures a Store.
type StoreOptions struct {
	Dialect Dialect
	DSN     string
	Logger  zerolog.Logger
	// AuditDisabled turns off per-row audit items. Without audit items the
	// engine also loses cross-batch duplicate-context detection.
	AuditDisabled bool
}

// Store is the SQL-backed master store and batch ledger. All coordination
// between concurrent uploads is delegated to the database's transactional
// and uniqueness guarantees; the Store itself holds no mutable state.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
	audit   bool

	now        func() time.Time
	newBatchID func() string
	rowHook    func(Row) error // test seam for mid-batch storage faults
}

// OpenStore opens the backing database, applies the idempotent schema DDL,
// and returns a ready Store.
func OpenStore(opts StoreOptions) (*Store, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	if opts.Dialect == "" {
		opts.Dialect = DialectPostgres
	}
	db, err := sql.Open(opts.Dialect.driverName(), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}
	if opts.Dialect == DialectSQLite {
		// The pure-go sqlite driver serializes writers; a single pooled
		// connection avoids spurious busy errors and keeps pragmas applied.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	}
	s := &Store{
		db:         db,
		dialect:    opts.Dialect,
		logger:     opts.Logger,
		audit:      !opts.AuditDisabled,
		now:        time.Now,
		newBatchID: uuid.NewString,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Dialect, err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info().Str("dialect", string(opts.Dialect)).Msg("store ready")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ea_frame (
			entity_id TEXT PRIMARY KEY,
			household_count BIGINT NOT NULL CHECK (household_count >= 0),
			owner_name TEXT NOT NULL,
			owner_project TEXT NOT NULL,
			last_collection_date TEXT,
			last_applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS upload_batches (
			batch_id TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			client_project TEXT NOT NULL,
			collection_date TEXT NOT NULL,
			content_fingerprint TEXT NOT NULL,
			rows_total INTEGER NOT NULL DEFAULT 0,
			rows_valid_unique INTEGER NOT NULL DEFAULT 0,
			rows_applied INTEGER NOT NULL DEFAULT 0,
			rows_skipped INTEGER NOT NULL DEFAULT 0,
			duplicates_in_file INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_upload_batches_identity
			ON upload_batches (client_name, client_project, collection_date, content_fingerprint)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS upload_items (
			%s,
			batch_id TEXT NOT NULL REFERENCES upload_batches (batch_id) ON DELETE CASCADE,
			entity_id TEXT NOT NULL,
			household_count BIGINT NOT NULL,
			client_name TEXT NOT NULL,
			client_project TEXT NOT NULL,
			collection_date TEXT NOT NULL,
			status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`, s.dialect.itemsPrimaryKey()),
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_upload_items_batch_entity
			ON upload_items (batch_id, entity_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_upload_items_context
			ON upload_items (client_name, client_project, collection_date, entity_id)
			WHERE status <> 'skipped_duplicate_context'`,
		`CREATE INDEX IF NOT EXISTS ix_upload_items_entity ON upload_items (entity_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ApplyUpload runs one submission through the full pipeline: validation and
// parsing (no storage side effects), fingerprinting, then one atomic
// transaction covering the idempotency check, batch registration, per-row
// conflict resolution with audit items, and batch finalization. Any failure
// inside the transaction rolls everything back.
func (s *Store) ApplyUpload(ctx context.Context, req UploadRequest) (*UploadSummary, error) {
	if err := ValidateContext(&req.ClientName, &req.ClientProject, &req.CollectionDate); err != nil {
		observeUpload(uploadOutcomeRejected)
		return nil, err
	}
	parsed, err := ParseCSV(req.Content)
	if err != nil {
		observeUpload(uploadOutcomeRejected)
		return nil, err
	}
	fingerprint := Fingerprint(req.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upload transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	up := &uploadTx{
		store:       s,
		tx:          tx,
		req:         req,
		parsed:      parsed,
		fingerprint: fingerprint,
		appliedAt:   s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := up.registerBatch(ctx); err != nil {
		var dup *AlreadyUploadedError
		if errors.As(err, &dup) {
			observeUpload(uploadOutcomeAlreadyUploaded)
			s.logger.Info().
				Str("client", req.ClientName).
				Str("project", req.ClientProject).
				Str("batch", dup.BatchID).
				Msg("duplicate upload short-circuited")
		}
		return nil, err
	}
	if err := up.resolveRows(ctx); err != nil {
		return nil, err
	}
	if err := up.finalizeBatch(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload transaction: %w", err)
	}
	committed = true

	observeUpload(uploadOutcomeAccepted)
	observeRows(up)
	summary := up.summary()
	s.logger.Info().
		Str("client", req.ClientName).
		Str("project", req.ClientProject).
		Str("date", req.CollectionDate).
		Str("batch", summary.BatchID).
		Int("applied", summary.RowsApplied).
		Int("skipped", summary.RowsSkipped).
		Msg("upload applied")
	return summary, nil
}

// uploadTx carries one upload through the ordered transactional stages:
// registerBatch, resolveRows, finalizeBatch. The stages are methods on this
// type so the ordering is enforced by the call chain in ApplyUpload rather
// than by loose statements.
type uploadTx struct {
	store       *Store
	tx          *sql.Tx
	req         UploadRequest
	parsed      ParseResult
	fingerprint string
	appliedAt   string

	batchID       string
	inserted      int
	updated       int
	skippedStale  int
	skippedDupCtx int
	notes         []string
}

// registerBatch performs the idempotency pre-check and creates the ledger
// row. Two uploads racing to register the same batch identity are settled
// by the unique index: the loser observes zero affected rows and reports
// the winner's batch instead of applying anything.
func (u *uploadTx) registerBatch(ctx context.Context) error {
	if dup, err := u.lookupExistingBatch(ctx); err != nil {
		return err
	} else if dup != nil {
		return dup
	}

	u.batchID = u.store.newBatchID()
	res, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
		INSERT INTO upload_batches
			(batch_id, client_name, client_project, collection_date, content_fingerprint,
			 rows_total, rows_valid_unique, rows_applied, rows_skipped, duplicates_in_file, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, '', ?)
		ON CONFLICT (client_name, client_project, collection_date, content_fingerprint) DO NOTHING`),
		u.batchID, u.req.ClientName, u.req.ClientProject, u.req.CollectionDate, u.fingerprint,
		u.parsed.RowsTotal, len(u.parsed.Rows), u.parsed.DuplicatesInFile, u.appliedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Retry-safe: the resubmission will hit the idempotency
			// pre-check against the winner's committed batch.
			return fmt.Errorf("register batch: concurrent identical upload: %w", err)
		}
		return fmt.Errorf("register batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("register batch: %w", err)
	}
	if affected == 0 {
		// A concurrent identical upload won the registration race.
		if dup, err := u.lookupExistingBatch(ctx); err != nil {
			return err
		} else if dup != nil {
			return dup
		}
		return errors.New("register batch: conflicting batch vanished")
	}
	return nil
}

func (u *uploadTx) lookupExistingBatch(ctx context.Context) (*AlreadyUploadedError, error) {
	var batchID, createdAt string
	err := u.tx.QueryRowContext(ctx, u.store.dialect.rebind(`
		SELECT batch_id, created_at FROM upload_batches
		WHERE client_name = ? AND client_project = ? AND collection_date = ? AND content_fingerprint = ?`),
		u.req.ClientName, u.req.ClientProject, u.req.CollectionDate, u.fingerprint,
	).Scan(&batchID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	uploadedAt, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &AlreadyUploadedError{BatchID: batchID, UploadedAt: uploadedAt}, nil
}

// resolveRows runs every parsed row through the conflict resolver and
// records an audit item per row.
func (u *uploadTx) resolveRows(ctx context.Context) error {
	for _, row := range u.parsed.Rows {
		if err := u.resolveRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (u *uploadTx) resolveRow(ctx context.Context, row Row) error {
	if u.store.rowHook != nil {
		if err := u.store.rowHook(row); err != nil {
			return err
		}
	}
	if u.store.audit {
		dup, err := u.contextAlreadyRecorded(ctx, row.EntityID)
		if err != nil {
			return err
		}
		if dup {
			return u.recordItem(ctx, row, StatusSkippedDuplicateContext,
				"Already uploaded earlier for this same client/project/date.")
		}
	}

	dec, err := u.applyMaster(ctx, row)
	if err != nil {
		return err
	}
	return u.recordItem(ctx, row, dec.status, dec.note)
}

// applyMaster reads the master record (row-locked where the dialect
// supports it), decides the outcome under the policy, and applies it. A
// uniqueness violation on insert means a concurrent upload created the
// record after our read; the row is re-read and re-resolved rather than
// treated as fatal.
func (u *uploadTx) applyMaster(ctx context.Context, row Row) (decision, error) {
	for attempt := 0; attempt < masterResolveAttempts; attempt++ {
		existing, err := u.readMaster(ctx, row.EntityID)
		if err != nil {
			return decision{}, err
		}
		dec := resolve(existing, u.req, row)
		switch dec.status {
		case StatusInserted:
			res, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
				INSERT INTO ea_frame
					(entity_id, household_count, owner_name, owner_project, last_collection_date, last_applied_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (entity_id) DO NOTHING`),
				row.EntityID, row.HouseholdCount, u.req.ClientName, u.req.ClientProject,
				u.req.CollectionDate, u.appliedAt,
			)
			if err != nil {
				return decision{}, fmt.Errorf("insert master %s: %w", row.EntityID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return decision{}, fmt.Errorf("insert master %s: %w", row.EntityID, err)
			}
			if affected == 0 {
				// Record appeared between read and insert; resolve again
				// against the record that now exists.
				continue
			}
			return dec, nil
		case StatusUpdated:
			if _, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
				UPDATE ea_frame
				SET household_count = ?, owner_name = ?, owner_project = ?,
					last_collection_date = ?, last_applied_at = ?
				WHERE entity_id = ?`),
				row.HouseholdCount, u.req.ClientName, u.req.ClientProject,
				u.req.CollectionDate, u.appliedAt, row.EntityID,
			); err != nil {
				return decision{}, fmt.Errorf("update master %s: %w", row.EntityID, err)
			}
			return dec, nil
		default:
			return dec, nil
		}
	}
	return decision{}, fmt.Errorf("resolve master %s: insert kept conflicting", row.EntityID)
}

func (u *uploadTx) readMaster(ctx context.Context, entityID string) (*MasterRecord, error) {
	query := u.store.dialect.rebind(`
		SELECT entity_id, household_count, owner_name, owner_project,
			COALESCE(last_collection_date, ''), last_applied_at
		FROM ea_frame WHERE entity_id = ?`) + u.store.dialect.forUpdate()
	rec, err := scanMaster(u.tx.QueryRowContext(ctx, query, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read master %s: %w", entityID, err)
	}
	return rec, nil
}

// recordItem writes the per-row audit item. The partial unique index on
// (client, project, date, entity) is the authoritative duplicate-context
// guard: a conflict here means another batch recorded this entity for the
// same context concurrently, and the row is reclassified accordingly.
func (u *uploadTx) recordItem(ctx context.Context, row Row, status RowStatus, note string) error {
	if u.store.audit {
		res, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
			INSERT INTO upload_items
				(batch_id, entity_id, household_count, client_name, client_project, collection_date, status, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`),
			u.batchID, row.EntityID, row.HouseholdCount, u.req.ClientName, u.req.ClientProject,
			u.req.CollectionDate, string(status), note, u.appliedAt,
		)
		if err != nil {
			return fmt.Errorf("record item %s: %w", row.EntityID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record item %s: %w", row.EntityID, err)
		}
		if affected == 0 && status != StatusSkippedDuplicateContext {
			status = StatusSkippedDuplicateContext
			note = "Already uploaded earlier for this same client/project/date."
			if _, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
				INSERT INTO upload_items
					(batch_id, entity_id, household_count, client_name, client_project, collection_date, status, note, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				u.batchID, row.EntityID, row.HouseholdCount, u.req.ClientName, u.req.ClientProject,
				u.req.CollectionDate, string(status), note, u.appliedAt,
			); err != nil {
				return fmt.Errorf("record item %s: %w", row.EntityID, err)
			}
		}
	}

	switch status {
	case StatusInserted:
		u.inserted++
	case StatusUpdated:
		u.updated++
	case StatusSkippedStale:
		u.skippedStale++
	case StatusSkippedDuplicateContext:
		u.skippedDupCtx++
	}
	if note != "" && len(u.notes) < maxSummaryNotes {
		u.notes = append(u.notes, row.EntityID+": "+note)
	}
	return nil
}

// finalizeBatch writes the final counters and status note, exactly once.
func (u *uploadTx) finalizeBatch(ctx context.Context) error {
	note := fmt.Sprintf("Applied %d, skipped %d (stale %d, duplicate context %d), duplicates in file %d.",
		u.applied(), u.skipped(), u.skippedStale, u.skippedDupCtx, u.parsed.DuplicatesInFile)
	if _, err := u.tx.ExecContext(ctx, u.store.dialect.rebind(`
		UPDATE upload_batches
		SET rows_applied = ?, rows_skipped = ?, note = ?
		WHERE batch_id = ?`),
		u.applied(), u.skipped(), note, u.batchID,
	); err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	return nil
}

func (u *uploadTx) applied() int { return u.inserted + u.updated }
func (u *uploadTx) skipped() int { return u.skippedStale + u.skippedDupCtx }

func (u *uploadTx) summary() *UploadSummary {
	return &UploadSummary{
		BatchID:          u.batchID,
		RowsTotal:        u.parsed.RowsTotal,
		RowsValidUnique:  len(u.parsed.Rows),
		RowsApplied:      u.applied(),
		RowsSkipped:      u.skipped(),
		DuplicatesInFile: u.parsed.DuplicatesInFile,
		Note:             fmt.Sprintf("Upload processed. Saved batch with %d applied and %d skipped rows.", u.applied(), u.skipped()),
		Notes:            u.notes,
	}
}

func (u *uploadTx) contextAlreadyRecorded(ctx context.Context, entityID string) (bool, error) {
	var one int
	err := u.tx.QueryRowContext(ctx, u.store.dialect.rebind(`
		SELECT 1 FROM upload_items
		WHERE client_name = ? AND client_project = ? AND collection_date = ? AND entity_id = ?
			AND status <> 'skipped_duplicate_context'
		LIMIT 1`),
		u.req.ClientName, u.req.ClientProject, u.req.CollectionDate, entityID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("duplicate context check %s: %w", entityID, err)
	}
	return true, nil
}

// Master returns the current master record for one EA.
func (s *Store) Master(ctx context.Context, entityID string) (*MasterRecord, error) {
	entityID = trimmed(entityID)
	if entityID == "" {
		return nil, ErrInvalidInput
	}
	rec, err := scanMaster(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT entity_id, household_count, owner_name, owner_project,
			COALESCE(last_collection_date, ''), last_applied_at
		FROM ea_frame WHERE entity_id = ?`), entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read master %s: %w", entityID, err)
	}
	return rec, nil
}

// Batch returns one ledger row by identifier.
func (s *Store) Batch(ctx context.Context, batchID string) (*UploadBatch, error) {
	batchID = trimmed(batchID)
	if batchID == "" {
		return nil, ErrInvalidInput
	}
	var b UploadBatch
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT batch_id, client_name, client_project, collection_date, content_fingerprint,
			rows_total, rows_valid_unique, rows_applied, rows_skipped, duplicates_in_file, note, created_at
		FROM upload_batches WHERE batch_id = ?`), batchID,
	).Scan(&b.BatchID, &b.ClientName, &b.ClientProject, &b.CollectionDate, &b.ContentFingerprint,
		&b.RowsTotal, &b.RowsValidUnique, &b.RowsApplied, &b.RowsSkipped, &b.DuplicatesInFile, &b.Note, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", batchID, err)
	}
	if b.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// TableCounts reports row counts per table for operator verification.
type TableCounts struct {
	Masters int64 `json:"eaFrame"`
	Batches int64 `json:"uploadBatches"`
	Items   int64 `json:"uploadItems"`
}

func (s *Store) Counts(ctx context.Context) (TableCounts, error) {
	var counts TableCounts
	for _, target := range []struct {
		table string
		dest  *int64
	}{
		{"ea_frame", &counts.Masters},
		{"upload_batches", &counts.Batches},
		{"upload_items", &counts.Items},
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+target.table).Scan(target.dest); err != nil {
			return TableCounts{}, fmt.Errorf("count %s: %w", target.table, err)
		}
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaster(row rowScanner) (*MasterRecord, error) {
	var rec MasterRecord
	var appliedAt string
	if err := row.Scan(&rec.EntityID, &rec.HouseholdCount, &rec.OwnerName, &rec.OwnerProject,
		&rec.LastCollectionDate, &appliedAt); err != nil {
		return nil, err
	}
	t, err := parseStoredTime(appliedAt)
	if err != nil {
		return nil, err
	}
	rec.LastAppliedAt = t
	return &rec, nil
}

func parseStoredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return t, nil
}
