// Package spool ingests CSV files dropped into a watched directory, for
// vendors that deliver over SFTP instead of the HTTP form. File names carry
// the submission context: <client>__<project>__<YYYY-MM-DD>.csv. Processed
// files move to processed/, refused ones to failed/ with the reason written
// alongside.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/npcdata/eaframe/internal/reconcile"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
	// settleDelay lets a writer finish before the file is picked up; drops
	// are expected to be small CSV exports, not streamed writes.
	settleDelay = 200 * time.Millisecond
)

// Applier is the part of the engine the watcher needs.
type Applier interface {
	ApplyUpload(ctx context.Context, req reconcile.UploadRequest) (*reconcile.UploadSummary, error)
}

type Watcher struct {
	dir     string
	applier Applier
	logger  zerolog.Logger
}

func NewWatcher(dir string, applier Applier, logger zerolog.Logger) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, reconcile.ErrInvalidInput
	}
	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}
	return &Watcher{dir: dir, applier: applier, logger: logger}, nil
}

// Run watches the spool directory until ctx is cancelled. Files already
// present at startup are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start spool watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch spool directory: %w", err)
	}

	if err := w.ingestExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			w.ingestFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("spool watcher error")
		}
	}
}

func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.ingestFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// ingestFile runs one dropped file through the applier and files it under
// processed/ or failed/. Ingestion errors never stop the watcher.
func (w *Watcher) ingestFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		return
	}
	// Let the writer finish, but never outlive a shutdown; an unprocessed
	// file is picked up again by the startup scan.
	settle := time.NewTimer(settleDelay)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return
	case <-settle.C:
	}

	logger := w.logger.With().Str("file", name).Logger()

	clientName, clientProject, collectionDate, err := ParseDropName(name)
	if err != nil {
		logger.Warn().Err(err).Msg("unrecognized spool file name")
		w.moveToFailed(path, err.Error())
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Msg("unreadable spool file")
		return
	}

	summary, err := w.applier.ApplyUpload(ctx, reconcile.UploadRequest{
		ClientName:     clientName,
		ClientProject:  clientProject,
		CollectionDate: collectionDate,
		Content:        content,
		Policy:         reconcile.ConflictPolicy{DateMode: reconcile.NewerWins},
	})
	switch {
	case err == nil:
		logger.Info().Str("batch", summary.BatchID).
			Int("applied", summary.RowsApplied).
			Int("skipped", summary.RowsSkipped).
			Msg("spool file applied")
		w.moveTo(path, processedDir)
	case errors.Is(err, reconcile.ErrAlreadyUploaded):
		logger.Info().Msg("spool file already uploaded")
		w.moveTo(path, processedDir)
	case errors.Is(err, reconcile.ErrRejected):
		logger.Warn().Err(err).Msg("spool file rejected")
		w.moveToFailed(path, err.Error())
	default:
		// Storage trouble: leave the file in place so a later pass can
		// retry it.
		logger.Error().Err(err).Msg("spool file could not be processed")
	}
}

func (w *Watcher) moveTo(path, sub string) {
	dest := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("could not move spool file")
	}
}

func (w *Watcher) moveToFailed(path, reason string) {
	w.moveTo(path, failedDir)
	reasonPath := filepath.Join(w.dir, failedDir, filepath.Base(path)+".reason.txt")
	if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o644); err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("could not write rejection reason")
	}
}

// ParseDropName splits <client>__<project>__<YYYY-MM-DD>.csv into the
// submission context.
func ParseDropName(name string) (clientName, clientProject, collectionDate string, err error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "__")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("file name %q must look like client__project__YYYY-MM-DD.csv", name)
	}
	clientName = strings.TrimSpace(parts[0])
	clientProject = strings.TrimSpace(parts[1])
	collectionDate, dateErr := reconcile.ParseCollectionDate(parts[2])
	if clientName == "" || clientProject == "" || dateErr != nil {
		return "", "", "", fmt.Errorf("file name %q must look like client__project__YYYY-MM-DD.csv", name)
	}
	return clientName, clientProject, collectionDate, nil
}
