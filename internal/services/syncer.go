package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/Lllllllleong/dbfsync/internal/dbf"
	"github.com/Lllllllleong/dbfsync/internal/gcp"
	"github.com/Lllllllleong/dbfsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FileSource lists and fetches DBF files.
type FileSource interface {
	ListDBFFiles(ctx context.Context, folderID string, since time.Time) ([]models.DriveFile, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// DocumentStore is the Firestore side of the sync.
type DocumentStore interface {
	FetchHashes(ctx context.Context, collection string, ids []string, field string) (map[string]string, error)
	Commit(ctx context.Context, collection string, docs []models.Document) error
	SaveRun(ctx context.Context, collection string, run *models.SyncRun) error
}

// Archiver stores raw file snapshots and returns their URI.
type Archiver interface {
	Save(ctx context.Context, objectName string, content []byte) (string, error)
}

// Notifier receives the run summary once a sync finishes.
type Notifier interface {
	Notify(ctx context.Context, payload any) (string, error)
}

// SyncFunction holds dependencies for the DBF to Firestore sync.
type SyncFunction struct {
	source   FileSource
	store    DocumentStore
	archive  Archiver
	notifier Notifier
	limiter  *rate.Limiter
	config   config.Config
	closers  []func() error

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a SyncFunction built with NewSyncFunction.
type Option func(*SyncFunction)

func WithArchive(a Archiver) Option { return func(f *SyncFunction) { f.archive = a } }
func WithNotifier(n Notifier) Option { return func(f *SyncFunction) { f.notifier = n } }
func WithClock(now func() time.Time) Option {
	return func(f *SyncFunction) { f.now = now }
}

// WithSleep replaces the backoff wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *SyncFunction) { f.sleep = sleep }
}

// NewSyncFunction wires a SyncFunction from already built dependencies.
func NewSyncFunction(cfg config.Config, source FileSource, store DocumentStore, opts ...Option) *SyncFunction {
	f := &SyncFunction{
		source:  source,
		store:   store,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.BatchPause), 1),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewSyncer creates the Drive, Firestore and optional Storage and Workflows
// clients described by cfg.
func NewSyncer(ctx context.Context, cfg *config.Config) (*SyncFunction, error) {
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	driveKey := []byte(cfg.DriveKey)
	firebaseKey := []byte(cfg.FirebaseKey)

	driveClient, err := gcp.NewDriveClient(ctx, driveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, firebaseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	closers := []func() error{firestoreClient.Close}

	var opts []Option
	if cfg.ArchiveBucket != "" {
		archive, err := gcp.NewArchive(ctx, cfg.ArchiveBucket, firebaseKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive: %w", err)
		}
		closers = append(closers, archive.Close)
		opts = append(opts, WithArchive(archive))
	}
	if cfg.NotifyWorkflowID != "" {
		projectID := cfg.ProjectID
		if projectID == "" {
			projectID = gcp.ProjectIDFromCredentials(firebaseKey)
		}
		notifier, err := gcp.NewWorkflowNotifier(ctx, projectID, cfg.NotifyWorkflowLocation, cfg.NotifyWorkflowID, firebaseKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create workflow notifier: %w", err)
		}
		closers = append(closers, notifier.Close)
		opts = append(opts, WithNotifier(notifier))
	}

	f := NewSyncFunction(*cfg, driveClient, gcp.NewFirestoreStore(firestoreClient), opts...)
	f.closers = closers
	slog.Info("DBF sync initialized.", "folderId", cfg.FolderID, "window", cfg.Window.String(), "batchSize", cfg.BatchSize)
	return f, nil
}

// Close releases the underlying clients.
func (f *SyncFunction) Close() error {
	var errs []error
	for _, c := range f.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Process runs one synchronization. The response is returned even when some
// files failed; the error then joins every file failure.
func (f *SyncFunction) Process(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	if req == nil {
		req = &models.SyncRequest{}
	}
	window := f.config.Window
	if req.Window != "" {
		w, err := ParseWindow(req.Window)
		if err != nil {
			return nil, err
		}
		window = w
	}
	dryRun := f.config.DryRun || req.DryRun
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	run := &models.SyncRun{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		Status:    models.StatusRunning,
		DryRun:    dryRun,
		Window:    window.String(),
		Files:     []models.FileResult{},
		StartedAt: f.now().UTC(),
	}
	logCtx := slog.With("runId", run.RunID, "trigger", trigger, "dryRun", dryRun)
	logCtx.Info("Starting DBF sync.", "folderId", f.config.FolderID, "window", run.Window)
	f.saveRun(ctx, logCtx, run, dryRun)

	var since time.Time
	if window > 0 {
		since = f.now().Add(-window)
	}
	files, err := f.source.ListDBFFiles(ctx, f.config.FolderID, since)
	if err != nil {
		logCtx.Error("Failed to list DBF files", "error", err)
		f.finish(ctx, logCtx, run, models.StatusFailed, err, dryRun)
		return f.response(run), fmt.Errorf("failed to list DBF files: %w", err)
	}
	files = filterByName(files, req.Files)
	logCtx.Info("Found DBF files to process.", "fileCount", len(files))

	results := make([]models.FileResult, len(files))
	errs := make([]error, len(files))
	var eg errgroup.Group
	eg.SetLimit(f.config.FileConcurrency)
	for i, file := range files {
		eg.Go(func() error {
			results[i], errs[i] = f.processFile(ctx, logCtx, file, dryRun)
			return nil
		})
	}
	_ = eg.Wait()

	run.Files = results
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	runErr := errors.Join(errs...)
	status := models.StatusSucceeded
	switch {
	case failed > 0 && failed == len(files):
		status = models.StatusFailed
	case failed > 0:
		status = models.StatusPartial
	}
	f.finish(ctx, logCtx, run, status, runErr, dryRun)
	return f.response(run), runErr
}

func (f *SyncFunction) processFile(ctx context.Context, logCtx *slog.Logger, file models.DriveFile, dryRun bool) (models.FileResult, error) {
	collection := CollectionName(file.Name)
	res := models.FileResult{File: file.Name, Collection: collection}
	logCtx = logCtx.With("file", file.Name, "collection", collection)

	fail := func(message string, err error) (models.FileResult, error) {
		logCtx.Error(message, "error", err)
		res.Error = fmt.Sprintf("%s: %v", message, err)
		return res, fmt.Errorf("%s: %s: %w", file.Name, message, err)
	}

	if !ValidDocumentID(collection) {
		return fail("invalid collection name", fmt.Errorf("%q", collection))
	}

	data, err := f.download(ctx, logCtx, file)
	if err != nil {
		return fail("failed to download file", err)
	}

	if f.archive != nil && !dryRun {
		uri, err := f.archive.Save(ctx, archiveObjectName(collection, file), data)
		if err != nil {
			logCtx.Warn("Failed to archive raw DBF snapshot.", "error", err)
		} else {
			res.ArchiveURI = uri
		}
	}

	table, err := dbf.Parse(data, dbf.WithEncoding(f.config.Encoding))
	if err != nil {
		return fail("failed to parse DBF", err)
	}
	records, err := table.Records()
	if err != nil {
		return fail("failed to read DBF records", err)
	}
	if len(records) == 0 {
		logCtx.Warn("Empty table, skipped.")
		res.Empty = true
		return res, nil
	}

	docs, skipped := BuildDocuments(table.FieldNames(), records, f.config.HashField)
	res.Records = len(records)
	res.Skipped = skipped
	if skipped > 0 {
		logCtx.Warn("Records without a usable key were skipped.", "skipped", skipped)
	}

	for start := 0; start < len(docs); start += f.config.BatchSize {
		end := min(start+f.config.BatchSize, len(docs))
		written, unchanged, err := f.syncChunk(ctx, logCtx, collection, dedupe(docs[start:end]), dryRun)
		res.Written += written
		res.Unchanged += unchanged
		if err != nil {
			return fail("failed to write batch", err)
		}
	}

	logCtx.Info("File synchronized.", "records", res.Records, "written", res.Written, "unchanged", res.Unchanged, "skipped", res.Skipped)
	return res, nil
}

// syncChunk writes the documents whose stored hash differs. A failed hash
// read makes every document of the chunk count as changed.
func (f *SyncFunction) syncChunk(ctx context.Context, logCtx *slog.Logger, collection string, chunk []models.Document, dryRun bool) (written, unchanged int, err error) {
	ids := make([]string, len(chunk))
	for i, d := range chunk {
		ids[i] = d.ID
	}
	existing, err := f.store.FetchHashes(ctx, collection, ids, f.config.HashField)
	if err != nil {
		logCtx.Warn("Failed to read stored hashes, writing the whole batch.", "error", err, "batchSize", len(chunk))
		existing = nil
	}

	changed := make([]models.Document, 0, len(chunk))
	for _, d := range chunk {
		if h, ok := existing[d.ID]; ok && h == d.Hash {
			unchanged++
			continue
		}
		changed = append(changed, d)
	}
	if len(changed) == 0 || dryRun {
		return len(changed), unchanged, nil
	}
	if err := f.commit(ctx, logCtx, collection, changed); err != nil {
		return 0, unchanged, err
	}
	return len(changed), unchanged, nil
}

// commit paces batches through the limiter and retries quota rejections with
// a doubling backoff.
func (f *SyncFunction) commit(ctx context.Context, logCtx *slog.Logger, collection string, docs []models.Document) error {
	backoff := f.config.QuotaBackoff
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		err := f.store.Commit(ctx, collection, docs)
		if err == nil {
			return nil
		}
		if !gcp.IsQuotaExceeded(err) || attempt >= f.config.MaxRetries {
			return err
		}
		logCtx.Warn(
			"Write quota exhausted, will retry.",
			"attempt", attempt,
			"maxRetries", f.config.MaxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := f.sleep(ctx, backoff); err != nil {
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "error", err)
			return err
		}
		backoff *= 2
	}
}

func (f *SyncFunction) download(ctx context.Context, logCtx *slog.Logger, file models.DriveFile) ([]byte, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		data, err := f.source.Download(ctx, file.ID)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == f.config.MaxRetries {
			break
		}
		logCtx.Warn("Download failed, will retry.", "attempt", attempt, "backoff", backoff.String(), "error", err)
		if err := f.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("download of %s failed after all retries: %w", file.ID, lastErr)
}

func (f *SyncFunction) saveRun(ctx context.Context, logCtx *slog.Logger, run *models.SyncRun, dryRun bool) {
	if f.config.RunsCollection == "" || dryRun {
		return
	}
	if err := f.store.SaveRun(ctx, f.config.RunsCollection, run); err != nil {
		logCtx.Error("Failed to save run record", "error", err)
	}
}

func (f *SyncFunction) finish(ctx context.Context, logCtx *slog.Logger, run *models.SyncRun, status string, runErr error, dryRun bool) {
	run.Status = status
	run.FinishedAt = f.now().UTC()
	if runErr != nil {
		run.ErrorDetails = runErr.Error()
	}
	f.saveRun(ctx, logCtx, run, dryRun)

	if f.notifier != nil && !dryRun {
		name, err := f.notifier.Notify(ctx, f.response(run))
		if err != nil {
			logCtx.Error("Failed to notify downstream workflow", "error", err)
		} else {
			logCtx.Info("Downstream workflow triggered.", "execution", name)
		}
	}
	logCtx.Info("DBF sync finished.", "status", status, "files", len(run.Files), "duration", run.FinishedAt.Sub(run.StartedAt).String())
}

func (f *SyncFunction) response(run *models.SyncRun) *models.SyncResponse {
	return &models.SyncResponse{Status: run.Status, RunID: run.RunID, Files: run.Files}
}

// filterByName keeps files whose name matches one of names, ignoring case.
// No names keeps everything.
// ErrInvalidWindow marks a request window that is not a non-negative duration.
var ErrInvalidWindow = errors.New("invalid window")

// ParseWindow parses a request window such as "5h". "0" means every file.
func ParseWindow(s string) (time.Duration, error) {
	w, err := time.ParseDuration(s)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("%w %q", ErrInvalidWindow, s)
	}
	return w, nil
}

func filterByName(files []models.DriveFile, names []string) []models.DriveFile {
	if len(names) == 0 {
		return files
	}
	out := files[:0:0]
	for _, f := range files {
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(n), f.Name) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
