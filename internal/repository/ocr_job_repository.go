package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docvault-api/internal/models"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// wakeChannel is the NOTIFY channel the dispatcher listens on; enqueueing
// fires it so idle workers pick new work up without waiting for a poll tick.
const wakeChannel = "ocr_jobs_wake"

const ocrJobColumns = `id, document_id, status, priority, language, engine, options, retry_count, max_retries,
result, extracted_text, confidence_score, page_count, word_count, character_count,
error_message, error_code, lease_owner, lease_expires_at,
processing_started_at, processing_completed_at, created_at, updated_at`

// OcrJobRepository owns the persistent job queue. All state transitions are
// single atomic statements or short transactions so that any number of
// processes can share the queue safely.
type OcrJobRepository struct {
	db *sqlx.DB
}

// NewOcrJobRepository constructs the repository.
func NewOcrJobRepository(db *sqlx.DB) *OcrJobRepository {
	return &OcrJobRepository{db: db}
}

// WakeChannel exposes the NOTIFY channel name for the dispatcher's listener.
func (r *OcrJobRepository) WakeChannel() string {
	return wakeChannel
}

// Enqueue inserts a pending job and back-links it on the document, provided
// the document exists and is not deleted. Fires the wake notification on
// commit.
func (r *OcrJobRepository) Enqueue(ctx context.Context, job *models.OcrJob) (err error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.OcrJobStatusPending
	}
	if job.Options == nil {
		job.Options = models.JobOptions{}
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = models.MaxRetriesDefault
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	doc, err := lockDocumentRow(ctx, tx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc.DeletedAt != nil {
		return appErrors.ErrDocumentNotFound
	}

	const insertQuery = `INSERT INTO ocr_jobs (id, document_id, status, priority, language, engine, options, retry_count, max_retries, created_at, updated_at)
VALUES (:id, :document_id, :status, :priority, :language, :engine, :options, :retry_count, :max_retries, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, job); err != nil {
		return fmt.Errorf("insert ocr job: %w", err)
	}

	if err = bumpDocumentRow(ctx, tx, job.DocumentID, doc.Version, "ocr_job_id = $1", job.ID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", wakeChannel, job.ID); err != nil {
		return fmt.Errorf("notify enqueue: %w", err)
	}
	return tx.Commit()
}

// LeaseOne atomically claims the single most urgent visible pending job for
// workerID and marks its document processing. Returns (nil, nil) when nothing
// is leasable. Jobs whose backoff timestamp has not passed stay invisible.
func (r *OcrJobRepository) LeaseOne(ctx context.Context, workerID string, ttl time.Duration) (job *models.OcrJob, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	leaseQuery := `UPDATE ocr_jobs SET status = 'processing', lease_owner = $1, lease_expires_at = $2,
processing_started_at = COALESCE(processing_started_at, $3), updated_at = $3
WHERE id = (
	SELECT id FROM ocr_jobs
	WHERE status = 'pending'
	  AND retry_count <= max_retries
	  AND COALESCE((options->>'_not_before')::bigint, 0) <= EXTRACT(EPOCH FROM now())::bigint
	ORDER BY priority ASC, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + ocrJobColumns

	var leased models.OcrJob
	if err = tx.QueryRowxContext(ctx, leaseQuery, workerID, now.Add(ttl), now).StructScan(&leased); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.Commit()
			return nil, err
		}
		return nil, fmt.Errorf("lease ocr job: %w", err)
	}

	doc, lockErr := lockDocumentRow(ctx, tx, leased.DocumentID)
	switch {
	case lockErr == nil:
		if doc.DeletedAt == nil {
			if err = bumpDocumentRow(ctx, tx, leased.DocumentID, doc.Version, "status = $1", models.DocumentStatusProcessing); err != nil {
				return nil, err
			}
		}
	case appErrors.Is(lockErr, appErrors.ErrDocumentNotFound):
		// Document hard-deleted after enqueue; the lease stands and the
		// worker's completion will simply find nothing to update.
	default:
		err = lockErr
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &leased, nil
}

// RenewLease extends the worker's hold on a processing job. ErrLeaseLost
// means the job was cancelled, expired, or claimed elsewhere; the worker must
// abandon it without writing results.
func (r *OcrJobRepository) RenewLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error {
	const query = `UPDATE ocr_jobs SET lease_expires_at = $1, updated_at = $2
WHERE id = $3 AND lease_owner = $4 AND status = 'processing'`
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query, now.Add(ttl), now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease rows affected: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrLeaseLost
	}
	return nil
}

// CompleteJobParams carries the OCR output persisted on success.
type CompleteJobParams struct {
	Text           string
	Confidence     float64
	Language       string
	PageCount      int
	WordCount      int
	CharacterCount int
	Result         models.JSONMap
}

// Complete finalizes a leased job and copies the result onto the document in
// the same transaction. Only the lease holder can complete; anyone else gets
// ErrLeaseLost.
func (r *OcrJobRepository) Complete(ctx context.Context, jobID, workerID string, params CompleteJobParams) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `UPDATE ocr_jobs SET status = 'completed', extracted_text = $1, confidence_score = $2,
page_count = $3, word_count = $4, character_count = $5, result = $6,
lease_owner = NULL, lease_expires_at = NULL, processing_completed_at = $7, updated_at = $7
WHERE id = $8 AND lease_owner = $9 AND status = 'processing'
RETURNING document_id`
	now := time.Now().UTC()
	var documentID string
	if err = tx.QueryRowxContext(ctx, query,
		params.Text, params.Confidence, params.PageCount, params.WordCount, params.CharacterCount,
		params.Result, now, jobID, workerID,
	).Scan(&documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrLeaseLost
		}
		return fmt.Errorf("complete ocr job: %w", err)
	}

	doc, err := lockDocumentRow(ctx, tx, documentID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDocumentNotFound) {
			err = tx.Commit()
			return err
		}
		return err
	}
	if doc.DeletedAt == nil {
		const assign = `status = $1, ocr_completed = TRUE, ocr_job_id = $2, ocr_text = $3,
ocr_confidence = $4, ocr_language = $5, ocr_page_count = $6, ocr_word_count = $7`
		if err = bumpDocumentRow(ctx, tx, documentID, doc.Version, assign,
			models.DocumentStatusCompleted, jobID, params.Text, params.Confidence, params.Language, params.PageCount, params.WordCount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FailJobParams describes a failed attempt. NotBefore is honored only when
// the attempt is retried.
type FailJobParams struct {
	ErrorCode    string
	ErrorMessage string
	Retryable    bool
	NotBefore    time.Time
}

// Fail records a failed attempt by the lease holder. With retry budget left
// and a retryable error the job returns to pending behind its backoff
// timestamp; otherwise it fails terminally and the document is marked failed
// unless an earlier job already succeeded. Reports whether the failure was
// terminal.
func (r *OcrJobRepository) Fail(ctx context.Context, jobID, workerID string, params FailJobParams) (terminal bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin fail: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current struct {
		DocumentID string `db:"document_id"`
		RetryCount int    `db:"retry_count"`
		MaxRetries int    `db:"max_retries"`
	}
	const lockQuery = `SELECT document_id, retry_count, max_retries FROM ocr_jobs
WHERE id = $1 AND lease_owner = $2 AND status = 'processing' FOR UPDATE`
	if err = tx.GetContext(ctx, &current, lockQuery, jobID, workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.ErrLeaseLost
		}
		return false, fmt.Errorf("lock ocr job for fail: %w", err)
	}

	now := time.Now().UTC()
	if params.Retryable && current.RetryCount < current.MaxRetries {
		const retryQuery = `UPDATE ocr_jobs SET status = 'pending', retry_count = retry_count + 1,
options = jsonb_set(COALESCE(options, '{}'::jsonb), '{_not_before}', to_jsonb($1::bigint), TRUE),
error_code = $2, error_message = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
WHERE id = $5`
		if _, err = tx.ExecContext(ctx, retryQuery, params.NotBefore.Unix(), params.ErrorCode, params.ErrorMessage, now, jobID); err != nil {
			return false, fmt.Errorf("requeue ocr job: %w", err)
		}
		return false, tx.Commit()
	}

	const failQuery = `UPDATE ocr_jobs SET status = 'failed', retry_count = retry_count + 1,
error_code = $1, error_message = $2, lease_owner = NULL, lease_expires_at = NULL,
processing_completed_at = $3, updated_at = $3
WHERE id = $4`
	if _, err = tx.ExecContext(ctx, failQuery, params.ErrorCode, params.ErrorMessage, now, jobID); err != nil {
		return false, fmt.Errorf("fail ocr job: %w", err)
	}
	if err = markDocumentFailed(ctx, tx, current.DocumentID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Cancel transitions a pending or processing job to cancelled and clears its
// lease. A worker holding the lease notices at its next heartbeat. Cancelling
// an already-cancelled job is a no-op; completed and failed jobs cannot be
// cancelled.
func (r *OcrJobRepository) Cancel(ctx context.Context, jobID string) (job *models.OcrJob, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lockQuery := "SELECT " + ocrJobColumns + " FROM ocr_jobs WHERE id = $1 FOR UPDATE"
	var current models.OcrJob
	if err = tx.GetContext(ctx, &current, lockQuery, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrJobNotFound
		}
		return nil, fmt.Errorf("lock ocr job for cancel: %w", err)
	}

	if current.Status == models.OcrJobStatusCancelled {
		err = tx.Commit()
		if err != nil {
			return nil, err
		}
		return &current, nil
	}
	if current.Status.IsTerminal() {
		return nil, appErrors.ErrJobNotCancellable
	}
	wasProcessing := current.Status == models.OcrJobStatusProcessing

	const query = `UPDATE ocr_jobs SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL,
processing_completed_at = $1, updated_at = $1 WHERE id = $2`
	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, query, now, jobID); err != nil {
		return nil, fmt.Errorf("cancel ocr job: %w", err)
	}

	if wasProcessing {
		if err = revertDocumentProcessing(ctx, tx, current.DocumentID); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	current.Status = models.OcrJobStatusCancelled
	current.LeaseOwner = nil
	current.LeaseExpiresAt = nil
	current.ProcessingCompletedAt = &now
	current.UpdatedAt = now
	return &current, nil
}

// ExpireLeases reclaims processing jobs whose lease ran out, charging the
// lost attempt against the retry budget. Jobs with budget left return to
// pending immediately; exhausted ones fail terminally. Returns how many went
// each way.
func (r *OcrJobRepository) ExpireLeases(ctx context.Context, now time.Time) (requeued, failed int, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin expire leases: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const requeueQuery = `UPDATE ocr_jobs SET status = 'pending', retry_count = retry_count + 1,
lease_owner = NULL, lease_expires_at = NULL, error_code = 'lease_expired', error_message = 'lease expired', updated_at = $1
WHERE status = 'processing' AND lease_expires_at < $1 AND retry_count < max_retries
RETURNING id`
	var requeuedIDs []string
	if err = tx.SelectContext(ctx, &requeuedIDs, requeueQuery, now); err != nil {
		return 0, 0, fmt.Errorf("requeue expired leases: %w", err)
	}

	const failExpiredQuery = `UPDATE ocr_jobs SET status = 'failed', retry_count = retry_count + 1,
lease_owner = NULL, lease_expires_at = NULL, error_code = 'lease_expired', error_message = 'lease expired',
processing_completed_at = $1, updated_at = $1
WHERE status = 'processing' AND lease_expires_at < $1
RETURNING document_id`
	var failedDocIDs []string
	if err = tx.SelectContext(ctx, &failedDocIDs, failExpiredQuery, now); err != nil {
		return 0, 0, fmt.Errorf("fail expired leases: %w", err)
	}

	for _, docID := range failedDocIDs {
		if err = markDocumentFailed(ctx, tx, docID); err != nil {
			return 0, 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return len(requeuedIDs), len(failedDocIDs), nil
}

// Retry resurrects a terminally failed job with a fresh retry budget and
// wakes the dispatcher.
func (r *OcrJobRepository) Retry(ctx context.Context, jobID string) (job *models.OcrJob, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retry: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	retryQuery := `UPDATE ocr_jobs SET status = 'pending', retry_count = 0,
options = COALESCE(options, '{}'::jsonb) - '_not_before',
error_code = NULL, error_message = NULL, processing_completed_at = NULL, updated_at = $1
WHERE id = $2 AND status = 'failed'
RETURNING ` + ocrJobColumns
	var updated models.OcrJob
	if err = tx.QueryRowxContext(ctx, retryQuery, time.Now().UTC(), jobID).StructScan(&updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.classifyRetryMiss(ctx, jobID)
		}
		return nil, fmt.Errorf("retry ocr job: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", wakeChannel, jobID); err != nil {
		return nil, fmt.Errorf("notify retry: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *OcrJobRepository) classifyRetryMiss(ctx context.Context, jobID string) error {
	var status models.OcrJobStatus
	err := r.db.GetContext(ctx, &status, "SELECT status FROM ocr_jobs WHERE id = $1", jobID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrJobNotFound
	case err != nil:
		return fmt.Errorf("classify retry miss: %w", err)
	default:
		return appErrors.ErrJobNotRetryable
	}
}

// GetByID returns a job row.
func (r *OcrJobRepository) GetByID(ctx context.Context, id string) (*models.OcrJob, error) {
	query := "SELECT " + ocrJobColumns + " FROM ocr_jobs WHERE id = $1"
	var job models.OcrJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrJobNotFound
		}
		return nil, fmt.Errorf("get ocr job: %w", err)
	}
	return &job, nil
}

// List returns jobs matching the filter, newest first. Filtering by owner
// joins through documents since jobs carry no owner themselves.
func (r *OcrJobRepository) List(ctx context.Context, filter models.OcrJobFilter) ([]models.OcrJob, error) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)
	argPos := 1

	if filter.DocumentID != "" {
		conditions = append(conditions, fmt.Sprintf("j.document_id = $%d", argPos))
		args = append(args, filter.DocumentID)
		argPos++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("j.status = $%d", argPos))
		args = append(args, filter.Status)
		argPos++
	}
	from := "ocr_jobs j"
	if filter.OwnerID != "" {
		from = "ocr_jobs j JOIN documents d ON d.id = j.document_id"
		conditions = append(conditions, fmt.Sprintf("d.owner_id = $%d", argPos))
		args = append(args, filter.OwnerID)
		argPos++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cols := make([]string, 0, 24)
	for _, c := range strings.Split(ocrJobColumns, ",") {
		cols = append(cols, "j."+strings.TrimSpace(c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY j.created_at DESC, j.id DESC LIMIT $%d OFFSET $%d",
		strings.Join(cols, ", "), from, where, argPos, argPos+1)
	args = append(args, limit, filter.Offset)

	jobs := make([]models.OcrJob, 0, limit)
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list ocr jobs: %w", err)
	}
	return jobs, nil
}

// Stats aggregates queue depth by status plus the pending backlog by
// priority.
func (r *OcrJobRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	const statusQuery = `SELECT status, COUNT(*) AS count FROM ocr_jobs GROUP BY status`
	statusRows := []struct {
		Status models.OcrJobStatus `db:"status"`
		Count  int64               `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &statusRows, statusQuery); err != nil {
		return nil, fmt.Errorf("queue stats by status: %w", err)
	}

	stats := &models.QueueStats{ByPriority: map[int]int64{}}
	for _, row := range statusRows {
		switch row.Status {
		case models.OcrJobStatusPending:
			stats.Pending = row.Count
		case models.OcrJobStatusProcessing:
			stats.Processing = row.Count
		case models.OcrJobStatusCompleted:
			stats.Completed = row.Count
		case models.OcrJobStatusFailed:
			stats.Failed = row.Count
		case models.OcrJobStatusCancelled:
			stats.Cancelled = row.Count
		}
	}

	const priorityQuery = `SELECT priority, COUNT(*) AS count FROM ocr_jobs WHERE status = 'pending' GROUP BY priority`
	priorityRows := []struct {
		Priority int   `db:"priority"`
		Count    int64 `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &priorityRows, priorityQuery); err != nil {
		return nil, fmt.Errorf("queue stats by priority: %w", err)
	}
	for _, row := range priorityRows {
		stats.ByPriority[row.Priority] = row.Count
	}
	return stats, nil
}

// lockedDocument is the slice of a document row job transitions care about.
type lockedDocument struct {
	Version      int        `db:"version"`
	OcrCompleted bool       `db:"ocr_completed"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

// lockDocumentRow takes a row lock so the version bump below cannot race
// concurrent writers.
func lockDocumentRow(ctx context.Context, tx *sqlx.Tx, docID string) (*lockedDocument, error) {
	const query = `SELECT version, ocr_completed, deleted_at FROM documents WHERE id = $1 FOR UPDATE`
	var doc lockedDocument
	if err := tx.GetContext(ctx, &doc, query, docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("lock document: %w", err)
	}
	return &doc, nil
}

// bumpDocumentRow applies assign (a SET fragment with $1-based placeholders)
// plus the version, etag and updated_at bump every document mutation carries.
// Callers must hold the row lock and pass the locked version.
func bumpDocumentRow(ctx context.Context, tx *sqlx.Tx, docID string, version int, assign string, args ...interface{}) error {
	newVersion := version + 1
	base := len(args)
	query := fmt.Sprintf("UPDATE documents SET %s, version = $%d, etag = $%d, updated_at = $%d WHERE id = $%d",
		assign, base+1, base+2, base+3, base+4)
	args = append(args, newVersion, models.ETagFor(docID, newVersion), time.Now().UTC(), docID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bump document: %w", err)
	}
	return nil
}

// markDocumentFailed flips the document to failed after a terminal job
// failure, unless an earlier job already delivered a result or the document
// is gone.
func markDocumentFailed(ctx context.Context, tx *sqlx.Tx, docID string) error {
	doc, err := lockDocumentRow(ctx, tx, docID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	if doc.DeletedAt != nil || doc.OcrCompleted {
		return nil
	}
	return bumpDocumentRow(ctx, tx, docID, doc.Version, "status = $1", models.DocumentStatusFailed)
}

// revertDocumentProcessing returns a document to uploaded when its in-flight
// job was cancelled and no earlier job succeeded.
func revertDocumentProcessing(ctx context.Context, tx *sqlx.Tx, docID string) error {
	doc, err := lockDocumentRow(ctx, tx, docID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	if doc.DeletedAt != nil {
		return nil
	}
	status := models.DocumentStatusUploaded
	if doc.OcrCompleted {
		status = models.DocumentStatusCompleted
	}
	return bumpDocumentRow(ctx, tx, docID, doc.Version, "status = $1", status)
}
