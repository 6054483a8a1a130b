package repository

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docvault-api/internal/models"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

func newOcrJobRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var ocrJobColumnList = func() []string {
	parts := strings.Split(ocrJobColumns, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.TrimSpace(p))
	}
	return cols
}()

func ocrJobRows(id, docID string, status models.OcrJobStatus, leaseOwner interface{}) *sqlmock.Rows {
	now := time.Now()
	var leaseExpires interface{}
	var startedAt interface{}
	if leaseOwner != nil {
		leaseExpires = now.Add(10 * time.Minute)
		startedAt = now
	}
	return sqlmock.NewRows(ocrJobColumnList).AddRow(
		id, docID, status, 5, "auto", "mistral", []byte(`{}`), 0, 3,
		nil, nil, nil, nil, nil, nil, nil, nil, leaseOwner, leaseExpires,
		startedAt, nil, now, now,
	)
}

func expectDocumentLock(mock sqlmock.Sqlmock, docID string, version int, ocrCompleted bool, deletedAt interface{}) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, ocr_completed, deleted_at FROM documents WHERE id = $1 FOR UPDATE")).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"version", "ocr_completed", "deleted_at"}).AddRow(version, ocrCompleted, deletedAt))
}

func TestOcrJobRepositoryEnqueue(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	expectDocumentLock(mock, "doc-1", 1, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET ocr_job_id = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(sqlmock.AnyArg(), 2, models.ETagFor("doc-1", 2), sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(wakeChannel, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.OcrJob{DocumentID: "doc-1", Priority: 5, Language: "auto", Engine: "mistral", MaxRetries: 3}
	require.NoError(t, repo.Enqueue(context.Background(), job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.OcrJobStatusPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryEnqueueDeletedDocument(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	expectDocumentLock(mock, "doc-1", 1, false, time.Now())
	mock.ExpectRollback()

	err := repo.Enqueue(context.Background(), &models.OcrJob{DocumentID: "doc-1", MaxRetries: 3})
	require.True(t, appErrors.Is(err, appErrors.ErrDocumentNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryLeaseOne(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'processing', lease_owner = $1, lease_expires_at = $2")).
		WithArgs("worker-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusProcessing, "worker-1"))
	expectDocumentLock(mock, "doc-1", 1, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(models.DocumentStatusProcessing, 2, models.ETagFor("doc-1", 2), sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.LeaseOne(context.Background(), "worker-1", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, models.OcrJobStatusProcessing, job.Status)
	require.NotNil(t, job.LeaseOwner)
	require.Equal(t, "worker-1", *job.LeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryLeaseOneEmptyQueue(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'processing'")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	job, err := repo.LeaseOne(context.Background(), "worker-1", 10*time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryRenewLease(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET lease_expires_at = $1, updated_at = $2 WHERE id = $3 AND lease_owner = $4 AND status = 'processing'")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.RenewLease(context.Background(), "job-1", "worker-1", 10*time.Minute))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET lease_expires_at = $1")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.RenewLease(context.Background(), "job-1", "worker-1", 10*time.Minute)
	require.True(t, appErrors.Is(err, appErrors.ErrLeaseLost))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryComplete(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'completed'")).
		WithArgs("hello world", 0.95, 2, 2, 11, sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1", "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow("doc-1"))
	expectDocumentLock(mock, "doc-1", 2, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, ocr_completed = TRUE, ocr_job_id = $2")).
		WithArgs(models.DocumentStatusCompleted, "job-1", "hello world", 0.95, "en", 2, 2, 3, models.ETagFor("doc-1", 3), sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Complete(context.Background(), "job-1", "worker-1", CompleteJobParams{
		Text:           "hello world",
		Confidence:     0.95,
		Language:       "en",
		PageCount:      2,
		WordCount:      2,
		CharacterCount: 11,
		Result:         models.JSONMap{"model": "mistral-ocr-latest"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryCompleteLeaseLost(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'completed'")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Complete(context.Background(), "job-1", "worker-1", CompleteJobParams{Text: "x"})
	require.True(t, appErrors.Is(err, appErrors.ErrLeaseLost))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryFailWithRetryBudget(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	notBefore := time.Now().Add(30 * time.Second).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document_id, retry_count, max_retries FROM ocr_jobs")).
		WithArgs("job-1", "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "retry_count", "max_retries"}).AddRow("doc-1", 0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'pending', retry_count = retry_count + 1")).
		WithArgs(notBefore.Unix(), "ENGINE_UNAVAILABLE", "engine down", sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := repo.Fail(context.Background(), "job-1", "worker-1", FailJobParams{
		ErrorCode:    "ENGINE_UNAVAILABLE",
		ErrorMessage: "engine down",
		Retryable:    true,
		NotBefore:    notBefore,
	})
	require.NoError(t, err)
	require.False(t, terminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryFailTerminal(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document_id, retry_count, max_retries FROM ocr_jobs")).
		WithArgs("job-1", "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "retry_count", "max_retries"}).AddRow("doc-1", 3, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'failed', retry_count = retry_count + 1")).
		WithArgs("PERMANENT_FAILURE", "unreadable file", sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDocumentLock(mock, "doc-1", 4, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(models.DocumentStatusFailed, 5, models.ETagFor("doc-1", 5), sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := repo.Fail(context.Background(), "job-1", "worker-1", FailJobParams{
		ErrorCode:    "PERMANENT_FAILURE",
		ErrorMessage: "unreadable file",
		Retryable:    false,
	})
	require.NoError(t, err)
	require.True(t, terminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryFailTerminalKeepsEarlierResult(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document_id, retry_count, max_retries FROM ocr_jobs")).
		WithArgs("job-2", "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "retry_count", "max_retries"}).AddRow("doc-1", 3, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'failed', retry_count = retry_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDocumentLock(mock, "doc-1", 7, true, nil)
	mock.ExpectCommit()

	terminal, err := repo.Fail(context.Background(), "job-2", "worker-1", FailJobParams{
		ErrorCode: "PERMANENT_FAILURE", ErrorMessage: "unreadable", Retryable: false,
	})
	require.NoError(t, err)
	require.True(t, terminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryFailLeaseLost(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document_id, retry_count, max_retries FROM ocr_jobs")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Fail(context.Background(), "job-1", "worker-2", FailJobParams{Retryable: true})
	require.True(t, appErrors.Is(err, appErrors.ErrLeaseLost))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryCancelPending(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusPending, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'cancelled'")).
		WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.OcrJobStatusCancelled, job.Status)
	require.Nil(t, job.LeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryCancelProcessingRevertsDocument(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusProcessing, "worker-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'cancelled'")).
		WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDocumentLock(mock, "doc-1", 2, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(models.DocumentStatusUploaded, 3, models.ETagFor("doc-1", 3), sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.OcrJobStatusCancelled, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryCancelTerminal(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusCompleted, nil))
	mock.ExpectRollback()

	_, err := repo.Cancel(context.Background(), "job-1")
	require.True(t, appErrors.Is(err, appErrors.ErrJobNotCancellable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryExpireLeases(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'pending', retry_count = retry_count + 1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'failed', retry_count = retry_count + 1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow("doc-9"))
	expectDocumentLock(mock, "doc-9", 1, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(models.DocumentStatusFailed, 2, models.ETagFor("doc-9", 2), sqlmock.AnyArg(), "doc-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, failed, err := repo.ExpireLeases(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Equal(t, 1, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryRetry(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'pending', retry_count = 0")).
		WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusPending, nil))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(wakeChannel, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.Retry(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.OcrJobStatusPending, job.Status)
	require.Equal(t, 0, job.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryRetryNotFailed(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ocr_jobs SET status = 'pending', retry_count = 0")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM ocr_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	_, err := repo.Retry(context.Background(), "job-1")
	require.True(t, appErrors.Is(err, appErrors.ErrJobNotRetryable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryStats(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS count FROM ocr_jobs GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).AddRow("processing", 2).AddRow("failed", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT priority, COUNT(*) AS count FROM ocr_jobs WHERE status = 'pending' GROUP BY priority")).
		WillReturnRows(sqlmock.NewRows([]string{"priority", "count"}).
			AddRow(1, 3).AddRow(5, 1))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.Pending)
	require.EqualValues(t, 2, stats.Processing)
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 3, stats.ByPriority[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOcrJobRepositoryList(t *testing.T) {
	db, mock, cleanup := newOcrJobRepoMock(t)
	defer cleanup()
	repo := NewOcrJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs j WHERE j.document_id = $1 AND j.status = $2 ORDER BY j.created_at DESC, j.id DESC LIMIT $3 OFFSET $4")).
		WithArgs("doc-1", models.OcrJobStatusPending, 50, 0).
		WillReturnRows(ocrJobRows("job-1", "doc-1", models.OcrJobStatusPending, nil))

	jobs, err := repo.List(context.Background(), models.OcrJobFilter{DocumentID: "doc-1", Status: models.OcrJobStatusPending})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
