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

func newDocumentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var documentColumnList = func() []string {
	parts := strings.Split(documentColumns, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.TrimSpace(p))
	}
	return cols
}()

func documentRows(id string, version int, deletedAt *time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(documentColumnList).AddRow(
		id, "invoice.pdf", "Invoice Q3.pdf", int64(2048), "application/pdf", "pdf", strings.Repeat("a", 64),
		"documents/user-1/2026/"+strings.Repeat("a", 64)+".pdf", "docvault", "user-1", nil, nil, nil,
		"uploaded", version, models.ETagFor(id, version), "pending", "pending", true, false,
		nil, nil, nil, nil, nil, nil, int64(0), nil, "{}", []byte("{}"), now, now, deletedAt,
	)
}

func TestDocumentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := &models.Document{
		FileName:         "invoice.pdf",
		OriginalFilename: "Invoice Q3.pdf",
		FileSize:         2048,
		MimeType:         "application/pdf",
		FileType:         models.FileTypePDF,
		FileHash:         strings.Repeat("a", 64),
		StorageKey:       "documents/user-1/2026/" + strings.Repeat("a", 64) + ".pdf",
		StorageBucket:    "docvault",
		OwnerID:          "user-1",
	}
	require.NoError(t, repo.Create(context.Background(), doc))
	require.NotEmpty(t, doc.ID)
	require.Equal(t, 1, doc.Version)
	require.Equal(t, models.ETagFor(doc.ID, 1), doc.ETag)
	require.Equal(t, models.DocumentStatusUploaded, doc.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryCreateDuplicateStorageKey(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), &models.Document{OwnerID: "user-1", StorageKey: "documents/user-1/2026/x.pdf"})
	require.True(t, appErrors.Is(err, appErrors.ErrDuplicateKey))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1 AND deleted_at IS NULL")).
		WithArgs("doc-1").
		WillReturnRows(documentRows("doc-1", 1, nil))

	doc, err := repo.GetByID(context.Background(), "doc-1", false)
	require.NoError(t, err)
	require.Equal(t, "doc-1", doc.ID)
	require.Equal(t, models.FileTypePDF, doc.FileType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing", false)
	require.True(t, appErrors.Is(err, appErrors.ErrDocumentNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryGetByOwnerAndHash(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	hash := strings.Repeat("a", 64)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_id = $1 AND file_hash = $2 AND deleted_at IS NULL")).
		WithArgs("user-1", hash).
		WillReturnRows(documentRows("doc-1", 1, nil))

	doc, err := repo.GetByOwnerAndHash(context.Background(), "user-1", hash, false)
	require.NoError(t, err)
	require.Equal(t, hash, doc.FileHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryList(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents WHERE owner_id = $1 AND deleted_at IS NULL AND status = $2")).
		WithArgs("user-1", models.DocumentStatusUploaded).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs("user-1", models.DocumentStatusUploaded, 50, 0).
		WillReturnRows(documentRows("doc-1", 1, nil))

	docs, total, err := repo.List(context.Background(), "user-1", models.DocumentFilter{Status: models.DocumentStatusUploaded})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, docs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	name := "renamed.pdf"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE documents SET file_name = $1, version = $2, etag = $3, updated_at = $4 WHERE id = $5 AND version = $6 AND deleted_at IS NULL RETURNING")).
		WithArgs(name, 2, models.ETagFor("doc-1", 2), sqlmock.AnyArg(), "doc-1", 1).
		WillReturnRows(documentRows("doc-1", 2, nil))

	doc, err := repo.Update(context.Background(), "doc-1", 1, UpdateDocumentParams{FileName: &name})
	require.NoError(t, err)
	require.Equal(t, 2, doc.Version)
	require.Equal(t, models.ETagFor("doc-1", 2), doc.ETag)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryUpdateStaleVersion(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	name := "renamed.pdf"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE documents SET file_name = $1")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT deleted_at FROM documents WHERE id = $1")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))

	_, err := repo.Update(context.Background(), "doc-1", 1, UpdateDocumentParams{FileName: &name})
	require.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryUpdateDeletedRow(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	name := "renamed.pdf"
	deletedAt := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE documents SET file_name = $1")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT deleted_at FROM documents WHERE id = $1")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(deletedAt))

	_, err := repo.Update(context.Background(), "doc-1", 1, UpdateDocumentParams{FileName: &name})
	require.True(t, appErrors.Is(err, appErrors.ErrDocumentNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositorySoftDelete(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, deleted_at FROM documents WHERE id = $1 FOR UPDATE")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted_at"}).AddRow(3, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, deleted_at = $2, version = $3, etag = $4, updated_at = $2 WHERE id = $5")).
		WithArgs(models.DocumentStatusDeleted, sqlmock.AnyArg(), 4, models.ETagFor("doc-1", 4), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SoftDelete(context.Background(), "doc-1", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositorySoftDeleteIdempotent(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, deleted_at FROM documents WHERE id = $1 FOR UPDATE")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted_at"}).AddRow(4, time.Now()))
	mock.ExpectCommit()

	require.NoError(t, repo.SoftDelete(context.Background(), "doc-1", 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositorySoftDeleteStaleVersion(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, deleted_at FROM documents WHERE id = $1 FOR UPDATE")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted_at"}).AddRow(3, nil))
	mock.ExpectRollback()

	err := repo.SoftDelete(context.Background(), "doc-1", 2)
	require.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryHardDelete(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1 RETURNING")).
		WithArgs("doc-1").
		WillReturnRows(documentRows("doc-1", 5, nil))

	doc, err := repo.HardDelete(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, "docvault", doc.StorageBucket)
	require.NotEmpty(t, doc.StorageKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryTouchAccess(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET last_accessed = $1, download_count = download_count + 1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.TouchAccess(context.Background(), "doc-1", true))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET last_accessed = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.TouchAccess(context.Background(), "doc-1", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositorySumSizeByOwner(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()
	repo := NewDocumentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(file_size), 0) FROM documents WHERE owner_id = $1 AND deleted_at IS NULL")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4096))

	total, err := repo.SumSizeByOwner(context.Background(), "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 4096, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
