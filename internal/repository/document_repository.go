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
	"github.com/lib/pq"

	"github.com/noah-isme/docvault-api/internal/models"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// documentColumns is shared by every SELECT so scans stay aligned with the
// models.Document struct tags.
const documentColumns = `id, file_name, original_filename, file_size, mime_type, file_type, file_hash,
storage_key, storage_bucket, owner_id, client_id, insurer_id, document_type, status, version, etag,
security_scan_status, virus_scan_status, content_validated, ocr_completed, ocr_job_id, ocr_text,
ocr_confidence, ocr_language, ocr_page_count, ocr_word_count, download_count, last_accessed,
tags, metadata, created_at, updated_at, deleted_at`

// DocumentRepository persists document metadata rows.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document row with generated defaults. The unique index
// on storage_key makes concurrent duplicate uploads race safely: the loser
// gets ErrDuplicateKey and re-reads the winner's row.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusUploaded
	}
	if doc.SecurityScanStatus == "" {
		doc.SecurityScanStatus = models.ScanStatusPending
	}
	if doc.VirusScanStatus == "" {
		doc.VirusScanStatus = models.ScanStatusPending
	}
	if doc.Tags == nil {
		doc.Tags = pq.StringArray{}
	}
	if doc.Metadata == nil {
		doc.Metadata = models.JSONMap{}
	}
	now := time.Now().UTC()
	doc.Version = 1
	doc.ETag = models.ETagFor(doc.ID, doc.Version)
	doc.CreatedAt = now
	doc.UpdatedAt = now

	const query = `INSERT INTO documents (id, file_name, original_filename, file_size, mime_type, file_type, file_hash,
storage_key, storage_bucket, owner_id, client_id, insurer_id, document_type, status, version, etag,
security_scan_status, virus_scan_status, content_validated, ocr_completed, download_count, tags, metadata, created_at, updated_at)
VALUES (:id, :file_name, :original_filename, :file_size, :mime_type, :file_type, :file_hash,
:storage_key, :storage_bucket, :owner_id, :client_id, :insurer_id, :document_type, :status, :version, :etag,
:security_scan_status, :virus_scan_status, :content_validated, :ocr_completed, :download_count, :tags, :metadata, :created_at, :updated_at)
ON CONFLICT (storage_key) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, doc)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document rows affected: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrDuplicateKey
	}
	return nil
}

// GetByID returns a document row. Soft-deleted rows are hidden unless
// includeDeleted is set.
func (r *DocumentRepository) GetByID(ctx context.Context, id string, includeDeleted bool) (*models.Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE id = $1"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetByOwnerAndHash finds the owner's document with the given content hash,
// used for upload deduplication.
func (r *DocumentRepository) GetByOwnerAndHash(ctx context.Context, ownerID, fileHash string, includeDeleted bool) (*models.Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE owner_id = $1 AND file_hash = $2"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY created_at DESC LIMIT 1"
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, ownerID, fileHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document by hash: %w", err)
	}
	return &doc, nil
}

// List returns the owner's documents matching the filter, newest first, plus
// the total match count for pagination.
func (r *DocumentRepository) List(ctx context.Context, ownerID string, filter models.DocumentFilter) ([]models.Document, int64, error) {
	conditions := []string{"owner_id = $1"}
	args := []interface{}{ownerID}
	argPos := 2

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, filter.Status)
		argPos++
	}
	if filter.FileType != "" {
		conditions = append(conditions, fmt.Sprintf("file_type = $%d", argPos))
		args = append(args, filter.FileType)
		argPos++
	}
	if filter.DocumentType != "" {
		conditions = append(conditions, fmt.Sprintf("document_type = $%d", argPos))
		args = append(args, filter.DocumentType)
		argPos++
	}
	if filter.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(tags)", argPos))
		args = append(args, filter.Tag)
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM documents WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM documents WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		documentColumns, where, argPos, argPos+1)
	args = append(args, limit, filter.Offset)

	docs := make([]models.Document, 0, limit)
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	return docs, total, nil
}

// UpdateDocumentParams defines the caller-mutable fields. Nil means keep.
// OCR fields and access counters have their own operations and are not
// settable here.
type UpdateDocumentParams struct {
	FileName           *string
	DocumentType       *string
	Status             *models.DocumentStatus
	SecurityScanStatus *models.ScanStatus
	VirusScanStatus    *models.ScanStatus
	Tags               *pq.StringArray
	Metadata           *models.JSONMap
}

// Update applies the changes if and only if the row still carries
// expectedVersion, bumping version and recomputing the etag in the same
// statement. A version miss surfaces as ErrPreconditionFailed.
func (r *DocumentRepository) Update(ctx context.Context, id string, expectedVersion int, params UpdateDocumentParams) (*models.Document, error) {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 12)
	argPos := 1

	if params.FileName != nil {
		set = append(set, fmt.Sprintf("file_name = $%d", argPos))
		args = append(args, *params.FileName)
		argPos++
	}
	if params.DocumentType != nil {
		set = append(set, fmt.Sprintf("document_type = $%d", argPos))
		args = append(args, *params.DocumentType)
		argPos++
	}
	if params.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *params.Status)
		argPos++
	}
	if params.SecurityScanStatus != nil {
		set = append(set, fmt.Sprintf("security_scan_status = $%d", argPos))
		args = append(args, *params.SecurityScanStatus)
		argPos++
	}
	if params.VirusScanStatus != nil {
		set = append(set, fmt.Sprintf("virus_scan_status = $%d", argPos))
		args = append(args, *params.VirusScanStatus)
		argPos++
	}
	if params.Tags != nil {
		set = append(set, fmt.Sprintf("tags = $%d", argPos))
		args = append(args, *params.Tags)
		argPos++
	}
	if params.Metadata != nil {
		set = append(set, fmt.Sprintf("metadata = $%d", argPos))
		args = append(args, *params.Metadata)
		argPos++
	}
	if len(set) == 0 {
		return r.GetByID(ctx, id, false)
	}

	newVersion := expectedVersion + 1
	set = append(set, fmt.Sprintf("version = $%d", argPos))
	args = append(args, newVersion)
	argPos++
	set = append(set, fmt.Sprintf("etag = $%d", argPos))
	args = append(args, models.ETagFor(id, newVersion))
	argPos++
	set = append(set, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	query := fmt.Sprintf("UPDATE documents SET %s WHERE id = $%d AND version = $%d AND deleted_at IS NULL RETURNING %s",
		strings.Join(set, ", "), argPos, argPos+1, documentColumns)
	args = append(args, id, expectedVersion)

	var doc models.Document
	if err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.classifyUpdateMiss(ctx, id)
		}
		return nil, fmt.Errorf("update document: %w", err)
	}
	return &doc, nil
}

// classifyUpdateMiss distinguishes a stale version from a missing or deleted
// row after a conditional update matched nothing.
func (r *DocumentRepository) classifyUpdateMiss(ctx context.Context, id string) error {
	var deletedAt *time.Time
	err := r.db.GetContext(ctx, &deletedAt, "SELECT deleted_at FROM documents WHERE id = $1", id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrDocumentNotFound
	case err != nil:
		return fmt.Errorf("classify update miss: %w", err)
	case deletedAt != nil:
		return appErrors.ErrDocumentNotFound
	default:
		return appErrors.ErrPreconditionFailed
	}
}

// SoftDelete marks the document deleted and bumps its version. Deleting an
// already-deleted document is a no-op. A positive expectedVersion makes the
// delete conditional; zero skips the precondition.
func (r *DocumentRepository) SoftDelete(ctx context.Context, id string, expectedVersion int) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin soft delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current struct {
		Version   int        `db:"version"`
		DeletedAt *time.Time `db:"deleted_at"`
	}
	if err = tx.GetContext(ctx, &current, "SELECT version, deleted_at FROM documents WHERE id = $1 FOR UPDATE", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrDocumentNotFound
		}
		return fmt.Errorf("lock document for delete: %w", err)
	}
	if current.DeletedAt != nil {
		return tx.Commit()
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return appErrors.ErrPreconditionFailed
	}

	newVersion := current.Version + 1
	now := time.Now().UTC()
	const query = `UPDATE documents SET status = $1, deleted_at = $2, version = $3, etag = $4, updated_at = $2 WHERE id = $5`
	if _, err = tx.ExecContext(ctx, query, models.DocumentStatusDeleted, now, newVersion, models.ETagFor(id, newVersion), id); err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	return tx.Commit()
}

// HardDelete removes the row permanently and returns it so the caller can
// release the stored blob. Jobs and access logs go with it via FK cascade.
func (r *DocumentRepository) HardDelete(ctx context.Context, id string) (*models.Document, error) {
	query := "DELETE FROM documents WHERE id = $1 RETURNING " + documentColumns
	var doc models.Document
	if err := r.db.QueryRowxContext(ctx, query, id).StructScan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("hard delete document: %w", err)
	}
	return &doc, nil
}

// TouchAccess records a read. Downloads additionally bump the monotonic
// download counter. Access bookkeeping does not move version or etag.
func (r *DocumentRepository) TouchAccess(ctx context.Context, id string, download bool) error {
	query := "UPDATE documents SET last_accessed = $1 WHERE id = $2"
	if download {
		query = "UPDATE documents SET last_accessed = $1, download_count = download_count + 1 WHERE id = $2"
	}
	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("touch document access: %w", err)
	}
	return nil
}

// SumSizeByOwner totals the live bytes an owner has stored, for quota checks.
func (r *DocumentRepository) SumSizeByOwner(ctx context.Context, ownerID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(file_size), 0) FROM documents WHERE owner_id = $1 AND deleted_at IS NULL`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, ownerID); err != nil {
		return 0, fmt.Errorf("sum owner storage: %w", err)
	}
	return total, nil
}

// CountByStatus aggregates document counts per lifecycle status.
func (r *DocumentRepository) CountByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error) {
	const query = `SELECT status, COUNT(*) AS count FROM documents GROUP BY status`
	rows := []struct {
		Status models.DocumentStatus `db:"status"`
		Count  int64                 `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count documents by status: %w", err)
	}
	out := make(map[models.DocumentStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// ListStorageKeys streams every referenced storage key, soft-deleted rows
// included since their blobs must survive until a hard delete.
func (r *DocumentRepository) ListStorageKeys(ctx context.Context) (map[string]struct{}, error) {
	const query = `SELECT storage_key FROM documents`
	var keys []string
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("list storage keys: %w", err)
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}
