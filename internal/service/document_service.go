package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/dto"
	"github.com/noah-isme/docvault-api/internal/models"
	"github.com/noah-isme/docvault-api/internal/repository"
	"github.com/noah-isme/docvault-api/pkg/blob"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// documentStore is the metadata surface the document service consumes.
type documentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id string, includeDeleted bool) (*models.Document, error)
	GetByOwnerAndHash(ctx context.Context, ownerID, fileHash string, includeDeleted bool) (*models.Document, error)
	List(ctx context.Context, ownerID string, filter models.DocumentFilter) ([]models.Document, int64, error)
	Update(ctx context.Context, id string, expectedVersion int, params repository.UpdateDocumentParams) (*models.Document, error)
	SoftDelete(ctx context.Context, id string, expectedVersion int) error
	HardDelete(ctx context.Context, id string) (*models.Document, error)
	TouchAccess(ctx context.Context, id string, download bool) error
}

// documentBlobs is the slice of the storage service the document service uses.
type documentBlobs interface {
	Store(ctx context.Context, key string, content []byte, contentType string) (blob.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (blob.PresignedURL, error)
	CheckQuota(ctx context.Context, ownerID string, incoming int64) error
	Bucket() string
}

// fileValidator vets upload content before anything is persisted.
type fileValidator interface {
	ValidateUpload(filename string, content []byte) (*ValidatedFile, error)
	SanitizeFilename(filename string) (string, error)
}

// ocrScheduler starts and stops OCR work on behalf of document operations.
type ocrScheduler interface {
	Enqueue(ctx context.Context, req dto.EnqueueOcrRequest) (*models.OcrJob, error)
	CancelForDocument(ctx context.Context, documentID string) (int, error)
}

// documentCache is the optional read-through metadata cache.
type documentCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// auditRecorder accepts access events without blocking the caller.
type auditRecorder interface {
	Record(entry *models.AccessLog)
}

// DocumentUpload carries the raw file part of an upload request.
type DocumentUpload struct {
	Filename string
	Content  []byte
}

// DocumentServiceConfig tunes caching behaviour.
type DocumentServiceConfig struct {
	CacheTTL time.Duration
}

// DocumentService orchestrates the document lifecycle: upload through
// validation and storage into metadata, reads with audit trails, guarded
// updates and both delete modes.
type DocumentService struct {
	docs      documentStore
	blobs     documentBlobs
	files     fileValidator
	ocr       ocrScheduler
	cache     documentCache
	audit     auditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	config    DocumentServiceConfig
	logger    *zap.Logger
}

// NewDocumentService constructs the service. Cache, audit, ocr and metrics may
// be nil; the corresponding behaviour is skipped.
func NewDocumentService(
	docs documentStore,
	blobs documentBlobs,
	files fileValidator,
	ocr ocrScheduler,
	cache documentCache,
	audit auditRecorder,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	config DocumentServiceConfig,
) *DocumentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	return &DocumentService{
		docs:      docs,
		blobs:     blobs,
		files:     files,
		ocr:       ocr,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		config:    config,
		logger:    logger,
	}
}

// Upload validates and stores the file, then persists its metadata.
// Re-uploading content an owner already has returns the existing document
// instead of creating a second row; exactly one blob is kept either way.
func (s *DocumentService) Upload(ctx context.Context, ownerID string, req dto.UploadDocumentRequest, upload DocumentUpload) (*models.Document, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid document payload")
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "owner is required")
	}

	file, err := s.files.ValidateUpload(upload.Filename, upload.Content)
	if err != nil {
		return nil, err
	}

	hash := HashContent(upload.Content)
	existing, err := s.docs.GetByOwnerAndHash(ctx, ownerID, hash, false)
	if err == nil {
		s.logger.Info("upload deduplicated against existing document",
			zap.String("document_id", existing.ID),
			zap.String("file_hash", hash))
		s.emitAudit(&models.AccessLog{
			DocumentID: existing.ID,
			UserID:     ownerID,
			AccessType: models.AccessTypeUpload,
			Success:    true,
		})
		return existing, nil
	}
	if !appErrors.Is(err, appErrors.ErrDocumentNotFound) {
		return nil, err
	}

	if err := s.blobs.CheckQuota(ctx, ownerID, int64(len(upload.Content))); err != nil {
		return nil, err
	}

	key := BuildKey(ownerID, hash, file.FileType)
	if _, err := s.blobs.Store(ctx, key, upload.Content, file.MimeType); err != nil {
		return nil, err
	}

	doc := &models.Document{
		FileName:         file.Filename,
		OriginalFilename: strings.TrimSpace(upload.Filename),
		FileSize:         int64(len(upload.Content)),
		MimeType:         file.MimeType,
		FileType:         file.FileType,
		FileHash:         hash,
		StorageKey:       key,
		StorageBucket:    s.blobs.Bucket(),
		OwnerID:          ownerID,
		ClientID:         req.ClientID,
		InsurerID:        req.InsurerID,
		DocumentType:     req.DocumentType,
		ContentValidated: true,
		Tags:             pq.StringArray(req.Tags),
		Metadata:         models.JSONMap(req.Metadata),
	}
	if file.PageCount > 0 {
		if doc.Metadata == nil {
			doc.Metadata = models.JSONMap{}
		}
		doc.Metadata["pageCount"] = file.PageCount
	}

	if err := s.docs.Create(ctx, doc); err != nil {
		if appErrors.Is(err, appErrors.ErrDuplicateKey) {
			// Lost a race against a concurrent identical upload; the winner's
			// row is the answer. If only a soft-deleted twin holds the key the
			// conflict stands.
			if winner, getErr := s.docs.GetByOwnerAndHash(ctx, ownerID, hash, false); getErr == nil {
				return winner, nil
			}
			return nil, appErrors.Clone(appErrors.ErrDuplicateKey, "content already exists in a deleted document")
		}
		if rmErr := s.blobs.Remove(ctx, key); rmErr != nil {
			s.logger.Warn("failed to clean up stored object after metadata failure",
				zap.String("storage_key", key),
				zap.Error(rmErr))
		}
		return nil, err
	}

	if s.ocr != nil && boolOrDefault(req.AutoOcr, true) {
		job, enqErr := s.ocr.Enqueue(ctx, dto.EnqueueOcrRequest{
			DocumentID: doc.ID,
			Language:   req.Language,
			Priority:   req.Priority,
		})
		if enqErr != nil {
			s.logger.Warn("auto ocr enqueue failed",
				zap.String("document_id", doc.ID),
				zap.Error(enqErr))
		} else {
			// Enqueue back-links the job in its own transaction; mirror the
			// bump locally instead of re-reading the row.
			doc.OcrJobID = &job.ID
			doc.Version++
			doc.ETag = models.ETagFor(doc.ID, doc.Version)
		}
	}

	s.metrics.DocumentUploaded()
	s.cacheSet(ctx, doc)
	s.emitAudit(&models.AccessLog{
		DocumentID: doc.ID,
		UserID:     ownerID,
		AccessType: models.AccessTypeUpload,
		Success:    true,
	})
	return doc, nil
}

// Get returns the document, serving repeat reads from cache. Each successful
// read refreshes last_accessed and leaves a view entry in the audit trail.
func (s *DocumentService) Get(ctx context.Context, id, requesterID string, includeDeleted bool) (*models.Document, error) {
	if s.cache != nil && !includeDeleted {
		var cached models.Document
		if err := s.cache.Get(ctx, documentCacheKey(id), &cached); err == nil {
			if err := s.authorize(&cached, requesterID); err != nil {
				return nil, err
			}
			s.touch(ctx, id, false)
			s.emitAudit(&models.AccessLog{DocumentID: id, UserID: requesterID, AccessType: models.AccessTypeView, Success: true})
			return &cached, nil
		}
	}

	doc, err := s.docs.GetByID(ctx, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(doc, requesterID); err != nil {
		return nil, err
	}
	if !doc.IsDeleted() {
		s.cacheSet(ctx, doc)
	}
	s.touch(ctx, id, false)
	s.emitAudit(&models.AccessLog{DocumentID: id, UserID: requesterID, AccessType: models.AccessTypeView, Success: true})
	return doc, nil
}

// List pages through the owner's documents.
func (s *DocumentService) List(ctx context.Context, ownerID string, q dto.DocumentQuery) ([]models.Document, int64, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid listing query")
	}
	return s.docs.List(ctx, ownerID, models.DocumentFilter{
		Status:         q.Status,
		FileType:       q.FileType,
		DocumentType:   q.DocumentType,
		Tag:            q.Tag,
		IncludeDeleted: q.IncludeDeleted,
		Limit:          q.Limit,
		Offset:         q.Offset,
	})
}

// Download issues a presigned URL for the document content, bumping the
// download counter. Reads the row directly: cached copies drop storage-only
// fields.
func (s *DocumentService) Download(ctx context.Context, id, requesterID string, ttl time.Duration) (*dto.DocumentDownloadResponse, error) {
	doc, err := s.docs.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(doc, requesterID); err != nil {
		return nil, err
	}

	signed, err := s.blobs.PresignDownload(ctx, doc.StorageKey, ttl)
	if err != nil {
		return nil, err
	}

	s.metrics.DocumentDownloaded()
	s.touch(ctx, id, true)
	s.emitAudit(&models.AccessLog{
		DocumentID:         id,
		UserID:             requesterID,
		AccessType:         models.AccessTypeDownload,
		Success:            true,
		FileSizeDownloaded: &doc.FileSize,
	})
	return &dto.DocumentDownloadResponse{
		Document:    *doc,
		DownloadURL: signed.URL,
		ExpiresAt:   signed.ExpiresAt,
	}, nil
}

// Update applies a guarded metadata patch. The caller must present the
// current ETag through If-Match; "*" skips the comparison.
func (s *DocumentService) Update(ctx context.Context, id, requesterID string, req dto.UpdateDocumentRequest) (*models.Document, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}
	ifMatch := strings.TrimSpace(req.IfMatch)
	if ifMatch == "" {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "If-Match header is required")
	}

	current, err := s.docs.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(current, requesterID); err != nil {
		return nil, err
	}
	if ifMatch != "*" && ifMatch != current.ETag {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "etag does not match current document version")
	}

	params, err := s.buildUpdateParams(current, req)
	if err != nil {
		return nil, err
	}

	updated, err := s.docs.Update(ctx, id, current.Version, params)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, updated)
	s.emitAudit(&models.AccessLog{DocumentID: id, UserID: requesterID, AccessType: models.AccessTypeUpdate, Success: true})
	return updated, nil
}

// Delete removes the document. Soft delete hides the row and keeps the blob;
// hard delete cancels open OCR work, releases the blob, then drops the row.
// A hard-delete failure at any step leaves the document in place for a retry.
func (s *DocumentService) Delete(ctx context.Context, id, requesterID string, hard bool, ifMatch string) error {
	doc, err := s.docs.GetByID(ctx, id, true)
	if err != nil {
		return err
	}
	if err := s.authorize(doc, requesterID); err != nil {
		return err
	}

	if !hard {
		if doc.IsDeleted() {
			return nil
		}
		expected := 0
		if m := strings.TrimSpace(ifMatch); m != "" && m != "*" {
			if m != doc.ETag {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, "etag does not match current document version")
			}
			expected = doc.Version
		}
		if err := s.docs.SoftDelete(ctx, id, expected); err != nil {
			return err
		}
		s.cacheDelete(ctx, id)
		s.emitAudit(&models.AccessLog{DocumentID: id, UserID: requesterID, AccessType: models.AccessTypeDelete, Success: true})
		return nil
	}

	if s.ocr != nil {
		if _, err := s.ocr.CancelForDocument(ctx, id); err != nil {
			return fmt.Errorf("cancel ocr jobs: %w", err)
		}
	}
	if err := s.blobs.Remove(ctx, doc.StorageKey); err != nil {
		return fmt.Errorf("release stored object: %w", err)
	}
	if _, err := s.docs.HardDelete(ctx, id); err != nil {
		return err
	}
	s.cacheDelete(ctx, id)
	// The audit trail cascades away with the row, so the deletion itself is
	// only visible in the server log.
	s.logger.Info("document hard-deleted",
		zap.String("document_id", id),
		zap.String("requested_by", requesterID),
		zap.String("storage_key", doc.StorageKey))
	return nil
}

// authorize hides other owners' documents. An empty requester is an internal
// caller and bypasses the check.
func (s *DocumentService) authorize(doc *models.Document, requesterID string) error {
	if requesterID == "" || doc.OwnerID == requesterID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrDocumentNotFound, "document not found")
}

func (s *DocumentService) buildUpdateParams(current *models.Document, req dto.UpdateDocumentRequest) (repository.UpdateDocumentParams, error) {
	var params repository.UpdateDocumentParams

	if req.FileName != nil {
		clean, err := s.files.SanitizeFilename(*req.FileName)
		if err != nil {
			return params, err
		}
		params.FileName = &clean
	}
	params.DocumentType = req.DocumentType
	if req.Status != nil {
		if err := validateStatusChange(current.Status, *req.Status); err != nil {
			return params, err
		}
		params.Status = req.Status
	}
	if req.SecurityScanStatus != nil {
		if !validScanStatus(*req.SecurityScanStatus) {
			return params, appErrors.Clone(appErrors.ErrValidation, "invalid security scan status")
		}
		params.SecurityScanStatus = req.SecurityScanStatus
	}
	if req.VirusScanStatus != nil {
		if !validScanStatus(*req.VirusScanStatus) {
			return params, appErrors.Clone(appErrors.ErrValidation, "invalid virus scan status")
		}
		params.VirusScanStatus = req.VirusScanStatus
	}
	if req.Tags != nil {
		tags := pq.StringArray(*req.Tags)
		params.Tags = &tags
	}
	if req.Metadata != nil {
		meta := models.JSONMap(req.Metadata)
		params.Metadata = &meta
	}
	return params, nil
}

// validateStatusChange permits only the archive flip; every other status is
// owned by the OCR lifecycle or the delete operations.
func validateStatusChange(from, to models.DocumentStatus) error {
	if from == to {
		return nil
	}
	ok := (from == models.DocumentStatusActive && to == models.DocumentStatusCompleted) ||
		(from == models.DocumentStatusCompleted && to == models.DocumentStatusActive)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("status cannot change from %s to %s", from, to))
	}
	return nil
}

func validScanStatus(status models.ScanStatus) bool {
	switch status {
	case models.ScanStatusPending, models.ScanStatusScanning, models.ScanStatusClean,
		models.ScanStatusThreat, models.ScanStatusInfected, models.ScanStatusError:
		return true
	}
	return false
}

func (s *DocumentService) touch(ctx context.Context, id string, download bool) {
	if err := s.docs.TouchAccess(ctx, id, download); err != nil {
		s.logger.Warn("failed to update access counters",
			zap.String("document_id", id),
			zap.Error(err))
	}
}

func (s *DocumentService) emitAudit(entry *models.AccessLog) {
	if s.audit == nil {
		return
	}
	s.audit.Record(entry)
}

func (s *DocumentService) cacheSet(ctx context.Context, doc *models.Document) {
	if s.cache == nil || doc == nil || doc.IsDeleted() {
		return
	}
	if err := s.cache.Set(ctx, documentCacheKey(doc.ID), doc, s.config.CacheTTL); err != nil {
		s.logger.Debug("document cache set failed", zap.Error(err))
	}
}

func (s *DocumentService) cacheDelete(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, documentCacheKey(id)); err != nil {
		s.logger.Debug("document cache delete failed", zap.Error(err))
	}
}

func documentCacheKey(id string) string {
	return "doc:" + id
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
