package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DocumentStatus captures the document lifecycle.
type DocumentStatus string

const (
	DocumentStatusActive     DocumentStatus = "active"
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusDeleted    DocumentStatus = "deleted"
)

// FileType enumerates the format classes accepted for upload and OCR.
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeJPEG FileType = "jpeg"
	FileTypePNG  FileType = "png"
	FileTypeTIFF FileType = "tiff"
)

// ScanStatus tracks security and virus scan progress on a document.
type ScanStatus string

const (
	ScanStatusPending  ScanStatus = "pending"
	ScanStatusScanning ScanStatus = "scanning"
	ScanStatusClean    ScanStatus = "clean"
	ScanStatusThreat   ScanStatus = "threat"
	ScanStatusInfected ScanStatus = "infected"
	ScanStatusError    ScanStatus = "error"
)

// Document is the persisted metadata row for one stored file.
type Document struct {
	ID                 string         `db:"id" json:"id"`
	FileName           string         `db:"file_name" json:"fileName"`
	OriginalFilename   string         `db:"original_filename" json:"originalFilename"`
	FileSize           int64          `db:"file_size" json:"fileSize"`
	MimeType           string         `db:"mime_type" json:"mimeType"`
	FileType           FileType       `db:"file_type" json:"fileType"`
	FileHash           string         `db:"file_hash" json:"fileHash"`
	StorageKey         string         `db:"storage_key" json:"-"`
	StorageBucket      string         `db:"storage_bucket" json:"-"`
	OwnerID            string         `db:"owner_id" json:"ownerId"`
	ClientID           *string        `db:"client_id" json:"clientId,omitempty"`
	InsurerID          *string        `db:"insurer_id" json:"insurerId,omitempty"`
	DocumentType       *string        `db:"document_type" json:"documentType,omitempty"`
	Status             DocumentStatus `db:"status" json:"status"`
	Version            int            `db:"version" json:"version"`
	ETag               string         `db:"etag" json:"etag"`
	SecurityScanStatus ScanStatus     `db:"security_scan_status" json:"securityScanStatus"`
	VirusScanStatus    ScanStatus     `db:"virus_scan_status" json:"virusScanStatus"`
	ContentValidated   bool           `db:"content_validated" json:"contentValidated"`
	OcrCompleted       bool           `db:"ocr_completed" json:"ocrCompleted"`
	OcrJobID           *string        `db:"ocr_job_id" json:"ocrJobId,omitempty"`
	OcrText            *string        `db:"ocr_text" json:"-"`
	OcrConfidence      *float64       `db:"ocr_confidence" json:"ocrConfidence,omitempty"`
	OcrLanguage        *string        `db:"ocr_language" json:"ocrLanguage,omitempty"`
	OcrPageCount       *int           `db:"ocr_page_count" json:"ocrPageCount,omitempty"`
	OcrWordCount       *int           `db:"ocr_word_count" json:"ocrWordCount,omitempty"`
	DownloadCount      int64          `db:"download_count" json:"downloadCount"`
	LastAccessed       *time.Time     `db:"last_accessed" json:"lastAccessed,omitempty"`
	Tags               pq.StringArray `db:"tags" json:"tags"`
	Metadata           JSONMap        `db:"metadata" json:"metadata"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`
	DeletedAt          *time.Time     `db:"deleted_at" json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the document is soft-deleted.
func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

// ETagFor derives the opaque concurrency token for a document revision.
// Deterministic so concurrent writers computing it inside a transaction
// agree without an extra read.
func ETagFor(id string, version int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, version)))
	return fmt.Sprintf("%x", sum[:16])
}

// DocumentFilter narrows listing queries.
type DocumentFilter struct {
	Status         DocumentStatus
	FileType       FileType
	DocumentType   string
	Tag            string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// JSONMap stores loosely structured metadata as JSONB.
type JSONMap map[string]interface{}

// Value marshals the map to JSON for persistence.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the map.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONMap", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("unmarshal json map: %w", err)
	}
	return nil
}
