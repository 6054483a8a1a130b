package dto

import (
	"time"

	"github.com/noah-isme/docvault-api/internal/models"
)

// UploadDocumentRequest carries metadata submitted alongside the file bytes.
type UploadDocumentRequest struct {
	DocumentType *string                `form:"documentType" json:"documentType" validate:"omitempty,max=100"`
	ClientID     *string                `form:"clientId" json:"clientId" validate:"omitempty,uuid"`
	InsurerID    *string                `form:"insurerId" json:"insurerId" validate:"omitempty,uuid"`
	Tags         []string               `form:"tags" json:"tags" validate:"omitempty,max=20,dive,max=50"`
	Metadata     map[string]interface{} `form:"-" json:"metadata"`
	Language     string                 `form:"language" json:"language" validate:"omitempty,max=8"`
	Priority     *int                   `form:"priority" json:"priority" validate:"omitempty,min=1,max=10"`
	AutoOcr      *bool                  `form:"autoOcr" json:"autoOcr"`
}

// UpdateDocumentRequest holds a partial metadata update. Nil fields are left
// untouched; IfMatch carries the caller's ETag for optimistic concurrency.
// Ownership, storage and OCR fields are never settable through updates.
type UpdateDocumentRequest struct {
	FileName           *string                `json:"fileName" validate:"omitempty,max=255"`
	DocumentType       *string                `json:"documentType" validate:"omitempty,max=100"`
	Status             *models.DocumentStatus `json:"status"`
	SecurityScanStatus *models.ScanStatus     `json:"securityScanStatus"`
	VirusScanStatus    *models.ScanStatus     `json:"virusScanStatus"`
	Tags               *[]string              `json:"tags" validate:"omitempty,max=20,dive,max=50"`
	Metadata           map[string]interface{} `json:"metadata"`
	IfMatch            string                 `json:"-"`
}

// DocumentQuery mirrors the listing filters callers may combine.
type DocumentQuery struct {
	Status         models.DocumentStatus `form:"status"`
	FileType       models.FileType       `form:"fileType"`
	DocumentType   string                `form:"documentType"`
	Tag            string                `form:"tag"`
	IncludeDeleted bool                  `form:"includeDeleted"`
	Limit          int                   `form:"limit" validate:"omitempty,min=1,max=200"`
	Offset         int                   `form:"offset" validate:"omitempty,min=0"`
}

// DocumentDownloadResponse enriches metadata with a time-limited download URL.
type DocumentDownloadResponse struct {
	models.Document
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PresignDownloadRequest asks for a fresh signed download URL.
type PresignDownloadRequest struct {
	DocumentID string        `json:"documentId" validate:"required,uuid"`
	TTL        time.Duration `json:"-"`
}

// PresignUploadRequest reserves a direct-to-storage upload slot before any
// bytes move.
type PresignUploadRequest struct {
	Filename string `json:"filename" validate:"required,max=255"`
	MimeType string `json:"mimeType" validate:"required"`
	Size     int64  `json:"size" validate:"required,min=1"`
}

// PresignUploadResponse returns the signed PUT target the client uploads to.
type PresignUploadResponse struct {
	UploadURL  string    `json:"uploadUrl"`
	StorageKey string    `json:"storageKey"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
