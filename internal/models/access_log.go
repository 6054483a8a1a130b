package models

import "time"

// AccessType enumerates audited document operations.
type AccessType string

const (
	AccessTypeView     AccessType = "view"
	AccessTypeDownload AccessType = "download"
	AccessTypeUpload   AccessType = "upload"
	AccessTypeUpdate   AccessType = "update"
	AccessTypeDelete   AccessType = "delete"
	AccessTypeShare    AccessType = "share"
	AccessTypeCopy     AccessType = "copy"
)

// AccessLog is one append-only audit row. Rows are never updated or removed
// by the service; retention is an operations concern.
type AccessLog struct {
	ID                 string     `db:"id" json:"id"`
	DocumentID         string     `db:"document_id" json:"documentId"`
	UserID             string     `db:"user_id" json:"userId"`
	AccessType         AccessType `db:"access_type" json:"accessType"`
	Success            bool       `db:"success" json:"success"`
	HTTPStatusCode     *int       `db:"http_status_code" json:"httpStatusCode,omitempty"`
	ErrorCode          *string    `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage       *string    `db:"error_message" json:"errorMessage,omitempty"`
	ResponseTimeMs     *int64     `db:"response_time_ms" json:"responseTimeMs,omitempty"`
	FileSizeDownloaded *int64     `db:"file_size_downloaded" json:"fileSizeDownloaded,omitempty"`
	IPAddress          *string    `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent          *string    `db:"user_agent" json:"userAgent,omitempty"`
	RequestID          *string    `db:"request_id" json:"requestId,omitempty"`
	SessionID          *string    `db:"session_id" json:"sessionId,omitempty"`
	AccessedAt         time.Time  `db:"accessed_at" json:"accessedAt"`
}

// AccessLogFilter narrows audit listing queries.
type AccessLogFilter struct {
	DocumentID string
	UserID     string
	AccessType AccessType
	Limit      int
	Offset     int
}
