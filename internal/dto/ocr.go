package dto

import "github.com/noah-isme/docvault-api/internal/models"

// EnqueueOcrRequest submits one document for OCR.
type EnqueueOcrRequest struct {
	DocumentID string                 `json:"documentId" validate:"required,uuid"`
	Language   string                 `json:"language" validate:"omitempty,max=8"`
	Priority   *int                   `json:"priority" validate:"omitempty,min=1,max=10"`
	Options    map[string]interface{} `json:"options"`
}

// BatchEnqueueOcrRequest submits several documents at once. Items fail or
// succeed independently.
type BatchEnqueueOcrRequest struct {
	Items []EnqueueOcrRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

// BatchEnqueueOcrItem reports the outcome for one batch entry.
type BatchEnqueueOcrItem struct {
	DocumentID string  `json:"documentId"`
	JobID      *string `json:"jobId,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// BatchEnqueueOcrResponse summarizes a batch submission.
type BatchEnqueueOcrResponse struct {
	Enqueued int                   `json:"enqueued"`
	Failed   int                   `json:"failed"`
	Items    []BatchEnqueueOcrItem `json:"items"`
}

// OcrJobQuery mirrors supported job listing filters.
type OcrJobQuery struct {
	DocumentID string              `form:"documentId"`
	Status     models.OcrJobStatus `form:"status"`
	Limit      int                 `form:"limit" validate:"omitempty,min=1,max=200"`
	Offset     int                 `form:"offset" validate:"omitempty,min=0"`
}

// OcrTextResponse returns the extracted text for a completed document.
type OcrTextResponse struct {
	DocumentID string  `json:"documentId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	PageCount  int     `json:"pageCount"`
	WordCount  int     `json:"wordCount"`
}
