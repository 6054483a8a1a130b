package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// OcrJobStatus captures queue job lifecycle states.
type OcrJobStatus string

const (
	OcrJobStatusPending    OcrJobStatus = "pending"
	OcrJobStatusProcessing OcrJobStatus = "processing"
	OcrJobStatusCompleted  OcrJobStatus = "completed"
	OcrJobStatusFailed     OcrJobStatus = "failed"
	OcrJobStatusCancelled  OcrJobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OcrJobStatus) IsTerminal() bool {
	switch s {
	case OcrJobStatusCompleted, OcrJobStatusFailed, OcrJobStatusCancelled:
		return true
	}
	return false
}

// Priority bounds. Lower number means scheduled earlier.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// MaxRetriesDefault bounds how often a failed job is handed back to the
// queue. Total attempts are MaxRetries + 1.
const MaxRetriesDefault = 3

// OCR language hints accepted on enqueue.
var SupportedLanguages = map[string]struct{}{
	"auto": {}, "en": {}, "es": {}, "fr": {}, "de": {},
	"it": {}, "pt": {}, "zh": {}, "ja": {}, "ko": {},
}

// OcrJob is one unit of OCR work against a document.
type OcrJob struct {
	ID                    string       `db:"id" json:"id"`
	DocumentID            string       `db:"document_id" json:"documentId"`
	Status                OcrJobStatus `db:"status" json:"status"`
	Priority              int          `db:"priority" json:"priority"`
	Language              string       `db:"language" json:"language"`
	Engine                string       `db:"engine" json:"engine"`
	Options               JobOptions   `db:"options" json:"options"`
	RetryCount            int          `db:"retry_count" json:"retryCount"`
	MaxRetries            int          `db:"max_retries" json:"maxRetries"`
	Result                JSONMap      `db:"result" json:"result,omitempty"`
	ExtractedText         *string      `db:"extracted_text" json:"-"`
	ConfidenceScore       *float64     `db:"confidence_score" json:"confidenceScore,omitempty"`
	PageCount             *int         `db:"page_count" json:"pageCount,omitempty"`
	WordCount             *int         `db:"word_count" json:"wordCount,omitempty"`
	CharacterCount        *int         `db:"character_count" json:"characterCount,omitempty"`
	ErrorMessage          *string      `db:"error_message" json:"errorMessage,omitempty"`
	ErrorCode             *string      `db:"error_code" json:"errorCode,omitempty"`
	LeaseOwner            *string      `db:"lease_owner" json:"leaseOwner,omitempty"`
	LeaseExpiresAt        *time.Time   `db:"lease_expires_at" json:"leaseExpiresAt,omitempty"`
	ProcessingStartedAt   *time.Time   `db:"processing_started_at" json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time   `db:"processing_completed_at" json:"processingCompletedAt,omitempty"`
	CreatedAt             time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time    `db:"updated_at" json:"updatedAt"`
}

// OcrJobFilter narrows job listing queries.
type OcrJobFilter struct {
	DocumentID string
	OwnerID    string
	Status     OcrJobStatus
	Limit      int
	Offset     int
}

// QueueStats aggregates queue depth by status and priority.
type QueueStats struct {
	Pending    int64 `db:"pending" json:"pending"`
	Processing int64 `db:"processing" json:"processing"`
	Completed  int64 `db:"completed" json:"completed"`
	Failed     int64 `db:"failed" json:"failed"`
	Cancelled  int64 `db:"cancelled" json:"cancelled"`

	ByPriority map[int]int64 `json:"byPriority,omitempty"`
}

// optionNotBefore is the scheduler's visibility timestamp (unix seconds)
// inside the otherwise opaque options map. Jobs stay invisible to leasing
// until it passes.
const optionNotBefore = "_not_before"

// JobOptions is the opaque option bag passed through to the OCR engine.
// Scheduler-internal keys are namespaced with a leading underscore and
// accessed only through the typed helpers below.
type JobOptions map[string]interface{}

// NotBefore returns the visibility timestamp, if set.
func (o JobOptions) NotBefore() (time.Time, bool) {
	raw, ok := o[optionNotBefore]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// SetNotBefore records the visibility timestamp as unix seconds.
func (o JobOptions) SetNotBefore(t time.Time) {
	o[optionNotBefore] = t.Unix()
}

// EngineOptions returns a copy without scheduler-internal keys, safe to hand
// to an OCR engine.
func (o JobOptions) EngineOptions() map[string]interface{} {
	out := make(map[string]interface{}, len(o))
	for k, v := range o {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

// Value marshals options to JSON for persistence.
func (o JobOptions) Value() (driver.Value, error) {
	if o == nil {
		o = JobOptions{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal job options: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the options map.
func (o *JobOptions) Scan(value interface{}) error {
	if value == nil {
		*o = JobOptions{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JobOptions", value)
	}
	if len(data) == 0 {
		*o = JobOptions{}
		return nil
	}
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("unmarshal job options: %w", err)
	}
	return nil
}
