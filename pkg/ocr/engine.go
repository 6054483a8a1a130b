package ocr

import (
	"context"
)

// Result is the engine-agnostic outcome of one OCR extraction.
// WordCount and CharacterCount may be zero; callers derive them from Text
// when the engine does not report usage.
type Result struct {
	Text           string                 `json:"text"`
	Confidence     float64                `json:"confidence"`
	PageCount      int                    `json:"pageCount"`
	WordCount      int                    `json:"wordCount"`
	CharacterCount int                    `json:"characterCount"`
	Language       string                 `json:"language"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
}

// Request carries one OCR invocation.
type Request struct {
	Data     []byte
	MimeType string
	Language string
	Options  map[string]interface{}
}

// Engine is the external OCR capability. Implementations classify failures
// through the typed error package: transient outages are retryable, decode
// and format failures are permanent.
type Engine interface {
	Name() string
	Extract(ctx context.Context, req Request) (*Result, error)
}
