package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// Mistral's OCR endpoint reports no confidence; this estimate mirrors the
// provider's published accuracy and is clamped downstream.
const mistralEstimatedConfidence = 0.95

// MistralEngine calls the Mistral OCR HTTP API.
type MistralEngine struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewMistralEngine builds an engine client. timeout bounds a single API call
// and should stay below the job lease TTL.
func NewMistralEngine(baseURL, model, apiKey string, timeout time.Duration, logger *zap.Logger) *MistralEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &MistralEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name identifies the engine in job records.
func (e *MistralEngine) Name() string {
	return "mistral"
}

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralOCRRequest struct {
	Model              string          `json:"model"`
	Document           mistralDocument `json:"document"`
	IncludeImageBase64 bool            `json:"include_image_base64"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type mistralUsageInfo struct {
	PagesProcessed int   `json:"pages_processed"`
	DocSizeBytes   int64 `json:"doc_size_bytes"`
}

type mistralOCRResponse struct {
	Model     string           `json:"model"`
	Pages     []mistralOCRPage `json:"pages"`
	UsageInfo mistralUsageInfo `json:"usage_info"`
}

// Extract sends the document as a base64 data URL and joins the returned
// per-page markdown.
func (e *MistralEngine) Extract(ctx context.Context, req Request) (*Result, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MimeType, base64.StdEncoding.EncodeToString(req.Data))

	doc := mistralDocument{}
	if strings.HasPrefix(req.MimeType, "image/") {
		doc.Type = "image_url"
		doc.ImageURL = dataURL
	} else {
		doc.Type = "document_url"
		doc.DocumentURL = dataURL
	}

	body, err := json.Marshal(mistralOCRRequest{Model: e.model, Document: doc})
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "encode ocr request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "build ocr request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrEngineUnavailable, "mistral ocr call failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrEngineUnavailable, "read ocr response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.classifyStatus(resp.StatusCode, payload)
	}

	var parsed mistralOCRResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrPermanent, "decode ocr response")
	}

	pages := make([]string, 0, len(parsed.Pages))
	for _, p := range parsed.Pages {
		pages = append(pages, p.Markdown)
	}
	text := strings.Join(pages, "\n\n")

	pageCount := parsed.UsageInfo.PagesProcessed
	if pageCount == 0 {
		pageCount = len(parsed.Pages)
	}

	e.logger.Debug("mistral ocr completed",
		zap.Int("pages", pageCount),
		zap.Int("bytes", len(req.Data)),
		zap.Duration("latency", time.Since(start)),
	)

	return &Result{
		Text:       text,
		Confidence: mistralEstimatedConfidence,
		PageCount:  pageCount,
		Language:   req.Language,
		Raw: map[string]interface{}{
			"model":           parsed.Model,
			"pages_processed": parsed.UsageInfo.PagesProcessed,
			"doc_size_bytes":  parsed.UsageInfo.DocSizeBytes,
		},
	}, nil
}

func (e *MistralEngine) classifyStatus(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 512 {
		msg = msg[:512]
	}

	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return appErrors.WrapAs(fmt.Errorf("status %d: %s", status, msg), appErrors.ErrEngineUnavailable, "mistral ocr unavailable")
	default:
		return appErrors.WrapAs(fmt.Errorf("status %d: %s", status, msg), appErrors.ErrPermanent, "mistral ocr rejected document")
	}
}
