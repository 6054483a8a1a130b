package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/dto"
	"github.com/noah-isme/docvault-api/internal/models"
	"github.com/noah-isme/docvault-api/internal/repository"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
	"github.com/noah-isme/docvault-api/pkg/ocr"
)

const (
	defaultOcrTimeout     = 2 * time.Minute
	defaultResultCacheTTL = 24 * time.Hour
	lowConfidenceFloor    = 0.5
)

// ocrJobStore is the queue surface the OCR service consumes.
type ocrJobStore interface {
	Enqueue(ctx context.Context, job *models.OcrJob) error
	Cancel(ctx context.Context, jobID string) (*models.OcrJob, error)
	Retry(ctx context.Context, jobID string) (*models.OcrJob, error)
	GetByID(ctx context.Context, id string) (*models.OcrJob, error)
	List(ctx context.Context, filter models.OcrJobFilter) ([]models.OcrJob, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// ocrDocumentReader resolves the document a job points at.
type ocrDocumentReader interface {
	GetByID(ctx context.Context, id string, includeDeleted bool) (*models.Document, error)
}

// ocrBlobReader loads stored content for processing.
type ocrBlobReader interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ocrResultCache keeps extraction outcomes addressable by content hash so
// re-OCR of identical bytes skips the engine. Delete drops stale document
// snapshots after queue operations bump the row.
type ocrResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// OcrServiceConfig tunes engine invocation, retry budgets and result caching.
type OcrServiceConfig struct {
	Timeout        time.Duration
	ResultCacheTTL time.Duration
	MaxRetries     int
}

// OcrService submits, inspects and executes OCR work. Queue workers call
// Process; everything else serves the admin and document surfaces.
type OcrService struct {
	jobs      ocrJobStore
	docs      ocrDocumentReader
	blobs     ocrBlobReader
	engine    ocr.Engine
	cache     ocrResultCache
	validator *validator.Validate
	config    OcrServiceConfig
	logger    *zap.Logger
	pdfConf   *model.Configuration
}

// NewOcrService constructs the service. Engine and cache may be nil: without
// an engine Process fails retryably, without a cache every job hits the
// engine.
func NewOcrService(
	jobs ocrJobStore,
	docs ocrDocumentReader,
	blobs ocrBlobReader,
	engine ocr.Engine,
	cache ocrResultCache,
	validate *validator.Validate,
	logger *zap.Logger,
	config OcrServiceConfig,
) *OcrService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultOcrTimeout
	}
	if config.ResultCacheTTL <= 0 {
		config.ResultCacheTTL = defaultResultCacheTTL
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = models.MaxRetriesDefault
	}
	pdfConf := model.NewDefaultConfiguration()
	pdfConf.ValidationMode = model.ValidationRelaxed
	return &OcrService{
		jobs:      jobs,
		docs:      docs,
		blobs:     blobs,
		engine:    engine,
		cache:     cache,
		validator: validate,
		config:    config,
		logger:    logger,
		pdfConf:   pdfConf,
	}
}

// Enqueue submits one document for OCR. The queue repository re-checks the
// document inside its transaction; the lookup here surfaces a clean error
// before anything is written.
func (s *OcrService) Enqueue(ctx context.Context, req dto.EnqueueOcrRequest) (*models.OcrJob, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid ocr request")
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = "auto"
	}
	if _, ok := models.SupportedLanguages[lang]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported language %q", req.Language))
	}

	if _, err := s.docs.GetByID(ctx, req.DocumentID, false); err != nil {
		return nil, err
	}

	priority := models.PriorityDefault
	if req.Priority != nil {
		priority = *req.Priority
	}

	job := &models.OcrJob{
		DocumentID: req.DocumentID,
		Priority:   priority,
		Language:   lang,
		Engine:     s.engineName(),
		Options:    models.JobOptions(req.Options),
		MaxRetries: s.config.MaxRetries,
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	// Enqueue back-links the job on the document row; drop any cached copy.
	s.invalidateDocument(ctx, job.DocumentID)
	s.logger.Info("ocr job enqueued",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("priority", job.Priority))
	return job, nil
}

// EnqueueBatch submits several documents; items succeed or fail on their own.
func (s *OcrService) EnqueueBatch(ctx context.Context, req dto.BatchEnqueueOcrRequest) (*dto.BatchEnqueueOcrResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch request")
	}

	resp := &dto.BatchEnqueueOcrResponse{Items: make([]dto.BatchEnqueueOcrItem, 0, len(req.Items))}
	for _, item := range req.Items {
		outcome := dto.BatchEnqueueOcrItem{DocumentID: item.DocumentID}
		job, err := s.Enqueue(ctx, item)
		if err != nil {
			msg := appErrors.FromError(err).Message
			outcome.Error = &msg
			resp.Failed++
		} else {
			outcome.JobID = &job.ID
			resp.Enqueued++
		}
		resp.Items = append(resp.Items, outcome)
	}
	return resp, nil
}

// Cancel stops a job that has not finished.
func (s *OcrService) Cancel(ctx context.Context, jobID string) (*models.OcrJob, error) {
	job, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.invalidateDocument(ctx, job.DocumentID)
	return job, nil
}

// CancelForDocument cancels every open job pointing at the document and
// returns how many it stopped. Jobs that reach a terminal state concurrently
// are skipped.
func (s *OcrService) CancelForDocument(ctx context.Context, documentID string) (int, error) {
	cancelled := 0
	for _, status := range []models.OcrJobStatus{models.OcrJobStatusPending, models.OcrJobStatusProcessing} {
		jobs, err := s.jobs.List(ctx, models.OcrJobFilter{DocumentID: documentID, Status: status, Limit: 200})
		if err != nil {
			return cancelled, err
		}
		for _, job := range jobs {
			if _, err := s.jobs.Cancel(ctx, job.ID); err != nil {
				if appErrors.Is(err, appErrors.ErrJobNotCancellable) || appErrors.Is(err, appErrors.ErrJobNotFound) {
					continue
				}
				return cancelled, err
			}
			cancelled++
		}
	}
	if cancelled > 0 {
		s.invalidateDocument(ctx, documentID)
	}
	return cancelled, nil
}

// GetJob returns one job by id.
func (s *OcrService) GetJob(ctx context.Context, jobID string) (*models.OcrJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// ListJobs pages through jobs matching the query.
func (s *OcrService) ListJobs(ctx context.Context, q dto.OcrJobQuery) ([]models.OcrJob, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid job query")
	}
	return s.jobs.List(ctx, models.OcrJobFilter{
		DocumentID: q.DocumentID,
		Status:     q.Status,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
}

// RetryJob resets a terminally failed job to pending with a fresh budget.
func (s *OcrService) RetryJob(ctx context.Context, jobID string) (*models.OcrJob, error) {
	return s.jobs.Retry(ctx, jobID)
}

// QueueStats reports queue depth by status and priority.
func (s *OcrService) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	return s.jobs.Stats(ctx)
}

// GetText returns the extracted text for a document whose OCR completed.
func (s *OcrService) GetText(ctx context.Context, documentID, requesterID string) (*dto.OcrTextResponse, error) {
	doc, err := s.docs.GetByID(ctx, documentID, false)
	if err != nil {
		return nil, err
	}
	if requesterID != "" && doc.OwnerID != requesterID {
		return nil, appErrors.Clone(appErrors.ErrDocumentNotFound, "document not found")
	}
	if !doc.OcrCompleted {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document has no ocr result")
	}

	resp := &dto.OcrTextResponse{DocumentID: doc.ID}
	if doc.OcrText != nil {
		resp.Text = *doc.OcrText
	}
	if doc.OcrConfidence != nil {
		resp.Confidence = *doc.OcrConfidence
	}
	if doc.OcrLanguage != nil {
		resp.Language = *doc.OcrLanguage
	}
	if doc.OcrPageCount != nil {
		resp.PageCount = *doc.OcrPageCount
	}
	if doc.OcrWordCount != nil {
		resp.WordCount = *doc.OcrWordCount
	}
	return resp, nil
}

// ocrOutcome is the cached shape of a finished extraction.
type ocrOutcome struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Language       string  `json:"language"`
	PageCount      int     `json:"pageCount"`
	WordCount      int     `json:"wordCount"`
	CharacterCount int     `json:"characterCount"`
	Engine         string  `json:"engine"`
}

func (o ocrOutcome) completeParams(fromCache bool) repository.CompleteJobParams {
	result := models.JSONMap{"engine": o.Engine}
	if fromCache {
		result["cached"] = true
	}
	return repository.CompleteJobParams{
		Text:           o.Text,
		Confidence:     o.Confidence,
		Language:       o.Language,
		PageCount:      o.PageCount,
		WordCount:      o.WordCount,
		CharacterCount: o.CharacterCount,
		Result:         result,
	}
}

// Process runs one leased job end to end and returns the completion payload
// the worker hands to the queue. Errors carry retryability: transient engine
// and storage failures retry, missing documents and rejected results do not.
func (s *OcrService) Process(ctx context.Context, job *models.OcrJob) (*repository.CompleteJobParams, error) {
	started := time.Now()

	doc, err := s.docs.GetByID(ctx, job.DocumentID, true)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDocumentNotFound) {
			return nil, appErrors.Clone(appErrors.ErrPermanent, "document no longer exists")
		}
		return nil, err
	}

	cacheKey := ocrResultCacheKey(doc.FileHash)
	if s.cache != nil {
		var cached ocrOutcome
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.logger.Info("ocr result served from cache",
				zap.String("job_id", job.ID),
				zap.String("file_hash", doc.FileHash))
			params := cached.completeParams(true)
			return &params, nil
		}
	}

	content, err := s.blobs.Fetch(ctx, doc.StorageKey)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDocumentNotFound) {
			return nil, appErrors.Clone(appErrors.ErrPermanent, "stored object is missing")
		}
		return nil, err
	}

	if s.engine == nil {
		return nil, appErrors.Clone(appErrors.ErrEngineUnavailable, "no ocr engine configured")
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	res, err := s.engine.Extract(extractCtx, ocr.Request{
		Data:     content,
		MimeType: doc.MimeType,
		Language: job.Language,
		Options:  job.Options.EngineOptions(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, appErrors.WrapAs(err, appErrors.ErrEngineUnavailable, "ocr engine timed out")
		}
		return nil, err
	}
	if res == nil {
		return nil, appErrors.Clone(appErrors.ErrUpstream, "ocr engine returned no result")
	}

	outcome, err := s.buildOutcome(job, doc, content, res)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, outcome, s.config.ResultCacheTTL); err != nil {
			s.logger.Debug("ocr result cache set failed", zap.Error(err))
		}
	}

	s.logger.Info("ocr extraction finished",
		zap.String("job_id", job.ID),
		zap.String("document_id", doc.ID),
		zap.Int("pages", outcome.PageCount),
		zap.Int("words", outcome.WordCount),
		zap.Float64("confidence", outcome.Confidence),
		zap.Duration("took", time.Since(started)))

	params := outcome.completeParams(false)
	return &params, nil
}

// buildOutcome normalizes and validates the raw engine result.
func (s *OcrService) buildOutcome(job *models.OcrJob, doc *models.Document, content []byte, res *ocr.Result) (ocrOutcome, error) {
	text := normalizeOcrText(res.Text)
	if text == "" && !noTextFlagged(res.Raw) {
		return ocrOutcome{}, appErrors.Clone(appErrors.ErrUpstream, "ocr engine returned empty text without a no-text marker")
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return ocrOutcome{}, appErrors.Clone(appErrors.ErrUpstream,
			fmt.Sprintf("ocr engine reported confidence %v outside [0,1]", res.Confidence))
	}
	if res.Confidence < lowConfidenceFloor {
		s.logger.Warn("low ocr confidence",
			zap.String("job_id", job.ID),
			zap.Float64("confidence", res.Confidence))
	}

	pages := res.PageCount
	if pages < 1 && doc.FileType == models.FileTypePDF {
		if n, err := api.PageCount(bytes.NewReader(content), s.pdfConf); err == nil {
			pages = n
		}
	}
	if pages < 1 {
		pages = 1
	}

	words := res.WordCount
	if words <= 0 {
		words = len(strings.Fields(text))
	}
	chars := res.CharacterCount
	if chars <= 0 {
		chars = utf8.RuneCountInString(text)
	}

	lang := res.Language
	if lang == "" {
		lang = job.Language
	}

	return ocrOutcome{
		Text:           text,
		Confidence:     res.Confidence,
		Language:       lang,
		PageCount:      pages,
		WordCount:      words,
		CharacterCount: chars,
		Engine:         s.engineName(),
	}, nil
}

func (s *OcrService) engineName() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.Name()
}

// invalidateDocument drops the cached document snapshot after a queue
// operation changed the row underneath it.
func (s *OcrService) invalidateDocument(ctx context.Context, documentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, documentCacheKey(documentID)); err != nil {
		s.logger.Debug("document cache invalidation failed", zap.Error(err))
	}
}

func ocrResultCacheKey(fileHash string) string {
	return "ocr:result:" + fileHash
}

// noTextFlagged reports whether the engine explicitly declared the document
// empty, which makes a blank extraction a valid outcome.
func noTextFlagged(raw map[string]interface{}) bool {
	for _, key := range []string{"no_text", "noText"} {
		if v, ok := raw[key].(bool); ok && v {
			return true
		}
	}
	return false
}

// normalizeOcrText cleans engine output before it is persisted: line endings
// become LF, BOM and zero-width characters are dropped, other control
// characters are removed, horizontal whitespace runs collapse to one space
// and runs of blank lines shrink to a single one. Leading and trailing
// whitespace never survives.
func normalizeOcrText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	pendingNewlines := 0
	wroteAny := false
	for _, r := range text {
		switch {
		case r == '\uFEFF' || (r >= '\u200B' && r <= '\u200D'):
		case r == '\n':
			pendingSpace = false
			pendingNewlines++
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsControl(r):
		default:
			if wroteAny {
				if pendingNewlines > 2 {
					pendingNewlines = 2
				}
				for i := 0; i < pendingNewlines; i++ {
					b.WriteByte('\n')
				}
				if pendingNewlines == 0 && pendingSpace {
					b.WriteByte(' ')
				}
			}
			pendingSpace = false
			pendingNewlines = 0
			b.WriteRune(r)
			wroteAny = true
		}
	}
	return b.String()
}
