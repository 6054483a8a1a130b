package ocr

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// Gemini reports no per-document confidence; this estimate is validated and
// clamped downstream like any engine-reported score.
const vertexEstimatedConfidence = 0.9

const vertexSystemPrompt = `You are an OCR engine. Extract every piece of text from the supplied document exactly as written, preserving reading order, line breaks between paragraphs, and table contents row by row. Do not summarize, translate, or annotate. Return only the extracted text.`

// VertexEngine runs OCR through a Gemini multimodal model on Vertex AI.
type VertexEngine struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	logger    *zap.Logger
}

// NewVertexEngine connects to Vertex AI in the given project and location.
// Callers own the returned engine and must Close it on shutdown.
func NewVertexEngine(ctx context.Context, project, location, modelName string, logger *zap.Logger) (*VertexEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrEngineUnavailable, "create vertex ai client")
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(vertexSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "text/plain",
		Temperature:      genai.Ptr[float32](0),
	}

	return &VertexEngine{
		client:    client,
		model:     model,
		modelName: modelName,
		logger:    logger,
	}, nil
}

// Name identifies the engine in job records.
func (e *VertexEngine) Name() string {
	return "vertex"
}

// Close releases the underlying Vertex AI connection.
func (e *VertexEngine) Close() error {
	return e.client.Close()
}

// Extract sends the raw document bytes to the model and concatenates the text
// parts of the first candidate. Gemini exposes no page structure, so PageCount
// is left at zero for the caller to derive.
func (e *VertexEngine) Extract(ctx context.Context, req Request) (*Result, error) {
	prompt := "Extract all text from this document."
	if req.Language != "" && req.Language != "auto" {
		prompt += " The document language is " + req.Language + "."
	}

	start := time.Now()
	resp, err := e.model.GenerateContent(ctx,
		genai.Blob{MIMEType: req.MimeType, Data: req.Data},
		genai.Text(prompt),
	)
	if err != nil {
		return nil, e.classifyRPC(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, appErrors.WrapAs(errNoCandidates(resp), appErrors.ErrPermanent, "vertex returned no usable candidate")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	e.logger.Debug("vertex ocr completed",
		zap.String("model", e.modelName),
		zap.Int("bytes", len(req.Data)),
		zap.Duration("latency", time.Since(start)),
	)

	raw := map[string]interface{}{"model": e.modelName}
	if resp.UsageMetadata != nil {
		raw["prompt_tokens"] = resp.UsageMetadata.PromptTokenCount
		raw["output_tokens"] = resp.UsageMetadata.CandidatesTokenCount
	}

	return &Result{
		Text:       sb.String(),
		Confidence: vertexEstimatedConfidence,
		Language:   req.Language,
		Raw:        raw,
	}, nil
}

// classifyRPC maps gRPC status codes onto the retryable/permanent split.
// Quota and availability problems clear up on their own; argument and
// permission problems never do.
func (e *VertexEngine) classifyRPC(err error) error {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.NotFound, codes.Unauthenticated:
			return appErrors.WrapAs(err, appErrors.ErrPermanent, "vertex rejected document")
		}
	}
	return appErrors.WrapAs(err, appErrors.ErrEngineUnavailable, "vertex ocr call failed")
}

type noCandidatesError struct {
	finishReason string
}

func (e *noCandidatesError) Error() string {
	if e.finishReason != "" {
		return "generation stopped: " + e.finishReason
	}
	return "response contained no candidates"
}

func errNoCandidates(resp *genai.GenerateContentResponse) error {
	e := &noCandidatesError{}
	if len(resp.Candidates) > 0 {
		e.finishReason = resp.Candidates[0].FinishReason.String()
	}
	return e
}
