package service

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/models"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// scanWindowSize bounds the content slice inspected for embedded threats.
const scanWindowSize = 1 << 20

// fileSignatures maps leading magic bytes to the accepted format classes.
// Content sniffing is authoritative; the client-declared extension and MIME
// type are advisory only.
var fileSignatures = []struct {
	prefix   []byte
	fileType models.FileType
	mimeType string
}{
	{[]byte("%PDF"), models.FileTypePDF, "application/pdf"},
	{[]byte{0xFF, 0xD8, 0xFF}, models.FileTypeJPEG, "image/jpeg"},
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, models.FileTypePNG, "image/png"},
	{[]byte("II*\x00"), models.FileTypeTIFF, "image/tiff"},
	{[]byte("MM\x00*"), models.FileTypeTIFF, "image/tiff"},
}

// executableSignatures are leading bytes of program files that must never be
// accepted, whatever name they arrive under.
var executableSignatures = [][]byte{
	[]byte("MZ"),
	[]byte("\x7fELF"),
	[]byte("#!"),
}

// embeddedThreatPatterns are matched case-insensitively inside the scan
// window.
var embeddedThreatPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("union select"),
	[]byte("xp_cmdshell"),
}

var extensionTypes = map[string]models.FileType{
	".pdf":  models.FileTypePDF,
	".jpg":  models.FileTypeJPEG,
	".jpeg": models.FileTypeJPEG,
	".png":  models.FileTypePNG,
	".tif":  models.FileTypeTIFF,
	".tiff": models.FileTypeTIFF,
}

var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// ValidationServiceConfig carries the upload limits.
type ValidationServiceConfig struct {
	MaxFileSize  int64
	PDFMaxSize   int64
	ImageMaxSize int64
	TiffMaxSize  int64
	AllowedMIMEs []string
}

// ValidatedFile is the outcome of upload validation.
type ValidatedFile struct {
	Filename  string
	FileType  models.FileType
	MimeType  string
	PageCount int
}

// ValidationService vets uploaded content before anything is persisted.
type ValidationService struct {
	config  ValidationServiceConfig
	mimeSet map[string]struct{}
	pdfConf *model.Configuration
	logger  *zap.Logger
}

// NewValidationService constructs the service.
func NewValidationService(config ValidationServiceConfig, logger *zap.Logger) *ValidationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 50 * 1024 * 1024
	}
	if config.PDFMaxSize <= 0 {
		config.PDFMaxSize = config.MaxFileSize
	}
	if config.ImageMaxSize <= 0 {
		config.ImageMaxSize = 10 * 1024 * 1024
	}
	if config.TiffMaxSize <= 0 {
		config.TiffMaxSize = 20 * 1024 * 1024
	}

	mimeSet := make(map[string]struct{}, len(config.AllowedMIMEs))
	for _, m := range config.AllowedMIMEs {
		mimeSet[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}

	pdfConf := model.NewDefaultConfiguration()
	pdfConf.ValidationMode = model.ValidationRelaxed

	return &ValidationService{
		config:  config,
		mimeSet: mimeSet,
		pdfConf: pdfConf,
		logger:  logger,
	}
}

// ValidateUpload sanitizes the filename, sniffs the content type, enforces
// size limits, scans for threats and checks PDF structure. The returned
// ValidatedFile reflects what the content actually is, not what the client
// claimed.
func (s *ValidationService) ValidateUpload(filename string, content []byte) (*ValidatedFile, error) {
	clean, err := s.SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}

	if len(content) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}
	if int64(len(content)) > s.config.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrFileTooLarge,
			fmt.Sprintf("file size %d exceeds limit %d", len(content), s.config.MaxFileSize))
	}

	fileType, mimeType, err := detectFileType(content)
	if err != nil {
		return nil, err
	}

	if len(s.mimeSet) > 0 {
		if _, ok := s.mimeSet[mimeType]; !ok {
			return nil, appErrors.Clone(appErrors.ErrUnsupportedFormat,
				fmt.Sprintf("mime type %s is not allowed", mimeType))
		}
	}

	if limit := s.sizeCapFor(fileType); int64(len(content)) > limit {
		return nil, appErrors.Clone(appErrors.ErrFileTooLarge,
			fmt.Sprintf("%s size %d exceeds limit %d", fileType, len(content), limit))
	}

	if ext := strings.ToLower(filepath.Ext(clean)); ext != "" {
		if declared, ok := extensionTypes[ext]; ok && declared != fileType {
			s.logger.Warn("file extension does not match content",
				zap.String("filename", clean),
				zap.String("extension", ext),
				zap.String("detected_type", string(fileType)))
		}
	}

	if err := s.ScanContent(content); err != nil {
		return nil, err
	}

	pageCount := 0
	if fileType == models.FileTypePDF {
		pageCount, err = s.validatePDF(content)
		if err != nil {
			return nil, err
		}
	}

	return &ValidatedFile{
		Filename:  clean,
		FileType:  fileType,
		MimeType:  mimeType,
		PageCount: pageCount,
	}, nil
}

// ScanContent looks for executable signatures and embedded threat patterns.
// Re-runs are cheap, so callers may scan again long after upload.
func (s *ValidationService) ScanContent(content []byte) error {
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(content, sig) {
			return appErrors.Clone(appErrors.ErrSecurityThreat, "executable content is not allowed")
		}
	}

	window := content
	if len(window) > scanWindowSize {
		window = window[:scanWindowSize]
	}
	lower := bytes.ToLower(window)
	for _, pattern := range embeddedThreatPatterns {
		if bytes.Contains(lower, pattern) {
			return appErrors.Clone(appErrors.ErrSecurityThreat,
				fmt.Sprintf("content matches threat pattern %q", pattern))
		}
	}

	return nil
}

// SanitizeFilename strips path components, replaces dangerous characters and
// guards reserved names. The result is safe to echo into storage keys and
// Content-Disposition headers.
func (s *ValidationService) SanitizeFilename(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "filename is required")
	}

	// Strip directories regardless of the client platform.
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), ". ")
	if name == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "filename is empty after sanitization")
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if _, reserved := windowsReservedNames[strings.ToUpper(stem)]; reserved {
		name = "_" + name
	}

	if len(name) > 255 {
		ext = filepath.Ext(name)
		if len(ext) >= 255 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}

	return name, nil
}

func (s *ValidationService) sizeCapFor(fileType models.FileType) int64 {
	switch fileType {
	case models.FileTypePDF:
		return s.config.PDFMaxSize
	case models.FileTypeTIFF:
		return s.config.TiffMaxSize
	default:
		return s.config.ImageMaxSize
	}
}

// validatePDF checks document structure and returns the page count. Relaxed
// validation accepts the malformed xref tables common in scanner output.
func (s *ValidationService) validatePDF(content []byte) (int, error) {
	rs := bytes.NewReader(content)
	if err := api.Validate(rs, s.pdfConf); err != nil {
		return 0, appErrors.WrapAs(err, appErrors.ErrValidation, "pdf structure is invalid")
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind pdf reader: %w", err)
	}
	pages, err := api.PageCount(rs, s.pdfConf)
	if err != nil {
		return 0, appErrors.WrapAs(err, appErrors.ErrValidation, "unable to determine pdf page count")
	}
	if pages < 1 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "pdf has no pages")
	}
	return pages, nil
}

func detectFileType(content []byte) (models.FileType, string, error) {
	for _, sig := range fileSignatures {
		if bytes.HasPrefix(content, sig.prefix) {
			return sig.fileType, sig.mimeType, nil
		}
	}
	return "", "", appErrors.Clone(appErrors.ErrUnsupportedFormat,
		"content does not match any supported format")
}
