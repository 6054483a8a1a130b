package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/dto"
	"github.com/noah-isme/docvault-api/internal/models"
	"github.com/noah-isme/docvault-api/pkg/blob"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

const defaultPresignTTL = 15 * time.Minute

// blobStore is the object-store surface the storage service consumes.
type blobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (blob.ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error)
	Presign(ctx context.Context, key string, op blob.Op, ttl time.Duration) (blob.PresignedURL, error)
	Bucket() string
}

// storageUsageReader exposes the metadata facts quota checks and the orphan
// sweeper depend on.
type storageUsageReader interface {
	SumSizeByOwner(ctx context.Context, ownerID string) (int64, error)
	ListStorageKeys(ctx context.Context) (map[string]struct{}, error)
}

// StorageServiceConfig tunes presigning, owner quotas and orphan sweeping.
type StorageServiceConfig struct {
	PresignTTLMax   time.Duration
	OwnerQuotaBytes int64
	SweepGrace      time.Duration
}

// StorageService fronts the blob store with key derivation, quota checks and
// presigned access.
type StorageService struct {
	store  blobStore
	usage  storageUsageReader
	config StorageServiceConfig
	logger *zap.Logger
}

// NewStorageService constructs the service.
func NewStorageService(store blobStore, usage storageUsageReader, config StorageServiceConfig, logger *zap.Logger) *StorageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PresignTTLMax <= 0 {
		config.PresignTTLMax = time.Hour
	}
	if config.SweepGrace <= 0 {
		config.SweepGrace = time.Hour
	}
	return &StorageService{
		store:  store,
		usage:  usage,
		config: config,
		logger: logger,
	}
}

// HashContent returns the lowercase hex SHA-256 digest of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// BuildKey derives the content-addressed object key for an owner's upload.
// The year segment keeps bucket listings shallow; deduplication happens at
// the metadata layer by owner and hash, not by key.
func BuildKey(ownerID, hash string, fileType models.FileType) string {
	return fmt.Sprintf("documents/%s/%d/%s.%s",
		ownerID, time.Now().UTC().Year(), hash, extensionFor(fileType))
}

func extensionFor(fileType models.FileType) string {
	switch fileType {
	case models.FileTypePDF:
		return "pdf"
	case models.FileTypeJPEG:
		return "jpg"
	case models.FileTypePNG:
		return "png"
	case models.FileTypeTIFF:
		return "tif"
	default:
		return "bin"
	}
}

// Bucket reports the backing bucket label recorded on document rows.
func (s *StorageService) Bucket() string {
	return s.store.Bucket()
}

// Store writes content under key.
func (s *StorageService) Store(ctx context.Context, key string, content []byte, contentType string) (blob.ObjectInfo, error) {
	info, err := s.store.Put(ctx, key, content, contentType)
	if err != nil {
		return blob.ObjectInfo{}, appErrors.WrapAs(err, appErrors.ErrUpstream, "store blob")
	}
	return info, nil
}

// Fetch reads the full object for server-side processing.
func (s *StorageService) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return nil, appErrors.WrapAs(err, appErrors.ErrDocumentNotFound, "stored object is missing")
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrUpstream, "fetch blob")
	}
	return data, nil
}

// Remove deletes the object. Absent objects are not an error.
func (s *StorageService) Remove(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrUpstream, "delete blob")
	}
	return nil
}

// PresignDownload issues a time-limited GET URL for key.
func (s *StorageService) PresignDownload(ctx context.Context, key string, ttl time.Duration) (blob.PresignedURL, error) {
	signed, err := s.store.Presign(ctx, key, blob.OpGet, s.clampTTL(ttl))
	if err != nil {
		return blob.PresignedURL{}, appErrors.WrapAs(err, appErrors.ErrInternal, "presign download")
	}
	return signed, nil
}

// PresignUpload reserves a staging key and issues a direct PUT URL for it.
// Staged objects are unreferenced until the upload is finalized; abandoned
// ones age out through the orphan sweeper.
func (s *StorageService) PresignUpload(ctx context.Context, ownerID string, req dto.PresignUploadRequest) (*dto.PresignUploadResponse, error) {
	ext := strings.ToLower(filepath.Ext(req.Filename))
	if ext == "" {
		ext = ".bin"
	}
	key := fmt.Sprintf("staging/%s/%s%s", ownerID, uuid.NewString(), ext)

	signed, err := s.store.Presign(ctx, key, blob.OpPut, s.clampTTL(0))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "presign upload")
	}
	return &dto.PresignUploadResponse{
		UploadURL:  signed.URL,
		StorageKey: key,
		ExpiresAt:  signed.ExpiresAt,
	}, nil
}

// CheckQuota verifies the owner can absorb incoming bytes.
func (s *StorageService) CheckQuota(ctx context.Context, ownerID string, incoming int64) error {
	if s.config.OwnerQuotaBytes <= 0 {
		return nil
	}
	used, err := s.usage.SumSizeByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("sum owner usage: %w", err)
	}
	if used+incoming > s.config.OwnerQuotaBytes {
		return appErrors.Clone(appErrors.ErrQuotaExceeded,
			fmt.Sprintf("owner usage %d plus upload %d exceeds quota %d", used, incoming, s.config.OwnerQuotaBytes))
	}
	return nil
}

// SweepOrphans removes stored objects no document row references. The grace
// period protects objects written moments before their metadata commits and
// staged direct uploads still in flight.
func (s *StorageService) SweepOrphans(ctx context.Context) (int, error) {
	referenced, err := s.usage.ListStorageKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list referenced keys: %w", err)
	}
	objects, err := s.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list stored objects: %w", err)
	}

	cutoff := time.Now().Add(-s.config.SweepGrace)
	removed := 0
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		if obj.Updated.After(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("failed to delete orphan blob",
				zap.String("key", obj.Key),
				zap.Error(err))
			continue
		}
		removed++
		s.logger.Info("removed orphan blob",
			zap.String("key", obj.Key),
			zap.Int64("size", obj.Size))
	}
	return removed, nil
}

func (s *StorageService) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	if ttl > s.config.PresignTTLMax {
		ttl = s.config.PresignTTLMax
	}
	return ttl
}
