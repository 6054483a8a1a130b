package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/models"
)

// accessLogStore persists audit rows.
type accessLogStore interface {
	Create(ctx context.Context, entry *models.AccessLog) error
	List(ctx context.Context, filter models.AccessLogFilter) ([]models.AccessLog, error)
	CountByType(ctx context.Context, since time.Time) (map[models.AccessType]int64, error)
}

// AccessLogServiceConfig bounds the async audit pipeline.
type AccessLogServiceConfig struct {
	QueueSize     int
	RetryAttempts int
	RetryInterval time.Duration
	WriteTimeout  time.Duration
}

// AccessLogService records document access events without blocking request
// handling. Entries flow through a bounded queue into a background writer;
// when the queue is full new entries are dropped and counted rather than
// applying backpressure to the caller.
type AccessLogService struct {
	repo   accessLogStore
	config AccessLogServiceConfig
	logger *zap.Logger

	queue   chan *models.AccessLog
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// NewAccessLogService constructs the service and starts its writer.
func NewAccessLogService(repo accessLogStore, config AccessLogServiceConfig, logger *zap.Logger) *AccessLogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	s := &AccessLogService{
		repo:   repo,
		config: config,
		logger: logger,
		queue:  make(chan *models.AccessLog, config.QueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues one audit entry. Never blocks and never fails the caller.
func (s *AccessLogService) Record(entry *models.AccessLog) {
	if entry == nil {
		return
	}
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now()
	}

	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.queue <- entry:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("audit queue full, dropping entry",
			zap.String("document_id", entry.DocumentID),
			zap.String("access_type", string(entry.AccessType)),
			zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many entries were lost to overflow or write failure.
func (s *AccessLogService) Dropped() int64 {
	return s.dropped.Load()
}

// List returns audit entries matching the filter.
func (s *AccessLogService) List(ctx context.Context, filter models.AccessLogFilter) ([]models.AccessLog, error) {
	return s.repo.List(ctx, filter)
}

// UsageCounts aggregates audited operations since the given time.
func (s *AccessLogService) UsageCounts(ctx context.Context, since time.Time) (map[models.AccessType]int64, error) {
	return s.repo.CountByType(ctx, since)
}

// Close stops accepting entries, drains the queue and waits for the writer.
func (s *AccessLogService) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *AccessLogService) run() {
	defer s.wg.Done()
	for {
		select {
		case entry := <-s.queue:
			s.write(entry)
		case <-s.done:
			for {
				select {
				case entry := <-s.queue:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

// write persists one entry with bounded retries. The request context is long
// gone by now, so each attempt gets its own deadline.
func (s *AccessLogService) write(entry *models.AccessLog) {
	var lastErr error
	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryInterval):
			case <-s.done:
				// Shutting down: retry immediately instead of waiting.
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		lastErr = s.repo.Create(ctx, entry)
		cancel()
		if lastErr == nil {
			return
		}
	}

	n := s.dropped.Add(1)
	s.logger.Error("giving up on audit entry",
		zap.String("document_id", entry.DocumentID),
		zap.String("access_type", string(entry.AccessType)),
		zap.Int64("dropped_total", n),
		zap.Error(lastErr))
}
