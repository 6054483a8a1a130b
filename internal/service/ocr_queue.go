package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/docvault-api/internal/models"
	"github.com/noah-isme/docvault-api/internal/repository"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// queueStore is the persistent queue surface the dispatcher drives.
type queueStore interface {
	LeaseOne(ctx context.Context, workerID string, ttl time.Duration) (*models.OcrJob, error)
	RenewLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error
	Complete(ctx context.Context, jobID, workerID string, params repository.CompleteJobParams) error
	Fail(ctx context.Context, jobID, workerID string, params repository.FailJobParams) (bool, error)
	ExpireLeases(ctx context.Context, now time.Time) (requeued, failed int, err error)
}

// jobProcessor turns a leased job into its completion payload.
type jobProcessor interface {
	Process(ctx context.Context, job *models.OcrJob) (*repository.CompleteJobParams, error)
}

// completionCache drops cached document snapshots once an outcome write
// changed the row.
type completionCache interface {
	Delete(ctx context.Context, key string) error
}

// QueueDispatcherConfig tunes worker pool and lease behaviour.
type QueueDispatcherConfig struct {
	WorkerCount       int
	LeaseTTL          time.Duration
	LeaseGrace        time.Duration
	EmptyPollInterval time.Duration
	SweeperInterval   time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	FinishTimeout     time.Duration
}

// QueueDispatcher runs the OCR worker pool. Workers compete for leases on the
// persistent queue, heartbeat while processing, and record the outcome only
// while they still hold the lease. A sweeper reclaims leases of dead workers.
//
// An idle worker wakes on the queue's NOTIFY channel or, failing that, on a
// short poll tick.
type QueueDispatcher struct {
	store   queueStore
	proc    jobProcessor
	wake    <-chan *pq.Notification
	cache   completionCache
	metrics *MetricsService
	config  QueueDispatcherConfig
	logger  *zap.Logger

	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewQueueDispatcher builds the pool. wake, cache and metrics may be nil;
// workers then rely on the poll tick alone and skip invalidation and
// instrumentation.
func NewQueueDispatcher(
	store queueStore,
	proc jobProcessor,
	wake <-chan *pq.Notification,
	cache completionCache,
	metrics *MetricsService,
	logger *zap.Logger,
	config QueueDispatcherConfig,
) *QueueDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 10 * time.Minute
	}
	if config.LeaseGrace <= 0 || config.LeaseGrace >= config.LeaseTTL {
		config.LeaseGrace = 30 * time.Second
		if config.LeaseGrace >= config.LeaseTTL {
			config.LeaseGrace = config.LeaseTTL / 10
		}
	}
	if config.EmptyPollInterval <= 0 {
		config.EmptyPollInterval = time.Second
	}
	if config.SweeperInterval <= 0 {
		config.SweeperInterval = config.LeaseTTL / 4
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 30 * time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 30 * time.Minute
	}
	if config.FinishTimeout <= 0 {
		config.FinishTimeout = 10 * time.Second
	}
	return &QueueDispatcher{
		store:   store,
		proc:    proc,
		wake:    wake,
		cache:   cache,
		metrics: metrics,
		config:  config,
		logger:  logger,
		name:    "ocr-" + uuid.NewString()[:8],
	}
}

// Start launches the workers and the lease sweeper. Safe to call once.
func (d *QueueDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.config.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i + 1)
	}
	d.wg.Add(1)
	go d.sweeper()
	d.started = true
	d.logger.Info("ocr dispatcher started",
		zap.String("dispatcher", d.name),
		zap.Int("workers", d.config.WorkerCount),
		zap.Duration("lease_ttl", d.config.LeaseTTL))
}

// Stop cancels the pool and waits for in-flight jobs to wind down. Interrupted
// jobs are failed retryably so another worker picks them up without waiting
// for lease expiry.
func (d *QueueDispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("ocr dispatcher stopped", zap.String("dispatcher", d.name))
}

func (d *QueueDispatcher) worker(idx int) {
	defer d.wg.Done()
	workerID := fmt.Sprintf("%s-%d", d.name, idx)
	ticker := time.NewTicker(d.config.EmptyPollInterval)
	defer ticker.Stop()

	for {
		if d.ctx.Err() != nil {
			return
		}
		job, err := d.store.LeaseOne(d.ctx, workerID, d.config.LeaseTTL)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("lease attempt failed", zap.String("worker", workerID), zap.Error(err))
		}
		if job != nil {
			d.runJob(workerID, job)
			continue
		}
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// runJob processes one leased job: heartbeat in the background, process under
// the lease deadline, then record the outcome with a fresh write context.
func (d *QueueDispatcher) runJob(workerID string, job *models.OcrJob) {
	leasedAt := time.Now()
	deadline := d.config.LeaseTTL - d.config.LeaseGrace
	jobCtx, cancelJob := context.WithTimeout(d.ctx, deadline)
	defer cancelJob()

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	lost := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		d.heartbeat(heartbeatCtx, workerID, job.ID, func() {
			close(lost)
			cancelJob()
		})
	}()

	d.logger.Info("processing ocr job",
		zap.String("worker", workerID),
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("attempt", job.RetryCount+1))

	params, procErr := d.proc.Process(jobCtx, job)
	stopHeartbeat()
	hb.Wait()

	select {
	case <-lost:
		// Cancelled or re-leased elsewhere; results must not be written.
		d.logger.Warn("lease lost mid-processing, abandoning job",
			zap.String("worker", workerID),
			zap.String("job_id", job.ID))
		return
	default:
	}

	// The job context may already be expired or cancelled; outcome writes get
	// their own deadline.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), d.config.FinishTimeout)
	defer cancelFinish()

	if procErr != nil {
		d.failJob(finishCtx, workerID, job, procErr)
		return
	}
	if err := d.store.Complete(finishCtx, job.ID, workerID, *params); err != nil {
		if appErrors.Is(err, appErrors.ErrLeaseLost) {
			d.logger.Warn("lease lost before completion",
				zap.String("worker", workerID),
				zap.String("job_id", job.ID))
			return
		}
		d.logger.Error("failed to record ocr completion",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	d.metrics.JobCompleted(time.Since(leasedAt))
	d.invalidateDocument(finishCtx, job.DocumentID)
	d.logger.Info("ocr job completed",
		zap.String("worker", workerID),
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID))
}

// invalidateDocument drops the cached document snapshot after the outcome
// write bumped the row.
func (d *QueueDispatcher) invalidateDocument(ctx context.Context, documentID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, documentCacheKey(documentID)); err != nil {
		d.logger.Debug("document cache invalidation failed", zap.Error(err))
	}
}

// heartbeat renews the lease at a third of its TTL until stopped. onLost fires
// once when the renewal reports the lease is gone.
func (d *QueueDispatcher) heartbeat(ctx context.Context, workerID, jobID string, onLost func()) {
	interval := d.config.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), d.config.FinishTimeout)
			err := d.store.RenewLease(renewCtx, jobID, workerID, d.config.LeaseTTL)
			cancel()
			if err == nil {
				continue
			}
			if appErrors.Is(err, appErrors.ErrLeaseLost) {
				onLost()
				return
			}
			// Transient; the next tick tries again and the lease has slack
			// for two missed renewals.
			d.logger.Warn("lease renewal failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
}

func (d *QueueDispatcher) failJob(ctx context.Context, workerID string, job *models.OcrJob, procErr error) {
	code := appErrors.FromError(procErr).Code
	retryable := appErrors.Retryable(procErr)
	switch {
	case errors.Is(procErr, context.Canceled):
		// Shutdown interrupted the job; hand it straight back to the queue
		// instead of letting the lease run out.
		code = "shutdown"
		retryable = true
	case errors.Is(procErr, context.DeadlineExceeded):
		code = "deadline_exceeded"
		retryable = true
	}

	terminal, err := d.store.Fail(ctx, job.ID, workerID, repository.FailJobParams{
		ErrorCode:    code,
		ErrorMessage: procErr.Error(),
		Retryable:    retryable,
		NotBefore:    time.Now().UTC().Add(d.backoffDelay(job.RetryCount + 1)),
	})
	if err != nil {
		if appErrors.Is(err, appErrors.ErrLeaseLost) {
			d.logger.Warn("lease lost before failure could be recorded",
				zap.String("job_id", job.ID))
			return
		}
		d.logger.Error("failed to record ocr failure",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	d.metrics.JobFailed(terminal)
	if terminal {
		// Terminal failure marks the document; its cached copy is stale now.
		d.invalidateDocument(ctx, job.DocumentID)
		d.logger.Error("ocr job failed terminally",
			zap.String("worker", workerID),
			zap.String("job_id", job.ID),
			zap.String("document_id", job.DocumentID),
			zap.String("code", code),
			zap.Error(procErr))
		return
	}
	d.logger.Warn("ocr job failed, requeued with backoff",
		zap.String("worker", workerID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.RetryCount+1),
		zap.String("code", code),
		zap.Error(procErr))
}

// backoffDelay doubles from the base per attempt, capped at the maximum, with
// up to half a base of jitter so retries spread out.
func (d *QueueDispatcher) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	delay := d.config.BackoffBase << uint(shift)
	if delay <= 0 || delay > d.config.BackoffMax {
		delay = d.config.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d.config.BackoffBase/2) + 1))
	return delay + jitter
}

func (d *QueueDispatcher) sweeper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.SweeperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(d.ctx, d.config.FinishTimeout)
			requeued, failed, err := d.store.ExpireLeases(sweepCtx, time.Now().UTC())
			cancel()
			if err != nil {
				if d.ctx.Err() == nil {
					d.logger.Error("lease sweep failed", zap.Error(err))
				}
				continue
			}
			if requeued+failed > 0 {
				d.metrics.LeasesExpired(requeued + failed)
				d.logger.Info("expired leases reclaimed",
					zap.Int("requeued", requeued),
					zap.Int("failed", failed))
			}
		}
	}
}
