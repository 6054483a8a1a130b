package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docvault-api/internal/models"
	"github.com/noah-isme/docvault-api/internal/repository"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

type completeCall struct {
	jobID    string
	workerID string
	params   repository.CompleteJobParams
}

type failCall struct {
	jobID    string
	workerID string
	params   repository.FailJobParams
}

type queueStoreStub struct {
	mu          sync.Mutex
	pending     []*models.OcrJob
	leasedBy    map[string]string
	completes   []completeCall
	fails       []failCall
	renewErr    error
	renewCalls  int
	expireCalls int
}

func newQueueStoreStub(jobs ...*models.OcrJob) *queueStoreStub {
	return &queueStoreStub{pending: jobs, leasedBy: map[string]string{}}
}

func (s *queueStoreStub) LeaseOne(_ context.Context, workerID string, _ time.Duration) (*models.OcrJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	s.leasedBy[job.ID] = workerID
	job.Status = models.OcrJobStatusProcessing
	return job, nil
}

func (s *queueStoreStub) RenewLease(_ context.Context, _, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewCalls++
	return s.renewErr
}

func (s *queueStoreStub) Complete(_ context.Context, jobID, workerID string, params repository.CompleteJobParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, completeCall{jobID: jobID, workerID: workerID, params: params})
	return nil
}

func (s *queueStoreStub) Fail(_ context.Context, jobID, workerID string, params repository.FailJobParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, failCall{jobID: jobID, workerID: workerID, params: params})
	return !params.Retryable, nil
}

func (s *queueStoreStub) ExpireLeases(_ context.Context, _ time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireCalls++
	return 0, 0, nil
}

func (s *queueStoreStub) addJob(job *models.OcrJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, job)
}

func (s *queueStoreStub) snapshotCompletes() []completeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]completeCall(nil), s.completes...)
}

func (s *queueStoreStub) snapshotFails() []failCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]failCall(nil), s.fails...)
}

func (s *queueStoreStub) snapshotRenews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewCalls
}

func (s *queueStoreStub) snapshotExpires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireCalls
}

type processorStub struct {
	mu      sync.Mutex
	params  repository.CompleteJobParams
	err     error
	block   bool
	started chan string
	calls   int
}

func (p *processorStub) Process(ctx context.Context, job *models.OcrJob) (*repository.CompleteJobParams, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.started != nil {
		select {
		case p.started <- job.ID:
		default:
		}
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	params := p.params
	return &params, nil
}

func TestQueueDispatcherProcessesJob(t *testing.T) {
	store := newQueueStoreStub(&models.OcrJob{ID: "job-1", DocumentID: "doc-1"})
	proc := &processorStub{params: repository.CompleteJobParams{Text: "done", Confidence: 0.9, PageCount: 1}}
	d := NewQueueDispatcher(store, proc, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: 10 * time.Millisecond,
	})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.snapshotCompletes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := store.snapshotCompletes()[0]
	require.Equal(t, "job-1", got.jobID)
	require.Equal(t, "done", got.params.Text)
	// The completing worker is the one that leased the job.
	store.mu.Lock()
	leasedBy := store.leasedBy["job-1"]
	store.mu.Unlock()
	require.Equal(t, leasedBy, got.workerID)
	require.Empty(t, store.snapshotFails())
}

func TestQueueDispatcherFailsRetryably(t *testing.T) {
	store := newQueueStoreStub(&models.OcrJob{ID: "job-1", DocumentID: "doc-1", RetryCount: 1})
	proc := &processorStub{err: appErrors.Clone(appErrors.ErrEngineUnavailable, "engine down")}
	d := NewQueueDispatcher(store, proc, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: 10 * time.Millisecond,
		BackoffBase:       30 * time.Second,
	})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.snapshotFails()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := store.snapshotFails()[0]
	require.Equal(t, "ENGINE_UNAVAILABLE", got.params.ErrorCode)
	require.True(t, got.params.Retryable)
	// Attempt 2 backs off at least one doubled base.
	minNotBefore := time.Now().Add(45 * time.Second)
	require.True(t, got.params.NotBefore.After(minNotBefore), "backoff %v too short", got.params.NotBefore)
	require.Empty(t, store.snapshotCompletes())
}

func TestQueueDispatcherPermanentFailure(t *testing.T) {
	store := newQueueStoreStub(&models.OcrJob{ID: "job-1", DocumentID: "doc-1"})
	proc := &processorStub{err: appErrors.Clone(appErrors.ErrPermanent, "document no longer exists")}
	d := NewQueueDispatcher(store, proc, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: 10 * time.Millisecond,
	})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.snapshotFails()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, store.snapshotFails()[0].params.Retryable)
	require.Equal(t, "PERMANENT_FAILURE", store.snapshotFails()[0].params.ErrorCode)
}

func TestQueueDispatcherAbandonsOnLostLease(t *testing.T) {
	store := newQueueStoreStub(&models.OcrJob{ID: "job-1", DocumentID: "doc-1"})
	store.renewErr = appErrors.ErrLeaseLost
	proc := &processorStub{block: true}
	d := NewQueueDispatcher(store, proc, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          300 * time.Millisecond,
		LeaseGrace:        30 * time.Millisecond,
		EmptyPollInterval: 10 * time.Millisecond,
	})

	d.Start(context.Background())

	// The first heartbeat discovers the lost lease and aborts processing.
	require.Eventually(t, func() bool {
		return store.snapshotRenews() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	d.Stop()

	require.Empty(t, store.snapshotCompletes())
	require.Empty(t, store.snapshotFails())
}

func TestQueueDispatcherShutdownRequeuesInFlightJob(t *testing.T) {
	store := newQueueStoreStub(&models.OcrJob{ID: "job-1", DocumentID: "doc-1"})
	proc := &processorStub{block: true, started: make(chan string, 1)}
	d := NewQueueDispatcher(store, proc, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: 10 * time.Millisecond,
	})

	d.Start(context.Background())
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started processing")
	}
	d.Stop()

	fails := store.snapshotFails()
	require.Len(t, fails, 1)
	require.Equal(t, "shutdown", fails[0].params.ErrorCode)
	require.True(t, fails[0].params.Retryable)
	require.Empty(t, store.snapshotCompletes())
}

func TestQueueDispatcherWakesOnNotify(t *testing.T) {
	store := newQueueStoreStub()
	proc := &processorStub{params: repository.CompleteJobParams{Text: "done"}}
	wake := make(chan *pq.Notification, 1)
	d := NewQueueDispatcher(store, proc, wake, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: time.Hour,
	})

	d.Start(context.Background())
	defer d.Stop()

	store.addJob(&models.OcrJob{ID: "job-1", DocumentID: "doc-1"})
	wake <- &pq.Notification{Channel: "ocr_jobs_wake"}

	require.Eventually(t, func() bool {
		return len(store.snapshotCompletes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueDispatcherSweepsExpiredLeases(t *testing.T) {
	store := newQueueStoreStub()
	d := NewQueueDispatcher(store, &processorStub{}, nil, nil, nil, nil, QueueDispatcherConfig{
		WorkerCount:       1,
		LeaseTTL:          10 * time.Second,
		EmptyPollInterval: 10 * time.Millisecond,
		SweeperInterval:   20 * time.Millisecond,
	})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return store.snapshotExpires() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueDispatcherBackoffDelay(t *testing.T) {
	d := NewQueueDispatcher(newQueueStoreStub(), &processorStub{}, nil, nil, nil, nil, QueueDispatcherConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
	})

	for i := 0; i < 20; i++ {
		first := d.backoffDelay(1)
		require.GreaterOrEqual(t, first, 30*time.Second)
		require.LessOrEqual(t, first, 45*time.Second)

		second := d.backoffDelay(2)
		require.GreaterOrEqual(t, second, time.Minute)
		require.LessOrEqual(t, second, 75*time.Second)

		// Far past the doubling range the cap holds.
		late := d.backoffDelay(50)
		require.GreaterOrEqual(t, late, 30*time.Minute)
		require.LessOrEqual(t, late, 30*time.Minute+15*time.Second)
	}
}
