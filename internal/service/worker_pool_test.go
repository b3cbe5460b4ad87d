package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"go.uber.org/zap"
)

type fakeJobQueue struct {
	mu      sync.Mutex
	ready   []queue.Job
	acked   []string
	nacked  map[string]time.Duration
	dequeue func(ctx context.Context) (*queue.Job, error)
}

func (f *fakeJobQueue) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, job)
	return nil
}

func (f *fakeJobQueue) DequeueNext(ctx context.Context) (*queue.Job, error) {
	if f.dequeue != nil {
		return f.dequeue(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return nil, nil
	}
	job := f.ready[0]
	f.ready = f.ready[1:]
	job.Attempt++
	return &job, nil
}

func (f *fakeJobQueue) Ack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeJobQueue) Nack(_ context.Context, jobID string, retryAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nacked == nil {
		f.nacked = make(map[string]time.Duration)
	}
	f.nacked[jobID] = retryAfter
	return nil
}

func (f *fakeJobQueue) Close() error { return nil }

func (f *fakeJobQueue) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeProcessor struct {
	sendFn   func(ctx context.Context, batchID string) (*BatchResult, error)
	verifyFn func(ctx context.Context, batchID string) (*BatchResult, error)
}

func (f *fakeProcessor) SendBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	if f.sendFn == nil {
		return &BatchResult{BatchID: batchID, Status: domain.BatchStatusSubmitted}, nil
	}
	return f.sendFn(ctx, batchID)
}

func (f *fakeProcessor) VerifyBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	if f.verifyFn == nil {
		return &BatchResult{BatchID: batchID, Status: domain.BatchStatusSubmitted}, nil
	}
	return f.verifyFn(ctx, batchID)
}

func TestNewWorkerPoolValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewWorkerPool(nil, &fakeProcessor{}, 1, 0, nil); err == nil {
		t.Fatal("NewWorkerPool() without queue should fail")
	}
	if _, err := NewWorkerPool(&fakeJobQueue{}, nil, 1, 0, nil); err == nil {
		t.Fatal("NewWorkerPool() without processor should fail")
	}

	pool, err := NewWorkerPool(&fakeJobQueue{}, &fakeProcessor{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}
	if pool.concurrency != minWorkerConcurrency || pool.pollInterval != defaultPollInterval {
		t.Fatalf("pool defaults = (%d, %s)", pool.concurrency, pool.pollInterval)
	}
}

func TestWorkerPoolHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		job       queue.Job
		sendErr   error
		verifyErr error
		wantAck   bool
	}{
		{name: "send succeeds", job: queue.NewSendJob("b1", "e1"), wantAck: true},
		{name: "verify succeeds", job: queue.NewVerifyJob("b1", "e1", time.Time{}), wantAck: true},
		{name: "batch gone", job: queue.NewSendJob("b1", "e1"), sendErr: domain.ErrNotFound, wantAck: true},
		{name: "unknown kind", job: queue.Job{ID: "b1:noop", Kind: "noop", BatchID: "b1"}, wantAck: true},
		{name: "database down", job: queue.NewSendJob("b1", "e1"), sendErr: errors.New("connection refused")},
		{name: "provider verify fails", job: queue.NewVerifyJob("b1", "e1", time.Time{}), verifyErr: errors.New("timeout")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			jobs := &fakeJobQueue{}
			processor := &fakeProcessor{
				sendFn: func(_ context.Context, batchID string) (*BatchResult, error) {
					if tt.sendErr != nil {
						return nil, tt.sendErr
					}
					return &BatchResult{BatchID: batchID}, nil
				},
				verifyFn: func(_ context.Context, batchID string) (*BatchResult, error) {
					if tt.verifyErr != nil {
						return nil, tt.verifyErr
					}
					return &BatchResult{BatchID: batchID}, nil
				},
			}

			pool, err := NewWorkerPool(jobs, processor, 1, time.Millisecond, zap.NewNop())
			if err != nil {
				t.Fatalf("NewWorkerPool() error = %v", err)
			}
			pool.randIntn = func(int) int { return 0 }

			job := tt.job
			job.Attempt = 2
			pool.handle(context.Background(), &job)

			acked := jobs.ackedIDs()
			if tt.wantAck {
				if len(acked) != 1 || acked[0] != job.ID {
					t.Fatalf("acked = %v, want [%s]", acked, job.ID)
				}
				if len(jobs.nacked) != 0 {
					t.Fatalf("nacked = %v, want none", jobs.nacked)
				}
				return
			}

			if len(acked) != 0 {
				t.Fatalf("acked = %v, want none", acked)
			}
			if got := jobs.nacked[job.ID]; got != 2*time.Second {
				t.Fatalf("nack delay = %s, want 2s", got)
			}
		})
	}
}

func TestWorkerPoolComputeRetryDelay(t *testing.T) {
	t.Parallel()

	pool := &WorkerPool{randIntn: func(int) int { return 100 }}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second + 100*time.Millisecond},
		{attempt: 3, want: 4*time.Second + 100*time.Millisecond},
		{attempt: 30, want: time.Minute + 100*time.Millisecond},
	}
	for _, tt := range tests {
		if got := pool.computeRetryDelay(tt.attempt); got != tt.want {
			t.Fatalf("computeRetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestWorkerPoolStartProcessesQueuedJobs(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobQueue{}
	for _, id := range []string{"b1", "b2", "b3"} {
		if err := jobs.Enqueue(context.Background(), queue.NewSendJob(id, "e1")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var mu sync.Mutex
	processed := make(map[string]int)
	allDone := make(chan struct{})
	processor := &fakeProcessor{
		sendFn: func(_ context.Context, batchID string) (*BatchResult, error) {
			mu.Lock()
			defer mu.Unlock()
			processed[batchID]++
			if len(processed) == 3 {
				close(allDone)
			}
			return &BatchResult{BatchID: batchID}, nil
		},
	}

	pool, err := NewWorkerPool(jobs, processor, 2, time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Start(ctx) }()

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"b1", "b2", "b3"} {
		if processed[id] != 1 {
			t.Fatalf("batch %s processed %d times, want 1", id, processed[id])
		}
	}
}

func TestWorkerPoolRetriesAfterDequeueError(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	handled := make(chan struct{})
	jobs := &fakeJobQueue{}
	jobs.dequeue = func(ctx context.Context) (*queue.Job, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 1:
			return nil, errors.New("redis: connection reset")
		case 2:
			job := queue.NewSendJob("b1", "e1")
			job.Attempt = 1
			return &job, nil
		default:
			return nil, nil
		}
	}

	processor := &fakeProcessor{
		sendFn: func(_ context.Context, batchID string) (*BatchResult, error) {
			close(handled)
			return &BatchResult{BatchID: batchID, Skipped: true, Status: domain.BatchStatusSubmitted}, nil
		},
	}

	pool, err := NewWorkerPool(jobs, processor, 1, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Start(ctx) }()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("job after dequeue error was not processed")
	}
}
