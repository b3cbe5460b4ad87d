package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/provider"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
)

func seedBatch(store *memStore, b domain.EmailBatch) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := b
	store.batches[b.ID] = &stored
}

func newTestRecoveryScanner(t *testing.T, store *memStore, jobs JobEnqueuer, lock Locker) *RecoveryScanner {
	t.Helper()

	scanner, err := NewRecoveryScanner(store.batchRepo(), jobs, lock, RecoveryConfig{
		Interval:     time.Minute,
		StaleAfter:   5 * time.Minute,
		PendingAfter: time.Minute,
		Limit:        10,
	}, nil)
	if err != nil {
		t.Fatalf("NewRecoveryScanner() error = %v", err)
	}
	scanner.now = func() time.Time { return testNow }
	return scanner
}

func TestRecoveryScannerScan(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	staleHeartbeat := testNow.Add(-10 * time.Minute)
	freshHeartbeat := testNow.Add(-time.Minute)
	dueRetry := testNow.Add(-time.Second)
	laterRetry := testNow.Add(time.Hour)

	seedBatch(store, domain.EmailBatch{ID: "pending-old", EmailID: "e1", Status: domain.BatchStatusPending, UpdatedAt: testNow.Add(-2 * time.Minute)})
	seedBatch(store, domain.EmailBatch{ID: "pending-new", EmailID: "e1", Status: domain.BatchStatusPending, UpdatedAt: testNow})
	seedBatch(store, domain.EmailBatch{ID: "stale", EmailID: "e1", Status: domain.BatchStatusSubmitting, HeartbeatAt: &staleHeartbeat, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "unknown", EmailID: "e1", Status: domain.BatchStatusSubmitting, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "verify-later", EmailID: "e1", Status: domain.BatchStatusSubmitting, NextRetryAt: &laterRetry, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "live", EmailID: "e1", Status: domain.BatchStatusSubmitting, HeartbeatAt: &freshHeartbeat, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "retry-due", EmailID: "e1", Status: domain.BatchStatusFailed, NextRetryAt: &dueRetry, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "retry-later", EmailID: "e1", Status: domain.BatchStatusFailed, NextRetryAt: &laterRetry, AttemptCount: 1, MaxAttempts: 3})
	seedBatch(store, domain.EmailBatch{ID: "manual", EmailID: "e1", Status: domain.BatchStatusFailed, Permanent: true, AttemptCount: 3, MaxAttempts: 3})

	jobs := &fakeEnqueuer{}
	scanner := newTestRecoveryScanner(t, store, jobs, nil)

	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	got := make(map[string]queue.Job)
	for _, job := range jobs.drain() {
		got[job.ID] = job
	}

	want := []string{
		queue.JobID(queue.JobKindSend, "pending-old"),
		queue.JobID(queue.JobKindVerify, "stale"),
		queue.JobID(queue.JobKindVerify, "unknown"),
		queue.JobID(queue.JobKindSend, "retry-due"),
	}
	if len(got) != len(want) {
		t.Fatalf("jobs = %v, want %v", got, want)
	}
	for _, id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("missing job %s in %v", id, got)
		}
	}

	if status := store.batch("retry-due").Status; status != domain.BatchStatusPending {
		t.Fatalf("retry-due status = %s, want pending", status)
	}
	if status := store.batch("stale").Status; status != domain.BatchStatusSubmitting {
		t.Fatalf("stale status = %s, want submitting until verified", status)
	}
	if status := store.batch("manual").Status; status != domain.BatchStatusFailed {
		t.Fatalf("manual status = %s, want failed", status)
	}
}

func TestRecoveryScannerSkipsExhaustedRetry(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	due := testNow.Add(-time.Second)
	seedBatch(store, domain.EmailBatch{ID: "b1", EmailID: "e1", Status: domain.BatchStatusFailed, NextRetryAt: &due, AttemptCount: 3, MaxAttempts: 3})

	jobs := &fakeEnqueuer{}
	scanner := newTestRecoveryScanner(t, store, jobs, nil)
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	if got := jobs.drain(); len(got) != 0 {
		t.Fatalf("jobs = %+v, want none", got)
	}
	if status := store.batch("b1").Status; status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
}

func TestRecoveryScannerRequiresLock(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedBatch(store, domain.EmailBatch{ID: "b1", EmailID: "e1", Status: domain.BatchStatusPending, UpdatedAt: testNow.Add(-time.Hour)})

	jobs := &fakeEnqueuer{}
	lock := &fakeLocker{held: false}
	scanner := newTestRecoveryScanner(t, store, jobs, lock)

	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if got := jobs.drain(); len(got) != 0 {
		t.Fatalf("jobs = %+v, want none without the lock", got)
	}

	lock.err = errors.New("redis down")
	if err := scanner.scan(context.Background()); err == nil {
		t.Fatal("scan() should fail when the lock cannot be checked")
	}

	lock.err = nil
	lock.held = true
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if got := jobs.drain(); len(got) != 1 {
		t.Fatalf("jobs = %+v, want one", got)
	}
}

func TestRecoveryScannerStartReleasesLock(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	lock := &fakeLocker{held: true}
	scanner := newTestRecoveryScanner(t, store, &fakeEnqueuer{}, lock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scanner.Start(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.acquires < 1 || lock.releases != 1 {
		t.Fatalf("acquires = %d, releases = %d", lock.acquires, lock.releases)
	}
}

func TestRecoveryScannerRecoversLostSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, makeMembers(2), harnessOptions{})
	email, batches := h.createEmail(t)
	// The enqueue was lost.
	h.jobs.drain()

	h.store.mu.Lock()
	h.store.batches[batches[0].ID].UpdatedAt = testNow.Add(-5 * time.Minute)
	h.store.mu.Unlock()

	scanner := newTestRecoveryScanner(t, h.store, h.jobs, nil)
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	h.runJobs(t)

	if got := h.store.email(email.ID).Status; got != domain.EmailStatusSubmitted {
		t.Fatalf("email status = %s, want submitted", got)
	}
}

func TestRecoveryScannerWaitsForVerifyDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, makeMembers(2), harnessOptions{
		cfg: SendingConfig{VerifyDelay: 2 * time.Minute},
	})
	h.provider.sendFn = func(context.Context, provider.BulkMessage) (*provider.SendResult, error) {
		return nil, &provider.ProviderError{Unknown: true, Message: "read timeout"}
	}
	h.provider.verifyFn = func(_ context.Context, token string) (*provider.VerifyResult, error) {
		return &provider.VerifyResult{Status: provider.VerifyAccepted, ProviderID: "found-" + token}, nil
	}

	email, batches := h.createEmail(t)
	h.jobs.drain()
	if _, err := h.sender.SendBatch(context.Background(), batches[0].ID); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	// The delayed verify job is still sitting in the queue.
	h.jobs.drain()

	scanner := newTestRecoveryScanner(t, h.store, h.jobs, nil)
	scanner.now = func() time.Time { return testNow.Add(time.Second) }
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if got := h.jobs.drain(); len(got) != 0 {
		t.Fatalf("jobs = %+v, want none before the verify delay", got)
	}

	h.clock.Advance(time.Second)
	result, err := h.sender.VerifyBatch(context.Background(), batches[0].ID)
	if err != nil {
		t.Fatalf("VerifyBatch() error = %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v, want skipped before the verify delay", result)
	}
	if stored := h.store.batch(batches[0].ID); stored.Status != domain.BatchStatusSubmitting {
		t.Fatalf("batch status = %s, want submitting", stored.Status)
	}
	if len(h.provider.verified) != 0 {
		t.Fatalf("provider verified %v before the delay", h.provider.verified)
	}

	scanner.now = func() time.Time { return testNow.Add(2*time.Minute + time.Second) }
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	jobs := h.jobs.drain()
	if len(jobs) != 1 || jobs[0].Kind != queue.JobKindVerify {
		t.Fatalf("jobs = %+v, want one verify job", jobs)
	}
	if !jobs[0].AvailableAt.Equal(testNow.Add(2 * time.Minute)) {
		t.Fatalf("verify available at = %s, want the verify-after time", jobs[0].AvailableAt)
	}
	h.jobs.jobs = jobs
	h.runJobs(t)

	if got := h.provider.sendCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	if got := h.store.email(email.ID).Status; got != domain.EmailStatusSubmitted {
		t.Fatalf("email status = %s, want submitted", got)
	}
}

func TestRecoveryScannerRequeuesPendingOncePerInterval(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedBatch(store, domain.EmailBatch{ID: "waiting", EmailID: "e1", Status: domain.BatchStatusPending, UpdatedAt: testNow.Add(-5 * time.Minute)})

	jobs := &fakeEnqueuer{}
	scanner := newTestRecoveryScanner(t, store, jobs, nil)

	scans := []struct {
		at   time.Time
		want int
	}{
		{at: testNow, want: 1},
		{at: testNow.Add(15 * time.Second), want: 0},
		{at: testNow.Add(30 * time.Second), want: 0},
		{at: testNow.Add(time.Minute + time.Second), want: 1},
	}
	for i, sc := range scans {
		scanner.now = func() time.Time { return sc.at }
		if err := scanner.scan(context.Background()); err != nil {
			t.Fatalf("scan %d error = %v", i, err)
		}
		if got := jobs.drain(); len(got) != sc.want {
			t.Fatalf("scan %d jobs = %+v, want %d", i, got, sc.want)
		}
	}

	if got := store.batch("waiting").UpdatedAt; !got.Equal(testNow.Add(time.Minute + time.Second)) {
		t.Fatalf("updated at = %s, want the last requeue time", got)
	}
}

func TestRecoveryScannerDoesNotMarkFailedEnqueue(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	old := testNow.Add(-5 * time.Minute)
	seedBatch(store, domain.EmailBatch{ID: "waiting", EmailID: "e1", Status: domain.BatchStatusPending, UpdatedAt: old})

	jobs := &fakeEnqueuer{err: errors.New("broker down")}
	scanner := newTestRecoveryScanner(t, store, jobs, nil)
	if err := scanner.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	if got := store.batch("waiting").UpdatedAt; !got.Equal(old) {
		t.Fatalf("updated at = %s, want untouched after a failed enqueue", got)
	}
}
