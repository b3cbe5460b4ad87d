package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/kursadbilgin/newsletter-engine/internal/provider"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"github.com/kursadbilgin/newsletter-engine/internal/render"
	"github.com/kursadbilgin/newsletter-engine/internal/segment"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu       sync.Mutex
	sendFn   func(ctx context.Context, msg provider.BulkMessage) (*provider.SendResult, error)
	verifyFn func(ctx context.Context, token string) (*provider.VerifyResult, error)
	sent     []provider.BulkMessage
	verified []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) MaxBatchSize() int { return 1000 }

func (f *fakeProvider) MergeTag(key string) string { return "%recipient." + key + "%" }

func (f *fakeProvider) Send(ctx context.Context, msg provider.BulkMessage) (*provider.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	fn := f.sendFn
	f.mu.Unlock()

	if fn == nil {
		return &provider.SendResult{ProviderID: "msg-" + msg.Token, StatusCode: 200}, nil
	}
	return fn(ctx, msg)
}

func (f *fakeProvider) Verify(ctx context.Context, token string) (*provider.VerifyResult, error) {
	f.mu.Lock()
	f.verified = append(f.verified, token)
	fn := f.verifyFn
	f.mu.Unlock()

	if fn == nil {
		return &provider.VerifyResult{Status: provider.VerifyNotFound}, nil
	}
	return fn(ctx, token)
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeProvider) messages() []provider.BulkMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.BulkMessage(nil), f.sent...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn == nil {
		return nil
	}
	return f.waitFn(ctx, key)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	err  error
	jobs []queue.Job
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) drain() []queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs
	f.jobs = nil
	return jobs
}

type fakeRenderer struct {
	err error
}

func (f *fakeRenderer) RenderForBatch(email *domain.Email, recipients []domain.EmailRecipient, mergeTag render.MergeTagFormatter) (*render.RenderedBatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	perRecipient := make(map[string]map[string]string, len(recipients))
	for _, r := range recipients {
		perRecipient[r.ID] = map[string]string{"uuid": r.MemberUUID}
	}
	return &render.RenderedBatch{
		Subject:      email.Subject,
		HTML:         "<p>" + email.PostTitle + " " + mergeTag("uuid") + "</p>",
		Text:         email.PostTitle,
		PerRecipient: perRecipient,
	}, nil
}

type fakeMemberSource struct {
	mu      sync.Mutex
	members []domain.Member
	err     error
}

func (f *fakeMemberSource) ListMembers(_ context.Context, _, _, afterID string, limit int) ([]domain.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	sorted := append([]domain.Member(nil), f.members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var page []domain.Member
	for _, m := range sorted {
		if m.ID > afterID {
			page = append(page, m)
		}
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquires int
	releases int
}

func (f *fakeLocker) Acquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.held, f.err
}

func (f *fakeLocker) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func makeMembers(n int) []domain.Member {
	members := make([]domain.Member, n)
	for i := range members {
		members[i] = domain.Member{
			ID:     fmt.Sprintf("m-%05d", i+1),
			UUID:   fmt.Sprintf("uuid-%05d", i+1),
			Email:  fmt.Sprintf("member%d@example.com", i+1),
			Name:   fmt.Sprintf("Member %d", i+1),
			Status: "free",
		}
	}
	return members
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// catchUp moves the clock forward to at, never backwards.
func (c *testClock) catchUp(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.now) {
		c.now = at
	}
}

type harness struct {
	clock    *testClock
	store    *memStore
	members  *fakeMemberSource
	provider *fakeProvider
	jobs     *fakeEnqueuer
	planner  *Planner
	tracker  *Tracker
	sender   *SendingService
	emails   *EmailService
}

type harnessOptions struct {
	batchSize   int
	maxAttempts int
	renderer    BatchRenderer
	cfg         SendingConfig
}

func newHarness(t *testing.T, members []domain.Member, opts harnessOptions) *harness {
	t.Helper()

	clock := &testClock{now: testNow}
	store := newMemStore()
	source := &fakeMemberSource{members: members}
	p := &fakeProvider{}
	jobs := &fakeEnqueuer{}

	segmenter := segment.NewSegmenter(source, store.failureRepo(), 500, zap.NewNop())

	planner, err := NewPlanner(store.emailRepo(), store.batchRepo(), segmenter, opts.batchSize, p.MaxBatchSize(), opts.maxAttempts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}
	planner.now = func() time.Time { return testNow }

	tracker := NewTracker(store.outcomeRepo(), store.batchRepo(), store.recipientRepo(), store.emailRepo(), zap.NewNop())
	tracker.now = clock.Now

	renderer := opts.renderer
	if renderer == nil {
		renderer = &fakeRenderer{}
	}

	sender, err := NewSendingService(
		store.batchRepo(),
		store.emailRepo(),
		store.recipientRepo(),
		store.attemptRepo(),
		tracker,
		renderer,
		p,
		&fakeRateLimiter{},
		jobs,
		opts.cfg,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewSendingService() error = %v", err)
	}
	sender.now = clock.Now
	sender.randIntn = func(int) int { return 0 }

	emails, err := NewEmailService(
		store.emailRepo(),
		store.batchRepo(),
		store.recipientRepo(),
		store.failureRepo(),
		store.attemptRepo(),
		planner,
		tracker,
		jobs,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEmailService() error = %v", err)
	}
	emails.now = clock.Now
	emails.pollInterval = time.Millisecond

	return &harness{
		clock:    clock,
		store:    store,
		members:  source,
		provider: p,
		jobs:     jobs,
		planner:  planner,
		tracker:  tracker,
		sender:   sender,
		emails:   emails,
	}
}

func testCommand() CreateEmailCommand {
	published := testNow.Add(-time.Hour)
	return CreateEmailCommand{
		Post: domain.Post{
			ID:          "post-1",
			Title:       "Spring issue",
			URL:         "https://blog.example.com/spring",
			Content:     "<p>Hello readers</p>",
			Format:      domain.SourceFormatHTML,
			PublishedAt: &published,
		},
		Newsletter: domain.Newsletter{
			ID:              "nl-1",
			Name:            "Weekly",
			Slug:            "weekly",
			SenderName:      "The Weekly",
			SenderEmail:     "news@example.com",
			RecipientFilter: "status:-free",
		},
	}
}

// createEmail stores and plans an email, returning it together with its
// batches ordered by sequence.
func (h *harness) createEmail(t *testing.T) (*domain.Email, []domain.EmailBatch) {
	t.Helper()

	email, err := h.emails.CreateEmailForPost(context.Background(), testCommand())
	if err != nil {
		t.Fatalf("CreateEmailForPost() error = %v", err)
	}
	batches, err := h.store.batchRepo().ListByEmail(context.Background(), email.ID)
	if err != nil {
		t.Fatalf("ListByEmail() error = %v", err)
	}
	return email, batches
}

// runJobs processes queued jobs until the queue is empty. Delayed jobs move
// the clock to their due time.
func (h *harness) runJobs(t *testing.T) {
	t.Helper()

	for {
		jobs := h.jobs.drain()
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			h.clock.catchUp(job.AvailableAt)
			var err error
			switch job.Kind {
			case queue.JobKindSend:
				_, err = h.sender.SendBatch(context.Background(), job.BatchID)
			case queue.JobKindVerify:
				_, err = h.sender.VerifyBatch(context.Background(), job.BatchID)
			}
			if err != nil {
				t.Fatalf("%s job for %s error = %v", job.Kind, job.BatchID, err)
			}
		}
	}
}
