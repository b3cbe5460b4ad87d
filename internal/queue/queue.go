package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// JobKind selects the sending operation a job runs.
type JobKind string

const (
	JobKindSend   JobKind = "send"
	JobKindVerify JobKind = "verify"
)

func (k JobKind) String() string { return string(k) }

func (k JobKind) IsValid() bool {
	return k == JobKindSend || k == JobKindVerify
}

// Job asks a worker to send or verify one batch. Jobs for the same batch and
// kind share an ID.
type Job struct {
	ID      string  `json:"id"`
	Kind    JobKind `json:"kind"`
	BatchID string  `json:"batchId"`
	EmailID string  `json:"emailId"`
	// Attempt counts deliveries of this job, starting at 1 on dequeue.
	Attempt int `json:"attempt,omitempty"`
	// AvailableAt delays delivery. The zero value means now.
	AvailableAt time.Time `json:"availableAt,omitempty"`
}

// JobID returns the deterministic job id for a batch operation.
func JobID(kind JobKind, batchID string) string {
	return batchID + ":" + kind.String()
}

func NewSendJob(batchID, emailID string) Job {
	return Job{ID: JobID(JobKindSend, batchID), Kind: JobKindSend, BatchID: batchID, EmailID: emailID}
}

func NewVerifyJob(batchID, emailID string, availableAt time.Time) Job {
	return Job{
		ID:          JobID(JobKindVerify, batchID),
		Kind:        JobKindVerify,
		BatchID:     batchID,
		EmailID:     emailID,
		AvailableAt: availableAt,
	}
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !j.Kind.IsValid() {
		return fmt.Errorf("invalid job kind %q", j.Kind)
	}
	if j.ID != JobID(j.Kind, j.BatchID) {
		return fmt.Errorf("job id %q does not match %s job for batch %s", j.ID, j.Kind, j.BatchID)
	}
	return nil
}

// JobQueue is a durable at-least-once queue of batch jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// DequeueNext returns the next ready job, or nil when none is ready.
	DequeueNext(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	// Nack returns the job to the queue, delivered again after retryAfter.
	Nack(ctx context.Context, jobID string, retryAfter time.Duration) error
	Close() error
}

const (
	// WorkQueueName is the RabbitMQ queue workers take jobs from.
	WorkQueueName = "email.batches"
	// DelayQueueName holds nacked and delayed jobs until their TTL expires.
	DelayQueueName = "email.batches.delay"
	// DLQName receives jobs that exceeded their delivery budget.
	DLQName = "dlq.email.batches"
)
