package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultMaxDeliveries = 10

var _ JobQueue = (*RabbitMQJobQueue)(nil)

// RabbitMQJobQueue pulls jobs with basic.get on a long-lived channel and keeps
// unacknowledged deliveries until the worker acks or nacks them. Nacked jobs
// wait in the delay queue for their retry delay. Jobs delivered more than
// maxDeliveries times are rejected into the dead-letter queue.
type RabbitMQJobQueue struct {
	client        *RabbitMQ
	maxDeliveries int
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	ch      *amqp.Channel
	pending map[string][]pendingDelivery
}

type pendingDelivery struct {
	delivery amqp.Delivery
	job      Job
}

func NewRabbitMQJobQueue(client *RabbitMQ, maxDeliveries int, logger *zap.Logger) *RabbitMQJobQueue {
	if maxDeliveries < 1 {
		maxDeliveries = defaultMaxDeliveries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQJobQueue{
		client:        client,
		maxDeliveries: maxDeliveries,
		logger:        logger,
		now:           time.Now,
		pending:       make(map[string][]pendingDelivery),
	}
}

func (q *RabbitMQJobQueue) Enqueue(ctx context.Context, job Job) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("job queue is not initialized")
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	var delay time.Duration
	if !job.AvailableAt.IsZero() {
		delay = job.AvailableAt.Sub(q.now())
	}
	job.Attempt = 0

	return q.publish(ctx, job, delay)
}

func (q *RabbitMQJobQueue) publish(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ch, err := q.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    q.now().UTC(),
		MessageId:    job.ID,
		Type:         job.Kind.String(),
		Body:         payload,
	}

	queue := WorkQueueName
	if expiration := delayExpiration(delay); expiration != "" {
		queue = DelayQueueName
		publishing.Expiration = expiration
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish job %s to queue %q: %w", job.ID, queue, err)
	}

	return nil
}

func (q *RabbitMQJobQueue) DequeueNext(ctx context.Context) (*Job, error) {
	if q == nil || q.client == nil {
		return nil, fmt.Errorf("job queue is not initialized")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.getChannel(ctx)
	if err != nil {
		return nil, err
	}

	d, ok, err := ch.Get(WorkQueueName, false)
	if err != nil {
		q.dropChannel()
		return nil, fmt.Errorf("failed to get from queue %q: %w", WorkQueueName, err)
	}
	if !ok {
		return nil, nil
	}

	job, err := decodeJob(d.Body)
	if err != nil {
		q.logger.Warn("rejecting job: invalid payload",
			zap.Error(err),
			zap.String("messageId", d.MessageId),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return nil, fmt.Errorf("failed to reject invalid job: %w", rejectErr)
		}
		return nil, nil
	}

	job.Attempt++
	if job.Attempt > q.maxDeliveries {
		q.logger.Warn("dead-lettering job: delivery budget exhausted",
			zap.String("jobId", job.ID),
			zap.Int("attempt", job.Attempt),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return nil, fmt.Errorf("failed to dead-letter job %s: %w", job.ID, rejectErr)
		}
		return nil, nil
	}

	q.pending[job.ID] = append(q.pending[job.ID], pendingDelivery{delivery: d, job: job})
	return &job, nil
}

func (q *RabbitMQJobQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.popPending(jobID)
	if !ok {
		return fmt.Errorf("job %s is not in flight", jobID)
	}
	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

// Nack republishes the job with its delivery count to the delay queue and
// acks the original delivery.
func (q *RabbitMQJobQueue) Nack(ctx context.Context, jobID string, retryAfter time.Duration) error {
	q.mu.Lock()
	p, ok := q.popPending(jobID)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not in flight", jobID)
	}

	job := p.job
	job.AvailableAt = time.Time{}
	if err := q.publish(ctx, job, retryAfter); err != nil {
		if requeueErr := p.delivery.Nack(false, true); requeueErr != nil {
			return fmt.Errorf("republish failed and requeue failed: %w", requeueErr)
		}
		return err
	}

	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack nacked job %s: %w", jobID, err)
	}
	return nil
}

func (q *RabbitMQJobQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}

	q.mu.Lock()
	q.dropChannel()
	q.mu.Unlock()

	return q.client.Close()
}

func (q *RabbitMQJobQueue) getChannel(ctx context.Context) (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}

	// Deliveries from a closed channel are requeued by the broker.
	q.pending = make(map[string][]pendingDelivery)

	ch, err := q.client.channel(ctx)
	if err != nil {
		return nil, err
	}
	q.ch = ch
	return ch, nil
}

func (q *RabbitMQJobQueue) dropChannel() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	q.ch = nil
	q.pending = make(map[string][]pendingDelivery)
}

func (q *RabbitMQJobQueue) popPending(jobID string) (pendingDelivery, bool) {
	list := q.pending[jobID]
	if len(list) == 0 {
		return pendingDelivery{}, false
	}
	p := list[0]
	if len(list) == 1 {
		delete(q.pending, jobID)
	} else {
		q.pending[jobID] = list[1:]
	}
	return p, true
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// delayExpiration returns the per-message TTL in milliseconds, or "" when
// the job is due now.
func delayExpiration(delay time.Duration) string {
	if delay <= 0 {
		return ""
	}
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
