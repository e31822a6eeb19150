package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/store"
)

// queueMessage is the delay-queue envelope: {execution_id, retry_count,
// enqueued_at, authorization}.
type queueMessage struct {
	ExecutionID   string    `json:"execution_id"`
	RetryCount    int       `json:"retry_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Authorization string    `json:"authorization,omitempty"`
}

// QueueScheduler is the serverless / delay-queue-backed variant, built
// over streadway/amqp as its own work-queue-plus-delay-queue
// topology: a message with no delay goes straight to the work queue; a
// delayed one goes to a delay queue whose dead-letter exchange routes
// expired messages back to the work queue, using each message's
// per-publish TTL (Expiration) rather than a queue-wide TTL, since
// different retries need different delays.
type QueueScheduler struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	workQueue  string
	delayQueue string

	store    store.Store
	executor *engine.Executor
	storeCfg config.StoreConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// WithMetrics attaches a Metrics sink; nil (the default) disables
// recording.
func (q *QueueScheduler) WithMetrics(m *observability.Metrics) *QueueScheduler {
	q.metrics = m
	return q
}

// NewQueueScheduler dials amqpURL and declares the work queue plus a
// dead-lettering delay queue feeding back into it.
func NewQueueScheduler(amqpURL, workQueue string, st store.Store, executor *engine.Executor, storeCfg config.StoreConfig, logger *zap.Logger) (*QueueScheduler, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("scheduler: connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("scheduler: open channel: %w", err)
	}

	delayQueue := workQueue + ".delay"
	if _, err := ch.QueueDeclare(workQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("scheduler: declare work queue: %w", err)
	}
	if _, err := ch.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": workQueue,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("scheduler: declare delay queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("scheduler: set prefetch: %w", err)
	}

	return &QueueScheduler{
		conn: conn, channel: ch,
		workQueue: workQueue, delayQueue: delayQueue,
		store: st, executor: executor, storeCfg: storeCfg,
		logger: logger.With(zap.String("component", "queue_scheduler")),
	}, nil
}

// Close releases the channel and connection.
func (q *QueueScheduler) Close() error {
	q.channel.Close()
	return q.conn.Close()
}

// Schedule publishes {execution_id, retry_count, enqueued_at} to the
// work queue directly, or to the delay queue with a per-message
// Expiration when delay > 0, capped at MaxScheduleDelay.
func (q *QueueScheduler) Schedule(ctx context.Context, executionID string, delay time.Duration) error {
	return q.publish(executionID, 0, clampDelay(delay))
}

func (q *QueueScheduler) publish(executionID string, retryCount int, delay time.Duration) error {
	msg := queueMessage{ExecutionID: executionID, RetryCount: retryCount, EnqueuedAt: time.Now()}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("scheduler: encode message: %w", err)
	}
	pub := amqp.Publishing{ContentType: "application/json", Body: body, Timestamp: time.Now()}
	target := q.workQueue
	if delay > 0 {
		target = q.delayQueue
		pub.Expiration = fmt.Sprintf("%d", delay.Milliseconds())
	}
	if err := q.channel.Publish("", target, false, false, pub); err != nil {
		return fmt.Errorf("scheduler: publish: %w", err)
	}
	return nil
}

// Cancel is not supported: a cancelled execution's in-flight message
// still gets delivered, but acquire_lease will reject it once Store
// status no longer permits a lease, so delivery becomes a no-op.
func (q *QueueScheduler) Cancel(ctx context.Context, executionID string) error {
	_, err := q.store.CancelExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return ErrCancelUnsupported
}

// Run consumes the work queue until ctx is cancelled.
func (q *QueueScheduler) Run(ctx context.Context) error {
	deliveries, err := q.channel.Consume(q.workQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("scheduler: consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			q.handle(ctx, d)
		}
	}
}

func (q *QueueScheduler) handle(ctx context.Context, d amqp.Delivery) {
	var msg queueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.logger.Error("dropping malformed message", zap.Error(err))
		if q.metrics != nil {
			q.metrics.RecordError("queue_scheduler", "malformed_message")
			q.metrics.RecordQueueMessage(q.workQueue, "nacked_drop")
		}
		d.Nack(false, false)
		return
	}

	lease, err := q.store.AcquireLease(ctx, msg.ExecutionID, q.storeCfg.LeaseMs)
	if err != nil {
		q.logger.Error("acquire lease failed, requeueing", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		if q.metrics != nil {
			q.metrics.RecordError("queue_scheduler", "acquire_lease_failed")
			q.metrics.RecordQueueMessage(q.workQueue, "nacked_requeue")
		}
		d.Nack(false, true)
		return
	}
	if lease == nil {
		// Contention, already terminal, or retries exhausted: the CAS
		// predicate failing is never itself an error.
		if q.metrics != nil {
			q.metrics.RecordQueueMessage(q.workQueue, "acked")
		}
		d.Ack(false)
		return
	}

	res, err := q.executor.Execute(ctx, msg.ExecutionID, lease.LockID)
	if err != nil {
		if q.metrics != nil {
			q.metrics.RecordError("executor", "unexpected_error")
		}
		q.requeueRetryable(ctx, msg, lease.LockID, err.Error(), true, 0)
		d.Ack(false)
		return
	}
	if res.Kind != engine.ResultFailed {
		if q.metrics != nil {
			q.metrics.RecordQueueMessage(q.workQueue, "acked")
		}
		d.Ack(false)
		return
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	q.requeueRetryable(ctx, msg, lease.LockID, errMsg, res.Retryable, res.RetryBaseMs)
	d.Ack(false)
}

// requeueRetryable consults fail_execution for the requeue decision and,
// if it chose to retry, re-publishes the message with the backoff delay
// fail_execution computed and an incremented retry_count.
func (q *QueueScheduler) requeueRetryable(ctx context.Context, msg queueMessage, lockID, errMsg string, retryable bool, suggestedRetryBaseMs int64) {
	retryBaseMs := q.storeCfg.RetryBaseMs
	if suggestedRetryBaseMs > 0 {
		retryBaseMs = suggestedRetryBaseMs
	}
	outcome, err := q.store.FailExecution(ctx, msg.ExecutionID, lockID, errMsg, retryable, retryBaseMs)
	if err != nil {
		q.logger.Error("fail_execution failed", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		return
	}
	if !outcome.WillRetry || outcome.NextRunAt == nil {
		if q.metrics != nil {
			if exec, gerr := q.store.GetExecution(ctx, msg.ExecutionID); gerr == nil {
				q.metrics.RecordWorkflowExecution(exec.WorkflowID, "failed")
			}
		}
		return
	}
	delay := clampDelay(time.Until(*outcome.NextRunAt))
	if err := q.publish(msg.ExecutionID, msg.RetryCount+1, delay); err != nil {
		q.logger.Error("requeue publish failed", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		if q.metrics != nil {
			q.metrics.RecordError("queue_scheduler", "requeue_publish_failed")
		}
		return
	}
	if q.metrics != nil {
		q.metrics.RecordQueueMessage(q.workQueue, "republished")
	}
}
