package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/pkg/logger"
	"github.com/rail-service/ledger_engine/pkg/metrics"
)

// maxSQSDelay is the largest DelaySeconds SQS accepts
const maxSQSDelay = 15 * time.Minute

const taskAttribute = "Task"

// SQSAPI is the subset of the SQS client used by SQSQueue
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig configures the SQS-backed queue
type SQSConfig struct {
	QueueURL          string
	Workers           int
	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// SQSQueue is a durable Queue backed by Amazon SQS. Failed handlers leave the
// message in place so it becomes visible again after the visibility timeout.
type SQSQueue struct {
	client   SQSAPI
	config   SQSConfig
	logger   *logger.Logger
	mu       sync.RWMutex
	handlers map[string]Handler

	shutdownCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates an SQS-backed queue
func NewSQSQueue(client SQSAPI, config SQSConfig, log *logger.Logger) *SQSQueue {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.WaitTimeSeconds <= 0 {
		config.WaitTimeSeconds = 20
	}
	if config.MaxMessages <= 0 || config.MaxMessages > 10 {
		config.MaxMessages = 10
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 60
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SQSQueue{
		client:   client,
		config:   config,
		logger:   log,
		handlers: make(map[string]Handler),
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, task string, payload interface{}, delay time.Duration) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	env := envelope{ID: uuid.NewString(), Task: task, Payload: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	if delay > maxSQSDelay {
		q.logger.Warn("Task delay exceeds SQS maximum, clamping", "task", task, "delay", delay)
		delay = maxSQSDelay
	}
	if delay < 0 {
		delay = 0
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.config.QueueURL),
		MessageBody:  aws.String(string(raw)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			taskAttribute: {DataType: aws.String("String"), StringValue: aws.String(task)},
		},
	})
	if err != nil {
		return fmt.Errorf("SQS send failed: %w", err)
	}

	q.logger.Debug("Task enqueued", "task", task, "task_id", env.ID, "delay", delay)
	return nil
}

func (q *SQSQueue) OnTask(task string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = handler
}

// Start launches the polling workers
func (q *SQSQueue) Start(ctx context.Context) {
	q.shutdownCtx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.poll(i)
	}
	q.logger.Info("SQS queue consumers started", "workers", q.config.Workers, "queue_url", q.config.QueueURL)
}

func (q *SQSQueue) poll(workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.shutdownCtx.Done():
			return
		default:
		}

		if _, err := q.PollOnce(q.shutdownCtx); err != nil && q.shutdownCtx.Err() == nil {
			q.logger.Error("SQS receive failed", "worker_id", workerID, "error", err)
			select {
			case <-q.shutdownCtx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// PollOnce receives one batch and dispatches it, returning how many messages
// were handled successfully
func (q *SQSQueue) PollOnce(ctx context.Context) (int, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.config.QueueURL),
		MaxNumberOfMessages:   q.config.MaxMessages,
		WaitTimeSeconds:       q.config.WaitTimeSeconds,
		VisibilityTimeout:     q.config.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, msg := range out.Messages {
		if q.dispatch(ctx, msg) {
			handled++
		}
	}
	return handled, nil
}

func (q *SQSQueue) dispatch(ctx context.Context, msg sqstypes.Message) bool {
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		q.logger.Error("Dropping malformed task message", "message_id", aws.ToString(msg.MessageId), "error", err)
		q.delete(ctx, msg)
		return false
	}

	q.mu.RLock()
	handler, ok := q.handlers[env.Task]
	q.mu.RUnlock()
	if !ok {
		metrics.QueueTasksTotal.WithLabelValues(env.Task, "unhandled").Inc()
		q.logger.Warn("No handler for task, leaving for redelivery", "task", env.Task, "task_id", env.ID)
		return false
	}

	if err := safeInvoke(ctx, handler, env.Payload); err != nil {
		metrics.QueueTasksTotal.WithLabelValues(env.Task, "retry").Inc()
		q.logger.Warn("Task handler failed, message will be redelivered", "task", env.Task, "task_id", env.ID, "error", err)
		return false
	}

	metrics.QueueTasksTotal.WithLabelValues(env.Task, "success").Inc()
	q.delete(ctx, msg)
	return true
}

func (q *SQSQueue) delete(ctx context.Context, msg sqstypes.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.Error("Failed to delete task message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

// Shutdown stops the polling workers
func (q *SQSQueue) Shutdown(timeout time.Duration) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("SQS queue consumers stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("SQS queue shutdown timed out after %s", timeout)
	}
}
