package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/ledger_engine/pkg/retry"
)

type settlePayload struct {
	EntryID string `json:"entry_id"`
}

func newTestMemoryQueue() (*MemoryQueue, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(MemoryConfig{
		MaxAttempts: 3,
		Backoff:     retry.Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
	}, nil)
	q.SetClock(func() time.Time { return now })
	return q, &now
}

func TestMemoryQueue_RespectsDelay(t *testing.T) {
	q, now := newTestMemoryQueue()
	var got []string
	q.OnTask("withdrawal.settle", func(ctx context.Context, payload []byte) error {
		var p settlePayload
		require.NoError(t, Decode(payload, &p))
		got = append(got, p.EntryID)
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "withdrawal.settle", settlePayload{EntryID: "e-1"}, 30*time.Second))
	assert.Equal(t, 0, q.RunDue(context.Background()))
	assert.Empty(t, got)

	*now = now.Add(31 * time.Second)
	assert.Equal(t, 1, q.RunDue(context.Background()))
	assert.Equal(t, []string{"e-1"}, got)
	assert.Empty(t, q.Pending())
}

func TestMemoryQueue_RedeliversUntilDeadLetter(t *testing.T) {
	q, now := newTestMemoryQueue()
	calls := 0
	q.OnTask("deposit.commit", func(ctx context.Context, payload []byte) error {
		calls++
		return errors.New("pending conflict")
	})

	require.NoError(t, q.Enqueue(context.Background(), "deposit.commit", map[string]string{"id": "s-1"}, 0))
	for i := 0; i < 5; i++ {
		q.RunDue(context.Background())
		*now = now.Add(time.Hour)
	}

	assert.Equal(t, 3, calls)
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "pending conflict", dead[0].LastError)
}

func TestMemoryQueue_PanicIsRetried(t *testing.T) {
	q, now := newTestMemoryQueue()
	calls := 0
	q.OnTask("boom", func(ctx context.Context, payload []byte) error {
		calls++
		if calls == 1 {
			panic("nil map")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), "boom", nil, 0))
	q.RunDue(context.Background())
	require.Len(t, q.Pending(), 1)

	*now = now.Add(time.Minute)
	q.RunDue(context.Background())
	assert.Equal(t, 2, calls)
	assert.Empty(t, q.Pending())
}

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	inbox    []sqstypes.Message
	deleted  []string
	sendErr  error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	f.inbox = append(f.inbox, sqstypes.Message{
		Body:          in.MessageBody,
		MessageId:     aws.String("m-" + aws.ToString(in.MessageBody)[:8]),
		ReceiptHandle: aws.String("rh-" + string(rune('a'+len(f.sent)))),
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.inbox
	f.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue_EnqueueSetsDelayAndTaskAttribute(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.local/q"}, nil)

	require.NoError(t, q.Enqueue(context.Background(), "deposit.commit", settlePayload{EntryID: "x"}, 90*time.Second))
	require.NoError(t, q.Enqueue(context.Background(), "deposit.commit", settlePayload{EntryID: "y"}, time.Hour))

	require.Len(t, fake.sent, 2)
	assert.Equal(t, int32(90), fake.sent[0].DelaySeconds)
	assert.Equal(t, int32(900), fake.sent[1].DelaySeconds)
	assert.Equal(t, "deposit.commit", aws.ToString(fake.sent[0].MessageAttributes[taskAttribute].StringValue))

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(fake.sent[0].MessageBody)), &env))
	assert.Equal(t, "deposit.commit", env.Task)
	assert.JSONEq(t, `{"entry_id":"x"}`, string(env.Payload))
}

func TestSQSQueue_DeletesOnlyOnSuccess(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.local/q"}, nil)
	q.OnTask("ok", func(ctx context.Context, payload []byte) error { return nil })
	q.OnTask("fail", func(ctx context.Context, payload []byte) error { return errors.New("rpc down") })

	require.NoError(t, q.Enqueue(context.Background(), "ok", nil, 0))
	require.NoError(t, q.Enqueue(context.Background(), "fail", nil, 0))

	handled, err := q.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Len(t, fake.deleted, 1)
}

func TestSQSQueue_SendError(t *testing.T) {
	fake := &fakeSQS{sendErr: errors.New("throttled")}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.local/q"}, nil)
	err := q.Enqueue(context.Background(), "ok", nil, 0)
	assert.ErrorContains(t, err, "throttled")
}
