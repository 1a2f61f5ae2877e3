package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wanotify/internal/domain"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	batches [][]types.Message
	deleted []string
	sendErr error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: b}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	f.mu.Unlock()
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestMessageGroupIDBucketed(t *testing.T) {
	got1 := messageGroupIDBucketed("t1", "b1", 16)
	got2 := messageGroupIDBucketed("t1", "b1", 16)
	require.Equal(t, got1, got2)
	require.True(t, strings.HasPrefix(got1, "t1:"))

	require.NotEmpty(t, messageGroupIDBucketed("t1", "b1", 0))
}

func TestDispatchFIFOSetsGroupAndDedup(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "https://sqs.local/000/jobs.fifo", GroupBuckets: 8}
	job := domain.NotificationJob{Kind: domain.KindReminder, TenantID: "t1", BookingID: "b1", Trigger: "sweep"}

	require.NoError(t, p.Dispatch(context.Background(), job))
	require.Len(t, f.sent, 1)
	in := f.sent[0]
	require.Equal(t, "reminder:t1:b1", *in.MessageDeduplicationId)
	require.Equal(t, messageGroupIDBucketed("t1", "b1", 8), *in.MessageGroupId)

	var got domain.NotificationJob
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &got))
	require.Equal(t, job, got)
}

func TestDispatchStandardQueue(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "https://sqs.local/000/jobs"}
	require.NoError(t, p.Dispatch(context.Background(), domain.NotificationJob{Kind: domain.KindReview, TenantID: "t1", BookingID: "b1"}))
	require.Nil(t, f.sent[0].MessageGroupId)
	require.Nil(t, f.sent[0].MessageDeduplicationId)
}

func TestDispatchRejectsInvalidJob(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "q"}
	require.ErrorIs(t, p.Dispatch(context.Background(), domain.NotificationJob{Kind: domain.KindWelcome}), domain.ErrMissingFields)

	f.sendErr = errors.New("throttled")
	require.Error(t, p.Dispatch(context.Background(), domain.NotificationJob{Kind: domain.KindReview, TenantID: "t1", BookingID: "b1"}))
	require.Empty(t, f.sent)
}

func TestLongDeduplicationIDIsHashed(t *testing.T) {
	id := deduplicationID(domain.NotificationJob{Kind: domain.KindConfirmation, TenantID: strings.Repeat("t", 100), BookingID: strings.Repeat("b", 100)})
	require.LessOrEqual(t, len(id), 128)
	require.True(t, strings.HasPrefix(id, "confirmation:"))
}

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: &handle, Body: &body}
}

func TestConsumerDeletesOnlyHandledJobs(t *testing.T) {
	good, _ := json.Marshal(domain.NotificationJob{Kind: domain.KindConfirmation, TenantID: "t1", BookingID: "ok"})
	retry, _ := json.Marshal(domain.NotificationJob{Kind: domain.KindConfirmation, TenantID: "t1", BookingID: "retry"})
	f := &fakeSQS{batches: [][]types.Message{{
		msg("h-good", string(good)),
		msg("h-retry", string(retry)),
		msg("h-poison", "{not json"),
	}}}
	c := &Consumer{SQS: f, QueueURL: "q", Log: zap.NewNop(), MaxMessages: 10}

	var mu sync.Mutex
	var handled []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(ctx context.Context, job domain.NotificationJob) error {
			mu.Lock()
			handled = append(handled, job.BookingID)
			mu.Unlock()
			if job.BookingID == "retry" {
				return errors.New("store down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2 && len(f.Deleted()) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.ElementsMatch(t, []string{"h-good", "h-poison"}, f.Deleted())
}
