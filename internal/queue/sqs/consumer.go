package sqsqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"wanotify/internal/domain"
)

type Consumer struct {
	SQS      API
	QueueURL string
	Log      *zap.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Handler returns an error only when the job should be redelivered.
type Handler func(ctx context.Context, job domain.NotificationJob) error

// PollConcurrent processes messages with a worker pool until ctx is done.
// A message is deleted once its handler returns nil; poison messages are
// deleted right away.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := c.receive(ctx, msgs)
	close(msgs)
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, msgs chan<- types.Message) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Error("sqs receive message failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case msgs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var job domain.NotificationJob
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil || job.Validate() != nil {
		c.Log.Warn("dropping malformed notification job", zap.Stringp("message_id", m.MessageId))
		c.delete(ctx, m)
		return
	}

	if err := handler(ctx, job); err != nil {
		// left for redelivery / DLQ
		c.Log.Error("sqs handler error",
			zap.Error(err),
			zap.String("tenant_id", job.TenantID),
			zap.String("booking_id", job.BookingID),
			zap.String("kind", string(job.Kind)))
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	dctx := context.WithoutCancel(ctx)
	if _, err := c.SQS.DeleteMessage(dctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		c.Log.Warn("sqs delete message failed", zap.Error(err))
	}
}
