package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wanotify/internal/domain"
	"wanotify/internal/observability"
)

// API is the subset of *sqs.Client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupBuckets = 64

// Producer publishes notification jobs. On a FIFO queue jobs of one tenant
// are spread over GroupBuckets message groups so one slow booking does not
// hold back the whole tenant.
type Producer struct {
	SQS          API
	QueueURL     string
	GroupBuckets int
}

func (p *Producer) fifo() bool { return strings.HasSuffix(p.QueueURL, ".fifo") }

// Dispatch implements pipeline.Dispatcher.
func (p *Producer) Dispatch(ctx context.Context, job domain.NotificationJob) error {
	if err := job.Validate(); err != nil {
		observability.Enqueues.WithLabelValues("invalid").Inc()
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if p.fifo() {
		in.MessageGroupId = str(messageGroupIDBucketed(job.TenantID, job.BookingID, p.GroupBuckets))
		// repeated triggers inside the dedup interval collapse to one message
		in.MessageDeduplicationId = str(deduplicationID(job))
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

func messageGroupIDBucketed(tenantID, key string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s:%d", tenantID, h.Sum32()%uint32(buckets))
}

func deduplicationID(job domain.NotificationJob) string {
	id := string(job.Kind) + ":" + job.TenantID + ":" + job.BookingID
	if len(id) > 128 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(id))
		id = fmt.Sprintf("%s:%x", job.Kind, h.Sum64())
	}
	return id
}

func str(s string) *string { return &s }
