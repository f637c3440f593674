// Copyright 2025 Ceramic Anchor Service
//
// Package queue abstracts "emit an anchor-ready trigger" behind one
// interface, with an HTTP webhook implementation and an SQS implementation
// backing it, so the Ready Scheduler never knows which transport the
// anchor worker listens on.

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// EventProducer emits a trigger telling an anchor worker that a ready
// batch is waiting to be claimed. batchID is an opaque correlation id used
// only for logging/tracing; the anchor worker always re-queries the
// database for the actual batch contents.
type EventProducer interface {
	Emit(ctx context.Context, batchID string) error
}

// event is the payload shape both producers send.
type event struct {
	BatchID   string    `json:"batchId"`
	EmittedAt time.Time `json:"emittedAt"`
}

// httpClient is the subset of *http.Client this package needs, narrowed
// so tests can substitute a fake round tripper.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookProducer posts an event JSON body to a configured URL, matching
// the teacher's plain net/http.Client peer-notification style.
type WebhookProducer struct {
	client httpClient
	url    string
}

// NewWebhookProducer builds a producer that POSTs to url. client defaults
// to &http.Client{Timeout: 10 * time.Second} if nil.
func NewWebhookProducer(client httpClient, url string) *WebhookProducer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookProducer{client: client, url: url}
}

// Emit POSTs the event as JSON and treats any non-2xx response as failure.
func (p *WebhookProducer) Emit(ctx context.Context, batchID string) error {
	body, err := json.Marshal(event{BatchID: batchID, EmittedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal anchor event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post anchor event webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("anchor event webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sqsClient is the subset of the AWS SDK SQS client this package needs.
type sqsClient interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSProducer sends an event message to a configured SQS queue.
type SQSProducer struct {
	client   sqsClient
	queueURL string
}

// NewSQSProducer builds a producer that sends to queueURL.
func NewSQSProducer(client sqsClient, queueURL string) *SQSProducer {
	return &SQSProducer{client: client, queueURL: queueURL}
}

// Emit sends the event as the message body.
func (p *SQSProducer) Emit(ctx context.Context, batchID string) error {
	body, err := json.Marshal(event{BatchID: batchID, EmittedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal anchor event: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send anchor event to sqs: %w", err)
	}
	return nil
}
