// Copyright 2025 Ceramic Anchor Service

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeHTTPClient struct {
	status     int
	lastReq    *http.Request
	lastBody   []byte
	err        error
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastReq = req
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	return &http.Response{StatusCode: f.status, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func TestWebhookProducerEmitPostsJSON(t *testing.T) {
	client := &fakeHTTPClient{status: 200}
	p := NewWebhookProducer(client, "http://anchor-worker.internal/trigger")

	if err := p.Emit(context.Background(), "batch-1"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if client.lastReq.Method != http.MethodPost {
		t.Fatalf("expected POST, got %s", client.lastReq.Method)
	}
	if client.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type, got %s", client.lastReq.Header.Get("Content-Type"))
	}
	var evt event
	if err := json.Unmarshal(client.lastBody, &evt); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if evt.BatchID != "batch-1" {
		t.Fatalf("expected batch-1, got %s", evt.BatchID)
	}
}

func TestWebhookProducerEmitFailsOnNonSuccessStatus(t *testing.T) {
	client := &fakeHTTPClient{status: 500}
	p := NewWebhookProducer(client, "http://anchor-worker.internal/trigger")

	if err := p.Emit(context.Background(), "batch-2"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestWebhookProducerEmitFailsOnTransportError(t *testing.T) {
	client := &fakeHTTPClient{err: errors.New("connection refused")}
	p := NewWebhookProducer(client, "http://anchor-worker.internal/trigger")

	if err := p.Emit(context.Background(), "batch-3"); err == nil {
		t.Fatal("expected error on transport failure")
	}
}

type fakeSQSClient struct {
	lastInput *sqs.SendMessageInput
	err       error
}

func (f *fakeSQSClient) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastInput = input
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSProducerEmitSendsMessage(t *testing.T) {
	client := &fakeSQSClient{}
	p := NewSQSProducer(client, "https://sqs.example.com/queue")

	if err := p.Emit(context.Background(), "batch-4"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if aws.ToString(client.lastInput.QueueUrl) != "https://sqs.example.com/queue" {
		t.Fatalf("unexpected queue url: %s", aws.ToString(client.lastInput.QueueUrl))
	}
	var evt event
	if err := json.Unmarshal([]byte(aws.ToString(client.lastInput.MessageBody)), &evt); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if evt.BatchID != "batch-4" {
		t.Fatalf("expected batch-4, got %s", evt.BatchID)
	}
}

func TestSQSProducerEmitFailsOnClientError(t *testing.T) {
	client := &fakeSQSClient{err: errors.New("sqs unavailable")}
	p := NewSQSProducer(client, "https://sqs.example.com/queue")

	if err := p.Emit(context.Background(), "batch-5"); err == nil {
		t.Fatal("expected error on sqs failure")
	}
}
