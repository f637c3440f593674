// Copyright 2025 Ceramic Anchor Service

package carstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.StoreCarFile(ctx, "bafy-proof", []byte("car-bytes")); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := store.RetrieveCarFile(ctx, "bafy-proof")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(got) != "car-bytes" {
		t.Errorf("expected car-bytes, got %q", got)
	}
}

func TestMemoryStoreMissingKeyReturnsNilNoError(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.RetrieveCarFile(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing key, got %v", got)
	}
}

type fakeS3Client struct {
	objects map[string][]byte
	failGet bool
}

func (f *fakeS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.failGet {
		return nil, errors.New("simulated s3 outage")
	}
	data, ok := f.objects[*input.Key]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreDegradesGracefullyOnFailure(t *testing.T) {
	client := &fakeS3Client{failGet: true}
	store, err := NewS3Store(client, config.CARStoreSettings{S3Bucket: "cas-cars", LRUCacheSize: 10})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}

	got, err := store.RetrieveCarFile(context.Background(), "bafy-proof")
	if err != nil {
		t.Fatalf("expected no error on s3 outage, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil car on s3 outage, got %v", got)
	}
}

func TestS3StoreCachesAfterStore(t *testing.T) {
	client := &fakeS3Client{failGet: true} // GetObject always fails; cache must serve instead
	store, err := NewS3Store(client, config.CARStoreSettings{S3Bucket: "cas-cars", S3Prefix: "cars", LRUCacheSize: 10})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}

	if err := store.StoreCarFile(context.Background(), "bafy-proof", []byte("car-bytes")); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := store.RetrieveCarFile(context.Background(), "bafy-proof")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(got) != "car-bytes" {
		t.Errorf("expected cached car-bytes, got %q", got)
	}
}
