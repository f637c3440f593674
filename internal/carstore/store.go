// Copyright 2025 Ceramic Anchor Service
//
// Merkle CAR Service: stores and retrieves the CAR file built for one
// anchor batch, keyed by its anchor-proof CID. Supports an in-memory
// backend and an S3-backed object store with an LRU cache in front and
// a graceful-degradation contract on fetch failure.

package carstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
)

// Store persists and retrieves CAR files keyed by anchor-proof CID.
type Store interface {
	StoreCarFile(ctx context.Context, proofCID string, car []byte) error
	// RetrieveCarFile returns (nil, nil) — not an error — when the CAR
	// cannot be retrieved, so witness production can degrade gracefully.
	RetrieveCarFile(ctx context.Context, proofCID string) ([]byte, error)
}

// memoryStore is the in-memory backend used for tests and local dev.
type memoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore builds an in-process Store with no persistence beyond
// the current process lifetime.
func NewMemoryStore() Store {
	return &memoryStore{files: map[string][]byte{}}
}

func (m *memoryStore) StoreCarFile(_ context.Context, proofCID string, car []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[proofCID] = car
	return nil
}

func (m *memoryStore) RetrieveCarFile(_ context.Context, proofCID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files[proofCID], nil
}

// s3Client is the subset of the AWS SDK S3 client this store needs,
// narrowed so tests can substitute a fake.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Store is the object-store-backed implementation, with an LRU cache
// in front to avoid round-tripping every witness request to S3.
type s3Store struct {
	client s3Client
	bucket string
	prefix string
	cache  *lru.Cache[string, []byte]
}

// NewS3Store builds a Store backed by an S3-compatible object store,
// caching up to cfg.LRUCacheSize retrieved CAR files in memory.
func NewS3Store(client s3Client, cfg config.CARStoreSettings) (Store, error) {
	size := cfg.LRUCacheSize
	if size <= 0 {
		size = 100
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build car lru cache: %w", err)
	}
	return &s3Store{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix, cache: cache}, nil
}

func (s *s3Store) key(proofCID string) string {
	if s.prefix == "" {
		return proofCID
	}
	return s.prefix + "/" + proofCID
}

func (s *s3Store) StoreCarFile(ctx context.Context, proofCID string, car []byte) error {
	key := s.key(proofCID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(car),
	})
	if err != nil {
		return fmt.Errorf("failed to store car file: %w", err)
	}
	s.cache.Add(proofCID, car)
	return nil
}

// RetrieveCarFile returns (nil, nil) on any fetch failure, per the
// "degrade gracefully" contract witness production relies on.
func (s *s3Store) RetrieveCarFile(ctx context.Context, proofCID string) ([]byte, error) {
	if cached, ok := s.cache.Get(proofCID); ok {
		return cached, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(proofCID)),
	})
	if err != nil {
		return nil, nil
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil
	}
	s.cache.Add(proofCID, data)
	return data, nil
}
