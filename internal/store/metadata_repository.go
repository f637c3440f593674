// Copyright 2025 Ceramic Anchor Service
//
// Metadata Repository - genesis-header persistence and usedAt tracking for
// garbage collection.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MetadataRepository owns the metadata table.
type MetadataRepository struct {
	db *sql.DB
}

// NewMetadataRepository builds a repository bound to db.
func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

func scanMetadata(scanner interface {
	Scan(dest ...interface{}) error
}) (*Metadata, error) {
	m := &Metadata{}
	if err := scanner.Scan(&m.StreamID, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.UsedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// FindByStreamID looks up a persisted genesis header by stream.
func (r *MetadataRepository) FindByStreamID(ctx context.Context, streamID string) (*Metadata, error) {
	query := `SELECT stream_id, metadata, created_at, updated_at, used_at FROM metadata WHERE stream_id = $1`
	row := r.db.QueryRowContext(ctx, query, streamID)
	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find metadata: %w", err)
	}
	return m, nil
}

// Create persists a new metadata row, ignoring the insert if one already
// exists for this stream, so repeated genesis lookups stay idempotent.
func (r *MetadataRepository) Create(ctx context.Context, streamID string, metadataJSON []byte) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (stream_id, metadata, created_at, updated_at, used_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (stream_id) DO NOTHING`,
		streamID, metadataJSON, now)
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}
	return nil
}

// TouchUsedAt bumps used_at to now for a stream that was the subject of a
// new request, keeping it out of the garbage-collection window.
func (r *MetadataRepository) TouchUsedAt(ctx context.Context, streamID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE metadata SET used_at = now() WHERE stream_id = $1`, streamID)
	if err != nil {
		return fmt.Errorf("failed to touch used_at: %w", err)
	}
	return nil
}

// DeleteUnused removes metadata rows unused past the retention window,
// the metadata-side complement of request garbage collection.
func (r *MetadataRepository) DeleteUnused(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)
	res, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unused metadata: %w", err)
	}
	return res.RowsAffected()
}
