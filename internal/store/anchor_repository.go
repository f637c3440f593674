// Copyright 2025 Ceramic Anchor Service
//
// Anchor Repository - CRUD over the anchor table, one row per anchored request.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnchorRepository owns the anchor table.
type AnchorRepository struct {
	db *sql.DB
}

// NewAnchorRepository builds a repository bound to db.
func NewAnchorRepository(db *sql.DB) *AnchorRepository {
	return &AnchorRepository{db: db}
}

const anchorColumns = `id, request_id, path, cid, proof_cid, created_at, updated_at`

func scanAnchor(scanner interface {
	Scan(dest ...interface{}) error
}) (*Anchor, error) {
	a := &Anchor{}
	if err := scanner.Scan(&a.ID, &a.RequestID, &a.Path, &a.CID, &a.ProofCID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts one anchor row per request (unique on request_id).
func (r *AnchorRepository) Create(ctx context.Context, na NewAnchor) (*Anchor, error) {
	id := uuid.New()
	now := time.Now().UTC()
	query := `
		INSERT INTO anchor (id, request_id, path, cid, proof_cid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING ` + anchorColumns
	row := r.db.QueryRowContext(ctx, query, id, na.RequestID, na.Path, na.CID, na.ProofCID, now)
	anchor, err := scanAnchor(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create anchor: %w", err)
	}
	return anchor, nil
}

// CreateBatch inserts every anchor row for one completed batch in a single
// transaction, so a batch either fully persists or not at all.
func (r *AnchorRepository) CreateBatch(ctx context.Context, anchors []NewAnchor) ([]*Anchor, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `
		INSERT INTO anchor (id, request_id, path, cid, proof_cid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING ` + anchorColumns

	out := make([]*Anchor, 0, len(anchors))
	for _, na := range anchors {
		row := tx.QueryRowContext(ctx, query, uuid.New(), na.RequestID, na.Path, na.CID, na.ProofCID, now)
		anchor, err := scanAnchor(row)
		if err != nil {
			return nil, fmt.Errorf("failed to create anchor for request %s: %w", na.RequestID, err)
		}
		out = append(out, anchor)
	}
	return out, tx.Commit()
}

// FindByRequestID looks up the anchor for a given request.
func (r *AnchorRepository) FindByRequestID(ctx context.Context, requestID uuid.UUID) (*Anchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor WHERE request_id = $1`
	row := r.db.QueryRowContext(ctx, query, requestID)
	anchor, err := scanAnchor(row)
	if err == sql.ErrNoRows {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find anchor by request id: %w", err)
	}
	return anchor, nil
}

// FindByCID looks up the anchor whose commit CID matches cid.
func (r *AnchorRepository) FindByCID(ctx context.Context, cid string) (*Anchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor WHERE cid = $1`
	row := r.db.QueryRowContext(ctx, query, cid)
	anchor, err := scanAnchor(row)
	if err == sql.ErrNoRows {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find anchor by cid: %w", err)
	}
	return anchor, nil
}

// LatestAnchoredTip returns the anchor commit CID of the most recently
// completed request on streamID whose request row was updated at or after
// since. Satisfies internal/ipfsnode.TipLookup for the pubsub QUERY
// responder.
func (r *AnchorRepository) LatestAnchoredTip(ctx context.Context, streamID string, since time.Time) (string, bool, error) {
	query := `
		SELECT a.cid
		FROM anchor a
		JOIN request req ON req.id = a.request_id
		WHERE req.stream_id = $1
		  AND req.status = $2
		  AND req.updated_at >= $3
		ORDER BY req.updated_at DESC
		LIMIT 1`

	var anchorCID string
	err := r.db.QueryRowContext(ctx, query, streamID, RequestStatusCompleted, since).Scan(&anchorCID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find latest anchored tip: %w", err)
	}
	return anchorCID, true, nil
}
