// Copyright 2025 Ceramic Anchor Service
//
// Request Repository - all request-row SQL, including the ready-batch
// claim under an advisory lock, using explicit column scans throughout.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// RequestRepository owns every request-row mutation in the service.
type RequestRepository struct {
	db       *sql.DB
	lock     *AdvisoryLock
	settings config.AnchorSettings
}

// NewRequestRepository builds a repository bound to db, using lock to
// serialize the ready-batch claim across anchor workers.
func NewRequestRepository(db *sql.DB, lock *AdvisoryLock, settings config.AnchorSettings) *RequestRepository {
	return &RequestRepository{db: db, lock: lock, settings: settings}
}

const requestColumns = `id, cid, stream_id, status, origin, "timestamp", message, pinned, created_at, updated_at`

func scanRequest(scanner interface {
	Scan(dest ...interface{}) error
}) (*Request, error) {
	r := &Request{}
	if err := scanner.Scan(
		&r.ID, &r.CID, &r.StreamID, &r.Status, &r.Origin, &r.Timestamp, &r.Message, &r.Pinned, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return r, nil
}

// Create inserts a fresh request row. On a unique-cid conflict it returns
// the existing row instead of erroring, giving POST /requests idempotent
// retry semantics: creating a request whose CID already exists returns
// the existing row rather than a duplicate or an error.
func (r *RequestRepository) Create(ctx context.Context, fresh NewRequest) (*Request, error) {
	id := uuid.New()
	now := time.Now().UTC()

	query := `
		INSERT INTO request (id, cid, stream_id, status, origin, "timestamp", message, pinned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $8)
		ON CONFLICT (cid) DO NOTHING
		RETURNING ` + requestColumns

	row := r.db.QueryRowContext(ctx, query, id, fresh.CID, fresh.StreamID, fresh.Status, fresh.Origin, fresh.Timestamp, fresh.Message, now)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return r.FindByCID(ctx, fresh.CID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}

// FindByCID looks up a request by its commit CID.
func (r *RequestRepository) FindByCID(ctx context.Context, cid string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM request WHERE cid = $1`
	row := r.db.QueryRowContext(ctx, query, cid)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by cid: %w", err)
	}
	return req, nil
}

// FindByID looks up a request by its primary key.
func (r *RequestRepository) FindByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM request WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by id: %w", err)
	}
	return req, nil
}

// MarkReplaced marks every prior request on the same stream as req whose
// createdAt is older than req.CreatedAt, and whose status is one of
// PENDING/READY/PROCESSING/FAILED/REPLACED, as REPLACED. REPLACED rows
// may themselves be marked REPLACED again so that a chain of three or
// more same-stream requests collapses transitively.
func (r *RequestRepository) MarkReplaced(ctx context.Context, req *Request) error {
	query := `
		UPDATE request
		SET status = $1, updated_at = now()
		WHERE stream_id = $2
		  AND created_at < $3
		  AND id != $4
		  AND status = ANY($5)`

	statuses := pq.Array([]RequestStatus{
		RequestStatusPending, RequestStatusReady, RequestStatusProcessing,
		RequestStatusFailed, RequestStatusReplaced,
	})

	_, err := r.db.ExecContext(ctx, query, RequestStatusReplaced, req.StreamID, req.CreatedAt, req.ID, statuses)
	if err != nil {
		return fmt.Errorf("failed to mark replaced: %w", err)
	}
	return nil
}

// UpdateRequests applies a partial update to the given request IDs.
func (r *RequestRepository) UpdateRequests(ctx context.Context, update RequestUpdate, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if update.Status != nil && update.Message != nil {
		_, err := r.db.ExecContext(ctx,
			`UPDATE request SET status = $1, message = $2, updated_at = now() WHERE id = ANY($3)`,
			*update.Status, *update.Message, pq.Array(ids))
		return err
	}
	if update.Status != nil {
		_, err := r.db.ExecContext(ctx,
			`UPDATE request SET status = $1, updated_at = now() WHERE id = ANY($2)`,
			*update.Status, pq.Array(ids))
		return err
	}
	if update.Message != nil {
		_, err := r.db.ExecContext(ctx,
			`UPDATE request SET message = $1, updated_at = now() WHERE id = ANY($2)`,
			*update.Message, pq.Array(ids))
		return err
	}
	return nil
}

// FindAndMarkReady implements the ready-batch claim algorithm. It runs
// inside the cross-process advisory lock so at most one ready batch
// exists at a time.
func (r *RequestRepository) FindAndMarkReady(ctx context.Context, streamLimit, minStreamCount int) ([]*Request, error) {
	var result []*Request
	err := r.lock.WithLock(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin tx: %w", err)
		}
		defer tx.Rollback()

		existing, err := queryRequestsByStatus(ctx, tx, RequestStatusReady)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			result = existing
			return tx.Commit()
		}

		now := time.Now().UTC()
		processingCutoff := now.Add(-r.settings.ProcessingTimeout.Duration())
		failureCutoff := now.Add(-r.settings.FailureRetryWindow.Duration())
		delayCutoff := now.Add(-r.settings.MaxAnchoringDelay.Duration())

		candidateQuery := `
			SELECT ` + requestColumns + ` FROM request
			WHERE status = $1
			   OR (status = $2 AND updated_at < $3)
			   OR (status = $4 AND created_at >= $5 AND message != $6)
			ORDER BY created_at ASC`

		rows, err := tx.QueryContext(ctx, candidateQuery,
			RequestStatusPending, RequestStatusProcessing, processingCutoff,
			RequestStatusFailed, failureCutoff, errs.ConflictSentinelMessage)
		if err != nil {
			return fmt.Errorf("failed to query ready candidates: %w", err)
		}
		candidates, err := scanRequestRows(rows)
		if err != nil {
			return err
		}

		pendingOldEnough := false
		streamSeen := make(map[string]bool)
		for _, c := range candidates {
			if c.Status == RequestStatusPending && c.CreatedAt.Before(delayCutoff) {
				pendingOldEnough = true
			}
			streamSeen[c.StreamID] = true
		}

		if !pendingOldEnough && len(streamSeen) < minStreamCount {
			return tx.Commit()
		}

		selectedStreams := make(map[string]bool)
		var streamOrder []string
		for _, c := range candidates {
			if len(selectedStreams) >= streamLimit && !selectedStreams[c.StreamID] {
				continue
			}
			if !selectedStreams[c.StreamID] {
				selectedStreams[c.StreamID] = true
				streamOrder = append(streamOrder, c.StreamID)
			}
		}

		var batch []*Request
		var ids []uuid.UUID
		for _, c := range candidates {
			if selectedStreams[c.StreamID] {
				batch = append(batch, c)
				ids = append(ids, c.ID)
			}
		}

		if len(ids) == 0 {
			return tx.Commit()
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE request SET status = $1, updated_at = now() WHERE id = ANY($2)`,
			RequestStatusReady, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to mark ready: %w", err)
		}
		for _, b := range batch {
			b.Status = RequestStatusReady
		}
		result = batch
		return tx.Commit()
	})
	return result, err
}

// FindAndMarkAsProcessing transitions every READY row to PROCESSING and
// returns the claimed batch.
func (r *RequestRepository) FindAndMarkAsProcessing(ctx context.Context) ([]*Request, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	ready, err := queryRequestsByStatus(ctx, tx, RequestStatusReady)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]uuid.UUID, len(ready))
	for i, req := range ready {
		ids[i] = req.ID
	}

	_, err = tx.ExecContext(ctx, `UPDATE request SET status = $1, updated_at = now() WHERE id = ANY($2)`,
		RequestStatusProcessing, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to mark processing: %w", err)
	}
	for _, req := range ready {
		req.Status = RequestStatusProcessing
	}
	return ready, tx.Commit()
}

// RevertToPending moves the given PROCESSING rows back to PENDING, used
// when a batch is abandoned for being too small to anchor.
func (r *RequestRepository) RevertToPending(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE request SET status = $1, updated_at = now() WHERE id = ANY($2)`,
		RequestStatusPending, pq.Array(ids))
	return err
}

// FindRequestsToGarbageCollect returns COMPLETED/FAILED rows whose
// updated_at is older than the GC window, excluding streams that have any
// other request updated within the window.
func (r *RequestRepository) FindRequestsToGarbageCollect(ctx context.Context, window time.Duration) ([]*Request, error) {
	cutoff := time.Now().UTC().Add(-window)

	query := `
		SELECT ` + requestColumns + ` FROM request req
		WHERE req.status = ANY($1)
		  AND req.updated_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM request other
			WHERE other.stream_id = req.stream_id
			  AND other.updated_at >= $2
		  )
		ORDER BY req.updated_at ASC`

	rows, err := r.db.QueryContext(ctx, query,
		pq.Array([]RequestStatus{RequestStatusCompleted, RequestStatusFailed}), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query gc candidates: %w", err)
	}
	return scanRequestRows(rows)
}

// DeleteGarbageCollected removes the given request rows outright. Callers
// are expected to pass only IDs already returned by
// FindRequestsToGarbageCollect, which guarantees each row is COMPLETED or
// FAILED and past its stream's GC window.
func (r *RequestRepository) DeleteGarbageCollected(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM request WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

func queryRequestsByStatus(ctx context.Context, tx *sql.Tx, status RequestStatus) ([]*Request, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+requestColumns+` FROM request WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests by status: %w", err)
	}
	return scanRequestRows(rows)
}

func scanRequestRows(rows *sql.Rows) ([]*Request, error) {
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
