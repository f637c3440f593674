// Copyright 2025 Ceramic Anchor Service
//
// Data model for the request lifecycle engine: Request, Anchor, Metadata.
// Uses explicit structs, one per table row, rather than a generic map.

package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the request lifecycle state, stored as an integer
// column.
type RequestStatus int

const (
	RequestStatusPending RequestStatus = iota
	RequestStatusProcessing
	RequestStatusCompleted
	RequestStatusFailed
	RequestStatusReady
	RequestStatusReplaced
)

// String renders the internal status name. REPLACED is never surfaced to
// clients directly — internal/api substitutes FAILED for it.
func (s RequestStatus) String() string {
	switch s {
	case RequestStatusPending:
		return "PENDING"
	case RequestStatusProcessing:
		return "PROCESSING"
	case RequestStatusCompleted:
		return "COMPLETED"
	case RequestStatusFailed:
		return "FAILED"
	case RequestStatusReady:
		return "READY"
	case RequestStatusReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// Request is one row of the request table.
type Request struct {
	ID        uuid.UUID
	CID       string
	StreamID  string
	Status    RequestStatus
	Origin    sql.NullString
	Timestamp time.Time
	Message   string
	Pinned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRequest carries the fields supplied when a fresh request is created.
type NewRequest struct {
	CID       string
	StreamID  string
	Timestamp time.Time
	Origin    string
	Status    RequestStatus
	Message   string
}

// RequestUpdate is a partial update applied to one or more request rows.
type RequestUpdate struct {
	Status  *RequestStatus
	Message *string
}

// Anchor is one row of the anchor table.
type Anchor struct {
	ID        uuid.UUID
	RequestID uuid.UUID
	Path      string
	CID       string
	ProofCID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAnchor carries the fields supplied when an anchor row is created.
type NewAnchor struct {
	RequestID uuid.UUID
	Path      string
	CID       string
	ProofCID  string
}

// Metadata is one row of the metadata table. The Metadata field holds the
// genesis header's validated, schema-stripped content as JSON.
type Metadata struct {
	StreamID  string
	Metadata  []byte // JSON-encoded GenesisMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
	UsedAt    time.Time
}

// GenesisMetadata is the decoded header content persisted in Metadata.Metadata.
type GenesisMetadata struct {
	Controllers []string `json:"controllers"`
	Model       []byte   `json:"model,omitempty"`
	Family      string   `json:"family,omitempty"`
	Schema      string   `json:"schema,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Transaction is a value object describing a confirmed blockchain
// transaction; it is never persisted as a table of its own.
type Transaction struct {
	Chain           string
	TxHash          string
	BlockNumber     uint64
	BlockTimestamp  time.Time
}
