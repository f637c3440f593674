// Copyright 2025 Ceramic Anchor Service
//
// Package errs defines the error kinds the core pipeline distinguishes
// and a classifier used by the HTTP layer to pick a status code.

package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the nine error kinds the service distinguishes.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindInvalidGenesis
	KindMetadataServiceUnavailable
	KindRequestNotFound
	KindConflictResolutionRejection
	KindTransactionFailure
	KindMerkleDepthError
	KindMutexAcquisitionFailed
	KindInvalidWitnessCAR
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrInvalidRequest) to
// attach detail while keeping errors.Is/As working.
var (
	ErrInvalidRequest              = errors.New("invalid request")
	ErrInvalidGenesis               = errors.New("invalid genesis record")
	ErrMetadataServiceUnavailable   = errors.New("metadata service unavailable")
	ErrRequestNotFound              = errors.New("request not found")
	ErrConflictResolutionRejection  = errors.New("request lost conflict resolution")
	ErrTransactionFailure           = errors.New("blockchain transaction failed")
	ErrMerkleDepthError             = errors.New("merkle tree exceeds depth limit")
	ErrMutexAcquisitionFailed       = errors.New("could not acquire anchor mutex")
	ErrInvalidWitnessCAR            = errors.New("invalid witness CAR")
)

var sentinelByKind = map[Kind]error{
	KindInvalidRequest:             ErrInvalidRequest,
	KindInvalidGenesis:             ErrInvalidGenesis,
	KindMetadataServiceUnavailable: ErrMetadataServiceUnavailable,
	KindRequestNotFound:            ErrRequestNotFound,
	KindConflictResolutionRejection: ErrConflictResolutionRejection,
	KindTransactionFailure:         ErrTransactionFailure,
	KindMerkleDepthError:           ErrMerkleDepthError,
	KindMutexAcquisitionFailed:     ErrMutexAcquisitionFailed,
	KindInvalidWitnessCAR:          ErrInvalidWitnessCAR,
}

// ConflictSentinelMessage is the operator-visible message stamped on a
// request row rejected by conflict resolution. Request rows carrying this
// exact message are excluded from the failure-retry window on later scans.
const ConflictSentinelMessage = "Request has failed due to conflict resolution"

// Classify returns the Kind the given error matches, walking the error
// chain with errors.Is. Returns (KindUnknown, false) for unrecognized errors.
func Classify(err error) (Kind, bool) {
	for kind, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return KindUnknown, false
}

// HTTPStatus maps a Kind to the HTTP status code the controller should
// return for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindInvalidGenesis:
		return 400
	case KindMetadataServiceUnavailable:
		return 503
	case KindRequestNotFound:
		return 404
	default:
		return 500
	}
}

// Wrap attaches field context to one of the sentinel errors, naming the
// offending field path so callers don't need to parse the message.
func Wrap(kind Kind, field string, cause error) error {
	sentinel, ok := sentinelByKind[kind]
	if !ok {
		sentinel = errors.New("unclassified error")
	}
	if cause == nil {
		return fmt.Errorf("%s: %w", field, sentinel)
	}
	return fmt.Errorf("%s: %w: %v", field, sentinel, cause)
}
