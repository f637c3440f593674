// Copyright 2025 Ceramic Anchor Service
//
// Package store provides sentinel errors for repository operations.

package store

import "errors"

var (
	// ErrRequestNotFound is returned when a request row is not found by cid or id.
	ErrRequestNotFound = errors.New("request not found")

	// ErrAnchorNotFound is returned when an anchor row is not found.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrMetadataNotFound is returned when a metadata row is not found.
	ErrMetadataNotFound = errors.New("metadata not found")
)
