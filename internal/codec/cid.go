// Copyright 2025 Ceramic Anchor Service
//
// Package codec decodes and validates the wire primitives anchor requests
// are built from: CIDs, StreamIDs, CommitIDs, ISO dates, base64 byte
// strings, DID strings, and Merkle path lines.

package codec

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// DecodeCID parses a CID string, failing closed with InvalidRequest naming
// the offending field.
func DecodeCID(field, raw string) (cid.Cid, error) {
	if raw == "" {
		return cid.Undef, errs.Wrap(errs.KindInvalidRequest, field, fmt.Errorf("empty CID"))
	}
	c, err := cid.Decode(raw)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	return c, nil
}

// DecodeCIDBytes parses a CID from its raw binary form (used when a CID
// appears embedded in a CAR block rather than as a string).
func DecodeCIDBytes(field string, raw []byte) (cid.Cid, error) {
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	return c, nil
}
