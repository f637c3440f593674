// Copyright 2025 Ceramic Anchor Service

package codec

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// DecodeISODate parses an RFC3339 timestamp, the wire format for the
// request's client-asserted "timestamp" field.
func DecodeISODate(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	return t, nil
}

// DecodeBase64Bytes decodes a Uint8Array-as-base64 field.
func DecodeBase64Bytes(field, raw string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	return b, nil
}

var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%-]+$`)

// DecodeDID validates a DID string per the minimal "did:method:id" grammar;
// CAS does not resolve or cryptographically verify DIDs, it only checks
// structure.
func DecodeDID(field, raw string) (string, error) {
	if !didPattern.MatchString(raw) {
		return "", errs.Wrap(errs.KindInvalidGenesis, field, fmt.Errorf("malformed DID %q", raw))
	}
	return raw, nil
}

// MerklePathLine is a decoded "/"-separated sequence of L/R directions
// describing the route from a Merkle tree leaf to its root.
type MerklePathLine []bool // true == R, false == L

// DecodeMerklePathLine parses a path line such as "L/R/L".
func DecodeMerklePathLine(field, raw string) (MerklePathLine, error) {
	if raw == "" {
		return MerklePathLine{}, nil
	}
	segments := strings.Split(raw, "/")
	path := make(MerklePathLine, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "L":
			path = append(path, false)
		case "R":
			path = append(path, true)
		default:
			return nil, errs.Wrap(errs.KindInvalidRequest, field, fmt.Errorf("bad path segment %q", seg))
		}
	}
	return path, nil
}

// EncodeMerklePathLine renders a MerklePathLine back to its wire form.
func EncodeMerklePathLine(path MerklePathLine) string {
	segments := make([]string, len(path))
	for i, right := range path {
		if right {
			segments[i] = "R"
		} else {
			segments[i] = "L"
		}
	}
	return strings.Join(segments, "/")
}
