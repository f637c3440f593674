// Copyright 2025 Ceramic Anchor Service

package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// StreamID identifies a Ceramic stream by its type and genesis CID.
type StreamID struct {
	Type    uint64
	Genesis cid.Cid
}

// CommitID identifies a single commit within a stream: the stream's type,
// its genesis CID, and the commit's own CID.
type CommitID struct {
	Type    uint64
	Genesis cid.Cid
	Commit  cid.Cid
}

// String renders the StreamID as "streamid:<type>:<genesisCID>". It does
// not produce Ceramic's "k2..." multibase-prefixed wire form.
func (s StreamID) String() string {
	return fmt.Sprintf("streamid:%d:%s", s.Type, s.Genesis.String())
}

func (c CommitID) String() string {
	return fmt.Sprintf("commitid:%d:%s:%s", c.Type, c.Genesis.String(), c.Commit.String())
}

// DecodeStreamID parses the CAS wire representation of a StreamID:
// "<type>:<genesisCID>". Real Ceramic StreamIDs are a multicodec-tagged
// varint+CID; the caller-facing string form this service accepts and
// returns preserves that pair without requiring the full streamid
// multicodec table.
func DecodeStreamID(field, raw string) (StreamID, error) {
	if raw == "" {
		return StreamID{}, errs.Wrap(errs.KindInvalidRequest, field, fmt.Errorf("empty streamId"))
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		// Bare genesis CID with an implicit type of 0 (tile document),
		// the common case for incoming requests.
		genesis, err := DecodeCID(field, raw)
		if err != nil {
			return StreamID{}, err
		}
		return StreamID{Type: 0, Genesis: genesis}, nil
	}
	typ, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return StreamID{}, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	genesis, err := DecodeCID(field, parts[1])
	if err != nil {
		return StreamID{}, err
	}
	return StreamID{Type: typ, Genesis: genesis}, nil
}

// DecodeCommitID parses "<type>:<genesisCID>:<commitCID>".
func DecodeCommitID(field, raw string) (CommitID, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return CommitID{}, errs.Wrap(errs.KindInvalidRequest, field, fmt.Errorf("malformed commitId %q", raw))
	}
	typ, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return CommitID{}, errs.Wrap(errs.KindInvalidRequest, field, err)
	}
	genesis, err := DecodeCID(field, parts[1])
	if err != nil {
		return CommitID{}, err
	}
	commit, err := DecodeCID(field, parts[2])
	if err != nil {
		return CommitID{}, err
	}
	return CommitID{Type: typ, Genesis: genesis, Commit: commit}, nil
}
