// Copyright 2025 Ceramic Anchor Service
//
// Shared CAR v2 block assembly used by the anchor pipeline (batch CAR)
// and the witness builder (minimal per-commit CAR). Centralizes the
// go-car/v2 read-write blockstore plumbing so neither caller has to
// manage its temp-file lifecycle directly.

package carutil

import (
	"bytes"
	"context"
	"fmt"
	"os"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Block is one CID/bytes pair to include in a CAR.
type Block struct {
	CID   cid.Cid
	Bytes []byte
}

// Build writes a CARv2 file with the given root and blocks, returning
// its encoded bytes. Blocks are written in the order given; root must
// be one of them.
func Build(root cid.Cid, entries []Block) ([]byte, error) {
	tmp, err := os.CreateTemp("", "cas-car-*.car")
	if err != nil {
		return nil, fmt.Errorf("failed to create car temp file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	rw, err := blockstore.OpenReadWrite(path, []cid.Cid{root})
	if err != nil {
		return nil, fmt.Errorf("failed to open car for writing: %w", err)
	}

	ctx := context.Background()
	for _, e := range entries {
		blk, err := blocks.NewBlockWithCid(e.Bytes, e.CID)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap block %s: %w", e.CID, err)
		}
		if err := rw.Put(ctx, blk); err != nil {
			return nil, fmt.Errorf("failed to put block %s: %w", e.CID, err)
		}
	}
	if err := rw.Finalize(); err != nil {
		return nil, fmt.Errorf("failed to finalize car: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read finalized car: %w", err)
	}
	return data, nil
}

// ReadBlocks reads every block out of CAR bytes into a CID-keyed map,
// along with the CAR's declared roots.
func ReadBlocks(car []byte) (roots []cid.Cid, byCID map[cid.Cid][]byte, err error) {
	reader, err := carv2.NewBlockReader(bytes.NewReader(car))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read car: %w", err)
	}
	byCID = map[cid.Cid][]byte{}
	for {
		blk, err := reader.Next()
		if err != nil {
			break
		}
		byCID[blk.Cid()] = blk.RawData()
	}
	return reader.Roots, byCID, nil
}
