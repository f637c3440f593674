// Copyright 2025 Ceramic Anchor Service
//
// DAG-CBOR record shapes produced during a batch: the proof record
// anchoring a Merkle root on-chain, and the per-leaf anchor commit
// pointing back at it. Both travel through internal/dagutil for
// encoding, hashing, and CID derivation.

package anchor

import (
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
)

// ProofRecord is the `{ root, txHash, txType, chainId }` record stored
// in IPFS and the batch CAR, anchoring a Merkle root to one blockchain
// transaction.
type ProofRecord struct {
	Root    cid.Cid
	TxHash  string
	TxType  string
	ChainID string
}

// Encode builds and hashes the DAG-CBOR block for p.
func (p ProofRecord) Encode() (*dagutil.Encoded, error) {
	return dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		ma, err := na.BeginMap(4)
		if err != nil {
			return err
		}
		if err := dagutil.AssignLink(must(ma.AssembleEntry("root")), p.Root); err != nil {
			return err
		}
		if err := must(ma.AssembleEntry("txHash")).AssignString(p.TxHash); err != nil {
			return err
		}
		if err := must(ma.AssembleEntry("txType")).AssignString(p.TxType); err != nil {
			return err
		}
		if err := must(ma.AssembleEntry("chainId")).AssignString(p.ChainID); err != nil {
			return err
		}
		return ma.Finish()
	})
}

// AnchorCommit is the `{ id, prev, proof, path }` record produced per
// leaf: id is the stream's genesis CID, prev is the anchored tip
// commit, proof links to the ProofRecord, and path is the "L/R/..."
// route from this leaf to the Merkle root.
type AnchorCommit struct {
	ID    cid.Cid
	Prev  cid.Cid
	Proof cid.Cid
	Path  codec.MerklePathLine
}

// Encode builds and hashes the DAG-CBOR block for a.
func (a AnchorCommit) Encode() (*dagutil.Encoded, error) {
	return dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		ma, err := na.BeginMap(4)
		if err != nil {
			return err
		}
		if err := dagutil.AssignLink(must(ma.AssembleEntry("id")), a.ID); err != nil {
			return err
		}
		if err := dagutil.AssignLink(must(ma.AssembleEntry("prev")), a.Prev); err != nil {
			return err
		}
		if err := dagutil.AssignLink(must(ma.AssembleEntry("proof")), a.Proof); err != nil {
			return err
		}
		if err := must(ma.AssembleEntry("path")).AssignString(codec.EncodeMerklePathLine(a.Path)); err != nil {
			return err
		}
		return ma.Finish()
	})
}

// DecodeAnchorCommit reads the four known fields back out of a decoded
// anchor commit node, used by the witness builder to recover the path
// it needs to walk.
func DecodeAnchorCommit(node ipld.Node) (*AnchorCommit, error) {
	idNode, err := node.LookupByString("id")
	if err != nil {
		return nil, fmt.Errorf("anchor commit missing id: %w", err)
	}
	id, err := dagutil.LinkFromNode(idNode)
	if err != nil {
		return nil, err
	}
	prevNode, err := node.LookupByString("prev")
	if err != nil {
		return nil, fmt.Errorf("anchor commit missing prev: %w", err)
	}
	prev, err := dagutil.LinkFromNode(prevNode)
	if err != nil {
		return nil, err
	}
	proofNode, err := node.LookupByString("proof")
	if err != nil {
		return nil, fmt.Errorf("anchor commit missing proof: %w", err)
	}
	proof, err := dagutil.LinkFromNode(proofNode)
	if err != nil {
		return nil, err
	}
	pathNode, err := node.LookupByString("path")
	if err != nil {
		return nil, fmt.Errorf("anchor commit missing path: %w", err)
	}
	pathStr, err := pathNode.AsString()
	if err != nil {
		return nil, err
	}
	path, err := codec.DecodeMerklePathLine("path", pathStr)
	if err != nil {
		return nil, err
	}

	return &AnchorCommit{ID: id, Prev: prev, Proof: proof, Path: path}, nil
}

// must panics on an AssembleEntry error, which only happens on
// programmer error (duplicate key, wrong map size) rather than bad
// input, matching go-ipld-prime's own assembler contract.
func must(na ipld.NodeAssembler, err error) ipld.NodeAssembler {
	if err != nil {
		panic(err)
	}
	return na
}
