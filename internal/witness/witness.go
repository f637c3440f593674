// Copyright 2025 Ceramic Anchor Service
//
// Witness Service: builds and verifies the minimal CAR proving one
// anchor commit's membership in its batch's Merkle tree, and iterates
// the CIDs such a CAR must contain, generalized from a document
// read/verify pair to CAR block sets.

package witness

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/anchor"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// walk descends the Merkle tree from the proof's root to the leaf
// named by path, reading merge node bytes out of blocksByCID. path is
// in leaf-to-root order (as stored on the anchor commit, built
// bottom-up), so it is walked in reverse to go root-to-leaf. It returns
// every internal node CID visited (root first) and the final child CID
// reached, which must equal the anchored tip commit.
func walk(proofRoot cid.Cid, path codec.MerklePathLine, blocksByCID map[cid.Cid][]byte) (visited []cid.Cid, leafCID cid.Cid, err error) {
	current := proofRoot
	visited = append(visited, current)

	for i := len(path) - 1; i >= 0; i-- {
		raw, ok := blocksByCID[current]
		if !ok {
			return nil, cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "path", fmt.Errorf("merkle node %s missing", current))
		}
		node, err := dagutil.DecodeNode(raw)
		if err != nil {
			return nil, cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "path", err)
		}
		idx := int64(0)
		if path[i] {
			idx = 1
		}
		childNode, err := node.LookupByIndex(idx)
		if err != nil {
			return nil, cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "path", err)
		}
		childCID, err := dagutil.LinkFromNode(childNode)
		if err != nil {
			return nil, cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "path", err)
		}

		current = childCID
		if i > 0 {
			visited = append(visited, current)
		}
	}

	return visited, current, nil
}

func loadCommitAndProof(anchorCommitCID cid.Cid, blocksByCID map[cid.Cid][]byte) (*anchor.AnchorCommit, []byte, error) {
	commitBytes, ok := blocksByCID[anchorCommitCID]
	if !ok {
		return nil, nil, errs.Wrap(errs.KindInvalidWitnessCAR, "anchorCommit", fmt.Errorf("anchor commit %s missing", anchorCommitCID))
	}
	commitNode, err := dagutil.DecodeNode(commitBytes)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInvalidWitnessCAR, "anchorCommit", err)
	}
	commit, err := anchor.DecodeAnchorCommit(commitNode)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInvalidWitnessCAR, "anchorCommit", err)
	}

	proofBytes, ok := blocksByCID[commit.Proof]
	if !ok {
		return nil, nil, errs.Wrap(errs.KindInvalidWitnessCAR, "proof", fmt.Errorf("proof %s missing", commit.Proof))
	}
	return commit, proofBytes, nil
}

func proofRootCID(proofBytes []byte) (cid.Cid, error) {
	proofNode, err := dagutil.DecodeNode(proofBytes)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "proof", err)
	}
	rootNode, err := proofNode.LookupByString("root")
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "proof/root", err)
	}
	return dagutil.LinkFromNode(rootNode)
}

// Build produces a minimal CAR for anchorCommitCID: the anchor commit
// block, the proof block, the Merkle root block, and each intermediate
// Merkle node along the path decoded from the anchor commit's path
// field. The returned CAR's root is anchorCommitCID.
func Build(anchorCommitCID cid.Cid, merkleCAR []byte) ([]byte, error) {
	_, blocksByCID, err := carutil.ReadBlocks(merkleCAR)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidWitnessCAR, "car", err)
	}

	commit, proofBytes, err := loadCommitAndProof(anchorCommitCID, blocksByCID)
	if err != nil {
		return nil, err
	}
	root, err := proofRootCID(proofBytes)
	if err != nil {
		return nil, err
	}

	nodeCIDs, _, err := walk(root, commit.Path, blocksByCID)
	if err != nil {
		return nil, err
	}

	entries := []carutil.Block{
		{CID: anchorCommitCID, Bytes: blocksByCID[anchorCommitCID]},
		{CID: commit.Proof, Bytes: proofBytes},
	}
	for _, c := range nodeCIDs {
		entries = append(entries, carutil.Block{CID: c, Bytes: blocksByCID[c]})
	}

	return carutil.Build(anchorCommitCID, entries)
}

// Verify walks a witness CAR from its root to the leaf, checking every
// referenced block is present and that the final resolved child CID
// equals the anchor commit's prev (the anchored tip commit). Returns
// the anchor commit CID on success.
func Verify(witnessCAR []byte) (cid.Cid, error) {
	roots, blocksByCID, err := carutil.ReadBlocks(witnessCAR)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "car", err)
	}
	if len(roots) != 1 {
		return cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "car", fmt.Errorf("witness car must have exactly one root, got %d", len(roots)))
	}
	anchorCommitCID := roots[0]

	commit, proofBytes, err := loadCommitAndProof(anchorCommitCID, blocksByCID)
	if err != nil {
		return cid.Undef, err
	}
	root, err := proofRootCID(proofBytes)
	if err != nil {
		return cid.Undef, err
	}

	_, leafCID, err := walk(root, commit.Path, blocksByCID)
	if err != nil {
		return cid.Undef, err
	}
	if !leafCID.Equals(commit.Prev) {
		return cid.Undef, errs.Wrap(errs.KindInvalidWitnessCAR, "path", fmt.Errorf("path resolves to %s, expected anchored tip %s", leafCID, commit.Prev))
	}

	return anchorCommitCID, nil
}

// Cids returns every CID the witness CAR for anchorCommitCID must
// contain: the anchor commit, the proof, the Merkle root, and every
// intermediate Merkle node along the path. Used to validate CAR
// minimality.
func Cids(anchorCommitCID cid.Cid, blocksByCID map[cid.Cid][]byte) ([]cid.Cid, error) {
	commit, proofBytes, err := loadCommitAndProof(anchorCommitCID, blocksByCID)
	if err != nil {
		return nil, err
	}
	root, err := proofRootCID(proofBytes)
	if err != nil {
		return nil, err
	}
	nodeCIDs, _, err := walk(root, commit.Path, blocksByCID)
	if err != nil {
		return nil, err
	}

	out := []cid.Cid{anchorCommitCID, commit.Proof}
	out = append(out, nodeCIDs...)
	return out, nil
}
