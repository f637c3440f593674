// Copyright 2025 Ceramic Anchor Service
//
// Merkle Tree Implementation for Anchor Batching.
// A level-by-level builder generalized from fixed 32-byte hash pairs to
// CID-linked DAG-CBOR nodes: each internal node's block is
// `[leftCID, rightCID, metadataCID?]`, and CIDs — not raw hashes — are
// the tree's addressing scheme throughout.

package merkletree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

var ErrEmptyTree = errors.New("cannot build tree from empty leaves")

// Node is one block produced while building the tree: its CID and the
// raw DAG-CBOR bytes a caller must persist to IPFS/CAR.
type Node struct {
	CID   cid.Cid
	Bytes []byte
}

// Tree is the built Merkle tree: its root and every internal node
// produced along the way, plus each leaf's path line in leaf-to-root
// order (Paths[i][0] is the step nearest the leaf).
type Tree struct {
	Root  Node
	Nodes []Node // every internal node, including Root, in build order
	Paths []codec.MerklePathLine // Paths[i] is the path for Leaves[i]
	Leaves []cid.Cid              // leaves in their *sorted* order
}

// CompareFn orders leaves lexicographically by their binary CID
// representation, giving every candidate a deterministic position.
func CompareFn(a, b cid.Cid) int {
	ab, bb := a.Bytes(), b.Bytes()
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			if ab[i] < bb[i] {
				return -1
			}
			return 1
		}
	}
	return len(ab) - len(bb)
}

type buildNode struct {
	cid       cid.Cid
	leafIndex []int // indices (into the sorted leaves slice) this node spans
}

// Build constructs the tree over leaves. Leaves are sorted via CompareFn
// before building, so the reported Paths/Leaves reflect the sorted order,
// not the caller's input order. Returns ErrMerkleDepthError if the leaf
// count exceeds 2^depthLimit.
func Build(leaves []cid.Cid, depthLimit int) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	maxLeaves := 1 << uint(depthLimit)
	if len(leaves) > maxLeaves {
		return nil, fmt.Errorf("%w: %d leaves exceeds limit of %d at depth %d", errs.ErrMerkleDepthError, len(leaves), maxLeaves, depthLimit)
	}

	sorted := make([]cid.Cid, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return CompareFn(sorted[i], sorted[j]) < 0 })

	t := &Tree{Leaves: sorted}
	paths := make([]codec.MerklePathLine, len(sorted))
	for i := range paths {
		paths[i] = codec.MerklePathLine{}
	}

	if len(sorted) == 1 {
		// Single candidate: the tree has a single internal node,
		// merge(leaf, null), rather than a bare leaf as root. The leaf
		// sits one hop below root as its left entry, so its path is "L".
		node, err := mergeNode(sorted[0], nil, nil)
		if err != nil {
			return nil, err
		}
		t.Root = Node{CID: node.CID, Bytes: node.Bytes}
		t.Nodes = []Node{t.Root}
		paths[0] = append(paths[0], false)
		t.Paths = paths
		return t, nil
	}

	level := make([]buildNode, len(sorted))
	for i, leaf := range sorted {
		level[i] = buildNode{cid: leaf, leafIndex: []int{i}}
	}

	var allNodes []Node
	for len(level) > 1 {
		next := make([]buildNode, 0, (len(level)+1)/2)
		i := 0
		for i < len(level) {
			if i+1 < len(level) {
				left, right := level[i], level[i+1]
				node, err := mergeNode(left.cid, &right.cid, nil)
				if err != nil {
					return nil, err
				}
				allNodes = append(allNodes, Node{CID: node.CID, Bytes: node.Bytes})
				for _, li := range left.leafIndex {
					paths[li] = append(paths[li], false)
				}
				for _, li := range right.leafIndex {
					paths[li] = append(paths[li], true)
				}
				combined := append(append([]int{}, left.leafIndex...), right.leafIndex...)
				next = append(next, buildNode{cid: node.CID, leafIndex: combined})
				i += 2
			} else {
				// Odd node out: carried forward unmerged, no path bit
				// assigned at this level.
				next = append(next, level[i])
				i++
			}
		}
		level = next
	}

	t.Root = allNodes[len(allNodes)-1]
	t.Nodes = allNodes
	t.Paths = paths
	return t, nil
}

// mergeNode encodes the internal-node record `[leftCID, rightCID?, metadataCID?]`.
// A nil right encodes the single-candidate special case; metadata is
// currently always nil, reserved for a future per-batch metadata block.
func mergeNode(left cid.Cid, right, metadata *cid.Cid) (*dagutil.Encoded, error) {
	return dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		size := 1
		if right != nil {
			size++
		}
		if metadata != nil {
			size++
		}
		la, err := na.BeginList(int64(size))
		if err != nil {
			return err
		}
		if err := dagutil.AssignLink(la.AssembleValue(), left); err != nil {
			return err
		}
		if right != nil {
			if err := dagutil.AssignLink(la.AssembleValue(), *right); err != nil {
				return err
			}
		} else if metadata != nil {
			// placeholder to keep right/metadata positional if right is
			// absent but metadata is present — not currently reachable.
			if err := la.AssembleValue().AssignNull(); err != nil {
				return err
			}
		}
		if metadata != nil {
			if err := dagutil.AssignLink(la.AssembleValue(), *metadata); err != nil {
				return err
			}
		}
		return la.Finish()
	})
}

// PathFor returns the path line for the given leaf CID, if it is part of
// the tree.
func (t *Tree) PathFor(leaf cid.Cid) (codec.MerklePathLine, bool) {
	for i, l := range t.Leaves {
		if l.Equals(leaf) {
			return t.Paths[i], true
		}
	}
	return nil, false
}
