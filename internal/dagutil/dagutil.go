// Copyright 2025 Ceramic Anchor Service
//
// Package dagutil centralizes the small amount of go-ipld-prime plumbing
// every DAG-CBOR producer in this service needs: build a node, encode it,
// and derive its CID. Every CBOR record in the pipeline (Merkle internal
// nodes, proof records, anchor commits) goes through EncodeNode so the
// codec and multihash choice stay in one place.

package dagutil

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// Encoded is a DAG-CBOR block: its decoded node, its wire bytes, and the
// CID those bytes hash to.
type Encoded struct {
	Node  ipld.Node
	Bytes []byte
	CID   cid.Cid
}

// EncodeNode builds an IPLD node via build, DAG-CBOR encodes it, and
// derives its CIDv1 (dag-cbor codec, sha2-256 multihash) — the same
// encoding every DAG-CBOR block in a Ceramic stream uses.
func EncodeNode(build func(na ipld.NodeAssembler) error) (*Encoded, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := build(nb); err != nil {
		return nil, fmt.Errorf("failed to assemble node: %w", err)
	}
	node := nb.Build()

	var buf bytes.Buffer
	if err := dagcbor.Encode(node, &buf); err != nil {
		return nil, fmt.Errorf("failed to encode dag-cbor: %w", err)
	}

	mh, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to hash block: %w", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)

	return &Encoded{Node: node, Bytes: buf.Bytes(), CID: c}, nil
}

// DecodeNode DAG-CBOR decodes raw bytes into an IPLD node.
func DecodeNode(raw []byte) (ipld.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode dag-cbor: %w", err)
	}
	return nb.Build(), nil
}

// Link wraps a CID as the cidlink.Link go-ipld-prime uses for its Link
// datamodel kind.
func Link(c cid.Cid) cidlink.Link {
	return cidlink.Link{Cid: c}
}

// AssignLink writes c as a Link value via na.
func AssignLink(na ipld.NodeAssembler, c cid.Cid) error {
	return na.AssignLink(Link(c))
}

// LinkFromNode extracts the CID from a node expected to hold a Link.
func LinkFromNode(n ipld.Node) (cid.Cid, error) {
	if n.Kind() != ipld.Kind_Link {
		return cid.Undef, fmt.Errorf("expected link, got %s", n.Kind())
	}
	lnk, err := n.AsLink()
	if err != nil {
		return cid.Undef, err
	}
	cl, ok := lnk.(cidlink.Link)
	if !ok {
		return cid.Undef, fmt.Errorf("unsupported link type %T", lnk)
	}
	return cl.Cid, nil
}
