// Copyright 2025 Ceramic Anchor Service

package metadata

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

type fakeFetcher struct {
	nodes map[string]ipld.Node
}

var errNodeNotFound = errors.New("node not found")

func (f *fakeFetcher) GetNode(_ context.Context, c cid.Cid) (ipld.Node, error) {
	n, ok := f.nodes[c.String()]
	if !ok {
		return nil, errNodeNotFound
	}
	return n, nil
}

type fakeRepo struct {
	rows map[string][]byte
}

func (r *fakeRepo) FindByStreamID(_ context.Context, streamID string) (*store.Metadata, error) {
	raw, ok := r.rows[streamID]
	if !ok {
		return nil, store.ErrMetadataNotFound
	}
	return &store.Metadata{StreamID: streamID, Metadata: raw}, nil
}

func (r *fakeRepo) Create(_ context.Context, streamID string, metadataJSON []byte) error {
	if r.rows == nil {
		r.rows = map[string][]byte{}
	}
	r.rows[streamID] = metadataJSON
	return nil
}

func (r *fakeRepo) TouchUsedAt(_ context.Context, streamID string) error {
	return nil
}

func buildGenesisCID(t *testing.T, n ipld.Node) cid.Cid {
	t.Helper()
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	mh, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func TestFillDecodesValidGenesis(t *testing.T) {
	node, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "header", qp.Map(-1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "controllers", qp.List(-1, func(la ipld.ListAssembler) {
				qp.ListEntry(la, qp.String("did:key:z6MkExample"))
			}))
			qp.MapEntry(ma, "family", qp.String("test-family"))
		}))
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	genesisCID := buildGenesisCID(t, node)
	fetcher := &fakeFetcher{nodes: map[string]ipld.Node{genesisCID.String(): node}}
	repo := &fakeRepo{}
	svc := New(fetcher, repo)

	sid := codec.StreamID{Type: 0, Genesis: genesisCID}
	gm, err := svc.Fill(context.Background(), sid, nil)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if len(gm.Controllers) != 1 || gm.Controllers[0] != "did:key:z6MkExample" {
		t.Errorf("unexpected controllers: %v", gm.Controllers)
	}
	if gm.Family != "test-family" {
		t.Errorf("unexpected family: %q", gm.Family)
	}

	// Second call should be idempotent and hit the persisted row.
	gm2, err := svc.Fill(context.Background(), sid, nil)
	if err != nil {
		t.Fatalf("fill (repeat): %v", err)
	}
	if gm2.Family != gm.Family {
		t.Errorf("expected repeated fill to return the same metadata")
	}
}

func TestFillUsesPregenesisNodeWithoutFetching(t *testing.T) {
	node, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "header", qp.Map(-1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "controllers", qp.List(-1, func(la ipld.ListAssembler) {
				qp.ListEntry(la, qp.String("did:key:z6MkExample"))
			}))
		}))
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	genesisCID := buildGenesisCID(t, node)

	// No entry in fakeFetcher.nodes: if Fill fell through to the fetch
	// path it would fail with ErrMetadataServiceUnavailable.
	svc := New(&fakeFetcher{}, &fakeRepo{})

	sid := codec.StreamID{Type: 0, Genesis: genesisCID}
	gm, err := svc.Fill(context.Background(), sid, node)
	if err != nil {
		t.Fatalf("fill with pregenesis: %v", err)
	}
	if len(gm.Controllers) != 1 || gm.Controllers[0] != "did:key:z6MkExample" {
		t.Errorf("unexpected controllers: %v", gm.Controllers)
	}
}

func TestResolveGenesisNodeDereferencesDagJoseLink(t *testing.T) {
	inner, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "header", qp.Map(-1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "controllers", qp.List(-1, func(la ipld.ListAssembler) {
				qp.ListEntry(la, qp.String("did:key:z6MkJose"))
			}))
		}))
	})
	if err != nil {
		t.Fatalf("build inner: %v", err)
	}
	innerCID := buildGenesisCID(t, inner)

	envelope, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "link", qp.Link(cidlink.Link{Cid: innerCID}))
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(envelope, &buf); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	mh, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hash envelope: %v", err)
	}
	joseCID := cid.NewCidV1(uint64(multicodec.DagJose), mh)

	fetcher := &fakeFetcher{nodes: map[string]ipld.Node{
		joseCID.String():  envelope,
		innerCID.String(): inner,
	}}
	svc := New(fetcher, &fakeRepo{})

	gm, err := svc.Fill(context.Background(), codec.StreamID{Genesis: joseCID}, nil)
	if err != nil {
		t.Fatalf("fill via dag-jose genesis: %v", err)
	}
	if len(gm.Controllers) != 1 || gm.Controllers[0] != "did:key:z6MkJose" {
		t.Errorf("unexpected controllers: %v", gm.Controllers)
	}
}

func TestFillRejectsMissingControllers(t *testing.T) {
	node, err := qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "header", qp.Map(-1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "family", qp.String("test-family"))
		}))
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	genesisCID := buildGenesisCID(t, node)
	fetcher := &fakeFetcher{nodes: map[string]ipld.Node{genesisCID.String(): node}}
	svc := New(fetcher, &fakeRepo{})

	_, err = svc.Fill(context.Background(), codec.StreamID{Genesis: genesisCID}, nil)
	if err == nil {
		t.Fatal("expected error for missing controllers")
	}
}
