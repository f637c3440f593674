// Copyright 2025 Ceramic Anchor Service

package parser

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multicodec"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
)

const sampleGenesisCID = "bafyreigaknpbmxvb3z767nu6ntmjb5v4izjw3dln7u6n6dvfxrifnwm7a4"

func TestParseJSONDefaultsTimestamp(t *testing.T) {
	body := strings.NewReader(`{"streamId":"` + sampleGenesisCID + `","cid":"` + sampleGenesisCID + `"}`)
	before := time.Now().UTC()
	parsed, err := ParseJSON(body)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if parsed.Timestamp.Before(before) {
		t.Errorf("expected timestamp to default to now, got %v before %v", parsed.Timestamp, before)
	}
	if parsed.StreamID.Type != 0 {
		t.Errorf("expected bare cid streamId to default to type 0, got %d", parsed.StreamID.Type)
	}
}

func TestParseJSONRejectsMalformedCID(t *testing.T) {
	body := strings.NewReader(`{"streamId":"not-a-cid","cid":"` + sampleGenesisCID + `"}`)
	if _, err := ParseJSON(body); err == nil {
		t.Fatal("expected error for malformed streamId")
	}
}

func TestParseJSONHonorsExplicitTimestamp(t *testing.T) {
	body := strings.NewReader(`{"streamId":"` + sampleGenesisCID + `","cid":"` + sampleGenesisCID + `","timestamp":"2024-01-01T00:00:00.000Z"}`)
	parsed, err := ParseJSON(body)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !parsed.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, parsed.Timestamp)
	}
}

func TestParseCARRejectsGarbageBody(t *testing.T) {
	if _, err := ParseCAR(strings.NewReader("not a car file")); err == nil {
		t.Fatal("expected error for malformed car body")
	}
}

// recodeAs re-tags enc's CID with a different multicodec, keeping the
// same bytes and multihash digest. A DAG-JOSE commit is CBOR-encoded
// just like a DAG-CBOR one; only the CID's codec byte marks it as JOSE.
func recodeAs(enc *dagutil.Encoded, codecCode multicodec.Code) *dagutil.Encoded {
	return &dagutil.Encoded{
		Node:  enc.Node,
		Bytes: enc.Bytes,
		CID:   cid.NewCidV1(uint64(codecCode), enc.CID.Hash()),
	}
}

func buildHeaderNode(t *testing.T) *dagutil.Encoded {
	t.Helper()
	enc, err := dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		return qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "header", qp.Map(-1, func(ma ipld.MapAssembler) {
				qp.MapEntry(ma, "controllers", qp.List(-1, func(la ipld.ListAssembler) {
					qp.ListEntry(la, qp.String("did:key:z6MkExample"))
				}))
			}))
		})
	})
	if err != nil {
		t.Fatalf("build genesis node: %v", err)
	}
	return enc
}

func buildRootNode(t *testing.T, streamIDBytes []byte, tip cid.Cid) *dagutil.Encoded {
	t.Helper()
	enc, err := dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		return qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "streamId", qp.Bytes(streamIDBytes))
			qp.MapEntry(ma, "timestamp", qp.String("2024-01-01T00:00:00Z"))
			qp.MapEntry(ma, "tip", qp.Link(dagutil.Link(tip)))
		})
	})
	if err != nil {
		t.Fatalf("build root node: %v", err)
	}
	return enc
}

func TestParseCARParsesValidCarWithEmbeddedGenesis(t *testing.T) {
	genesis := buildHeaderNode(t)
	root := buildRootNode(t, []byte(genesis.CID.String()), genesis.CID)

	car, err := carutil.Build(root.CID, []carutil.Block{
		{CID: root.CID, Bytes: root.Bytes},
		{CID: genesis.CID, Bytes: genesis.Bytes},
	})
	if err != nil {
		t.Fatalf("build car: %v", err)
	}

	parsed, err := ParseCAR(bytes.NewReader(car))
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	if parsed.StreamID.Genesis != genesis.CID {
		t.Errorf("expected genesis %s, got %s", genesis.CID, parsed.StreamID.Genesis)
	}
	if parsed.CID != genesis.CID {
		t.Errorf("expected tip %s, got %s", genesis.CID, parsed.CID)
	}
	if parsed.GenesisNode == nil {
		t.Fatal("expected genesis node to be resolved inline from the car")
	}
	header, err := parsed.GenesisNode.LookupByString("header")
	if err != nil {
		t.Fatalf("lookup header: %v", err)
	}
	if _, err := header.LookupByString("controllers"); err != nil {
		t.Errorf("expected header/controllers to survive the round trip: %v", err)
	}
}

func TestResolveGenesisDereferencesDagJoseLink(t *testing.T) {
	inner := buildHeaderNode(t)
	envelope, err := dagutil.EncodeNode(func(na ipld.NodeAssembler) error {
		return qp.BuildMap(basicnode.Prototype.Any, -1, func(ma ipld.MapAssembler) {
			qp.MapEntry(ma, "link", qp.Link(dagutil.Link(inner.CID)))
		})
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	jose := recodeAs(envelope, multicodec.DagJose)

	blocks := map[string][]byte{
		inner.CID.String(): inner.Bytes,
	}
	node, err := resolveGenesis(jose.CID, jose.Bytes, blocks)
	if err != nil {
		t.Fatalf("resolve genesis: %v", err)
	}
	header, err := node.LookupByString("header")
	if err != nil {
		t.Fatalf("lookup header: %v", err)
	}
	if _, err := header.LookupByString("controllers"); err != nil {
		t.Errorf("expected the dereferenced commit's header/controllers: %v", err)
	}
}

func TestResolveGenesisRejectsUnsupportedCodec(t *testing.T) {
	node := buildHeaderNode(t)
	unsupported := recodeAs(node, multicodec.Raw)
	if _, err := resolveGenesis(unsupported.CID, unsupported.Bytes, map[string][]byte{}); err == nil {
		t.Fatal("expected error for unsupported genesis codec")
	}
}

func TestParseDispatchesByContentType(t *testing.T) {
	body := strings.NewReader(`{"streamId":"` + sampleGenesisCID + `","cid":"` + sampleGenesisCID + `"}`)
	if _, err := Parse("application/json", body); err != nil {
		t.Fatalf("parse json via dispatch: %v", err)
	}
	if _, err := Parse(ContentTypeCAR, strings.NewReader("garbage")); err == nil {
		t.Fatal("expected error for malformed car via dispatch")
	}
}
