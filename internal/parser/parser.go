// Copyright 2025 Ceramic Anchor Service
//
// Anchor Request Parser: decodes the two wire encodings a POST
// /api/v0/requests body may arrive in, JSON and CAR v2, into one
// normalized ParsedRequest, generalized from a single proof envelope
// dispatch into the streamId/cid/timestamp triple this service needs.

package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	ipldcar "github.com/ipld/go-car/v2"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/multiformats/go-multicodec"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// ContentTypeCAR is the Content-Type header value that selects the CAR
// v2 request body decoding path.
const ContentTypeCAR = "application/vnd.ipld.car"

// Parse dispatches to ParseJSON or ParseCAR based on contentType.
func Parse(contentType string, body io.Reader) (*ParsedRequest, error) {
	if contentType == ContentTypeCAR {
		return ParseCAR(body)
	}
	return ParseJSON(body)
}

// ParsedRequest is the normalized result of parsing either wire encoding.
type ParsedRequest struct {
	StreamID         codec.StreamID
	CID              cid.Cid
	Timestamp        time.Time
	JSCeramicVersion string
	CeramicOneVersion string

	// GenesisNode is populated only when parsing a CAR body, where the
	// genesis record travels in the same CAR as the envelope and does
	// not need a separate IPFS fetch.
	GenesisNode ipld.Node
}

type jsonEnvelope struct {
	StreamID          string `json:"streamId"`
	CID               string `json:"cid"`
	Timestamp         string `json:"timestamp"`
	JSCeramicVersion  string `json:"jsCeramicVersion"`
	CeramicOneVersion string `json:"ceramicOneVersion"`
}

// ParseJSON decodes the JSON v1/v3 envelope. timestamp defaults to now
// if absent.
func ParseJSON(body io.Reader) (*ParsedRequest, error) {
	var env jsonEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "body", err)
	}

	streamID, err := codec.DecodeStreamID("streamId", env.StreamID)
	if err != nil {
		return nil, err
	}
	requestCID, err := codec.DecodeCID("cid", env.CID)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if env.Timestamp != "" {
		ts, err = codec.DecodeISODate("timestamp", env.Timestamp)
		if err != nil {
			return nil, err
		}
	}

	return &ParsedRequest{
		StreamID:          streamID,
		CID:               requestCID,
		Timestamp:         ts,
		JSCeramicVersion:  env.JSCeramicVersion,
		CeramicOneVersion: env.CeramicOneVersion,
	}, nil
}

// ParseCAR decodes a CAR v2 body. The CAR's single root points to a
// record `{ streamId: bytes, timestamp: ISO-date, tip: CID }`; the
// genesis record is reached by traversing from streamId.cid within the
// same CAR, dereferencing a DAG-JOSE envelope's link field if needed.
func ParseCAR(body io.Reader) (*ParsedRequest, error) {
	reader, err := ipldcar.NewBlockReader(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "body", fmt.Errorf("failed to read car: %w", err))
	}
	if len(reader.Roots) != 1 {
		return nil, errs.Wrap(errs.KindInvalidRequest, "body", fmt.Errorf("car must have exactly one root, got %d", len(reader.Roots)))
	}
	root := reader.Roots[0]

	blocks := map[string][]byte{}
	for {
		blk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidRequest, "body", fmt.Errorf("failed to read car block: %w", err))
		}
		blocks[blk.Cid().String()] = blk.RawData()
	}

	rootBytes, ok := blocks[root.String()]
	if !ok {
		return nil, errs.Wrap(errs.KindInvalidRequest, "body", fmt.Errorf("car root block missing from body"))
	}
	rootNode, err := dagutil.DecodeNode(rootBytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "body", err)
	}

	streamIDBytesNode, err := rootNode.LookupByString("streamId")
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "streamId", err)
	}
	streamIDBytes, err := streamIDBytesNode.AsBytes()
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "streamId", err)
	}
	streamID, err := codec.DecodeStreamID("streamId", string(streamIDBytes))
	if err != nil {
		return nil, err
	}

	timestampNode, err := rootNode.LookupByString("timestamp")
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "timestamp", err)
	}
	timestampStr, err := timestampNode.AsString()
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "timestamp", err)
	}
	ts, err := codec.DecodeISODate("timestamp", timestampStr)
	if err != nil {
		return nil, err
	}

	tipNode, err := rootNode.LookupByString("tip")
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "tip", err)
	}
	tip, err := dagutil.LinkFromNode(tipNode)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "tip", err)
	}

	genesisBytes, ok := blocks[streamID.Genesis.String()]
	if !ok {
		return nil, errs.Wrap(errs.KindInvalidRequest, "streamId", fmt.Errorf("genesis block %s not present in car", streamID.Genesis))
	}
	genesisNode, err := resolveGenesis(streamID.Genesis, genesisBytes, blocks)
	if err != nil {
		return nil, err
	}

	return &ParsedRequest{
		StreamID:    streamID,
		CID:         tip,
		Timestamp:   ts,
		GenesisNode: genesisNode,
	}, nil
}

// resolveGenesis decodes the genesis block, dereferencing a DAG-JOSE
// envelope's link field (also expected within the CAR) if the genesis
// CID's codec is JOSE rather than CBOR.
func resolveGenesis(genesisCID cid.Cid, raw []byte, blocks map[string][]byte) (ipld.Node, error) {
	node, err := dagutil.DecodeNode(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "streamId", err)
	}

	switch multicodec.Code(genesisCID.Type()) {
	case multicodec.DagCbor:
		return node, nil
	case multicodec.DagJose:
		linkNode, err := node.LookupByString("link")
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidRequest, "streamId/link", err)
		}
		linkCID, err := dagutil.LinkFromNode(linkNode)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidRequest, "streamId/link", err)
		}
		innerBytes, ok := blocks[linkCID.String()]
		if !ok {
			return nil, errs.Wrap(errs.KindInvalidRequest, "streamId/link", fmt.Errorf("linked genesis block %s not present in car", linkCID))
		}
		return dagutil.DecodeNode(innerBytes)
	default:
		return nil, errs.Wrap(errs.KindInvalidRequest, "streamId", fmt.Errorf("unsupported genesis codec %d", genesisCID.Type()))
	}
}

