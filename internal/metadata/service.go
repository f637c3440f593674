// Copyright 2025 Ceramic Anchor Service
//
// Metadata Service: extracts a stream's genesis header, validates it
// strictly against the expected shape, and persists it for later reuse
// by the anchor pipeline and for usedAt-driven garbage collection.
// Follows a fill-and-cache pattern generalized from plain key/value
// metadata caching to Ceramic genesis header resolution.

package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	"github.com/multiformats/go-multicodec"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

// GenesisFetcher resolves a CID to its decoded IPLD node. Satisfied by
// internal/ipfsnode.Service; kept as a narrow interface here so this
// package never imports the IPFS transport.
type GenesisFetcher interface {
	GetNode(ctx context.Context, c cid.Cid) (ipld.Node, error)
}

// Repository is the subset of store.MetadataRepository this service needs.
type Repository interface {
	FindByStreamID(ctx context.Context, streamID string) (*store.Metadata, error)
	Create(ctx context.Context, streamID string, metadataJSON []byte) error
	TouchUsedAt(ctx context.Context, streamID string) error
}

// Service implements the genesis-header fill/lookup workflow.
type Service struct {
	fetcher GenesisFetcher
	repo    Repository
}

// New builds a Service bound to the given genesis fetcher and repository.
func New(fetcher GenesisFetcher, repo Repository) *Service {
	return &Service{fetcher: fetcher, repo: repo}
}

// Fill is idempotent: if a metadata row already exists for streamID, it
// touches usedAt and returns it. Otherwise it resolves the genesis
// record, decodes and strictly validates its header, and persists it.
// pregenesis lets a caller that already holds the decoded, fully
// dereferenced genesis node (a CAR-encoded request carries it inline)
// skip the IPFS round trip entirely; pass nil to always fetch via the
// configured GenesisFetcher. Returns ErrInvalidGenesis on any structural
// violation and ErrMetadataServiceUnavailable if the genesis record must
// be fetched and cannot be.
func (s *Service) Fill(ctx context.Context, streamID codec.StreamID, pregenesis ipld.Node) (*store.GenesisMetadata, error) {
	key := streamID.String()

	existing, err := s.repo.FindByStreamID(ctx, key)
	if err == nil {
		if touchErr := s.repo.TouchUsedAt(ctx, key); touchErr != nil {
			return nil, fmt.Errorf("failed to touch usedAt: %w", touchErr)
		}
		var gm store.GenesisMetadata
		if decodeErr := json.Unmarshal(existing.Metadata, &gm); decodeErr != nil {
			return nil, fmt.Errorf("failed to decode persisted metadata: %w", decodeErr)
		}
		return &gm, nil
	}
	if err != store.ErrMetadataNotFound {
		return nil, fmt.Errorf("failed to look up metadata: %w", err)
	}

	node := pregenesis
	if node == nil {
		node, err = s.resolveGenesisNode(ctx, streamID.Genesis)
		if err != nil {
			return nil, err
		}
	}

	gm, err := decodeGenesisHeader(node)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(gm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal genesis metadata: %w", err)
	}
	if err := s.repo.Create(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("failed to persist genesis metadata: %w", err)
	}
	return gm, nil
}

// resolveGenesisNode fetches the genesis record for the given CID,
// dereferencing a DAG-JOSE envelope's link field to reach the underlying
// DAG-CBOR commit if the CID's codec indicates JOSE rather than CBOR.
func (s *Service) resolveGenesisNode(ctx context.Context, genesis cid.Cid) (ipld.Node, error) {
	node, err := s.fetcher.GetNode(ctx, genesis)
	if err != nil {
		return nil, errs.Wrap(errs.KindMetadataServiceUnavailable, "genesis", err)
	}

	switch multicodec.Code(genesis.Type()) {
	case multicodec.DagCbor:
		return node, nil
	case multicodec.DagJose:
		linkNode, err := node.LookupByString("link")
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "link", fmt.Errorf("dag-jose envelope missing link: %w", err))
		}
		linkCID, err := dagutil.LinkFromNode(linkNode)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "link", err)
		}
		inner, err := s.fetcher.GetNode(ctx, linkCID)
		if err != nil {
			return nil, errs.Wrap(errs.KindMetadataServiceUnavailable, "link", err)
		}
		return inner, nil
	default:
		return nil, errs.Wrap(errs.KindInvalidGenesis, "genesis", fmt.Errorf("unsupported genesis codec %d", genesis.Type()))
	}
}

// decodeGenesisHeader walks the genesis record's `header` field and
// strictly validates it against the expected shape, stripping any extra
// fields rather than erroring on them, and rejecting anything missing
// the required controllers array.
func decodeGenesisHeader(node ipld.Node) (*store.GenesisMetadata, error) {
	headerNode, err := node.LookupByString("header")
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidGenesis, "header", fmt.Errorf("genesis record missing header: %w", err))
	}

	gm := &store.GenesisMetadata{}

	controllersNode, err := headerNode.LookupByString("controllers")
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidGenesis, "header/controllers", err)
	}
	it := controllersNode.ListIterator()
	if it == nil {
		return nil, errs.Wrap(errs.KindInvalidGenesis, "header/controllers", fmt.Errorf("controllers must be a list"))
	}
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/controllers", err)
		}
		did, err := v.AsString()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/controllers", err)
		}
		decoded, err := codec.DecodeDID("header/controllers", did)
		if err != nil {
			return nil, err
		}
		gm.Controllers = append(gm.Controllers, decoded)
	}
	if len(gm.Controllers) == 0 {
		return nil, errs.Wrap(errs.KindInvalidGenesis, "header/controllers", fmt.Errorf("at least one controller is required"))
	}

	if modelNode, err := headerNode.LookupByString("model"); err == nil {
		b, err := modelNode.AsBytes()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/model", err)
		}
		gm.Model = b
	}
	if familyNode, err := headerNode.LookupByString("family"); err == nil {
		v, err := familyNode.AsString()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/family", err)
		}
		gm.Family = v
	}
	if schemaNode, err := headerNode.LookupByString("schema"); err == nil {
		v, err := schemaNode.AsString()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/schema", err)
		}
		if _, err := codec.DecodeCommitID("header/schema", v); err != nil {
			return nil, err
		}
		gm.Schema = v
	}
	if tagsNode, err := headerNode.LookupByString("tags"); err == nil {
		it := tagsNode.ListIterator()
		if it == nil {
			return nil, errs.Wrap(errs.KindInvalidGenesis, "header/tags", fmt.Errorf("tags must be a list"))
		}
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidGenesis, "header/tags", err)
			}
			tag, err := v.AsString()
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidGenesis, "header/tags", err)
			}
			gm.Tags = append(gm.Tags, tag)
		}
	}

	return gm, nil
}
