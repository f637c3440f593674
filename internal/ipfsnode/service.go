// Copyright 2025 Ceramic Anchor Service
//
// IPFS Service: a typed client and cache wrapper around an out-of-process
// IPFS node. storeRecord/retrieveRecord/importCAR move DAG-CBOR blocks in
// and out of the node; publishAnchorCommit and the pubsub responder move
// Ceramic UPDATE/QUERY/RESPONSE messages across the configured topic.

package ipfsnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
)

// maxLogLength bounds how many commits LogLength will walk back before
// giving up, so a malformed or cyclic prev chain can't hang a batch.
const maxLogLength = 100_000

// messageType is the Ceramic pubsub message discriminant.
type messageType int

const (
	messageTypeUpdate   messageType = 0
	messageTypeQuery    messageType = 1
	messageTypeResponse messageType = 2
)

type updateMessage struct {
	Typ    messageType `json:"typ"`
	Stream string      `json:"stream"`
	Tip    string      `json:"tip"`
}

type queryMessage struct {
	Typ    messageType `json:"typ"`
	ID     string      `json:"id"`
	Stream string      `json:"stream"`
}

type responseMessage struct {
	Typ  messageType       `json:"typ"`
	ID   string            `json:"id"`
	Tips map[string]string `json:"tips"`
}

// BlockExchange is the subset of node RPC this service needs: put, get,
// and pin a block by CID. Narrowed to an interface so the Kubo/js-ipfs
// HTTP transport is swappable and unit tests never dial a real node.
type BlockExchange interface {
	Put(ctx context.Context, c cid.Cid, data []byte) error
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Pin(ctx context.Context, c cid.Cid, recursive bool) error
}

// PubSub is the subset of a pubsub transport this service needs.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// TipLookup answers the pubsub responder's QUERY lookups: the most
// recently anchored commit CID for a stream, if anchored within the
// caller's freshness window.
type TipLookup interface {
	LatestAnchoredTip(ctx context.Context, streamID string, since time.Time) (anchorCID string, ok bool, err error)
}

// Service implements the IPFS record cache, CAR import, and pubsub
// publish/responder workflows.
type Service struct {
	blocks   BlockExchange
	pubsub   PubSub
	tips     TipLookup
	settings config.IPFSSettings
	cache    *lru.Cache[string, []byte]
}

// New builds a Service. tips may be nil if this process never runs the
// pubsub responder (Listen).
func New(blocks BlockExchange, pubsub PubSub, tips TipLookup, settings config.IPFSSettings) (*Service, error) {
	size := settings.CacheSize
	if size <= 0 {
		size = 500
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build ipfs record cache: %w", err)
	}
	return &Service{blocks: blocks, pubsub: pubsub, tips: tips, settings: settings, cache: cache}, nil
}

func cacheKey(c cid.Cid, path string) string {
	return c.String() + "#" + path
}

// StoreRecord DAG-CBOR encodes the node built by build, puts it, and pins
// it non-recursively, returning its CID.
func (s *Service) StoreRecord(ctx context.Context, build func(ipld.NodeAssembler) error) (cid.Cid, error) {
	enc, err := dagutil.EncodeNode(build)
	if err != nil {
		return cid.Undef, err
	}

	putCtx, cancel := context.WithTimeout(ctx, s.settings.PutTimeout.Duration())
	defer cancel()

	if err := s.blocks.Put(putCtx, enc.CID, enc.Bytes); err != nil {
		return cid.Undef, fmt.Errorf("failed to put record %s: %w", enc.CID, err)
	}
	if err := s.blocks.Pin(putCtx, enc.CID, false); err != nil {
		return cid.Undef, fmt.Errorf("failed to pin record %s: %w", enc.CID, err)
	}
	s.cache.Add(cacheKey(enc.CID, ""), enc.Bytes)
	return enc.CID, nil
}

// RetrieveRecord resolves c (optionally traversing a "/"-separated path
// into its decoded node). Raw blocks are held in an LRU cache keyed by
// CID alone; the path is traversed on every call. On a cache miss it
// DAG-gets the block with up to settings.GetRetries retries and
// exponential backoff. ctx cancellation (an abort signal) stops retrying
// immediately rather than exhausting the remaining attempts.
func (s *Service) RetrieveRecord(ctx context.Context, c cid.Cid, path string) (ipld.Node, error) {
	key := cacheKey(c, "")
	raw, cached := s.cache.Get(key)
	if !cached {
		var err error
		raw, err = s.getWithRetries(ctx, c)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, raw)
	}

	node, err := dagutil.DecodeNode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", c, err)
	}
	if path == "" {
		return node, nil
	}
	return traverse(node, path)
}

func (s *Service) getWithRetries(ctx context.Context, c cid.Cid) ([]byte, error) {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 0; attempt <= s.settings.GetRetries; attempt++ {
		getCtx, cancel := context.WithTimeout(ctx, s.settings.GetTimeout.Duration())
		raw, err := s.blocks.Get(getCtx, c)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("retrieval of %s aborted: %w", c, ctx.Err())
		}
		if attempt == s.settings.GetRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("retrieval of %s aborted: %w", c, ctx.Err())
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("failed to retrieve %s after %d attempts: %w", c, s.settings.GetRetries+1, lastErr)
}

// GetNode retrieves c with no path, satisfying metadata.GenesisFetcher.
func (s *Service) GetNode(ctx context.Context, c cid.Cid) (ipld.Node, error) {
	return s.RetrieveRecord(ctx, c, "")
}

func traverse(node ipld.Node, path string) (ipld.Node, error) {
	current := node
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		segment := path[start:i]
		start = i + 1
		if segment == "" {
			continue
		}
		next, err := current.LookupByString(segment)
		if err != nil {
			return nil, fmt.Errorf("failed to traverse path segment %q: %w", segment, err)
		}
		current = next
	}
	return current, nil
}

// ImportCAR block-puts every block in car and pins its roots recursively,
// so the whole imported DAG survives node garbage collection.
func (s *Service) ImportCAR(ctx context.Context, car []byte) error {
	roots, byCID, err := carutil.ReadBlocks(car)
	if err != nil {
		return fmt.Errorf("failed to read car for import: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, s.settings.PutTimeout.Duration())
	defer cancel()

	for c, data := range byCID {
		if err := s.blocks.Put(putCtx, c, data); err != nil {
			return fmt.Errorf("failed to put imported block %s: %w", c, err)
		}
	}
	for _, root := range roots {
		if err := s.blocks.Pin(putCtx, root, true); err != nil {
			return fmt.Errorf("failed to pin imported root %s: %w", root, err)
		}
	}
	return nil
}

// PublishAnchorCommit publishes a Ceramic UPDATE message announcing that
// streamID's log has advanced to anchorCommitCID. Satisfies anchor.Publisher.
func (s *Service) PublishAnchorCommit(ctx context.Context, streamID string, anchorCommitCID cid.Cid) error {
	msg := updateMessage{Typ: messageTypeUpdate, Stream: streamID, Tip: anchorCommitCID.String()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal update message: %w", err)
	}
	if err := s.pubsub.Publish(ctx, s.settings.PubSubTopic, data); err != nil {
		return fmt.Errorf("failed to publish update message: %w", err)
	}
	return nil
}

// LogLength walks commitCID's "prev" chain back to its genesis, counting
// commits, so the anchor pipeline can pick the longest log as a stream's
// winning tip. Satisfies anchor.CommitResolver.
func (s *Service) LogLength(ctx context.Context, streamID, commitCID string) (int, error) {
	current, err := cid.Decode(commitCID)
	if err != nil {
		return 0, fmt.Errorf("failed to decode commit cid %s: %w", commitCID, err)
	}

	length := 0
	for {
		length++
		if length > maxLogLength {
			return 0, fmt.Errorf("commit log for stream %s exceeds max length %d", streamID, maxLogLength)
		}

		node, err := s.RetrieveRecord(ctx, current, "")
		if err != nil {
			return 0, fmt.Errorf("failed to load commit %s: %w", current, err)
		}

		prevNode, err := node.LookupByString("prev")
		if err != nil {
			// No prev field: current is the genesis commit.
			return length, nil
		}
		prevCID, err := dagutil.LinkFromNode(prevNode)
		if err != nil {
			return 0, fmt.Errorf("commit %s has a malformed prev link: %w", current, err)
		}
		current = prevCID
	}
}

// Listen subscribes to the configured pubsub topic and answers inbound
// QUERY messages with a RESPONSE naming the latest anchored tip, for
// streams anchored within TipFreshnessWindow. Blocks until ctx is done.
func (s *Service) Listen(ctx context.Context) error {
	if s.tips == nil {
		return fmt.Errorf("ipfsnode: Listen called without a TipLookup")
	}

	ch, err := s.pubsub.Subscribe(ctx, s.settings.PubSubTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.settings.PubSubTopic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, data)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, data []byte) {
	var probe struct {
		Typ messageType `json:"typ"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Typ != messageTypeQuery {
		return
	}

	var query queryMessage
	if err := json.Unmarshal(data, &query); err != nil {
		return
	}

	since := time.Now().UTC().Add(-s.settings.TipFreshnessWindow.Duration())
	anchorCID, found, err := s.tips.LatestAnchoredTip(ctx, query.Stream, since)
	if err != nil || !found {
		return
	}

	resp := responseMessage{
		Typ:  messageTypeResponse,
		ID:   query.ID,
		Tips: map[string]string{query.Stream: anchorCID},
	}
	respData, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = s.pubsub.Publish(ctx, s.settings.PubSubTopic, respData)
}
