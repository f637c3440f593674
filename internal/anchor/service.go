// Copyright 2025 Ceramic Anchor Service
//
// Anchor Service: the core batch pipeline. Claims the current READY
// batch, resolves one winning tip commit per stream, builds a Merkle
// tree over the winners, submits its root on-chain, and persists one
// anchor commit per leaf.

package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carutil"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/merkletree"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/obs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

const failedToLoadCommitMessage = "Failed to load commit from IPFS"
const completedMessage = "CID successfully anchored."

// RequestStore is the subset of RequestRepository the pipeline needs.
type RequestStore interface {
	FindAndMarkAsProcessing(ctx context.Context) ([]*store.Request, error)
	RevertToPending(ctx context.Context, ids []uuid.UUID) error
	UpdateRequests(ctx context.Context, update store.RequestUpdate, ids []uuid.UUID) error
}

// AnchorStore is the subset of AnchorRepository the pipeline needs.
type AnchorStore interface {
	CreateBatch(ctx context.Context, anchors []store.NewAnchor) ([]*store.Anchor, error)
}

// CarStore persists the batch CAR keyed by its proof CID.
type CarStore interface {
	StoreCarFile(ctx context.Context, proofCID string, car []byte) error
}

// ChainClient submits a Merkle root on-chain and returns the confirmed
// transaction.
type ChainClient interface {
	Submit(ctx context.Context, root cid.Cid) (*store.Transaction, error)
}

// CommitResolver reports a commit's position in its stream's log, used
// to pick a winner when a batch carries more than one candidate for the
// same stream.
type CommitResolver interface {
	LogLength(ctx context.Context, streamID, commitCID string) (int, error)
}

// Publisher announces a freshly anchored commit.
type Publisher interface {
	PublishAnchorCommit(ctx context.Context, streamID string, anchorCommitCID cid.Cid) error
}

// Service runs the anchor pipeline.
type Service struct {
	requests RequestStore
	anchors  AnchorStore
	cars     CarStore
	chain    ChainClient
	commits  CommitResolver
	pub      Publisher
	settings config.AnchorSettings
	metrics  obs.Recorder
}

// New builds a Service from its collaborators. metrics defaults to a
// no-op recorder if nil.
func New(requests RequestStore, anchors AnchorStore, cars CarStore, chain ChainClient, commits CommitResolver, pub Publisher, settings config.AnchorSettings, metrics obs.Recorder) *Service {
	if metrics == nil {
		metrics = obs.NopRecorder{}
	}
	return &Service{requests: requests, anchors: anchors, cars: cars, chain: chain, commits: commits, pub: pub, settings: settings, metrics: metrics}
}

type winner struct {
	request *store.Request
	tip     cid.Cid
}

type rejection struct {
	requestID uuid.UUID
	message   string
}

// AnchorRequests runs one pipeline pass: claim a batch, resolve
// candidates, build and anchor the Merkle tree, and persist the
// results. Returns nil if there was no READY batch to claim, or if the
// batch was too small and reverted to PENDING.
func (s *Service) AnchorRequests(ctx context.Context) error {
	started := time.Now()
	defer func() { s.metrics.Observe(obs.AnchorDuration, time.Since(started).Seconds()) }()

	batch, err := s.requests.FindAndMarkAsProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim ready batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	s.metrics.Inc(obs.ReadyBatchSize, float64(len(batch)))

	winners, rejections := s.resolveCandidates(ctx, batch)

	for _, rej := range rejections {
		failed := store.RequestStatusFailed
		msg := rej.message
		if err := s.requests.UpdateRequests(ctx, store.RequestUpdate{Status: &failed, Message: &msg}, []uuid.UUID{rej.requestID}); err != nil {
			return fmt.Errorf("failed to mark rejected request %s: %w", rej.requestID, err)
		}
	}

	distinctStreams := map[string]bool{}
	for _, w := range winners {
		distinctStreams[w.request.StreamID] = true
	}

	if len(distinctStreams) < s.settings.MinStreamCount && !anyOlderThan(winners, s.settings.MaxAnchoringDelay.Duration()) {
		ids := make([]uuid.UUID, len(winners))
		for i, w := range winners {
			ids[i] = w.request.ID
		}
		if err := s.requests.RevertToPending(ctx, ids); err != nil {
			return fmt.Errorf("failed to revert undersized batch: %w", err)
		}
		s.metrics.Inc(obs.RevertToPending, 1)
		return nil
	}

	if len(winners) == 0 {
		return nil
	}

	return s.anchorWinners(ctx, winners)
}

func anyOlderThan(winners []winner, delay time.Duration) bool {
	cutoff := time.Now().UTC().Add(-delay)
	for _, w := range winners {
		if w.request.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// resolveCandidates groups batch by stream, fetches each commit's log
// length, and picks the per-stream winner: the lexicographically
// greatest (logLength, commitCID) pair. Losers and unreachable commits
// become rejections; they are not written here.
func (s *Service) resolveCandidates(ctx context.Context, batch []*store.Request) ([]winner, []rejection) {
	byStream := map[string][]*store.Request{}
	var order []string
	for _, r := range batch {
		if _, ok := byStream[r.StreamID]; !ok {
			order = append(order, r.StreamID)
		}
		byStream[r.StreamID] = append(byStream[r.StreamID], r)
	}

	type resolved struct {
		request   *store.Request
		cid       cid.Cid
		logLength int
	}

	var winners []winner
	var rejections []rejection

	for _, streamID := range order {
		var ok []resolved
		for _, r := range byStream[streamID] {
			c, err := cid.Decode(r.CID)
			if err != nil {
				rejections = append(rejections, rejection{r.ID, failedToLoadCommitMessage})
				continue
			}
			length, err := s.commits.LogLength(ctx, r.StreamID, r.CID)
			if err != nil {
				rejections = append(rejections, rejection{r.ID, failedToLoadCommitMessage})
				continue
			}
			ok = append(ok, resolved{request: r, cid: c, logLength: length})
		}
		if len(ok) == 0 {
			continue
		}

		best := ok[0]
		for _, cand := range ok[1:] {
			if cand.logLength > best.logLength ||
				(cand.logLength == best.logLength && merkletree.CompareFn(cand.cid, best.cid) > 0) {
				best = cand
			}
		}
		for _, cand := range ok {
			if cand.request.ID == best.request.ID {
				continue
			}
			rejections = append(rejections, rejection{cand.request.ID, errs.ConflictSentinelMessage})
		}
		winners = append(winners, winner{request: best.request, tip: best.cid})
	}

	return winners, rejections
}

// anchorWinners builds the Merkle tree over winners, submits it
// on-chain, creates one anchor commit per leaf, and persists and
// publishes the batch.
func (s *Service) anchorWinners(ctx context.Context, winners []winner) error {
	byCID := make(map[cid.Cid]*store.Request, len(winners))
	leaves := make([]cid.Cid, len(winners))
	for i, w := range winners {
		leaves[i] = w.tip
		byCID[w.tip] = w.request
	}

	tree, err := merkletree.Build(leaves, s.settings.MerkleDepthLimit)
	if err != nil {
		ids := make([]uuid.UUID, len(winners))
		for i, w := range winners {
			ids[i] = w.request.ID
		}
		_ = s.requests.RevertToPending(ctx, ids)
		return fmt.Errorf("failed to build merkle tree: %w", err)
	}

	tx, err := s.chain.Submit(ctx, tree.Root.CID)
	if err != nil {
		s.metrics.Inc(obs.ErrorEth, 1)
		return fmt.Errorf("failed to submit anchor transaction: %w", err)
	}

	proof := ProofRecord{Root: tree.Root.CID, TxHash: tx.TxHash, TxType: "f(bytes32)", ChainID: tx.Chain}
	encodedProof, err := proof.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode proof record: %w", err)
	}

	var carEntries []carutil.Block
	for _, n := range tree.Nodes {
		carEntries = append(carEntries, carutil.Block{CID: n.CID, Bytes: n.Bytes})
	}
	carEntries = append(carEntries, carutil.Block{CID: encodedProof.CID, Bytes: encodedProof.Bytes})

	var newAnchors []store.NewAnchor
	var completedIDs []uuid.UUID
	type published struct {
		streamID string
		cid      cid.Cid
	}
	var toPublish []published

	for _, leaf := range tree.Leaves {
		req := byCID[leaf]
		path, ok := tree.PathFor(leaf)
		if !ok {
			return fmt.Errorf("internal error: no path for leaf %s", leaf)
		}
		streamCID, err := cid.Decode(req.StreamID)
		if err != nil {
			return fmt.Errorf("failed to decode stream id %s as cid: %w", req.StreamID, err)
		}
		commit := AnchorCommit{ID: streamCID, Prev: leaf, Proof: encodedProof.CID, Path: path}
		encodedCommit, err := commit.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode anchor commit for %s: %w", req.ID, err)
		}
		carEntries = append(carEntries, carutil.Block{CID: encodedCommit.CID, Bytes: encodedCommit.Bytes})

		newAnchors = append(newAnchors, store.NewAnchor{
			RequestID: req.ID,
			Path:      codec.EncodeMerklePathLine(path),
			CID:       encodedCommit.CID.String(),
			ProofCID:  encodedProof.CID.String(),
		})
		completedIDs = append(completedIDs, req.ID)
		toPublish = append(toPublish, published{streamID: req.StreamID, cid: encodedCommit.CID})
	}

	if _, err := s.anchors.CreateBatch(ctx, newAnchors); err != nil {
		return fmt.Errorf("failed to persist anchor batch: %w", err)
	}

	completed := store.RequestStatusCompleted
	msg := completedMessage
	if err := s.requests.UpdateRequests(ctx, store.RequestUpdate{Status: &completed, Message: &msg}, completedIDs); err != nil {
		return fmt.Errorf("failed to mark requests completed: %w", err)
	}
	s.metrics.Inc(obs.RequestsAnchored, float64(len(completedIDs)))

	for _, p := range toPublish {
		if err := s.pub.PublishAnchorCommit(ctx, p.streamID, p.cid); err != nil {
			return fmt.Errorf("failed to publish anchor commit for stream %s: %w", p.streamID, err)
		}
	}

	car, err := carutil.Build(encodedProof.CID, carEntries)
	if err != nil {
		return fmt.Errorf("failed to build batch car: %w", err)
	}
	if err := s.cars.StoreCarFile(ctx, encodedProof.CID.String(), car); err != nil {
		return fmt.Errorf("failed to store batch car: %w", err)
	}

	return nil
}
