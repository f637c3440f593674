// Copyright 2025 Ceramic Anchor Service
//
// Request Controller: the HTTP surface over the request lifecycle engine.
// Handlers and the presentation shape they return are colocated here, in
// the teacher's pkg/server/*_handlers.go style (plain net/http, manual
// path parsing, no router dependency).

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/codec"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/parser"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

// witnessCacheSize bounds the controller's built-witness-CAR cache.
const witnessCacheSize = 1000

// RequestStore is the subset of store.RequestRepository the controller needs.
type RequestStore interface {
	Create(ctx context.Context, fresh store.NewRequest) (*store.Request, error)
	FindByCID(ctx context.Context, cid string) (*store.Request, error)
	MarkReplaced(ctx context.Context, req *store.Request) error
}

// AnchorLookup is the subset of store.AnchorRepository the controller needs.
type AnchorLookup interface {
	FindByRequestID(ctx context.Context, requestID uuid.UUID) (*store.Anchor, error)
}

// MetadataFiller resolves and persists a stream's genesis header.
// pregenesis, when non-nil, is an already-resolved genesis node a CAR
// body supplied inline; implementations skip their own fetch when given
// one. Satisfied by internal/metadata.Service.
type MetadataFiller interface {
	Fill(ctx context.Context, streamID codec.StreamID, pregenesis ipld.Node) (*store.GenesisMetadata, error)
}

// CarStore is the subset of internal/carstore.Store the controller needs
// to assemble a witness CAR on demand.
type CarStore interface {
	RetrieveCarFile(ctx context.Context, proofCID string) ([]byte, error)
}

// CARImporter persists a CAR body's blocks into the local IPFS node so
// they survive beyond the parse that read them out of the request body.
// Satisfied by internal/ipfsnode.Service.
type CARImporter interface {
	ImportCAR(ctx context.Context, car []byte) error
}

// WitnessBuilder builds the minimal CAR proving one anchor commit's
// membership in its batch. Satisfied by internal/witness.Build.
type WitnessBuilder interface {
	Build(anchorCommitCID cid.Cid, merkleCAR []byte) ([]byte, error)
}

// AnchorTrigger runs one anchor pipeline pass synchronously.
// Satisfied by internal/anchor.Service.
type AnchorTrigger interface {
	AnchorRequests(ctx context.Context) error
}

// Controller implements the request lifecycle HTTP surface.
type Controller struct {
	requests        RequestStore
	anchors         AnchorLookup
	metadata        MetadataFiller
	cars            CarStore
	ipfs            CARImporter
	witness         WitnessBuilder
	anchorSvc       AnchorTrigger
	supportedChains []string
	witnessCache    *lru.Cache[string, []byte]
	logger          *log.Logger
}

// New builds a Controller. logger defaults to a stderr logger if nil.
func New(requests RequestStore, anchors AnchorLookup, metadata MetadataFiller, cars CarStore, ipfs CARImporter, witness WitnessBuilder, anchorSvc AnchorTrigger, supportedChains []string, logger *log.Logger) (*Controller, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags)
	}
	cache, err := lru.New[string, []byte](witnessCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build witness cache: %w", err)
	}
	return &Controller{
		requests:        requests,
		anchors:         anchors,
		metadata:        metadata,
		cars:            cars,
		ipfs:            ipfs,
		witness:         witness,
		anchorSvc:       anchorSvc,
		supportedChains: supportedChains,
		witnessCache:    cache,
		logger:          logger,
	}, nil
}

// Routes builds the service's HTTP route table.
func (c *Controller) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/requests", c.handleRequestsCollection)
	mux.HandleFunc("/api/v0/requests/", c.HandleGetRequest)
	mux.HandleFunc("/api/v0/anchors", c.HandleTriggerAnchor)
	mux.HandleFunc("/api/v0/service-info/supported_chains", c.HandleSupportedChains)
	return mux
}

func (c *Controller) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}
	c.HandleCreateRequest(w, r)
}

// HandleCreateRequest handles POST /api/v0/requests. The body may be a
// JSON envelope or, with Content-Type: application/vnd.ipld.car, a CAR
// v2 body; internal/parser dispatches on the header. A CAR body is also
// imported into the local IPFS node so its blocks, including the
// genesis record, persist beyond this request, and its already-decoded
// genesis node is passed to metadata.Fill so a brand-new stream whose
// genesis has not yet propagated through IPFS on its own doesn't
// spuriously fail metadata resolution. A successful call fills (or
// reuses) the stream's genesis metadata, inserts or finds the request
// row by CID, marks any older same-stream requests replaced, and
// returns the request's presentation.
func (c *Controller) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		c.handleError(w, errs.Wrap(errs.KindInvalidRequest, "body", err))
		return
	}

	parsed, err := parser.Parse(contentType, bytes.NewReader(body))
	if err != nil {
		c.handleError(w, err)
		return
	}

	if contentType == parser.ContentTypeCAR {
		if err := c.ipfs.ImportCAR(r.Context(), body); err != nil {
			c.handleError(w, err)
			return
		}
	}

	if _, err := c.metadata.Fill(r.Context(), parsed.StreamID, parsed.GenesisNode); err != nil {
		c.handleError(w, err)
		return
	}

	fresh := store.NewRequest{
		CID:       parsed.CID.String(),
		StreamID:  parsed.StreamID.Genesis.String(),
		Timestamp: parsed.Timestamp,
		Origin:    originOf(r),
		Status:    store.RequestStatusPending,
	}
	req, err := c.requests.Create(r.Context(), fresh)
	if err != nil {
		c.handleError(w, err)
		return
	}

	if err := c.requests.MarkReplaced(r.Context(), req); err != nil {
		c.handleError(w, err)
		return
	}

	pres, err := c.present(r.Context(), req)
	if err != nil {
		c.handleError(w, err)
		return
	}
	c.writeJSON(w, http.StatusCreated, pres)
}

// HandleGetRequest handles GET /api/v0/requests/{cid}. An Accept header
// naming the CAR content type returns the raw witness CAR bytes instead
// of the JSON presentation, if one is buildable; otherwise the request
// falls back to the JSON presentation regardless of Accept.
func (c *Controller) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	cidStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v0/requests/"), "/")
	if cidStr == "" {
		c.writeError(w, http.StatusBadRequest, "INVALID_CID", "request cid is required")
		return
	}

	req, err := c.requests.FindByCID(r.Context(), cidStr)
	if errors.Is(err, store.ErrRequestNotFound) {
		c.writeError(w, http.StatusNotFound, "REQUEST_NOT_FOUND", fmt.Sprintf("no request found for cid %s", cidStr))
		return
	}
	if err != nil {
		c.handleError(w, err)
		return
	}

	pres, err := c.present(r.Context(), req)
	if err != nil {
		c.handleError(w, err)
		return
	}

	wantsCAR := strings.Contains(r.Header.Get("Accept"), parser.ContentTypeCAR)
	if wantsCAR && pres.WitnessCAR != nil {
		w.Header().Set("Content-Type", parser.ContentTypeCAR)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pres.WitnessCAR)
		return
	}
	c.writeJSON(w, http.StatusOK, pres)
}

// HandleTriggerAnchor handles POST /api/v0/anchors, running one anchor
// pipeline pass synchronously before responding.
func (c *Controller) HandleTriggerAnchor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}
	if err := c.anchorSvc.AnchorRequests(r.Context()); err != nil {
		c.handleError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSupportedChains handles GET /api/v0/service-info/supported_chains.
func (c *Controller) HandleSupportedChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]interface{}{"supportedChains": c.supportedChains})
}

// present builds req's presentation, embedding the anchor commit and,
// when buildable, the witness CAR proving it once the request has
// reached COMPLETED.
func (c *Controller) present(ctx context.Context, req *store.Request) (*presentation, error) {
	pres := &presentation{
		ID:        req.ID.String(),
		Status:    statusName(req.Status),
		CID:       req.CID,
		StreamID:  req.StreamID,
		Message:   req.Message,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
	if req.Status != store.RequestStatusCompleted {
		return pres, nil
	}

	anchor, err := c.anchors.FindByRequestID(ctx, req.ID)
	if errors.Is(err, store.ErrAnchorNotFound) {
		return pres, nil
	}
	if err != nil {
		return nil, err
	}
	pres.AnchorCommit = &anchorCommitView{CID: anchor.CID}

	witnessCAR, err := c.witnessCARFor(ctx, anchor)
	if err != nil {
		return nil, err
	}
	pres.WitnessCAR = witnessCAR
	return pres, nil
}

// witnessCARFor builds (or retrieves from cache) the witness CAR for
// anchor. Returns (nil, nil) rather than an error when the batch CAR
// backing it is unavailable, matching internal/carstore's
// graceful-degradation contract.
func (c *Controller) witnessCARFor(ctx context.Context, anchor *store.Anchor) ([]byte, error) {
	if cached, ok := c.witnessCache.Get(anchor.CID); ok {
		return cached, nil
	}

	anchorCommitCID, err := cid.Decode(anchor.CID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode anchor cid %s: %w", anchor.CID, err)
	}
	merkleCAR, err := c.cars.RetrieveCarFile(ctx, anchor.ProofCID)
	if err != nil {
		return nil, err
	}
	if merkleCAR == nil {
		return nil, nil
	}

	witnessCAR, err := c.witness.Build(anchorCommitCID, merkleCAR)
	if err != nil {
		return nil, err
	}
	c.witnessCache.Add(anchor.CID, witnessCAR)
	return witnessCAR, nil
}

// originOf extracts the requesting client's address: the first hop of
// X-Forwarded-For if present, else RemoteAddr.
func originOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hop := strings.SplitN(xff, ",", 2)[0]
		return strings.TrimSpace(hop)
	}
	return r.RemoteAddr
}

// kindCodes names an HTTP-facing error code per errs.Kind, mirroring the
// teacher's {code, message} error body shape.
var kindCodes = map[errs.Kind]string{
	errs.KindInvalidRequest:              "INVALID_REQUEST",
	errs.KindInvalidGenesis:              "INVALID_GENESIS",
	errs.KindMetadataServiceUnavailable:  "METADATA_SERVICE_UNAVAILABLE",
	errs.KindRequestNotFound:             "REQUEST_NOT_FOUND",
	errs.KindConflictResolutionRejection: "CONFLICT_RESOLUTION_REJECTION",
	errs.KindTransactionFailure:          "TRANSACTION_FAILURE",
	errs.KindMerkleDepthError:            "MERKLE_DEPTH_ERROR",
	errs.KindMutexAcquisitionFailed:      "MUTEX_ACQUISITION_FAILED",
	errs.KindInvalidWitnessCAR:           "INVALID_WITNESS_CAR",
}

func (c *Controller) handleError(w http.ResponseWriter, err error) {
	kind, ok := errs.Classify(err)
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	if ok {
		status = errs.HTTPStatus(kind)
		code = kindCodes[kind]
	}
	if status == http.StatusInternalServerError {
		c.logger.Printf("request failed: %v", err)
	}
	c.writeError(w, status, code, err.Error())
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Printf("error encoding response: %v", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, code, message string) {
	c.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// presentation is the client-facing shape of a request. REPLACED is
// never surfaced directly: statusName substitutes FAILED for it.
type presentation struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	CID          string            `json:"cid"`
	StreamID     string            `json:"streamId"`
	Message      string            `json:"message"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	AnchorCommit *anchorCommitView `json:"anchorCommit,omitempty"`
	WitnessCAR   []byte            `json:"witnessCar,omitempty"`
}

type anchorCommitView struct {
	CID string `json:"cid"`
}

func statusName(status store.RequestStatus) string {
	if status == store.RequestStatusReplaced {
		return "FAILED"
	}
	return status.String()
}
