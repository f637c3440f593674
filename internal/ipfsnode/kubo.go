// Copyright 2025 Ceramic Anchor Service
//
// Concrete BlockExchange over a Kubo (or any Kubo-RPC-compatible IPFS
// node) HTTP API, generalized from the teacher's pattern of wrapping a
// single concrete RPC client behind the codebase's own narrow interface
// (pkg/ethereum/client.go wraps ethclient.Client the same way chain.Client
// wraps it for the blockchain side).

package ipfsnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"
)

// httpDoer is the subset of *http.Client this file needs, narrowed so
// tests can substitute a fake round tripper without a live node.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KuboClient implements BlockExchange against a Kubo HTTP RPC endpoint's
// /api/v0/block/{put,get} and /api/v0/pin/add methods.
type KuboClient struct {
	client  httpDoer
	baseURL string
}

// NewKuboClient builds a client against baseURL (e.g.
// "http://127.0.0.1:5001"). doer defaults to http.DefaultClient if nil.
func NewKuboClient(doer httpDoer, baseURL string) *KuboClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &KuboClient{client: doer, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Put uploads data as a raw block and asserts the node derived the same
// CID this service already computed for it.
func (k *KuboClient) Put(ctx context.Context, c cid.Cid, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "block")
	if err != nil {
		return fmt.Errorf("failed to build block/put multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write block/put body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close block/put multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/api/v0/block/put?format=%s&mhtype=%s&pin=false",
		k.baseURL, codecName(c), hashName(c))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to build block/put request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("block/put request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("block/put returned status %d for %s", resp.StatusCode, c)
	}

	var result struct {
		Key string `json:"Key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode block/put response: %w", err)
	}
	if result.Key != "" && result.Key != c.String() {
		return fmt.Errorf("node derived cid %s, expected %s", result.Key, c)
	}
	return nil
}

// Get retrieves the raw bytes behind c.
func (k *KuboClient) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v0/block/get?arg=%s", k.baseURL, c.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build block/get request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("block/get request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("block/get returned status %d for %s", resp.StatusCode, c)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read block/get response: %w", err)
	}
	return data, nil
}

// Pin pins c, recursively if requested.
func (k *KuboClient) Pin(ctx context.Context, c cid.Cid, recursive bool) error {
	url := fmt.Sprintf("%s/api/v0/pin/add?arg=%s&recursive=%t", k.baseURL, c.String(), recursive)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build pin/add request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("pin/add request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pin/add returned status %d for %s", resp.StatusCode, c)
	}
	return nil
}

// codecName renders c's multicodec as the format query Kubo's block/put
// expects ("cbor" for dag-cbor, "raw" otherwise).
func codecName(c cid.Cid) string {
	if c.Prefix().Codec == 0x71 { // dag-cbor
		return "cbor"
	}
	return "raw"
}

// hashName renders c's multihash function as Kubo's mhtype query value.
// Every CID this service mints uses sha2-256; block/put accepts no other
// value from us today.
func hashName(c cid.Cid) string {
	return "sha2-256"
}
