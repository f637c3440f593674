// Copyright 2025 Ceramic Anchor Service

package ipfsnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipld/go-ipld-prime"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/dagutil"
)

type fakeBlocks struct {
	mu        sync.Mutex
	data      map[cid.Cid][]byte
	pinned    map[cid.Cid]bool
	failUntil int
	calls     int
	putErr    error
}

func newFakeBlocks() *fakeBlocks {
	return &fakeBlocks{data: map[cid.Cid][]byte{}, pinned: map[cid.Cid]bool{}}
}

func (f *fakeBlocks) Put(_ context.Context, c cid.Cid, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[c] = data
	return nil
}

func (f *fakeBlocks) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, errors.New("simulated transient outage")
	}
	data, ok := f.data[c]
	if !ok {
		return nil, fmt.Errorf("block %s not found", c)
	}
	return data, nil
}

func (f *fakeBlocks) Pin(_ context.Context, c cid.Cid, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[c] = true
	return nil
}

type fakePubSub struct {
	mu        sync.Mutex
	published [][]byte
	subs      map[string]chan []byte
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subs: map[string]chan []byte{}}
}

func (f *fakePubSub) Publish(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, topic string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []byte, 8)
	f.subs[topic] = ch
	return ch, nil
}

func (f *fakePubSub) deliver(topic string, data []byte) {
	f.mu.Lock()
	ch := f.subs[topic]
	f.mu.Unlock()
	ch <- data
}

type fakeTipLookup struct {
	tip   string
	found bool
	err   error
}

func (f *fakeTipLookup) LatestAnchoredTip(context.Context, string, time.Time) (string, bool, error) {
	return f.tip, f.found, f.err
}

func testSettings() config.IPFSSettings {
	return config.IPFSSettings{
		PutTimeout:  config.Duration(time.Second),
		GetTimeout:  config.Duration(time.Second),
		GetRetries:  2,
		CacheSize:   100,
		PubSubTopic: "ceramic-anchor",
	}
}

func buildStringNode(t *testing.T, value string) func(ipld.NodeAssembler) error {
	t.Helper()
	return func(na ipld.NodeAssembler) error {
		ma, err := na.BeginMap(1)
		if err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("value"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString(value); err != nil {
			return err
		}
		return ma.Finish()
	}
}

func TestStoreThenRetrieveRoundTrip(t *testing.T) {
	blocks := newFakeBlocks()
	svc, err := New(blocks, newFakePubSub(), nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c, err := svc.StoreRecord(context.Background(), buildStringNode(t, "hello"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}
	if !blocks.pinned[c] {
		t.Fatal("expected record to be pinned")
	}

	node, err := svc.RetrieveRecord(context.Background(), c, "")
	if err != nil {
		t.Fatalf("RetrieveRecord: %v", err)
	}
	valueNode, err := node.LookupByString("value")
	if err != nil {
		t.Fatalf("lookup value: %v", err)
	}
	value, err := valueNode.AsString()
	if err != nil {
		t.Fatalf("as string: %v", err)
	}
	if value != "hello" {
		t.Fatalf("expected hello, got %s", value)
	}
}

func TestRetrieveRecordCachesAfterFirstFetch(t *testing.T) {
	blocks := newFakeBlocks()
	svc, err := New(blocks, newFakePubSub(), nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := svc.StoreRecord(context.Background(), buildStringNode(t, "cached"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}

	// Clear the cache's pre-seeded entry so the first RetrieveRecord call
	// must hit the block exchange at least once before caching it.
	svc.cache.Remove(cacheKey(c, ""))

	if _, err := svc.RetrieveRecord(context.Background(), c, ""); err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	callsAfterFirst := blocks.calls

	if _, err := svc.RetrieveRecord(context.Background(), c, ""); err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if blocks.calls != callsAfterFirst {
		t.Fatalf("expected second retrieve to hit cache, calls went from %d to %d", callsAfterFirst, blocks.calls)
	}
}

func TestRetrieveRecordRetriesThenSucceeds(t *testing.T) {
	blocks := newFakeBlocks()
	svc, err := New(blocks, newFakePubSub(), nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := svc.StoreRecord(context.Background(), buildStringNode(t, "flaky"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}
	svc.cache.Purge()
	blocks.failUntil = 2 // fail first 2 Get calls, succeed on the 3rd

	if _, err := svc.RetrieveRecord(context.Background(), c, ""); err != nil {
		t.Fatalf("expected retrieve to eventually succeed, got %v", err)
	}
}

func TestRetrieveRecordAbortsOnContextCancellation(t *testing.T) {
	blocks := newFakeBlocks()
	svc, err := New(blocks, newFakePubSub(), nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := svc.StoreRecord(context.Background(), buildStringNode(t, "aborted"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}
	svc.cache.Purge()
	blocks.failUntil = 1000 // never succeeds

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.RetrieveRecord(ctx, c, ""); err == nil {
		t.Fatal("expected retrieve to fail on a cancelled context")
	}
}

func TestPublishAnchorCommitPublishesUpdateMessage(t *testing.T) {
	blocks := newFakeBlocks()
	pubsub := newFakePubSub()
	svc, err := New(blocks, pubsub, nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := svc.StoreRecord(context.Background(), buildStringNode(t, "anchor-commit"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}

	if err := svc.PublishAnchorCommit(context.Background(), "genesis-stream", c); err != nil {
		t.Fatalf("PublishAnchorCommit: %v", err)
	}
	if len(pubsub.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pubsub.published))
	}
	var msg updateMessage
	if err := json.Unmarshal(pubsub.published[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Typ != messageTypeUpdate || msg.Stream != "genesis-stream" || msg.Tip != c.String() {
		t.Fatalf("unexpected update message: %+v", msg)
	}
}

func TestLogLengthWalksPrevChainToGenesis(t *testing.T) {
	blocks := newFakeBlocks()
	svc, err := New(blocks, newFakePubSub(), nil, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	genesisCID, err := svc.StoreRecord(context.Background(), buildStringNode(t, "genesis"))
	if err != nil {
		t.Fatalf("store genesis: %v", err)
	}
	commit1CID, err := svc.StoreRecord(context.Background(), func(na ipld.NodeAssembler) error {
		ma, err := na.BeginMap(1)
		if err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("prev"); err != nil {
			return err
		}
		if err := dagutil.AssignLink(ma.AssembleValue(), genesisCID); err != nil {
			return err
		}
		return ma.Finish()
	})
	if err != nil {
		t.Fatalf("store commit1: %v", err)
	}
	commit2CID, err := svc.StoreRecord(context.Background(), func(na ipld.NodeAssembler) error {
		ma, err := na.BeginMap(1)
		if err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("prev"); err != nil {
			return err
		}
		if err := dagutil.AssignLink(ma.AssembleValue(), commit1CID); err != nil {
			return err
		}
		return ma.Finish()
	})
	if err != nil {
		t.Fatalf("store commit2: %v", err)
	}

	length, err := svc.LogLength(context.Background(), "stream-x", commit2CID.String())
	if err != nil {
		t.Fatalf("LogLength: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected log length 3 (genesis, commit1, commit2), got %d", length)
	}
}

func TestListenAnswersQueryWithResponse(t *testing.T) {
	blocks := newFakeBlocks()
	pubsub := newFakePubSub()
	tips := &fakeTipLookup{tip: "bafyanchorcid", found: true}
	svc, err := New(blocks, pubsub, tips, testSettings())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Listen(ctx) }()

	// Give Listen a moment to subscribe before delivering the query.
	time.Sleep(20 * time.Millisecond)

	query := queryMessage{Typ: messageTypeQuery, ID: "req-1", Stream: "stream-y"}
	data, _ := json.Marshal(query)
	pubsub.deliver(testSettings().PubSubTopic, data)

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	pubsub.mu.Lock()
	defer pubsub.mu.Unlock()
	if len(pubsub.published) != 1 {
		t.Fatalf("expected 1 published response, got %d", len(pubsub.published))
	}
	var resp responseMessage
	if err := json.Unmarshal(pubsub.published[0], &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Typ != messageTypeResponse || resp.ID != "req-1" || resp.Tips["stream-y"] != "bafyanchorcid" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
