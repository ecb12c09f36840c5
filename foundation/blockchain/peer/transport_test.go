package peer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// node is a fake validator that records what it was sent.
type node struct {
	mu       sync.Mutex
	received map[string][][]byte
	blocks   map[string]database.Block
	entries  []marshal.Entry
	srv      *httptest.Server
}

func newNode(t *testing.T) *node {
	n := node{
		received: make(map[string][][]byte),
		blocks:   make(map[string]database.Block),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/node/{route}", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n.mu.Lock()
		n.received[r.PathValue("route")] = append(n.received[r.PathValue("route")], raw)
		n.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/node/block/{digest}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		block, exists := n.blocks[r.PathValue("digest")]
		n.mu.Unlock()

		if !exists {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		data, _ := block.Encode()
		json.NewEncoder(w).Encode(peer.BlockMessage{Block: data})
	})

	mux.HandleFunc("GET /v1/node/finalized/{height}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		entries := n.entries
		n.mu.Unlock()

		if len(entries) == 0 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(entries)
	})

	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)

	return &n
}

func (n *node) host() string {
	return strings.TrimPrefix(n.srv.URL, "http://")
}

func (n *node) count(route string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received[route])
}

func (n *node) first(route string) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.received[route][0]
}

func newTransport(t *testing.T, limits map[peer.Channel]peer.Limit, nodes ...*node) (*peer.Transport, *[]string) {
	ps := peer.NewPeerSet()
	self := peer.New("self", "self:0", 0)
	ps.Add(self)
	for i, n := range nodes {
		ps.Add(peer.New(fmt.Sprintf("node%d", i), n.host(), uint32(i+1)))
	}

	var mu sync.Mutex
	var events []string

	tr := peer.NewTransport(peer.Config{
		Self:    self,
		Peers:   ps,
		Limits:  limits,
		Timeout: time.Second,
		EvHandler: func(v string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, fmt.Sprintf(v, args...))
		},
	})

	return tr, &events
}

func run(t *testing.T, tr *peer.Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func wait(t *testing.T, fn func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// =============================================================================

func TestBroadcast(t *testing.T) {
	t.Log("Given the need to send traffic to every other validator.")
	{
		n1 := newNode(t)
		n2 := newNode(t)

		tr, _ := newTransport(t, nil, n1, n2)
		run(t, tr)

		if got := len(tr.Peers()); got != 2 {
			t.Fatalf("\t%s\tShould not count itself as a peer, got %d.", failed, got)
		}
		t.Logf("\t%s\tShould not count itself as a peer.", success)

		priv, _, err := signature.GenerateKey(nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to generate a key: %s", failed, err)
		}

		tx, err := database.NewTransaction(priv, "peer-test", 7, database.Deposit{Amount: 10})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign a transaction: %s", failed, err)
		}

		block := database.Block{Parent: database.Genesis("peer-test").Digest(), Height: 1, View: 1}

		tr.Broadcast(consensus.Message{Nullify: &consensus.Nullify{View: 3, Signer: 1}})
		tr.BroadcastBlock(block)
		tr.SendPartial(aggregation.Partial{Height: 4, Signer: 2})
		tr.SendTransaction(tx)

		for _, route := range []string{"consensus", "block", "partial", "tx"} {
			for i, n := range []*node{n1, n2} {
				if !wait(t, func() bool { return n.count(route) == 1 }) {
					t.Fatalf("\t%s\tShould deliver %s to node %d.", failed, route, i)
				}
			}
			t.Logf("\t%s\tShould deliver %s to every peer.", success, route)
		}

		var msg consensus.Message
		if err := json.Unmarshal(n1.first("consensus"), &msg); err != nil || msg.Kind() != "nullify" || msg.View() != 3 {
			t.Fatalf("\t%s\tShould receive the nullify for view 3: %v %v", failed, msg.Kind(), err)
		}
		t.Logf("\t%s\tShould receive the nullify for view 3.", success)

		var bm peer.BlockMessage
		if err := json.Unmarshal(n2.first("block"), &bm); err != nil {
			t.Fatalf("\t%s\tShould receive a block message: %s", failed, err)
		}
		got, err := database.DecodeBlock(bm.Block)
		if err != nil || got.Digest() != block.Digest() {
			t.Fatalf("\t%s\tShould receive the proposed block: %v", failed, err)
		}
		t.Logf("\t%s\tShould receive the proposed block.", success)

		var tm peer.TransactionMessage
		if err := json.Unmarshal(n1.first("tx"), &tm); err != nil {
			t.Fatalf("\t%s\tShould receive a transaction message: %s", failed, err)
		}
		gotTx, err := database.DecodeTransaction(tm.Tx)
		if err != nil || gotTx.Digest() != tx.Digest() {
			t.Fatalf("\t%s\tShould receive the transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould receive the transaction.", success)
	}
}

func TestInboundQuota(t *testing.T) {
	t.Log("Given the need to bound what each channel accepts.")
	{
		limits := map[peer.Channel]peer.Limit{
			peer.Votes: {Rate: 0.001, Burst: 2, Backlog: 8},
		}
		tr, _ := newTransport(t, limits)

		const from = "10.0.0.1"

		if !tr.Allow(peer.Votes, from) || !tr.Allow(peer.Votes, from) {
			t.Fatalf("\t%s\tShould accept the burst.", failed)
		}
		t.Logf("\t%s\tShould accept the burst.", success)

		if tr.Allow(peer.Votes, from) {
			t.Fatalf("\t%s\tShould reject past the burst.", failed)
		}
		t.Logf("\t%s\tShould reject past the burst.", success)

		if !tr.Allow(peer.Certificates, from) {
			t.Fatalf("\t%s\tShould not charge other channels.", failed)
		}
		t.Logf("\t%s\tShould not charge other channels.", success)

		if tr.Allow(peer.Channel("unknown"), from) {
			t.Fatalf("\t%s\tShould reject an unknown channel.", failed)
		}
		t.Logf("\t%s\tShould reject an unknown channel.", success)
	}
}

func TestInboundQuotaPerSource(t *testing.T) {
	t.Log("Given the need to keep one noisy validator from using up the quota of the others.")
	{
		limits := map[peer.Channel]peer.Limit{
			peer.Votes: {Rate: 0.001, Burst: 2, Backlog: 8},
		}
		tr, _ := newTransport(t, limits)

		for range 10 {
			tr.Allow(peer.Votes, "10.0.0.1")
		}
		if tr.Allow(peer.Votes, "10.0.0.1") {
			t.Fatalf("\t%s\tShould reject the noisy source.", failed)
		}
		t.Logf("\t%s\tShould reject the noisy source.", success)

		if !tr.Allow(peer.Votes, "10.0.0.2") || !tr.Allow(peer.Votes, "10.0.0.2") {
			t.Fatalf("\t%s\tShould accept the full burst from a quiet source.", failed)
		}
		t.Logf("\t%s\tShould accept the full burst from a quiet source.", success)

		if tr.Allow(peer.Votes, "10.0.0.2") {
			t.Fatalf("\t%s\tShould reject the quiet source past its own burst.", failed)
		}
		t.Logf("\t%s\tShould reject the quiet source past its own burst.", success)
	}
}

func TestBacklogFull(t *testing.T) {
	t.Log("Given the need to drop traffic instead of blocking when a backlog is full.")
	{
		n := newNode(t)

		limits := map[peer.Channel]peer.Limit{
			peer.Aggregation: {Rate: 100, Burst: 10, Backlog: 1},
		}
		tr, events := newTransport(t, limits, n)

		tr.SendPartial(aggregation.Partial{Height: 1})
		tr.SendPartial(aggregation.Partial{Height: 2})

		var dropped bool
		for _, e := range *events {
			if strings.Contains(e, "queue full") {
				dropped = true
			}
		}
		if !dropped {
			t.Fatalf("\t%s\tShould drop the message past the backlog.", failed)
		}
		t.Logf("\t%s\tShould drop the message past the backlog.", success)

		run(t, tr)

		if !wait(t, func() bool { return n.count("partial") == 1 }) {
			t.Fatalf("\t%s\tShould deliver the queued message.", failed)
		}

		var p aggregation.Partial
		if err := json.Unmarshal(n.first("partial"), &p); err != nil || p.Height != 1 {
			t.Fatalf("\t%s\tShould deliver the first message: %d %v", failed, p.Height, err)
		}
		t.Logf("\t%s\tShould deliver the first message.", success)
	}
}

func TestResolver(t *testing.T) {
	t.Log("Given the need to fetch missing history from peers.")
	{
		ctx := context.Background()

		genesis := database.Genesis("peer-test")
		block := database.Block{Parent: genesis.Digest(), Height: 1, View: 2}
		body, err := block.Encode()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to encode a block: %s", failed, err)
		}

		behind := newNode(t)
		ahead := newNode(t)
		ahead.blocks[block.Digest().Hex()] = block
		ahead.entries = []marshal.Entry{{Record: marshal.Record{Height: 1, Digest: block.Digest()}, Body: body}}

		tr, _ := newTransport(t, nil, behind, ahead)

		got, err := tr.Block(ctx, block.Digest())
		if err != nil || got.Digest() != block.Digest() {
			t.Fatalf("\t%s\tShould fetch the block from the peer that has it: %v", failed, err)
		}
		t.Logf("\t%s\tShould fetch the block from the peer that has it.", success)

		if _, err := tr.Block(ctx, genesis.Digest()); err == nil {
			t.Fatalf("\t%s\tShould fail when no peer has the block.", failed)
		}
		t.Logf("\t%s\tShould fail when no peer has the block.", success)

		entries, err := tr.Finalized(ctx, 1, 16)
		if err != nil || len(entries) != 1 || entries[0].Record.Digest != block.Digest() {
			t.Fatalf("\t%s\tShould skip the peer that is behind: %v %d", failed, err, len(entries))
		}
		t.Logf("\t%s\tShould skip the peer that is behind.", success)

		ahead.mu.Lock()
		ahead.entries = nil
		ahead.mu.Unlock()

		entries, err = tr.Finalized(ctx, 1, 16)
		if err != nil || len(entries) != 0 {
			t.Fatalf("\t%s\tShould get nothing when every peer is behind: %v %d", failed, err, len(entries))
		}
		t.Logf("\t%s\tShould get nothing when every peer is behind.", success)

		alone, _ := newTransport(t, nil)
		if _, err := alone.Block(ctx, block.Digest()); !errors.Is(err, peer.ErrNoPeers) {
			t.Fatalf("\t%s\tShould fail without peers: %v", failed, err)
		}
		t.Logf("\t%s\tShould fail without peers.", success)
	}
}
