package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/errgroup"
)

// ErrNoPeers is returned when a request has nobody to go to.
var ErrNoPeers = errors.New("no peers")

// baseURL represents the base URL for the private node API.
const baseURL = "http://%s/v1/node"

// Set of routes on the private node API used between validators.
const (
	RouteConsensus   = "/consensus"
	RouteBlock       = "/block"
	RoutePartial     = "/partial"
	RouteTransaction = "/tx"
	RouteFinalized   = "/finalized"
	RouteStatus      = "/status"
)

// EventHandler defines a function that is called when events
// occur in the processing of network traffic.
type EventHandler func(v string, args ...any)

// BlockMessage carries the encoding of a block.
type BlockMessage struct {
	Block hexutil.Bytes `json:"block"`
}

// TransactionMessage carries the encoding of a transaction.
type TransactionMessage struct {
	Tx hexutil.Bytes `json:"tx"`
}

// StatusError is returned when a peer answers with an unexpected status.
type StatusError struct {
	Code int
	Msg  string
}

// Error implements the error interface.
func (se *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", se.Code, se.Msg)
}

// =============================================================================

// Config represents the configuration required to start the transport.
type Config struct {
	Self      Peer
	Peers     *PeerSet
	Limits    map[Channel]Limit
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	EvHandler EventHandler
}

// Transport moves consensus, backfill, aggregation, and transaction traffic
// between validators over the private HTTP API.
type Transport struct {
	self      Peer
	peers     *PeerSet
	client    *http.Client
	channels  map[Channel]*channel
	metrics   *metrics.Metrics
	evHandler EventHandler
}

// NewTransport constructs a transport. Messages are queued but not sent until Run
// is called.
func NewTransport(cfg Config) *Transport {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout

	channels := make(map[Channel]*channel, len(Channels))
	for _, name := range Channels {
		lim, exists := cfg.Limits[name]
		if !exists {
			lim = DefaultLimits[name]
		}
		channels[name] = newChannel(name, lim)
	}

	return &Transport{
		self:      cfg.Self,
		peers:     cfg.Peers,
		client:    client,
		channels:  channels,
		metrics:   cfg.Metrics,
		evHandler: ev,
	}
}

// Run drains every channel backlog until the context is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	t.evHandler("peer: Run: started")
	defer t.evHandler("peer: Run: completed")

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range t.channels {
		if cap(ch.queue) == 0 {
			continue
		}
		g.Go(func() error {
			t.drain(ctx, ch)
			return nil
		})
	}

	return g.Wait()
}

// Allow reports whether an inbound message on the channel is within the
// quota of the source that sent it. Every source has its own quota.
func (t *Transport) Allow(name Channel, from string) bool {
	ch, exists := t.channels[name]
	if !exists {
		return false
	}

	if !ch.allow(from) {
		t.metrics.IncDropped(string(name), "inbound")
		return false
	}

	return true
}

// Peers returns the other validators.
func (t *Transport) Peers() []Peer {
	return t.peers.Copy(t.self.Host)
}

// =============================================================================

// Broadcast implements the consensus network. Votes and certificates travel
// on their own channels.
func (t *Transport) Broadcast(msg consensus.Message) {
	name := Votes
	switch {
	case msg.Notarization != nil, msg.Nullification != nil, msg.Finalization != nil:
		name = Certificates
	}

	t.enqueue(name, RouteConsensus, msg)
}

// BroadcastBlock sends the body of a block this node proposed.
func (t *Transport) BroadcastBlock(block database.Block) {
	data, err := block.Encode()
	if err != nil {
		t.evHandler("peer: BroadcastBlock: ERROR: %s", err)
		return
	}

	t.enqueue(Blocks, RouteBlock, BlockMessage{Block: data})
}

// SendPartial sends this validator's signature over a summary.
func (t *Transport) SendPartial(p aggregation.Partial) {
	t.enqueue(Aggregation, RoutePartial, p)
}

// SendTransaction shares a transaction submitted to this node.
func (t *Transport) SendTransaction(tx database.Transaction) {
	t.enqueue(Transactions, RouteTransaction, TransactionMessage{Tx: tx.Encode()})
}

// =============================================================================

// Block asks the peers, in random order, for the body with the digest. The
// caller checks the body against the digest.
func (t *Transport) Block(ctx context.Context, digest signature.Digest) (database.Block, error) {
	route := fmt.Sprintf("%s/%s", RouteBlock, digest.Hex())

	var block database.Block
	err := t.request(ctx, route, func(p Peer) error {
		var msg BlockMessage
		if err := t.send(ctx, http.MethodGet, t.url(p, route), nil, &msg); err != nil {
			return err
		}

		b, err := database.DecodeBlock(msg.Block)
		if err != nil {
			return err
		}
		if b.Digest() != digest {
			return marshal.ErrDigestMismatch
		}

		block = b
		return nil
	})

	return block, err
}

// Finalized asks the peers for the finalized history starting at the
// height. A peer with nothing to offer is skipped for the next one.
func (t *Transport) Finalized(ctx context.Context, from uint64, limit int) ([]marshal.Entry, error) {
	route := fmt.Sprintf("%s/%d?limit=%d", RouteFinalized, from, limit)

	var entries []marshal.Entry
	err := t.request(ctx, route, func(p Peer) error {
		var got []marshal.Entry
		if err := t.send(ctx, http.MethodGet, t.url(p, route), nil, &got); err != nil {
			return err
		}
		if len(got) == 0 {
			return marshal.ErrNotFound
		}

		entries = got
		return nil
	})

	if errors.Is(err, marshal.ErrNotFound) {
		return nil, nil
	}

	return entries, err
}

// Status asks a peer how far along it is.
func (t *Transport) Status(ctx context.Context, p Peer) (Status, error) {
	var status Status
	if err := t.send(ctx, http.MethodGet, t.url(p, RouteStatus), nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// =============================================================================

func (t *Transport) enqueue(name Channel, route string, value any) {
	peers := t.peers.Copy(t.self.Host)
	if len(peers) == 0 {
		return
	}

	ch := t.channels[name]

	select {
	case ch.queue <- job{path: route, value: value, to: peers}:
	default:
		t.metrics.IncDropped(string(name), "outbound")
		t.evHandler("peer: enqueue: channel[%s]: queue full: dropped", name)
	}
}

// drain sends the backlog of one channel within its outbound quota.
func (t *Transport) drain(ctx context.Context, ch *channel) {
	for {
		select {
		case <-ctx.Done():
			return

		case j := <-ch.queue:
			if err := ch.outbound.Wait(ctx); err != nil {
				return
			}

			var wg sync.WaitGroup
			for _, p := range j.to {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := t.send(ctx, http.MethodPost, t.url(p, j.path), j.value, nil); err != nil {
						t.evHandler("peer: drain: channel[%s]: peer[%s]: ERROR: %s", ch.name, p.Name, err)
					}
				}()
			}
			wg.Wait()
		}
	}
}

// request runs fn against the peers in random order until one succeeds.
func (t *Transport) request(ctx context.Context, route string, fn func(p Peer) error) error {
	peers := t.peers.Copy(t.self.Host)
	if len(peers) == 0 {
		return ErrNoPeers
	}

	if err := t.channels[Backfill].outbound.Wait(ctx); err != nil {
		return err
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	var last error
	for _, p := range peers {
		err := fn(p)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !errors.Is(err, marshal.ErrNotFound) {
			t.evHandler("peer: request: %s: peer[%s]: ERROR: %s", route, p.Name, err)
		}
		last = err
	}

	return fmt.Errorf("request %s: %w", route, last)
}

func (t *Transport) url(p Peer, route string) string {
	return fmt.Sprintf(baseURL, p.Host) + route
}

// send is a helper function to send an HTTP request to a node.
func (t *Transport) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var req *http.Request

	switch {
	case dataSend != nil:
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

	default:
		var err error
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil

	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return marshal.ErrNotFound

	case http.StatusOK:

	default:
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return &StatusError{Code: resp.StatusCode, Msg: string(bytes.TrimSpace(msg))}
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
