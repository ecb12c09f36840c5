// Package state is the execution actor for the node. It owns the mempool,
// builds and checks the blocks consensus agrees on, and applies finalized
// blocks to the operation log to produce the summaries validators certify.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrShuttingDown is returned when a request races the actor stopping.
var ErrShuttingDown = errors.New("state: shutting down")

// EventHandler defines a function that is called when events
// occur in the processing of blocks.
type EventHandler func(v string, args ...any)

// Archive is the persistence layer the actor reads block bodies from and
// hands its own proposals to.
type Archive interface {
	Get(ctx context.Context, digest signature.Digest) (database.Block, error)
	Broadcast(block database.Block)
}

// Aggregator receives the result of every executed block.
type Aggregator interface {
	Executed(ctx context.Context, bundle aggregation.Bundle) error
}

// Gossip shares transactions submitted to this node with the other
// validators.
type Gossip interface {
	SendTransaction(tx database.Transaction)
}

// =============================================================================

// Config represents the configuration required to start the actor.
type Config struct {
	Genesis           genesis.Genesis
	Store             *oplog.Store
	Mempool           *mempool.Mempool
	Archive           Archive
	Aggregator        Aggregator
	Gossip            Gossip
	Metrics           *metrics.Metrics
	MailboxSize       int
	FetchTimeout      time.Duration
	NonceCacheSize    int
	NonceCacheTTL     time.Duration
	AncestryCacheSize int
	AncestryCacheTTL  time.Duration
	EvHandler         EventHandler
}

// State manages execution for the node. Every mutation happens on the
// goroutine running Run.
type State struct {
	genesis      genesis.Genesis
	genesisBlock database.Block
	store        *oplog.Store
	mempool      *mempool.Mempool
	archive      Archive
	aggregator   Aggregator
	gossip       Gossip
	metrics      *metrics.Metrics
	fetchTimeout time.Duration
	evHandler    EventHandler

	nonces   *expirable.LRU[signature.PublicKey, uint64]
	ancestry *expirable.LRU[signature.Digest, database.Block]

	mailbox chan any
	shut    chan struct{}
}

// New constructs the execution actor. Run must be called to start it.
func New(cfg Config) (*State, error) {
	if cfg.Store == nil || cfg.Mempool == nil || cfg.Archive == nil || cfg.Aggregator == nil {
		return nil, errors.New("state: store, mempool, archive and aggregator are required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	gossip := cfg.Gossip
	if gossip == nil {
		gossip = noGossip{}
	}

	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 1024
	}

	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}

	// The caches are bounded by size and by time. They only ever hold
	// values that can be rebuilt from the operation log or the archive.
	nonces := expirable.NewLRU[signature.PublicKey, uint64](max(cfg.NonceCacheSize, 1), nil, cfg.NonceCacheTTL)
	ancestry := expirable.NewLRU[signature.Digest, database.Block](max(cfg.AncestryCacheSize, 1), nil, cfg.AncestryCacheTTL)

	s := State{
		genesis:      cfg.Genesis,
		genesisBlock: cfg.Genesis.Block(),
		store:        cfg.Store,
		mempool:      cfg.Mempool,
		archive:      cfg.Archive,
		aggregator:   cfg.Aggregator,
		gossip:       gossip,
		metrics:      cfg.Metrics,
		fetchTimeout: fetchTimeout,
		evHandler:    ev,
		nonces:       nonces,
		ancestry:     ancestry,
		mailbox:      make(chan any, mailbox),
		shut:         make(chan struct{}),
	}

	ev("state: new: executed[%d]", cfg.Store.CommittedHeight())

	return &s, nil
}

// Run is the kernel loop. It returns nil when the context is cancelled and
// an error when a block cannot be executed, which is fatal to the node.
func (s *State) Run(ctx context.Context) error {
	s.evHandler("state: run: started")
	defer func() {
		close(s.shut)
		s.evHandler("state: run: completed")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-s.mailbox:
			if err := s.handle(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// handle processes one mailbox message on the kernel goroutine.
func (s *State) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case proposeRequest:
		s.handlePropose(ctx, m)

	case proposeParent:
		s.build(m.request, m.parent)

	case verifyRequest:
		s.handleVerify(ctx, m)

	case submitRequest:
		m.resp <- s.handleSubmit(m)

	case finalizedRequest:
		err := s.execute(ctx, m.block)
		m.ack <- err
		return err
	}

	return nil
}

// send races the delivery of a message to the mailbox against shutdown.
func (s *State) send(ctx context.Context, msg any) error {

	// The mailbox is buffered, check for shutdown first so nothing is left
	// in it after Run returned.
	select {
	case <-s.shut:
		return ErrShuttingDown
	default:
	}

	select {
	case s.mailbox <- msg:
		return nil
	case <-s.shut:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

type submitRequest struct {
	tx    database.Transaction
	share bool
	resp  chan error
}

type finalizedRequest struct {
	block database.Block
	ack   chan error
}

// UpsertWalletTransaction accepts a transaction submitted to this node and
// shares it with the other validators once admitted.
func (s *State) UpsertWalletTransaction(ctx context.Context, tx database.Transaction) error {
	return s.submit(ctx, tx, true)
}

// UpsertNodeTransaction accepts a transaction shared by another validator.
func (s *State) UpsertNodeTransaction(ctx context.Context, tx database.Transaction) error {
	return s.submit(ctx, tx, false)
}

func (s *State) submit(ctx context.Context, tx database.Transaction, share bool) error {

	// Signatures are checked on the caller's goroutine so the kernel only
	// deals with nonce ordering.
	if err := tx.Verify(s.genesis.Namespace); err != nil {
		return err
	}

	req := submitRequest{tx: tx, share: share, resp: make(chan error, 1)}
	if err := s.send(ctx, req); err != nil {
		return err
	}

	select {
	case err := <-req.resp:
		return err
	case <-s.shut:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *State) handleSubmit(m submitRequest) error {
	expected, err := s.nonce(m.tx.PublicKey)
	if err != nil {
		return err
	}

	count, err := s.mempool.Add(m.tx, expected)
	if err != nil {
		return err
	}
	s.metrics.SetMempool(count)

	s.evHandler("state: submit: tx[%s] mempool[%d]", m.tx, count)

	if m.share {
		s.gossip.SendTransaction(m.tx)
	}

	return nil
}

// Finalized hands the next finalized block to the actor and waits until it
// has been executed. Blocks must arrive in height order.
func (s *State) Finalized(ctx context.Context, block database.Block) error {
	req := finalizedRequest{block: block, ack: make(chan error, 1)}
	if err := s.send(ctx, req); err != nil {
		return err
	}

	select {
	case err := <-req.ack:
		return err
	case <-s.shut:
		select {
		case err := <-req.ack:
			return err
		default:
		}
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

// nonce returns the next nonce the account is expected to use as of the
// last executed block, reading through the cache to the operation log.
func (s *State) nonce(pk signature.PublicKey) (uint64, error) {
	if n, exists := s.nonces.Get(pk); exists {
		return n, nil
	}

	acct, _, err := s.account(pk)
	if err != nil {
		return 0, err
	}

	s.nonces.Add(pk, acct.Nonce)
	return acct.Nonce, nil
}

// account reads the authoritative account from the operation log.
func (s *State) account(pk signature.PublicKey) (database.Account, bool, error) {
	data, err := s.store.Get(database.AccountKey(pk))
	if err != nil {
		if errors.Is(err, oplog.ErrNotFound) {
			return database.Account{}, false, nil
		}
		return database.Account{}, false, err
	}

	acct, err := database.DecodeAccount(data)
	if err != nil {
		return database.Account{}, false, err
	}

	return acct, true, nil
}

// =============================================================================

type noGossip struct{}

func (noGossip) SendTransaction(database.Transaction) {}
