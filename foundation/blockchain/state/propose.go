package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Set of reasons a proposal is not verified.
var (
	ErrViewMismatch       = errors.New("block view does not match the round")
	ErrParentViewMismatch = errors.New("parent view does not match the round")
)

type proposeRequest struct {
	ctx   context.Context
	rc    consensus.Context
	start time.Time
	resp  chan signature.Digest
}

type proposeParent struct {
	request proposeRequest
	parent  database.Block
}

type verifyRequest struct {
	ctx     context.Context
	rc      consensus.Context
	payload signature.Digest
	start   time.Time
	resp    chan bool
}

// =============================================================================

// Genesis implements the consensus.Automaton interface.
func (s *State) Genesis() signature.Digest {
	return s.genesisBlock.Digest()
}

// Propose implements the consensus.Automaton interface. When the actor
// can't be reached the parent digest is returned, which consensus treats
// as nothing to propose.
func (s *State) Propose(ctx context.Context, rc consensus.Context) <-chan signature.Digest {
	resp := make(chan signature.Digest, 1)

	req := proposeRequest{ctx: ctx, rc: rc, start: time.Now(), resp: resp}
	if err := s.send(ctx, req); err != nil {
		s.evHandler("state: propose: view[%d]: ERROR: %s", rc.View, err)
		resp <- rc.Parent.Payload
	}

	return resp
}

// Verify implements the consensus.Automaton interface. When the actor
// can't be reached the proposal is not verified.
func (s *State) Verify(ctx context.Context, rc consensus.Context, payload signature.Digest) <-chan bool {
	resp := make(chan bool, 1)

	req := verifyRequest{ctx: ctx, rc: rc, payload: payload, start: time.Now(), resp: resp}
	if err := s.send(ctx, req); err != nil {
		s.evHandler("state: verify: view[%d]: ERROR: %s", rc.View, err)
		resp <- false
	}

	return resp
}

// Broadcast implements the consensus.Relay interface. The body of a block
// this node proposed is handed to the archive for dissemination.
func (s *State) Broadcast(payload signature.Digest) {
	block, exists := s.ancestry.Get(payload)
	if !exists {
		s.evHandler("state: broadcast: digest[%s]: not in ancestry", payload.TerminalString())
		return
	}

	s.archive.Broadcast(block)
}

// =============================================================================

// handlePropose builds the block if the parent is known, otherwise the
// parent is fetched without blocking the kernel.
func (s *State) handlePropose(ctx context.Context, req proposeRequest) {
	if parent, exists := s.lookup(req.rc.Parent.Payload); exists {
		s.build(req, parent)
		return
	}

	go func() {
		fctx, cancel := context.WithTimeout(req.ctx, s.fetchTimeout)
		defer cancel()

		parent, err := s.archive.Get(fctx, req.rc.Parent.Payload)
		if err != nil {
			s.evHandler("state: propose: view[%d]: fetch parent: ERROR: %s", req.rc.View, err)
			req.resp <- req.rc.Parent.Payload
			return
		}

		if err := s.send(ctx, proposeParent{request: req, parent: parent}); err != nil {
			req.resp <- req.rc.Parent.Payload
		}
	}()
}

// build assembles a block on the parent from the best transactions in the
// mempool.
func (s *State) build(req proposeRequest, parent database.Block) {
	txs := s.mempool.PickBest(database.MaxBlockTransactions, s.expectedNonces(parent))

	block := database.Block{
		Parent:       parent.Digest(),
		Height:       parent.Height + 1,
		View:         req.rc.View,
		Proposer:     req.rc.Leader,
		Transactions: txs,
	}
	digest := block.Digest()

	s.ancestry.Add(digest, block)
	s.metrics.ObservePropose(req.start)

	s.evHandler("state: propose: %s", block)

	req.resp <- digest
}

// expectedNonces returns the next nonce for each account as of the parent.
// Blocks between the last executed block and the parent are not in the
// operation log yet, so their transactions are counted from the ancestry.
func (s *State) expectedNonces(parent database.Block) func(signature.PublicKey) uint64 {
	executed := s.store.CommittedHeight()

	var chain []database.Block
	for b := parent; b.Height > executed; {
		chain = append(chain, b)

		p, exists := s.lookup(b.Parent)
		if !exists {
			break
		}
		b = p
	}

	pending := make(map[signature.PublicKey]uint64)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, tx := range chain[i].Transactions {
			if next := tx.Nonce + 1; next > pending[tx.PublicKey] {
				pending[tx.PublicKey] = next
			}
		}
	}

	return func(pk signature.PublicKey) uint64 {
		n, err := s.nonce(pk)
		if err != nil {
			s.evHandler("state: propose: nonce: ERROR: %s", err)
			return math.MaxUint64
		}
		if p, exists := pending[pk]; exists && p > n {
			return p
		}
		return n
	}
}

// =============================================================================

// handleVerify checks the proposal on its own goroutine since the bodies
// may need to be fetched from peers.
func (s *State) handleVerify(ctx context.Context, req verifyRequest) {
	go func() {
		err := s.verify(req)
		if err != nil {
			s.evHandler("state: verify: view[%d] digest[%s]: ERROR: %s", req.rc.View, req.payload.TerminalString(), err)
		}
		s.metrics.ObserveVerify(req.start)

		req.resp <- err == nil
	}()
}

// verify performs the structural checks of the block. Whether the
// transactions succeed is only known at execution and never fails the
// block.
func (s *State) verify(req verifyRequest) error {
	ctx, cancel := context.WithTimeout(req.ctx, s.fetchTimeout)
	defer cancel()

	parent, err := s.fetch(ctx, req.rc.Parent.Payload)
	if err != nil {
		return fmt.Errorf("fetch parent: %w", err)
	}

	block, err := s.fetch(ctx, req.payload)
	if err != nil {
		return fmt.Errorf("fetch block: %w", err)
	}

	if block.View != req.rc.View {
		return fmt.Errorf("%w: got %d, exp %d", ErrViewMismatch, block.View, req.rc.View)
	}

	if parent.View != req.rc.Parent.View {
		return fmt.Errorf("%w: got %d, exp %d", ErrParentViewMismatch, parent.View, req.rc.Parent.View)
	}

	if err := database.ValidateBlock(s.genesis.Namespace, parent, block, req.rc.Leader); err != nil {
		return err
	}

	s.ancestry.Add(req.payload, block)

	return nil
}

// lookup returns a block known without any IO.
func (s *State) lookup(digest signature.Digest) (database.Block, bool) {
	if digest == s.genesisBlock.Digest() {
		return s.genesisBlock, true
	}
	return s.ancestry.Get(digest)
}

// fetch returns the block from the ancestry cache, falling back to the
// archive which may fetch it from peers.
func (s *State) fetch(ctx context.Context, digest signature.Digest) (database.Block, error) {
	if block, exists := s.lookup(digest); exists {
		return block, nil
	}
	return s.archive.Get(ctx, digest)
}
