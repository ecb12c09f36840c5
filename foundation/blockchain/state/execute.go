package state

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Set of errors that stop execution. These are never caused by the
// contents of a transaction.
var (
	ErrHeightGap       = errors.New("finalized block is not the next height")
	ErrExecutedDiffers = errors.New("a different block was executed at this height")
)

// Set of reasons reported in a TransactionFailed event.
const (
	ReasonAlreadyRegistered   = "already registered"
	ReasonEmptyName           = "empty name"
	ReasonUnknownAccount      = "unknown account"
	ReasonUnknownRecipient    = "unknown recipient"
	ReasonSelfTransfer        = "self transfer"
	ReasonZeroAmount          = "zero amount"
	ReasonDepositLimit        = "deposit exceeds limit"
	ReasonInsufficientBalance = "insufficient balance"
	ReasonBalanceOverflow     = "balance overflow"
)

// execute applies the finalized block to the operation log and hands the
// summary and proofs to aggregation. Blocks at or below the executed height
// were applied before a restart and only have their results resent.
func (s *State) execute(ctx context.Context, block database.Block) error {
	start := time.Now()

	executed := s.store.CommittedHeight()
	switch {
	case block.Height <= executed:
		return s.replay(ctx, block)

	case block.Height != executed+1:
		return fmt.Errorf("%w: got %d, executed %d", ErrHeightGap, block.Height, executed)
	}

	digest := block.Digest()
	ov := newOverlay(s)

	events := make([][]byte, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		ev, err := ov.apply(tx)
		if err != nil {
			return fmt.Errorf("execute height %d: %w", block.Height, err)
		}
		events = append(events, database.EncodeEvent(ev))
	}

	res, err := s.store.Apply(oplog.Batch{
		Height:  block.Height,
		Block:   digest,
		Changes: ov.changes(),
		Events:  events,
	})
	if err != nil {
		return fmt.Errorf("apply height %d: %w", block.Height, err)
	}

	// The log is authoritative now, bring the caches and the pool in line
	// with it.
	for _, pk := range ov.order {
		next := ov.entries[pk].acct.Nonce
		s.nonces.Add(pk, next)
		s.mempool.Prune(pk, next)
	}
	s.metrics.SetMempool(s.mempool.Count())
	s.metrics.ObserveExecute(start, block.Height)

	s.evHandler("state: execute: %s accounts[%d] events[%d]", block, len(ov.order), len(events))

	return s.report(ctx, res)
}

// replay resends the result of a block that was applied before a restart.
func (s *State) replay(ctx context.Context, block database.Block) error {
	res, err := s.store.Result(block.Height)
	if err != nil {
		return fmt.Errorf("replay height %d: %w", block.Height, err)
	}

	if res.Block != block.Digest() {
		return fmt.Errorf("%w: height %d", ErrExecutedDiffers, block.Height)
	}

	s.evHandler("state: execute: height[%d]: already executed, resending summary", block.Height)

	return s.report(ctx, res)
}

// report builds the proofs for both segments the block wrote and hands
// them to aggregation with the summary.
func (s *State) report(ctx context.Context, res oplog.Result) error {
	stateProof, stateOps, err := s.store.CreateProof(oplog.LogState, res.StateStart, res.StateEnd)
	if err != nil {
		return fmt.Errorf("state proof: %w", err)
	}

	eventsProof, eventsOps, err := s.store.CreateProof(oplog.LogEvents, res.EventsStart, res.EventsEnd)
	if err != nil {
		return fmt.Errorf("events proof: %w", err)
	}

	bundle := aggregation.Bundle{
		Summary:     res.Summary(),
		StateProof:  stateProof,
		StateOps:    stateOps,
		EventsProof: eventsProof,
		EventsOps:   eventsOps,
	}

	return s.aggregator.Executed(ctx, bundle)
}

// =============================================================================

type entry struct {
	acct   database.Account
	exists bool
	dirty  bool
}

// overlay holds the accounts a block touches until the whole block has
// been executed.
type overlay struct {
	state   *State
	entries map[signature.PublicKey]*entry
	order   []signature.PublicKey
}

func newOverlay(s *State) *overlay {
	return &overlay{
		state:   s,
		entries: make(map[signature.PublicKey]*entry),
	}
}

func (o *overlay) load(pk signature.PublicKey) (*entry, error) {
	if e, exists := o.entries[pk]; exists {
		return e, nil
	}

	acct, exists, err := o.state.account(pk)
	if err != nil {
		return nil, err
	}

	e := entry{acct: acct, exists: exists}
	o.entries[pk] = &e

	return &e, nil
}

func (o *overlay) touch(pk signature.PublicKey, e *entry) {
	e.exists = true
	if !e.dirty {
		e.dirty = true
		o.order = append(o.order, pk)
	}
}

// changes returns the new value of every touched account in the order
// they were first touched.
func (o *overlay) changes() []oplog.Change {
	out := make([]oplog.Change, len(o.order))
	for i, pk := range o.order {
		out[i] = oplog.Change{
			Key:   database.AccountKey(pk),
			Value: o.entries[pk].acct.Encode(),
		}
	}
	return out
}

// apply executes one transaction and returns the event it produced. An
// error is only returned when the state could not be read.
func (o *overlay) apply(tx database.Transaction) (database.Event, error) {
	sender, err := o.load(tx.PublicKey)
	if err != nil {
		return nil, err
	}

	// A transaction out of sequence is rejected without touching state.
	if tx.Nonce != sender.acct.Nonce {
		return database.NonceMismatch{Account: tx.PublicKey, Expected: sender.acct.Nonce, Got: tx.Nonce}, nil
	}

	ev, reason, err := o.instruction(tx, sender)
	if err != nil {
		return nil, err
	}

	// From here the nonce is consumed whether the instruction succeeded
	// or not.
	sender.acct.Nonce++
	o.touch(tx.PublicKey, sender)

	if reason != "" {
		return database.TransactionFailed{Account: tx.PublicKey, Nonce: tx.Nonce, Reason: reason}, nil
	}

	return ev, nil
}

// instruction applies the rules of the instruction. A non-empty reason
// means the instruction failed and nothing was changed.
func (o *overlay) instruction(tx database.Transaction, sender *entry) (database.Event, string, error) {
	registered := sender.acct.Name != ""

	switch ins := tx.Instruction.(type) {
	case database.Register:
		switch {
		case registered:
			return nil, ReasonAlreadyRegistered, nil
		case ins.Name == "":
			return nil, ReasonEmptyName, nil
		}

		sender.acct.Name = ins.Name
		return database.Registered{Account: tx.PublicKey, Name: ins.Name}, "", nil

	case database.Deposit:
		switch {
		case !registered:
			return nil, ReasonUnknownAccount, nil
		case ins.Amount == 0:
			return nil, ReasonZeroAmount, nil
		case ins.Amount > o.state.genesis.MaxDeposit:
			return nil, ReasonDepositLimit, nil
		}

		balance, carry := bits.Add64(sender.acct.Balance, ins.Amount, 0)
		if carry != 0 {
			return nil, ReasonBalanceOverflow, nil
		}

		sender.acct.Balance = balance
		return database.Deposited{Account: tx.PublicKey, Amount: ins.Amount, Balance: balance}, "", nil

	case database.Transfer:
		switch {
		case !registered:
			return nil, ReasonUnknownAccount, nil
		case ins.To == tx.PublicKey:
			return nil, ReasonSelfTransfer, nil
		case ins.Amount == 0:
			return nil, ReasonZeroAmount, nil
		case sender.acct.Balance < ins.Amount:
			return nil, ReasonInsufficientBalance, nil
		}

		recipient, err := o.load(ins.To)
		if err != nil {
			return nil, "", err
		}
		if recipient.acct.Name == "" {
			return nil, ReasonUnknownRecipient, nil
		}

		balance, carry := bits.Add64(recipient.acct.Balance, ins.Amount, 0)
		if carry != 0 {
			return nil, ReasonBalanceOverflow, nil
		}

		sender.acct.Balance -= ins.Amount
		recipient.acct.Balance = balance
		o.touch(ins.To, recipient)

		return database.Transferred{From: tx.PublicKey, To: ins.To, Amount: ins.Amount}, "", nil

	case database.Wager:
		switch {
		case !registered:
			return nil, ReasonUnknownAccount, nil
		case ins.Amount == 0:
			return nil, ReasonZeroAmount, nil
		case sender.acct.Balance < ins.Amount:
			return nil, ReasonInsufficientBalance, nil
		}

		sides := database.Sides(ins.Game)
		outcome := Outcome(tx.Digest(), sides)

		var payout uint64
		if outcome == ins.Choice {
			hi, lo := bits.Mul64(ins.Amount, uint64(sides))
			if hi != 0 {
				return nil, ReasonBalanceOverflow, nil
			}
			payout = lo
		}

		balance, carry := bits.Add64(sender.acct.Balance-ins.Amount, payout, 0)
		if carry != 0 {
			return nil, ReasonBalanceOverflow, nil
		}

		sender.acct.Balance = balance

		ev := database.WagerSettled{
			Account: tx.PublicKey,
			Game:    ins.Game,
			Choice:  ins.Choice,
			Outcome: outcome,
			Amount:  ins.Amount,
			Payout:  payout,
		}
		return ev, "", nil
	}

	return nil, "", fmt.Errorf("unknown instruction %T", tx.Instruction)
}

// Outcome returns the result of a game with the number of sides. It is
// derived from the transaction digest alone, which commits to the sender
// and nonce, so the result does not depend on which block carried it.
func Outcome(tx signature.Digest, sides uint8) uint8 {
	seed := signature.Hash([]byte("wager"), tx[:])
	return uint8(binary.BigEndian.Uint64(seed[24:]) % uint64(sides))
}
