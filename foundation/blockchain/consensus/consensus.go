// Package consensus implements a view based BFT agreement protocol. For each
// view a leader proposes a digest, validators notarize or nullify the view,
// and a notarized view that nobody nullified is finalized. The protocol only
// agrees on digests: building and checking payloads is delegated to an
// Automaton and finalized digests are handed to a Reporter.
package consensus

import (
	"context"
	"errors"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Set of errors returned by the engine.
var (
	ErrShuttingDown        = errors.New("shutting down")
	ErrInvalidSigner       = errors.New("invalid signer")
	ErrInsufficientSigners = errors.New("insufficient signers")
	ErrInvalidMessage      = errors.New("invalid message")
)

// EventHandler defines a function that is called when events
// occur in the processing of consensus.
type EventHandler func(v string, args ...any)

// Parent identifies the proposal a new proposal builds on.
type Parent struct {
	View    uint64           `json:"view"`
	Payload signature.Digest `json:"payload"`
}

// Context is what the automaton is told about the view it is proposing or
// verifying for.
type Context struct {
	View   uint64 `json:"view"`
	Parent Parent `json:"parent"`
	Leader uint32 `json:"leader"`
}

// =============================================================================

// Automaton builds and checks the payloads consensus agrees on.
//
// Propose and Verify answer on the returned channel. An implementation that
// cannot answer must still send a safe value: the parent payload from
// Propose, which the engine treats as nothing to propose, and false from
// Verify. A channel closed without a value is treated the same way.
type Automaton interface {
	Genesis() signature.Digest
	Propose(ctx context.Context, rc Context) <-chan signature.Digest
	Verify(ctx context.Context, rc Context, payload signature.Digest) <-chan bool
}

// Relay disseminates a payload the local node proposed. Delivery is best
// effort.
type Relay interface {
	Broadcast(payload signature.Digest)
}

// Reporter is told about every finalization. Report must not return until
// the finalization is durable, which keeps consensus from running ahead of
// storage.
type Reporter interface {
	Report(ctx context.Context, fin Finalization) error
}

// Network sends a message to every other validator. Delivery is best effort
// and must not block the caller.
type Network interface {
	Broadcast(msg Message)
}

// Reporters fans a finalization out to several reporters in order.
type Reporters []Reporter

// Report implements the Reporter interface.
func (rs Reporters) Report(ctx context.Context, fin Finalization) error {
	for _, r := range rs {
		if err := r.Report(ctx, fin); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================

// ByzantineMajority returns the number of votes needed for a quorum of n
// validators tolerating f faulty ones where n >= 3f+1.
func ByzantineMajority(n int) int {
	quo, rem := n/3, n%3
	if rem < 2 {
		return 2*quo + 1
	}
	return 2*quo + 2
}

// Leader returns the index of the validator leading the view.
func Leader(view uint64, epoch uint64, n int) uint32 {
	return uint32((view + epoch) % uint64(n))
}
