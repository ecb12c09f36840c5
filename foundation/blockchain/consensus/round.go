package consensus

import (
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// round is everything the engine knows about one view.
type round struct {
	view   uint64
	leader uint32

	proposal      *Proposal
	verifying     bool
	verified      bool
	notarization  *Notarization
	nullification *Nullification
	finalization  *Finalization

	notarizes map[uint32]Notarize
	nullifies map[uint32]Nullify
	finalizes map[uint32]Finalize

	sentNotarize bool
	sentNullify  bool
	sentFinalize bool

	leaderDeadline  time.Time
	advanceDeadline time.Time
	retryDeadline   time.Time
}

func newRound(view uint64, leader uint32) *round {
	return &round{
		view:      view,
		leader:    leader,
		notarizes: make(map[uint32]Notarize),
		nullifies: make(map[uint32]Nullify),
		finalizes: make(map[uint32]Finalize),
	}
}

// notarized returns the payload certified for the view, if any.
func (r *round) notarized() (signature.Digest, bool) {
	switch {
	case r.finalization != nil:
		return r.finalization.Proposal.Payload, true
	case r.notarization != nil:
		return r.notarization.Proposal.Payload, true
	}
	return signature.Digest{}, false
}

// notarizesFor returns the signers and signatures of the notarize votes
// for the proposal.
func (r *round) notarizesFor(p Proposal) ([]uint32, []signature.BLSSignature) {
	var signers []uint32
	var sigs []signature.BLSSignature
	for s, v := range r.notarizes {
		if v.Proposal == p {
			signers = append(signers, s)
			sigs = append(sigs, v.Signature)
		}
	}
	return signers, sigs
}

// finalizesFor returns the signers and signatures of the finalize votes
// for the proposal.
func (r *round) finalizesFor(p Proposal) ([]uint32, []signature.BLSSignature) {
	var signers []uint32
	var sigs []signature.BLSSignature
	for s, v := range r.finalizes {
		if v.Proposal == p {
			signers = append(signers, s)
			sigs = append(sigs, v.Signature)
		}
	}
	return signers, sigs
}

// nextDeadline returns when the round next needs attention.
func (r *round) nextDeadline() time.Time {
	switch {
	case r.notarization != nil || r.nullification != nil || r.finalization != nil:
		return time.Time{}
	case r.sentNullify:
		return r.retryDeadline
	case r.proposal == nil:
		return r.leaderDeadline
	default:
		return r.advanceDeadline
	}
}
