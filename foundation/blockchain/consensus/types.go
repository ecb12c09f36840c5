package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/bits-and-blooms/bitset"
)

// Proposal is the value validators vote on for a view.
type Proposal struct {
	View    uint64           `json:"view"`
	Parent  uint64           `json:"parent"`
	Payload signature.Digest `json:"payload"`
}

// Encode returns the bytes that are signed for the proposal.
func (p Proposal) Encode() []byte {
	b := make([]byte, 0, 16+len(p.Payload))
	b = binary.BigEndian.AppendUint64(b, p.View)
	b = binary.BigEndian.AppendUint64(b, p.Parent)
	return append(b, p.Payload[:]...)
}

// String implements the fmt.Stringer interface for logging.
func (p Proposal) String() string {
	return fmt.Sprintf("view[%d] parent[%d] payload[%s]", p.View, p.Parent, p.Payload.TerminalString())
}

func encodeView(view uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, view)
}

// =============================================================================

// Notarize is a validator's vote for the proposal of a view.
type Notarize struct {
	Proposal  Proposal               `json:"proposal"`
	Signer    uint32                 `json:"signer"`
	Signature signature.BLSSignature `json:"signature"`
}

// Nullify is a validator's vote to skip a view.
type Nullify struct {
	View      uint64                 `json:"view"`
	Signer    uint32                 `json:"signer"`
	Signature signature.BLSSignature `json:"signature"`
}

// Finalize is a validator's vote to finalize a notarized proposal. It is
// only cast by a validator that did not nullify the view.
type Finalize struct {
	Proposal  Proposal               `json:"proposal"`
	Signer    uint32                 `json:"signer"`
	Signature signature.BLSSignature `json:"signature"`
}

// Notarization is a quorum of notarize votes.
type Notarization struct {
	Proposal  Proposal               `json:"proposal"`
	Signers   *bitset.BitSet         `json:"signers"`
	Signature signature.BLSSignature `json:"signature"`
}

// Nullification is a quorum of nullify votes.
type Nullification struct {
	View      uint64                 `json:"view"`
	Signers   *bitset.BitSet         `json:"signers"`
	Signature signature.BLSSignature `json:"signature"`
}

// Finalization is a quorum of finalize votes.
type Finalization struct {
	Proposal  Proposal               `json:"proposal"`
	Signers   *bitset.BitSet         `json:"signers"`
	Signature signature.BLSSignature `json:"signature"`
}

// Message is the envelope exchanged between validators. Exactly one field
// is set.
type Message struct {
	Notarize      *Notarize      `json:"notarize,omitempty"`
	Nullify       *Nullify       `json:"nullify,omitempty"`
	Finalize      *Finalize      `json:"finalize,omitempty"`
	Notarization  *Notarization  `json:"notarization,omitempty"`
	Nullification *Nullification `json:"nullification,omitempty"`
	Finalization  *Finalization  `json:"finalization,omitempty"`
}

// Kind returns the name of the message carried by the envelope.
func (m Message) Kind() string {
	switch {
	case m.Notarize != nil:
		return "notarize"
	case m.Nullify != nil:
		return "nullify"
	case m.Finalize != nil:
		return "finalize"
	case m.Notarization != nil:
		return "notarization"
	case m.Nullification != nil:
		return "nullification"
	case m.Finalization != nil:
		return "finalization"
	}
	return "empty"
}

// View returns the view the message is about.
func (m Message) View() uint64 {
	switch {
	case m.Notarize != nil:
		return m.Notarize.Proposal.View
	case m.Nullify != nil:
		return m.Nullify.View
	case m.Finalize != nil:
		return m.Finalize.Proposal.View
	case m.Notarization != nil:
		return m.Notarization.Proposal.View
	case m.Nullification != nil:
		return m.Nullification.View
	case m.Finalization != nil:
		return m.Finalization.Proposal.View
	}
	return 0
}

// =============================================================================

// Verifier checks votes and certificates against a fixed validator set.
type Verifier struct {
	notarizeNS []byte
	nullifyNS  []byte
	finalizeNS []byte
	validators []signature.BLSPublicKey
	quorum     int
}

// NewVerifier constructs a verifier for the chain namespace and validators.
func NewVerifier(namespace string, validators []signature.BLSPublicKey) Verifier {
	return Verifier{
		notarizeNS: signature.Namespace(namespace, signature.NotarizeSuffix),
		nullifyNS:  signature.Namespace(namespace, signature.NullifySuffix),
		finalizeNS: signature.Namespace(namespace, signature.FinalizeSuffix),
		validators: validators,
		quorum:     ByzantineMajority(len(validators)),
	}
}

// Quorum returns the number of votes needed for a certificate.
func (v Verifier) Quorum() int {
	return v.quorum
}

// Validators returns the number of validators.
func (v Verifier) Validators() int {
	return len(v.validators)
}

func (v Verifier) vote(ns []byte, msg []byte, signer uint32, sig signature.BLSSignature) error {
	if int(signer) >= len(v.validators) {
		return fmt.Errorf("%w: %d", ErrInvalidSigner, signer)
	}
	return v.validators[signer].Verify(ns, msg, sig)
}

func (v Verifier) certificate(ns []byte, msg []byte, signers *bitset.BitSet, sig signature.BLSSignature) error {
	if signers == nil {
		return fmt.Errorf("%w: no signers", ErrInsufficientSigners)
	}

	var keys []signature.BLSPublicKey
	for i, ok := signers.NextSet(0); ok; i, ok = signers.NextSet(i + 1) {
		if int(i) >= len(v.validators) {
			return fmt.Errorf("%w: %d", ErrInvalidSigner, i)
		}
		keys = append(keys, v.validators[i])
	}

	if len(keys) < v.quorum {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSigners, len(keys), v.quorum)
	}

	agg, err := signature.AggregatePublicKeys(keys)
	if err != nil {
		return err
	}

	return agg.Verify(ns, msg, sig)
}

// VerifyNotarize checks a notarize vote.
func (v Verifier) VerifyNotarize(n Notarize) error {
	return v.vote(v.notarizeNS, n.Proposal.Encode(), n.Signer, n.Signature)
}

// VerifyNullify checks a nullify vote.
func (v Verifier) VerifyNullify(n Nullify) error {
	return v.vote(v.nullifyNS, encodeView(n.View), n.Signer, n.Signature)
}

// VerifyFinalize checks a finalize vote.
func (v Verifier) VerifyFinalize(f Finalize) error {
	return v.vote(v.finalizeNS, f.Proposal.Encode(), f.Signer, f.Signature)
}

// VerifyNotarization checks a notarization certificate.
func (v Verifier) VerifyNotarization(c Notarization) error {
	return v.certificate(v.notarizeNS, c.Proposal.Encode(), c.Signers, c.Signature)
}

// VerifyNullification checks a nullification certificate.
func (v Verifier) VerifyNullification(c Nullification) error {
	return v.certificate(v.nullifyNS, encodeView(c.View), c.Signers, c.Signature)
}

// VerifyFinalization checks a finalization certificate.
func (v Verifier) VerifyFinalization(c Finalization) error {
	return v.certificate(v.finalizeNS, c.Proposal.Encode(), c.Signers, c.Signature)
}

// =============================================================================

// signer produces this validator's votes.
type signer struct {
	verifier Verifier
	key      signature.BLSPrivateKey
	index    uint32
}

func (s signer) notarize(p Proposal) (Notarize, error) {
	sig, err := s.key.Sign(s.verifier.notarizeNS, p.Encode())
	if err != nil {
		return Notarize{}, err
	}
	return Notarize{Proposal: p, Signer: s.index, Signature: sig}, nil
}

func (s signer) nullify(view uint64) (Nullify, error) {
	sig, err := s.key.Sign(s.verifier.nullifyNS, encodeView(view))
	if err != nil {
		return Nullify{}, err
	}
	return Nullify{View: view, Signer: s.index, Signature: sig}, nil
}

func (s signer) finalize(p Proposal) (Finalize, error) {
	sig, err := s.key.Sign(s.verifier.finalizeNS, p.Encode())
	if err != nil {
		return Finalize{}, err
	}
	return Finalize{Proposal: p, Signer: s.index, Signature: sig}, nil
}

// aggregate combines the votes into a signer bitmap and one signature.
func aggregate(n int, signers []uint32, sigs []signature.BLSSignature) (*bitset.BitSet, signature.BLSSignature, error) {
	bs := bitset.New(uint(n))
	for _, s := range signers {
		bs.Set(uint(s))
	}

	sig, err := signature.AggregateSignatures(sigs)
	if err != nil {
		return nil, signature.BLSSignature{}, err
	}

	return bs, sig, nil
}
