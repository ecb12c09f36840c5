package aggregation

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// VerifyKind enumerates why a certificate, summary or proof did not verify.
type VerifyKind int

// Set of verification failures.
const (
	DigestMismatch VerifyKind = iota + 1
	RangeMismatch
	SignatureInvalid
	TooLarge
	Malformed
)

// String implements the fmt.Stringer interface.
func (k VerifyKind) String() string {
	switch k {
	case DigestMismatch:
		return "digest mismatch"
	case RangeMismatch:
		return "range mismatch"
	case SignatureInvalid:
		return "signature invalid"
	case TooLarge:
		return "too large"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// VerifyError is returned by every verification in this package.
type VerifyError struct {
	Kind VerifyKind
	Err  error
}

func verifyError(kind VerifyKind, err error) *VerifyError {
	return &VerifyError{Kind: kind, Err: err}
}

// Error implements the error interface.
func (ve *VerifyError) Error() string {
	if ve.Err == nil {
		return ve.Kind.String()
	}
	return fmt.Sprintf("%s: %s", ve.Kind, ve.Err)
}

// Unwrap returns the underlying cause.
func (ve *VerifyError) Unwrap() error {
	return ve.Err
}

// Is matches another VerifyError of the same kind and the sentinel errors
// of the merkle and signature packages that describe the same failure.
func (ve *VerifyError) Is(target error) bool {
	var other *VerifyError
	if errors.As(target, &other) {
		return other.Kind == ve.Kind
	}

	switch ve.Kind {
	case DigestMismatch:
		return target == merkle.ErrDigestMismatch
	case RangeMismatch:
		return target == merkle.ErrRangeMismatch
	case SignatureInvalid:
		return target == signature.ErrInvalidSignature
	case TooLarge:
		return target == merkle.ErrProofTooLarge
	case Malformed:
		return target == merkle.ErrMalformedRange
	}
	return false
}

// classify maps a proof verification failure onto a kind.
func classify(err error) *VerifyError {
	switch {
	case errors.Is(err, merkle.ErrRangeMismatch):
		return verifyError(RangeMismatch, err)
	case errors.Is(err, merkle.ErrProofTooLarge):
		return verifyError(TooLarge, err)
	case errors.Is(err, merkle.ErrDigestMismatch):
		return verifyError(DigestMismatch, err)
	}
	return verifyError(Malformed, err)
}

// =============================================================================

// fixedHeader is the size of every field except the signer bitmap.
const fixedHeader = 8 + 32 + signature.BLSSignatureSize

// FixedCertificate proves a quorum of validators signed the summary of a
// height. The encoding is [height:8][digest:32][bitmap][signature:64] where
// the bitmap has one bit per validator, so its size is fixed for a given
// validator set.
type FixedCertificate struct {
	Height    uint64
	Digest    signature.Digest
	Signers   *bitset.BitSet
	Signature signature.BLSSignature
}

// BitmapSize returns the number of bitmap bytes for the validator count.
func BitmapSize(validators int) int {
	return (validators + 7) / 8
}

// Encode returns the fixed size encoding of the certificate.
func (c FixedCertificate) Encode() []byte {
	var n int
	if c.Signers != nil {
		n = int(c.Signers.Len())
	}
	bitmap := make([]byte, BitmapSize(n))
	for i := 0; i < n; i++ {
		if c.Signers.Test(uint(i)) {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}

	b := make([]byte, 0, fixedHeader+len(bitmap))
	b = binary.BigEndian.AppendUint64(b, c.Height)
	b = append(b, c.Digest[:]...)
	b = append(b, bitmap...)
	return append(b, c.Signature[:]...)
}

// DecodeFixedCertificate decodes the fixed size encoding.
func DecodeFixedCertificate(b []byte) (FixedCertificate, error) {
	if len(b) <= fixedHeader {
		return FixedCertificate{}, verifyError(Malformed, fmt.Errorf("certificate length %d", len(b)))
	}

	bitmapLen := len(b) - fixedHeader

	c := FixedCertificate{
		Height:  binary.BigEndian.Uint64(b),
		Signers: bitset.New(uint(bitmapLen * 8)),
	}
	copy(c.Digest[:], b[8:40])

	bitmap := b[40 : 40+bitmapLen]
	for i := 0; i < bitmapLen*8; i++ {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			c.Signers.Set(uint(i))
		}
	}
	copy(c.Signature[:], b[40+bitmapLen:])

	return c, nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (c FixedCertificate) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(c.Encode())), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (c *FixedCertificate) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}

	v, err := DecodeFixedCertificate(b)
	if err != nil {
		return err
	}

	*c = v
	return nil
}

// =============================================================================

// SummaryNamespace returns the signing domain for summaries of the chain.
func SummaryNamespace(namespace string) []byte {
	return signature.Namespace(namespace, signature.SummarySuffix)
}

// VerifyCertificate checks that a quorum of the validators signed the
// digest of the certificate.
func VerifyCertificate(namespace string, validators []signature.BLSPublicKey, cert FixedCertificate) error {
	if cert.Signers == nil {
		return verifyError(Malformed, errors.New("no signer bitmap"))
	}

	n := len(validators)
	if size := BitmapSize(int(cert.Signers.Len())); size != BitmapSize(n) {
		return verifyError(Malformed, fmt.Errorf("bitmap of %d bytes for %d validators", size, n))
	}

	var keys []signature.BLSPublicKey
	for i, ok := cert.Signers.NextSet(0); ok; i, ok = cert.Signers.NextSet(i + 1) {
		if int(i) >= n {
			return verifyError(Malformed, fmt.Errorf("signer %d of %d validators", i, n))
		}
		keys = append(keys, validators[i])
	}

	if quorum := consensus.ByzantineMajority(n); len(keys) < quorum {
		return verifyError(SignatureInvalid, fmt.Errorf("%d signers, need %d", len(keys), quorum))
	}

	agg, err := signature.AggregatePublicKeys(keys)
	if err != nil {
		return verifyError(Malformed, err)
	}

	if err := agg.Verify(SummaryNamespace(namespace), cert.Digest[:], cert.Signature); err != nil {
		return verifyError(SignatureInvalid, err)
	}

	return nil
}

// VerifySummary checks the certificate is for the summary and is signed by
// a quorum of the validators.
func VerifySummary(namespace string, validators []signature.BLSPublicKey, summary database.Summary, cert FixedCertificate) error {
	if cert.Height != summary.Height {
		return verifyError(DigestMismatch, fmt.Errorf("certificate for height %d, summary at %d", cert.Height, summary.Height))
	}

	if d := summary.Digest(); cert.Digest != d {
		return verifyError(DigestMismatch, fmt.Errorf("certificate for %s, summary is %s", cert.Digest.Hex(), d.Hex()))
	}

	return VerifyCertificate(namespace, validators, cert)
}

// VerifyBundle checks the certificate covers the bundle's summary and that
// both proofs cover exactly the segments the summary recorded.
func VerifyBundle(namespace string, validators []signature.BLSPublicKey, bundle Bundle, cert FixedCertificate) error {
	if err := VerifySummary(namespace, validators, bundle.Summary, cert); err != nil {
		return err
	}

	stateRange, _ := oplog.SummaryRange(bundle.Summary, oplog.LogState)
	if err := oplog.VerifyProof(bundle.Summary, oplog.LogState, stateRange, bundle.StateProof, bundle.StateOps); err != nil {
		return classify(fmt.Errorf("state: %w", err))
	}

	eventsRange, _ := oplog.SummaryRange(bundle.Summary, oplog.LogEvents)
	if err := oplog.VerifyProof(bundle.Summary, oplog.LogEvents, eventsRange, bundle.EventsProof, bundle.EventsOps); err != nil {
		return classify(fmt.Errorf("events: %w", err))
	}

	return nil
}
