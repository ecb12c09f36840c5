package signature

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/pairing/bn256"
	"go.dedis.ch/kyber/v4/sign/bls"
	"go.dedis.ch/kyber/v4/util/random"
)

// BLSSignatureSize is the size of a marshaled G1 point on bn256.
const BLSSignatureSize = 64

// Validators sign on G1 and publish keys on G2. Signatures over the same
// message are aggregated by point addition.
var suite = bn256.NewSuite()

// ErrEmptyAggregate is returned when aggregating nothing.
var ErrEmptyAggregate = errors.New("nothing to aggregate")

// =============================================================================

// BLSSignature is a fixed size validator signature or an aggregate of many.
type BLSSignature [BLSSignatureSize]byte

// String returns the hex encoding of the signature.
func (sig BLSSignature) String() string {
	return hexutil.Encode(sig[:])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (sig BLSSignature) MarshalText() ([]byte, error) {
	return []byte(sig.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (sig *BLSSignature) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}
	if len(b) != BLSSignatureSize {
		return fmt.Errorf("bls signature length %d, expected %d", len(b), BLSSignatureSize)
	}
	copy(sig[:], b)
	return nil
}

// =============================================================================

// BLSPrivateKey is the validator signing key.
type BLSPrivateKey struct {
	scalar kyber.Scalar
}

// GenerateBLSKey creates a new validator key using the specified readers as
// the source of randomness. No readers uses crypto/rand.
func GenerateBLSKey(readers ...io.Reader) BLSPrivateKey {
	scalar := suite.G2().Scalar().Pick(random.New(readers...))
	return BLSPrivateKey{scalar: scalar}
}

// BLSPrivateKeyFromHex decodes a hex encoded validator key.
func BLSPrivateKeyFromHex(s string) (BLSPrivateKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return BLSPrivateKey{}, fmt.Errorf("decoding bls key: %w", err)
	}

	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(b); err != nil {
		return BLSPrivateKey{}, fmt.Errorf("unmarshal bls key: %w", err)
	}

	return BLSPrivateKey{scalar: scalar}, nil
}

// Hex returns the hex encoding of the private key.
func (k BLSPrivateKey) Hex() string {
	b, err := k.scalar.MarshalBinary()
	if err != nil {
		return ""
	}
	return hexutil.Encode(b)
}

// PublicKey returns the public key for this private key.
func (k BLSPrivateKey) PublicKey() BLSPublicKey {
	return BLSPublicKey{point: suite.G2().Point().Mul(k.scalar, nil)}
}

// Sign signs the namespaced message.
func (k BLSPrivateKey) Sign(namespace []byte, msg []byte) (BLSSignature, error) {
	var sig BLSSignature

	b, err := bls.Sign(suite, k.scalar, union(namespace, msg))
	if err != nil {
		return sig, fmt.Errorf("bls sign: %w", err)
	}
	if len(b) != BLSSignatureSize {
		return sig, fmt.Errorf("bls signature length %d, expected %d", len(b), BLSSignatureSize)
	}
	copy(sig[:], b)

	return sig, nil
}

// =============================================================================

// BLSPublicKey is a validator public key or an aggregate of many.
type BLSPublicKey struct {
	point kyber.Point
}

// BLSPublicKeyFromBytes decodes a marshaled G2 point.
func BLSPublicKeyFromBytes(b []byte) (BLSPublicKey, error) {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(b); err != nil {
		return BLSPublicKey{}, fmt.Errorf("unmarshal bls public key: %w", err)
	}
	return BLSPublicKey{point: point}, nil
}

// BLSPublicKeyFromHex decodes a hex encoded public key.
func BLSPublicKeyFromHex(s string) (BLSPublicKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return BLSPublicKey{}, fmt.Errorf("decoding bls public key: %w", err)
	}
	return BLSPublicKeyFromBytes(b)
}

// Bytes returns the marshaled form of the public key.
func (pk BLSPublicKey) Bytes() []byte {
	if pk.point == nil {
		return nil
	}
	b, err := pk.point.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// String returns the hex encoding of the public key.
func (pk BLSPublicKey) String() string {
	return hexutil.Encode(pk.Bytes())
}

// Equal reports whether both keys are the same point.
func (pk BLSPublicKey) Equal(other BLSPublicKey) bool {
	if pk.point == nil || other.point == nil {
		return pk.point == other.point
	}
	return pk.point.Equal(other.point)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (pk BLSPublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (pk *BLSPublicKey) UnmarshalText(text []byte) error {
	v, err := BLSPublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

// Verify checks the signature for the namespaced message.
func (pk BLSPublicKey) Verify(namespace []byte, msg []byte, sig BLSSignature) error {
	if pk.point == nil {
		return ErrInvalidSignature
	}
	if err := bls.Verify(suite, pk.point, union(namespace, msg), sig[:]); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	return nil
}

// =============================================================================

// AggregateSignatures sums the signatures into a single signature that
// verifies against the aggregate of the signers' public keys.
func AggregateSignatures(sigs []BLSSignature) (BLSSignature, error) {
	var out BLSSignature
	if len(sigs) == 0 {
		return out, ErrEmptyAggregate
	}

	agg := suite.G1().Point().Null()
	for i, sig := range sigs {
		p := suite.G1().Point()
		if err := p.UnmarshalBinary(sig[:]); err != nil {
			return out, fmt.Errorf("signature[%d]: %w", i, err)
		}
		agg = agg.Add(agg, p)
	}

	b, err := agg.MarshalBinary()
	if err != nil {
		return out, err
	}
	if len(b) != BLSSignatureSize {
		return out, fmt.Errorf("aggregate length %d, expected %d", len(b), BLSSignatureSize)
	}
	copy(out[:], b)

	return out, nil
}

// AggregatePublicKeys sums the public keys. The validator set is fixed by
// genesis so rogue key attacks are not a concern.
func AggregatePublicKeys(keys []BLSPublicKey) (BLSPublicKey, error) {
	if len(keys) == 0 {
		return BLSPublicKey{}, ErrEmptyAggregate
	}

	agg := suite.G2().Point().Null()
	for i, k := range keys {
		if k.point == nil {
			return BLSPublicKey{}, fmt.Errorf("public key[%d] is empty", i)
		}
		agg = agg.Add(agg, k.point)
	}

	return BLSPublicKey{point: agg}, nil
}
