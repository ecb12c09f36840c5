// Package signature provides helper functions for handling the blockchain
// signature needs.
package signature

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hdevalence/ed25519consensus"
)

// Digest is the fixed size hash used to identify every value on the chain.
type Digest = common.Hash

// ZeroHash represents a hash code of zeros.
var ZeroHash Digest

// Signing domains. Each is joined with the chain namespace so a signature
// produced for one purpose can never be replayed for another.
const (
	TransactionSuffix = "_TRANSACTION"
	NotarizeSuffix    = "_NOTARIZE"
	NullifySuffix     = "_NULLIFY"
	FinalizeSuffix    = "_FINALIZE"
	SummarySuffix     = "_SUMMARY"
)

// Sizes of the ed25519 values carried on the wire.
const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// =============================================================================

// Hash returns the Keccak256 digest of the concatenated parts.
func Hash(parts ...[]byte) Digest {
	return crypto.Keccak256Hash(parts...)
}

// Namespace joins the chain namespace with a signing domain suffix.
func Namespace(chain string, suffix string) []byte {
	return []byte(chain + suffix)
}

// union prefixes the message with the length of the namespace so that
// two different (namespace, message) pairs never produce the same bytes.
func union(namespace []byte, msg []byte) []byte {
	b := make([]byte, 0, 2+len(namespace)+len(msg))
	b = binary.BigEndian.AppendUint16(b, uint16(len(namespace)))
	b = append(b, namespace...)
	return append(b, msg...)
}

// =============================================================================

// PublicKey is an ed25519 public key used to sign transactions.
type PublicKey [PublicKeySize]byte

// PublicKeyFromBytes copies the specified bytes into a public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key length %d, expected %d", len(b), PublicKeySize)
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromHex decodes a 0x prefixed hex public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decoding public key: %w", err)
	}
	return PublicKeyFromBytes(b)
}

// String returns the hex encoding of the public key.
func (pk PublicKey) String() string {
	return hexutil.Encode(pk[:])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	v, err := PublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

// Signature is an ed25519 signature over a namespaced message.
type Signature [SignatureSize]byte

// String returns the hex encoding of the signature.
func (sig Signature) String() string {
	return hexutil.Encode(sig[:])
}

// =============================================================================

// GenerateKey creates a new ed25519 key pair from the specified source of
// randomness. A nil reader uses crypto/rand.
func GenerateKey(rand io.Reader) (ed25519.PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, PublicKey{}, err
	}

	var pk PublicKey
	copy(pk[:], pub)

	return priv, pk, nil
}

// PublicKeyOf returns the public key for the private key.
func PublicKeyOf(priv ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return pk
}

// Sign uses the specified private key to sign the namespaced message.
func Sign(priv ed25519.PrivateKey, namespace []byte, msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, union(namespace, msg)))
	return sig
}

// Verify checks the signature using the ZIP-215 validation rules so every
// validator reaches the same answer for edge case encodings.
func Verify(pk PublicKey, namespace []byte, msg []byte, sig Signature) bool {
	return ed25519consensus.Verify(ed25519.PublicKey(pk[:]), union(namespace, msg), sig[:])
}
