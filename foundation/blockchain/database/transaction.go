package database

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Transaction is a signed request from an account to apply an instruction.
type Transaction struct {
	Nonce       uint64
	Instruction Instruction
	PublicKey   signature.PublicKey
	Signature   signature.Signature
}

// NewTransaction constructs and signs a transaction for the chain namespace.
func NewTransaction(priv ed25519.PrivateKey, namespace string, nonce uint64, ins Instruction) (Transaction, error) {
	if err := ValidateInstruction(ins); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		Nonce:       nonce,
		Instruction: ins,
		PublicKey:   signature.PublicKeyOf(priv),
	}
	tx.Signature = signature.Sign(priv, signature.Namespace(namespace, signature.TransactionSuffix), tx.payload())

	return tx, nil
}

// payload is the signed portion of the transaction: nonce followed by the
// encoded instruction.
func (tx Transaction) payload() []byte {
	b := binary.BigEndian.AppendUint64(nil, tx.Nonce)
	return append(b, EncodeInstruction(tx.Instruction)...)
}

// Digest identifies the transaction. The signature is excluded so the same
// request retransmitted with an equivalent signature has the same identity.
func (tx Transaction) Digest() Digest {
	return signature.Hash(tx.payload(), tx.PublicKey[:])
}

// Verify checks the signature against the chain namespace.
func (tx Transaction) Verify(namespace string) error {
	if !signature.Verify(tx.PublicKey, signature.Namespace(namespace, signature.TransactionSuffix), tx.payload(), tx.Signature) {
		return signature.ErrInvalidSignature
	}
	return nil
}

// Encode returns [nonce:8][instruction][public_key:32][signature:64].
func (tx Transaction) Encode() []byte {
	b := tx.payload()
	b = append(b, tx.PublicKey[:]...)
	return append(b, tx.Signature[:]...)
}

// Hex returns the hex form of the encoded transaction.
func (tx Transaction) Hex() string {
	return hexutil.Encode(tx.Encode())
}

// String implements the fmt.Stringer interface for logging.
func (tx Transaction) String() string {
	return fmt.Sprintf("%s:%d", tx.PublicKey.String()[:10], tx.Nonce)
}

// DecodeTransaction decodes the wire form of a transaction. Malformed
// lengths, tags, or strings are returned as errors.
func DecodeTransaction(b []byte) (Transaction, error) {
	r := reader{b: b}

	var tx Transaction
	var err error

	if tx.Nonce, err = r.u64(); err != nil {
		return Transaction{}, fmt.Errorf("nonce: %w", err)
	}
	if tx.Instruction, err = readInstruction(&r); err != nil {
		return Transaction{}, fmt.Errorf("instruction: %w", err)
	}
	if err := r.fixed(tx.PublicKey[:]); err != nil {
		return Transaction{}, fmt.Errorf("public key: %w", err)
	}
	if err := r.fixed(tx.Signature[:]); err != nil {
		return Transaction{}, fmt.Errorf("signature: %w", err)
	}
	if err := r.done(); err != nil {
		return Transaction{}, err
	}

	return tx, nil
}

// DecodeTransactionHex decodes a hex encoded transaction.
func DecodeTransactionHex(s string) (Transaction, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Transaction{}, fmt.Errorf("decoding hex: %w", err)
	}
	return DecodeTransaction(b)
}
