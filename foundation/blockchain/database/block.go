package database

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/rlp"
)

// Set of errors for blocks that are structurally invalid.
var (
	ErrParentMismatch       = errors.New("parent digest does not match")
	ErrHeightMismatch       = errors.New("height is not parent height + 1")
	ErrViewNotIncreasing    = errors.New("view is not greater than parent view")
	ErrProposerMismatch     = errors.New("proposer is not the view leader")
	ErrTooManyTransactions  = errors.New("too many transactions")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// Block represents a group of transactions batched together. Consensus
// agrees on the block digest, the body travels out of band.
type Block struct {
	Parent       Digest
	Height       uint64
	View         uint64
	Proposer     uint32
	Transactions []Transaction
}

// Genesis returns the anchor block for the chain namespace.
func Genesis(namespace string) Block {
	return Block{
		Parent: signature.Hash([]byte(namespace)),
	}
}

// Digest commits to every field of the block including the full encoding
// of each transaction.
func (b Block) Digest() Digest {
	var hdr [8 + 8 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:], b.Height)
	binary.BigEndian.PutUint64(hdr[8:], b.View)
	binary.BigEndian.PutUint32(hdr[16:], b.Proposer)

	parts := make([][]byte, 0, 2+len(b.Transactions))
	parts = append(parts, b.Parent[:], hdr[:])
	for _, tx := range b.Transactions {
		d := signature.Hash(tx.Encode())
		parts = append(parts, d[:])
	}

	return signature.Hash(parts...)
}

// String implements the fmt.Stringer interface for logging.
func (b Block) String() string {
	return fmt.Sprintf("height[%d] view[%d] txs[%d] digest[%s]", b.Height, b.View, len(b.Transactions), b.Digest().Hex()[:10])
}

// =============================================================================

// blockRLP is the wire form of a block.
type blockRLP struct {
	Parent       Digest
	Height       uint64
	View         uint64
	Proposer     uint32
	Transactions [][]byte
}

// Encode returns the RLP encoding of the block.
func (b Block) Encode() ([]byte, error) {
	br := blockRLP{
		Parent:       b.Parent,
		Height:       b.Height,
		View:         b.View,
		Proposer:     b.Proposer,
		Transactions: make([][]byte, len(b.Transactions)),
	}
	for i, tx := range b.Transactions {
		br.Transactions[i] = tx.Encode()
	}

	return rlp.EncodeToBytes(br)
}

// DecodeBlock decodes the RLP encoding of a block. Blocks carrying more
// transactions than any validator would propose are rejected.
func DecodeBlock(data []byte) (Block, error) {
	var br blockRLP
	if err := rlp.DecodeBytes(data, &br); err != nil {
		return Block{}, fmt.Errorf("decoding block: %w", err)
	}

	if len(br.Transactions) > MaxBlockTransactions {
		return Block{}, ErrTooManyTransactions
	}

	b := Block{
		Parent:       br.Parent,
		Height:       br.Height,
		View:         br.View,
		Proposer:     br.Proposer,
		Transactions: make([]Transaction, len(br.Transactions)),
	}
	for i, raw := range br.Transactions {
		tx, err := DecodeTransaction(raw)
		if err != nil {
			return Block{}, fmt.Errorf("transaction[%d]: %w", i, err)
		}
		b.Transactions[i] = tx
	}

	return b, nil
}

// =============================================================================

// ValidateBlock performs the structural checks for a block built on the
// parent. It does not evaluate whether the transactions will succeed when
// executed. Those failures are reported as events, never as a bad block.
func ValidateBlock(namespace string, parent Block, b Block, leader uint32) error {
	if b.Parent != parent.Digest() {
		return fmt.Errorf("%w: got %s, exp %s", ErrParentMismatch, b.Parent.Hex(), parent.Digest().Hex())
	}

	if b.Height != parent.Height+1 {
		return fmt.Errorf("%w: got %d, exp %d", ErrHeightMismatch, b.Height, parent.Height+1)
	}

	if b.View <= parent.View && parent.Height != 0 {
		return fmt.Errorf("%w: got %d, parent %d", ErrViewNotIncreasing, b.View, parent.View)
	}

	if b.Proposer != leader {
		return fmt.Errorf("%w: got %d, exp %d", ErrProposerMismatch, b.Proposer, leader)
	}

	if len(b.Transactions) > MaxBlockTransactions {
		return fmt.Errorf("%w: %d", ErrTooManyTransactions, len(b.Transactions))
	}

	seen := make(map[Digest]struct{}, len(b.Transactions))
	for i, tx := range b.Transactions {
		d := tx.Digest()
		if _, exists := seen[d]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx)
		}
		seen[d] = struct{}{}

		if err := tx.Verify(namespace); err != nil {
			return fmt.Errorf("transaction[%d] %s: %w", i, tx, err)
		}
	}

	return nil
}
