package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Kind identifies the type of an operation.
type Kind uint8

// Set of operation kinds. Update and Delete are keyed, Append is keyless,
// and Commit closes the segment written for one block.
const (
	KindUpdate Kind = iota
	KindDelete
	KindAppend
	KindCommit
)

// String implements the fmt.Stringer interface for logging.
func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindAppend:
		return "append"
	case KindCommit:
		return "commit"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ErrMalformedOperation is returned when an operation cannot be decoded.
var ErrMalformedOperation = errors.New("malformed operation")

// Operation is one immutable entry in a log.
type Operation struct {
	Kind   Kind             `json:"kind"`
	Key    signature.Digest `json:"key,omitempty"`
	Value  []byte           `json:"value,omitempty"`
	Height uint64           `json:"height,omitempty"`
}

// Encode returns the bytes committed to by the proof engine.
func (op Operation) Encode() []byte {
	b := []byte{byte(op.Kind)}

	switch op.Kind {
	case KindUpdate:
		b = append(b, op.Key[:]...)
		b = append(b, op.Value...)
	case KindDelete:
		b = append(b, op.Key[:]...)
	case KindAppend:
		b = append(b, op.Value...)
	case KindCommit:
		b = binary.BigEndian.AppendUint64(b, op.Height)
	}

	return b
}

// DecodeOperation decodes an operation read from a log or a proof.
func DecodeOperation(b []byte) (Operation, error) {
	if len(b) == 0 {
		return Operation{}, ErrMalformedOperation
	}

	op := Operation{Kind: Kind(b[0])}
	body := b[1:]

	switch op.Kind {
	case KindUpdate:
		if len(body) < len(op.Key) {
			return Operation{}, ErrMalformedOperation
		}
		copy(op.Key[:], body)
		op.Value = append([]byte(nil), body[len(op.Key):]...)

	case KindDelete:
		if len(body) != len(op.Key) {
			return Operation{}, ErrMalformedOperation
		}
		copy(op.Key[:], body)

	case KindAppend:
		op.Value = append([]byte(nil), body...)

	case KindCommit:
		if len(body) != 8 {
			return Operation{}, ErrMalformedOperation
		}
		op.Height = binary.BigEndian.Uint64(body)

	default:
		return Operation{}, fmt.Errorf("%w: %s", ErrMalformedOperation, op.Kind)
	}

	return op, nil
}
