package database

import (
	"encoding/binary"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Summary is the result of executing a finalized block. Validators sign
// its digest so clients can check proofs without replaying execution.
type Summary struct {
	Height      uint64 `json:"height"`
	Block       Digest `json:"block"`
	StateRoot   Digest `json:"state_root"`
	StateStart  uint64 `json:"state_start"`
	StateEnd    uint64 `json:"state_end"`
	EventsRoot  Digest `json:"events_root"`
	EventsStart uint64 `json:"events_start"`
	EventsEnd   uint64 `json:"events_end"`
}

// Digest returns the value validators sign.
func (s Summary) Digest() Digest {
	var b [8 * 5]byte
	binary.BigEndian.PutUint64(b[0:], s.Height)
	binary.BigEndian.PutUint64(b[8:], s.StateStart)
	binary.BigEndian.PutUint64(b[16:], s.StateEnd)
	binary.BigEndian.PutUint64(b[24:], s.EventsStart)
	binary.BigEndian.PutUint64(b[32:], s.EventsEnd)

	return signature.Hash(b[:], s.Block[:], s.StateRoot[:], s.EventsRoot[:])
}
