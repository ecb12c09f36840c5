package oplog

import (
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// MaxOps returns the maximum number of operations a proof over the log
// may cover.
func MaxOps(log Log) uint64 {
	if log == LogState {
		return database.MaxStateProofOps
	}
	return database.MaxEventsProofOps
}

// SummaryRange returns the segment and root the summary recorded for the log.
func SummaryRange(s database.Summary, log Log) (merkle.Range, signature.Digest) {
	if log == LogState {
		return merkle.Range{Start: merkle.Location(s.StateStart), End: merkle.Location(s.StateEnd)}, s.StateRoot
	}
	return merkle.Range{Start: merkle.Location(s.EventsStart), End: merkle.Location(s.EventsEnd)}, s.EventsRoot
}

// =============================================================================

// CreateProof builds a proof for the contiguous range [start, end) against
// the log as it stood when end operations had been written. This is the
// root recorded by the summary of the block that wrote operation end-1.
func (s *Store) CreateProof(log Log, start uint64, end uint64) (merkle.Proof, [][]byte, error) {
	return s.CreateProofAt(log, end, merkle.Range{Start: merkle.Location(start), End: merkle.Location(end)})
}

// CreateMultiProof builds a single proof for several ranges against the
// current root of the log.
func (s *Store) CreateMultiProof(log Log, ranges ...merkle.Range) (merkle.Proof, [][]byte, error) {
	return s.CreateProofAt(log, s.Size(log), ranges...)
}

// CreateProofAt builds a proof for the ranges against the log as it stood
// with the specified number of operations.
func (s *Store) CreateProofAt(log Log, leaves uint64, ranges ...merkle.Range) (merkle.Proof, [][]byte, error) {
	if log != LogState && log != LogEvents {
		return merkle.Proof{}, nil, ErrUnknownLog
	}

	if leaves > s.Size(log) {
		return merkle.Proof{}, nil, fmt.Errorf("%w: %d operations, log has %d", merkle.ErrMalformedRange, leaves, s.Size(log))
	}

	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	if max := MaxOps(log); total > max {
		return merkle.Proof{}, nil, fmt.Errorf("%w: %d operations, max %d", ErrTooManyOperations, total, max)
	}

	proof, err := merkle.RangeProof(nodeReader{db: s.db, log: log}, leaves, ranges...)
	if err != nil {
		return merkle.Proof{}, nil, err
	}

	ops := make([][]byte, 0, total)
	for _, r := range ranges {
		for loc := r.Start; loc < r.End; loc++ {
			op, err := s.Operation(log, loc)
			if err != nil {
				return merkle.Proof{}, nil, fmt.Errorf("operation %s %d: %w", log, loc, err)
			}
			ops = append(ops, op)
		}
	}

	return proof, ops, nil
}

// =============================================================================

// Lookup is the latest value for a key and the proof that the update which
// wrote it is in the state log.
type Lookup struct {
	Key       signature.Digest `json:"key"`
	Value     []byte           `json:"value"`
	Location  merkle.Location  `json:"location"`
	Operation []byte           `json:"operation"`
	Root      signature.Digest `json:"root"`
	Proof     merkle.Proof     `json:"proof"`
}

// Lookup returns the current value of the key with a proof against the
// current state root.
func (s *Store) Lookup(key signature.Digest) (Lookup, error) {

	// Hold the read lock so the root and the proof describe the same size.
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, value, err := s.index(key)
	if err != nil {
		return Lookup{}, err
	}

	leaves := s.mmrs[LogState].Leaves()
	proof, err := merkle.RangeProof(nodeReader{db: s.db, log: LogState}, leaves, merkle.Range{Start: loc, End: loc + 1})
	if err != nil {
		return Lookup{}, err
	}

	op, err := s.Operation(LogState, loc)
	if err != nil {
		return Lookup{}, err
	}

	lk := Lookup{
		Key:       key,
		Value:     value,
		Location:  loc,
		Operation: op,
		Root:      s.mmrs[LogState].Root(),
		Proof:     proof,
	}

	return lk, nil
}

// VerifyLookup checks the lookup proves an update of the key to the value
// against the state root.
func VerifyLookup(lk Lookup, root signature.Digest) error {
	op, err := DecodeOperation(lk.Operation)
	if err != nil {
		return err
	}
	if op.Kind != KindUpdate || op.Key != lk.Key || string(op.Value) != string(lk.Value) {
		return fmt.Errorf("%w: operation does not update the key", merkle.ErrDigestMismatch)
	}

	r := merkle.Range{Start: lk.Location, End: lk.Location + 1}
	return merkle.VerifyRangeProof(lk.Proof, []merkle.Range{r}, [][]byte{lk.Operation}, root, database.MaxLookupProofNodes)
}

// VerifyProof checks a proof for the segment the summary recorded for the
// log. The claimed range must equal the recorded range, the proof must be
// sized for the recorded end, and the number of operations must equal the
// range length. These are checked before the root is recomputed so a
// malformed range can never pass on hash equality alone.
func VerifyProof(s database.Summary, log Log, claimed merkle.Range, proof merkle.Proof, ops [][]byte) error {
	recorded, root := SummaryRange(s, log)

	if claimed != recorded {
		return fmt.Errorf("%w: claimed %s, summary records %s", merkle.ErrRangeMismatch, claimed, recorded)
	}

	if max := MaxOps(log); recorded.Len() > max {
		return fmt.Errorf("%w: %d operations, max %d", merkle.ErrProofTooLarge, recorded.Len(), max)
	}

	if proof.Leaves != uint64(recorded.End) {
		return fmt.Errorf("%w: proof for %d operations, summary ends at %d", merkle.ErrRangeMismatch, proof.Leaves, recorded.End)
	}

	if uint64(len(ops)) != recorded.Len() {
		return fmt.Errorf("%w: %d operations for range %s", merkle.ErrRangeMismatch, len(ops), recorded)
	}

	return merkle.VerifyRangeProof(proof, []merkle.Range{recorded}, ops, root, database.MaxLookupProofNodes)
}
