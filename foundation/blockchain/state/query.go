package state

import (
	"errors"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// ErrNotFound is returned when the account or height does not exist.
var ErrNotFound = errors.New("not found")

// Segment is the range of a log a block wrote, with its operations and the
// proof against the root recorded in the block's summary.
type Segment struct {
	Summary    database.Summary `json:"summary"`
	Range      merkle.Range     `json:"range"`
	Proof      merkle.Proof     `json:"proof"`
	Operations [][]byte         `json:"operations"`
}

// =============================================================================

// QueryAccount returns the account as of the last executed block with the
// proof of its latest update against the current state root.
func (s *State) QueryAccount(pk signature.PublicKey) (database.Account, oplog.Lookup, error) {
	lk, err := s.store.Lookup(database.AccountKey(pk))
	if err != nil {
		if errors.Is(err, oplog.ErrNotFound) {
			return database.Account{}, oplog.Lookup{}, ErrNotFound
		}
		return database.Account{}, oplog.Lookup{}, err
	}

	acct, err := database.DecodeAccount(lk.Value)
	if err != nil {
		return database.Account{}, oplog.Lookup{}, err
	}

	return acct, lk, nil
}

// QuerySegment returns what the block at the height wrote to the log.
func (s *State) QuerySegment(height uint64, log oplog.Log) (Segment, error) {
	res, err := s.store.Result(height)
	if err != nil {
		if errors.Is(err, oplog.ErrNotFound) {
			return Segment{}, ErrNotFound
		}
		return Segment{}, err
	}

	summary := res.Summary()
	r, _ := oplog.SummaryRange(summary, log)

	proof, ops, err := s.store.CreateProof(log, uint64(r.Start), uint64(r.End))
	if err != nil {
		return Segment{}, err
	}

	seg := Segment{
		Summary:    summary,
		Range:      r,
		Proof:      proof,
		Operations: ops,
	}

	return seg, nil
}

// QueryExecutedHeight returns the height of the last executed block.
func (s *State) QueryExecutedHeight() uint64 {
	return s.store.CommittedHeight()
}

// QueryMempoolLength returns the current length of the mempool.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// QueryMempool returns a copy of the pending transactions.
func (s *State) QueryMempool() []database.Transaction {
	return s.mempool.Copy()
}

// Namespace returns the chain namespace transactions are signed for.
func (s *State) Namespace() string {
	return s.genesis.Namespace
}
