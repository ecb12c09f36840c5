package oplog_test

import (
	"fmt"
	"testing"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) *oplog.Store {
	t.Helper()

	cfg := oplog.Config{
		Path:      path,
		InMemory:  path == "",
		EvHandler: func(v string, args ...any) { t.Logf(v, args...) },
	}

	s, err := oplog.Open(cfg)
	require.NoError(t, err)
	return s
}

func key(s string) signature.Digest {
	return signature.Hash([]byte(s))
}

func events(n int, tag string) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%d", tag, i))
	}
	return out
}

func summaryOf(res oplog.Result) database.Summary {
	return database.Summary{
		Height:      res.Height,
		Block:       signature.Hash([]byte(fmt.Sprintf("block-%d", res.Height))),
		StateRoot:   res.StateRoot,
		StateStart:  res.StateStart,
		StateEnd:    res.StateEnd,
		EventsRoot:  res.EventsRoot,
		EventsStart: res.EventsStart,
		EventsEnd:   res.EventsEnd,
	}
}

// =============================================================================

func TestApplyGetLookup(t *testing.T) {
	s := open(t, "")
	defer s.Close()

	res, err := s.Apply(oplog.Batch{
		Height: 1,
		Changes: []oplog.Change{
			{Key: key("alice"), Value: []byte("100")},
			{Key: key("bob"), Value: []byte("5")},
		},
		Events: events(2, "h1"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.StateStart)
	require.Equal(t, uint64(3), res.StateEnd)
	require.Equal(t, uint64(0), res.EventsStart)
	require.Equal(t, uint64(3), res.EventsEnd)
	require.Equal(t, s.Root(oplog.LogState), res.StateRoot)

	_, err = s.Apply(oplog.Batch{
		Height: 2,
		Changes: []oplog.Change{
			{Key: key("alice"), Value: []byte("90")},
			{Key: key("bob"), Delete: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.CommittedHeight())

	v, err := s.Get(key("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("90"), v)

	_, err = s.Get(key("bob"))
	require.ErrorIs(t, err, oplog.ErrNotFound)

	lk, err := s.Lookup(key("alice"))
	require.NoError(t, err)
	require.Equal(t, merkle.Location(3), lk.Location)
	require.NoError(t, oplog.VerifyLookup(lk, s.Root(oplog.LogState)))

	t.Run("forged value", func(t *testing.T) {
		bad := lk
		bad.Value = []byte("1000000")
		require.Error(t, oplog.VerifyLookup(bad, s.Root(oplog.LogState)))
	})

	t.Run("stale root", func(t *testing.T) {
		err := oplog.VerifyLookup(lk, res.StateRoot)
		require.ErrorIs(t, err, merkle.ErrDigestMismatch)
	})
}

func TestHeightMustIncrease(t *testing.T) {
	s := open(t, "")
	defer s.Close()

	_, err := s.Apply(oplog.Batch{Height: 5})
	require.NoError(t, err)

	for _, h := range []uint64{0, 5, 4} {
		_, err := s.Apply(oplog.Batch{Height: h})
		require.ErrorIs(t, err, oplog.ErrHeightNotIncreasing)
	}

	require.Equal(t, uint64(5), s.CommittedHeight())
	require.Equal(t, uint64(1), s.Size(oplog.LogState))
}

func TestProofAgainstSummary(t *testing.T) {
	s := open(t, "")
	defer s.Close()

	// Events [0,100) at height 1, [100,105) at height 2, [105,111) at height 3.
	_, err := s.Apply(oplog.Batch{Height: 1, Events: events(99, "h1")})
	require.NoError(t, err)

	res2, err := s.Apply(oplog.Batch{Height: 2, Events: events(4, "h2")})
	require.NoError(t, err)
	require.Equal(t, uint64(100), res2.EventsStart)
	require.Equal(t, uint64(105), res2.EventsEnd)

	_, err = s.Apply(oplog.Batch{Height: 3, Events: events(5, "h3")})
	require.NoError(t, err)

	sum := summaryOf(res2)
	recorded := merkle.Range{Start: 100, End: 105}

	proof, ops, err := s.CreateProof(oplog.LogEvents, 100, 105)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	require.NoError(t, oplog.VerifyProof(sum, oplog.LogEvents, recorded, proof, ops))

	last, err := oplog.DecodeOperation(ops[4])
	require.NoError(t, err)
	require.Equal(t, oplog.KindCommit, last.Kind)
	require.Equal(t, uint64(2), last.Height)

	t.Run("extended range", func(t *testing.T) {
		longer, longerOps, err := s.CreateProofAt(oplog.LogEvents, 106, merkle.Range{Start: 100, End: 106})
		require.NoError(t, err)

		err = oplog.VerifyProof(sum, oplog.LogEvents, merkle.Range{Start: 100, End: 106}, longer, longerOps)
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)

		err = oplog.VerifyProof(sum, oplog.LogEvents, recorded, longer, longerOps)
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)
	})

	t.Run("dropped operation", func(t *testing.T) {
		err := oplog.VerifyProof(sum, oplog.LogEvents, recorded, proof, ops[:4])
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)
	})

	t.Run("forged operation", func(t *testing.T) {
		forged := append([][]byte(nil), ops...)
		forged[1] = oplog.Operation{Kind: oplog.KindAppend, Value: []byte("jackpot")}.Encode()

		err := oplog.VerifyProof(sum, oplog.LogEvents, recorded, proof, forged)
		require.ErrorIs(t, err, merkle.ErrDigestMismatch)
	})

	t.Run("wrong log", func(t *testing.T) {
		err := oplog.VerifyProof(sum, oplog.LogState, recorded, proof, ops)
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)
	})
}

func TestMultiProof(t *testing.T) {
	s := open(t, "")
	defer s.Close()

	for h := uint64(1); h <= 4; h++ {
		_, err := s.Apply(oplog.Batch{Height: h, Events: events(3, fmt.Sprintf("h%d", h))})
		require.NoError(t, err)
	}

	ranges := []merkle.Range{{Start: 0, End: 2}, {Start: 9, End: 12}}
	proof, ops, err := s.CreateMultiProof(oplog.LogEvents, ranges...)
	require.NoError(t, err)
	require.Len(t, ops, 5)

	err = merkle.VerifyRangeProof(proof, ranges, ops, s.Root(oplog.LogEvents), database.MaxLookupProofNodes)
	require.NoError(t, err)
}

func TestProofLimits(t *testing.T) {
	s := open(t, "")
	defer s.Close()

	_, err := s.Apply(oplog.Batch{Height: 1, Events: events(database.MaxEventsProofOps+1, "h1")})
	require.NoError(t, err)

	_, _, err = s.CreateProof(oplog.LogEvents, 0, database.MaxEventsProofOps+1)
	require.ErrorIs(t, err, oplog.ErrTooManyOperations)

	_, _, err = s.CreateProof(oplog.LogEvents, 0, database.MaxEventsProofOps)
	require.NoError(t, err)

	_, _, err = s.CreateProofAt(oplog.LogEvents, s.Size(oplog.LogEvents)+1, merkle.Range{Start: 0, End: 1})
	require.ErrorIs(t, err, merkle.ErrMalformedRange)
}

func TestReopen(t *testing.T) {
	path := t.TempDir()

	s := open(t, path)
	res, err := s.Apply(oplog.Batch{
		Height:  7,
		Block:   signature.Hash([]byte("block-7")),
		Changes: []oplog.Change{{Key: key("carol"), Value: []byte("42")}},
		Events:  events(4, "h7"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, path)
	defer s.Close()

	require.Equal(t, uint64(7), s.CommittedHeight())
	require.Equal(t, res.StateRoot, s.Root(oplog.LogState))
	require.Equal(t, res.EventsRoot, s.Root(oplog.LogEvents))

	v, err := s.Get(key("carol"))
	require.NoError(t, err)
	require.Equal(t, []byte("42"), v)

	stored, err := s.Result(7)
	require.NoError(t, err)
	require.Equal(t, res, stored)
	require.Equal(t, summaryOf(res), stored.Summary())

	_, err = s.Result(6)
	require.ErrorIs(t, err, oplog.ErrNotFound)

	res2, err := s.Apply(oplog.Batch{Height: 8, Events: events(1, "h8")})
	require.NoError(t, err)
	require.Equal(t, res.EventsEnd, res2.EventsStart)

	proof, ops, err := s.CreateProof(oplog.LogEvents, res.EventsStart, res.EventsEnd)
	require.NoError(t, err)
	require.NoError(t, oplog.VerifyProof(summaryOf(res), oplog.LogEvents, merkle.Range{Start: 0, End: 5}, proof, ops))
}
