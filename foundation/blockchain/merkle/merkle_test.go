package merkle_test

import (
	"fmt"
	"testing"

	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, n int) (*merkle.MMR, merkle.MemStore, [][]byte) {
	t.Helper()

	m := merkle.New()
	store := merkle.MemStore{}
	var elements [][]byte

	for i := 0; i < n; i++ {
		e := []byte(fmt.Sprintf("op-%d", i))
		loc, nodes := m.Append(e)
		require.Equal(t, merkle.Location(i), loc)
		for _, nd := range nodes {
			store[nd.Position] = nd.Digest
		}
		elements = append(elements, e)
	}

	require.Equal(t, int(merkle.NodeCount(uint64(n))), len(store))
	return m, store, elements
}

func slice(elements [][]byte, ranges ...merkle.Range) [][]byte {
	var out [][]byte
	for _, r := range ranges {
		out = append(out, elements[r.Start:r.End]...)
	}
	return out
}

func TestSingleLeafProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8, 11, 64} {
		m, store, elements := build(t, n)
		root := m.Root()

		for i := 0; i < n; i++ {
			r := merkle.Range{Start: merkle.Location(i), End: merkle.Location(i + 1)}

			proof, err := merkle.RangeProof(store, uint64(n), r)
			require.NoError(t, err)

			err = merkle.VerifyRangeProof(proof, []merkle.Range{r}, slice(elements, r), root, 0)
			require.NoError(t, err, "n=%d leaf=%d", n, i)
		}
	}
}

func TestRestore(t *testing.T) {
	m, store, _ := build(t, 13)

	restored, err := merkle.Restore(13, store)
	require.NoError(t, err)
	require.Equal(t, m.Root(), restored.Root())

	_, nodes1 := m.Append([]byte("next"))
	_, nodes2 := restored.Append([]byte("next"))
	require.Equal(t, nodes1, nodes2)
	require.Equal(t, m.Root(), restored.Root())
}

func TestHistoricalProof(t *testing.T) {
	m, store, elements := build(t, 10)
	oldRoot := m.Root()

	for i := 10; i < 30; i++ {
		_, nodes := m.Append([]byte(fmt.Sprintf("op-%d", i)))
		for _, nd := range nodes {
			store[nd.Position] = nd.Digest
		}
	}

	r := merkle.Range{Start: 4, End: 10}
	proof, err := merkle.RangeProof(store, 10, r)
	require.NoError(t, err)
	require.NoError(t, merkle.VerifyRangeProof(proof, []merkle.Range{r}, slice(elements, r), oldRoot, 0))

	err = merkle.VerifyRangeProof(proof, []merkle.Range{r}, slice(elements, r), m.Root(), 0)
	require.ErrorIs(t, err, merkle.ErrDigestMismatch)
}

func TestMultiRangeProof(t *testing.T) {
	m, store, elements := build(t, 200)

	ranges := []merkle.Range{{Start: 3, End: 9}, {Start: 100, End: 105}, {Start: 190, End: 200}}

	proof, err := merkle.RangeProof(store, 200, ranges...)
	require.NoError(t, err)
	require.NoError(t, merkle.VerifyRangeProof(proof, ranges, slice(elements, ranges...), m.Root(), 0))
}

func TestProofMutations(t *testing.T) {
	m, store, elements := build(t, 120)
	root := m.Root()

	r := merkle.Range{Start: 100, End: 105}
	proof, err := merkle.RangeProof(store, 120, r)
	require.NoError(t, err)
	require.NotEmpty(t, proof.Digests)

	t.Run("sibling", func(t *testing.T) {
		for i := range proof.Digests {
			bad := merkle.Proof{Leaves: proof.Leaves, Digests: append([]merkle.Digest(nil), proof.Digests...)}
			bad.Digests[i][0] ^= 0x01

			err := merkle.VerifyRangeProof(bad, []merkle.Range{r}, slice(elements, r), root, 0)
			require.ErrorIs(t, err, merkle.ErrDigestMismatch)
		}
	})

	t.Run("leaves", func(t *testing.T) {
		bad := proof
		bad.Leaves = 121
		require.Error(t, merkle.VerifyRangeProof(bad, []merkle.Range{r}, slice(elements, r), root, 0))
	})

	t.Run("shifted", func(t *testing.T) {
		shifted := merkle.Range{Start: 101, End: 106}
		require.Error(t, merkle.VerifyRangeProof(proof, []merkle.Range{shifted}, slice(elements, r), root, 0))
	})

	t.Run("longer", func(t *testing.T) {
		longer := merkle.Range{Start: 100, End: 106}
		err := merkle.VerifyRangeProof(proof, []merkle.Range{longer}, slice(elements, r), root, 0)
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)
	})

	t.Run("extra", func(t *testing.T) {
		bad := merkle.Proof{Leaves: proof.Leaves, Digests: append(append([]merkle.Digest(nil), proof.Digests...), merkle.Digest{})}
		err := merkle.VerifyRangeProof(bad, []merkle.Range{r}, slice(elements, r), root, 0)
		require.ErrorIs(t, err, merkle.ErrRangeMismatch)
	})

	t.Run("element", func(t *testing.T) {
		els := slice(elements, r)
		els[2] = []byte("forged")
		err := merkle.VerifyRangeProof(proof, []merkle.Range{r}, els, root, 0)
		require.ErrorIs(t, err, merkle.ErrDigestMismatch)
	})

	t.Run("size", func(t *testing.T) {
		err := merkle.VerifyRangeProof(proof, []merkle.Range{r}, slice(elements, r), root, 1)
		require.ErrorIs(t, err, merkle.ErrProofTooLarge)
	})
}

func TestMalformedRanges(t *testing.T) {
	_, store, _ := build(t, 16)

	for _, ranges := range [][]merkle.Range{
		nil,
		{{Start: 5, End: 5}},
		{{Start: 10, End: 17}},
		{{Start: 0, End: 4}, {Start: 3, End: 6}},
	} {
		_, err := merkle.RangeProof(store, 16, ranges...)
		require.ErrorIs(t, err, merkle.ErrMalformedRange)
	}
}
