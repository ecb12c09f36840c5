package marshal_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const namespace = "casino-marshal-test"

type app struct {
	mu     sync.Mutex
	blocks []database.Block
}

func (a *app) Finalized(ctx context.Context, block database.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blocks = append(a.blocks, block)
	return nil
}

func (a *app) heights() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]uint64, len(a.blocks))
	for i, b := range a.blocks {
		out[i] = b.Height
	}
	return out
}

// resolver serves bodies from a map, or finalized history from another
// marshal when one is set.
type resolver struct {
	mu     sync.Mutex
	bodies map[signature.Digest]database.Block
	peer   *marshal.Marshal
	tamper func([]marshal.Entry) []marshal.Entry
}

func (r *resolver) Block(ctx context.Context, digest signature.Digest) (database.Block, error) {
	if r.peer != nil {
		return r.peer.Block(digest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.bodies[digest]
	if !exists {
		return database.Block{}, errors.New("peer does not have the block")
	}
	return b, nil
}

func (r *resolver) Finalized(ctx context.Context, from uint64, limit int) ([]marshal.Entry, error) {
	if r.peer == nil {
		return nil, nil
	}

	entries, err := r.peer.Finalized(from, limit)
	if err != nil || r.tamper == nil {
		return entries, err
	}
	return r.tamper(entries), nil
}

// =============================================================================

type validators struct {
	keys     []signature.BLSPrivateKey
	verifier consensus.Verifier
}

func newValidators(n int) validators {
	keys := make([]signature.BLSPrivateKey, n)
	pub := make([]signature.BLSPublicKey, n)
	for i := range keys {
		keys[i] = signature.GenerateBLSKey()
		pub[i] = keys[i].PublicKey()
	}
	return validators{keys: keys, verifier: consensus.NewVerifier(namespace, pub)}
}

// finalize builds the finalization a quorum of the validators would
// produce for the block.
func (v validators) finalize(t *testing.T, block database.Block, parentView uint64) consensus.Finalization {
	t.Helper()

	p := consensus.Proposal{View: block.View, Parent: parentView, Payload: block.Digest()}
	ns := signature.Namespace(namespace, signature.FinalizeSuffix)

	signers := bitset.New(uint(len(v.keys)))
	var sigs []signature.BLSSignature
	for i := 0; i < v.verifier.Quorum(); i++ {
		sig, err := v.keys[i].Sign(ns, p.Encode())
		require.NoError(t, err)
		sigs = append(sigs, sig)
		signers.Set(uint(i))
	}

	agg, err := signature.AggregateSignatures(sigs)
	require.NoError(t, err)

	fin := consensus.Finalization{Proposal: p, Signers: signers, Signature: agg}
	require.NoError(t, v.verifier.VerifyFinalization(fin))

	return fin
}

// chain builds n blocks on genesis with the view twice the height.
func chain(n int) []database.Block {
	blocks := []database.Block{database.Genesis(namespace)}
	for i := 1; i <= n; i++ {
		parent := blocks[i-1]
		blocks = append(blocks, database.Block{
			Parent: parent.Digest(),
			Height: uint64(i),
			View:   uint64(2 * i),
		})
	}
	return blocks
}

type node struct {
	m      *marshal.Marshal
	app    *app
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func (n *node) stop() {
	n.once.Do(func() {
		n.cancel()
		<-n.done
		n.m.Close()
	})
}

func start(t *testing.T, v validators, path string, cfg marshal.Config) *node {
	t.Helper()

	if path == "" {
		path = filepath.Join(t.TempDir(), "archive.db")
	}

	a := &app{}
	cfg.Genesis = database.Genesis(namespace)
	cfg.Verifier = v.verifier
	cfg.Path = path
	cfg.Application = a
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 500 * time.Millisecond
	}
	cfg.EvHandler = func(s string, args ...any) { t.Logf(s, args...) }

	m, err := marshal.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n := node{m: m, app: a, cancel: cancel, done: make(chan error, 1)}

	go func() {
		n.done <- m.Run(ctx)
	}()
	t.Cleanup(n.stop)

	return &n
}

func waitDelivered(t *testing.T, n *node, height uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		return n.m.Delivered() >= height
	}, 5*time.Second, 10*time.Millisecond)
}

// =============================================================================

func TestReportDeliversInOrder(t *testing.T) {
	v := newValidators(4)
	blocks := chain(3)
	n := start(t, v, "", marshal.Config{})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n.m.Put(blocks[i])
		require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[i], blocks[i-1].View)))
		require.Equal(t, uint64(i), n.m.Contiguous())
	}

	// Reporting a finalized digest again changes nothing.
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[2], blocks[1].View)))

	waitDelivered(t, n, 3)
	require.Equal(t, []uint64{1, 2, 3}, n.app.heights())

	last, err := n.m.Last()
	require.NoError(t, err)
	require.Equal(t, blocks[3].Digest(), last.Proposal.Payload)
}

func TestReportArchiveError(t *testing.T) {
	v := newValidators(4)
	blocks := chain(2)
	n := start(t, v, "", marshal.Config{})

	ctx := context.Background()
	n.m.Put(blocks[1])
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[1], blocks[0].View)))

	// With the archive closed the lookup fails and the failure surfaces
	// instead of being read as an unknown digest.
	n.stop()

	n.m.Put(blocks[2])
	err := n.m.Report(ctx, v.finalize(t, blocks[2], blocks[1].View))
	require.ErrorIs(t, err, bolt.ErrDatabaseNotOpen)
	require.Equal(t, uint64(1), n.m.Contiguous())
}

func TestReportRepairsAncestors(t *testing.T) {
	v := newValidators(4)
	blocks := chain(5)

	r := resolver{bodies: make(map[signature.Digest]database.Block)}
	for _, b := range blocks[1:] {
		r.bodies[b.Digest()] = b
	}

	n := start(t, v, "", marshal.Config{Resolver: &r, MaxRepair: 10})

	// This node never saw any body, everything is fetched.
	require.NoError(t, n.m.Report(context.Background(), v.finalize(t, blocks[5], blocks[4].View)))
	require.Equal(t, uint64(5), n.m.Contiguous())
	require.Equal(t, uint64(5), n.m.Tip())

	waitDelivered(t, n, 5)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, n.app.heights())

	entries, err := n.m.Finalized(1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries[:4] {
		require.Nil(t, e.Record.Finalization, "height %d", i+1)
	}
	require.NotNil(t, entries[4].Record.Finalization)
}

func TestRepairBudget(t *testing.T) {
	v := newValidators(4)
	blocks := chain(7)

	r := resolver{bodies: make(map[signature.Digest]database.Block)}
	for _, b := range blocks[1:] {
		r.bodies[b.Digest()] = b
	}

	n := start(t, v, "", marshal.Config{Resolver: &r, MaxRepair: 2})
	ctx := context.Background()

	// Height 6 plus two ancestors, the gap below stays.
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[6], blocks[5].View)))
	require.Equal(t, uint64(0), n.m.Contiguous())
	require.Equal(t, uint64(6), n.m.Tip())

	// The next report continues the repair where it stopped.
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[7], blocks[6].View)))
	require.Equal(t, uint64(0), n.m.Contiguous())

	// A finalization already stored returns without repairing.
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[7], blocks[6].View)))

	entries, err := n.m.Finalized(1, 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The gap closes with the next finalization.
	blocks = append(blocks, database.Block{Parent: blocks[7].Digest(), Height: 8, View: 16})
	r.bodies[blocks[8].Digest()] = blocks[8]
	require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[8], blocks[7].View)))
	require.Equal(t, uint64(8), n.m.Contiguous())

	waitDelivered(t, n, 8)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, n.app.heights())
}

func TestCatchUp(t *testing.T) {
	v := newValidators(4)
	blocks := chain(6)
	ctx := context.Background()

	ahead := start(t, v, "", marshal.Config{MaxRepair: 10})
	for i := 1; i <= 6; i++ {
		ahead.m.Put(blocks[i])
	}
	require.NoError(t, ahead.m.Report(ctx, v.finalize(t, blocks[4], blocks[3].View)))
	require.NoError(t, ahead.m.Report(ctx, v.finalize(t, blocks[6], blocks[5].View)))
	require.Equal(t, uint64(6), ahead.m.Contiguous())

	t.Run("tampered finalization", func(t *testing.T) {
		r := resolver{peer: ahead.m, tamper: func(entries []marshal.Entry) []marshal.Entry {
			for i := range entries {
				if f := entries[i].Record.Finalization; f != nil {
					bad := *f
					bad.Signature[0] ^= 0xFF
					entries[i].Record.Finalization = &bad
				}
			}
			return entries
		}}

		behind := start(t, v, "", marshal.Config{Resolver: &r, MaxRepair: 10, BackfillInterval: time.Hour})
		stored, err := behind.m.CatchUp(ctx)
		require.NoError(t, err)
		require.Zero(t, stored)
		require.Equal(t, uint64(0), behind.m.Contiguous())
	})

	t.Run("limited batch", func(t *testing.T) {
		r := resolver{peer: ahead.m}

		// A batch of 5 only proves up to height 4.
		behind := start(t, v, "", marshal.Config{Resolver: &r, MaxRepair: 5, BackfillInterval: time.Hour})
		stored, err := behind.m.CatchUp(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, stored)
		require.Equal(t, uint64(4), behind.m.Contiguous())

		stored, err = behind.m.CatchUp(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, stored)
		require.Equal(t, uint64(6), behind.m.Contiguous())

		waitDelivered(t, behind, 6)
		require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, behind.app.heights())
	})

	t.Run("background backfill", func(t *testing.T) {
		r := resolver{peer: ahead.m}

		behind := start(t, v, "", marshal.Config{Resolver: &r, MaxRepair: 10, BackfillInterval: 20 * time.Millisecond})
		waitDelivered(t, behind, 6)
	})
}

func TestRetention(t *testing.T) {
	v := newValidators(1)
	blocks := chain(5)
	n := start(t, v, "", marshal.Config{Retention: 2})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		n.m.Put(blocks[i])
		require.NoError(t, n.m.Report(ctx, v.finalize(t, blocks[i], blocks[i-1].View)))
	}
	waitDelivered(t, n, 5)

	for i := 1; i <= 3; i++ {
		_, err := n.m.Block(blocks[i].Digest())
		require.ErrorIs(t, err, marshal.ErrNotFound, "height %d", i)
	}
	for i := 4; i <= 5; i++ {
		_, err := n.m.Block(blocks[i].Digest())
		require.NoError(t, err, "height %d", i)
	}

	// Pruned history can't be served.
	entries, err := n.m.Finalized(1, 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = n.m.Finalized(4, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestPendingExpiry(t *testing.T) {
	v := newValidators(1)
	blocks := chain(1)
	n := start(t, v, "", marshal.Config{ViewRetention: 4})

	stale := database.Block{Parent: signature.Hash([]byte("fork")), Height: 2, View: 1}
	near := database.Block{Parent: signature.Hash([]byte("fork")), Height: 2, View: 12}
	fresh := database.Block{Parent: signature.Hash([]byte("fork")), Height: 2, View: 19}
	for _, b := range []database.Block{stale, near, fresh} {
		n.m.Put(b)
	}

	// Finalize height 1 at view 20.
	b1 := blocks[1]
	b1.View = 20
	n.m.Put(b1)
	require.NoError(t, n.m.Report(context.Background(), v.finalize(t, b1, 0)))

	_, err := n.m.Block(stale.Digest())
	require.ErrorIs(t, err, marshal.ErrNotFound)

	// Near the tip the window doubles to 8 views.
	_, err = n.m.Block(near.Digest())
	require.NoError(t, err)

	_, err = n.m.Block(fresh.Digest())
	require.NoError(t, err)
}

func TestRestart(t *testing.T) {
	v := newValidators(4)
	blocks := chain(3)
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	first := start(t, v, path, marshal.Config{})
	for i := 1; i <= 3; i++ {
		first.m.Put(blocks[i])
		require.NoError(t, first.m.Report(ctx, v.finalize(t, blocks[i], blocks[i-1].View)))
	}
	waitDelivered(t, first, 3)
	first.stop()

	second := start(t, v, path, marshal.Config{})
	require.Equal(t, uint64(3), second.m.Contiguous())
	require.Equal(t, uint64(3), second.m.Delivered())

	last, err := second.m.Last()
	require.NoError(t, err)
	require.Equal(t, uint64(6), last.Proposal.View)

	// Delivery resumes after the last delivered height.
	blocks = append(blocks, database.Block{Parent: blocks[3].Digest(), Height: 4, View: 8})
	second.m.Put(blocks[4])
	require.NoError(t, second.m.Report(ctx, v.finalize(t, blocks[4], blocks[3].View)))

	waitDelivered(t, second, 4)
	require.Equal(t, []uint64{4}, second.app.heights())
}

func TestGetFetchesFromPeers(t *testing.T) {
	v := newValidators(1)
	blocks := chain(2)

	forged := blocks[2]
	forged.View = 99

	r := resolver{bodies: map[signature.Digest]database.Block{
		blocks[1].Digest(): blocks[1],
		blocks[2].Digest(): forged,
	}}
	n := start(t, v, "", marshal.Config{Resolver: &r})

	ctx := context.Background()

	got, err := n.m.Get(ctx, blocks[1].Digest())
	require.NoError(t, err)
	require.Equal(t, blocks[1].Digest(), got.Digest())

	// Fetched once, served locally after.
	local, err := n.m.Block(blocks[1].Digest())
	require.NoError(t, err)
	require.Equal(t, blocks[1].Digest(), local.Digest())

	_, err = n.m.Get(ctx, blocks[2].Digest())
	require.ErrorIs(t, err, marshal.ErrDigestMismatch)
}
