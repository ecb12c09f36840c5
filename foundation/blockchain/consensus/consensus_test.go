package consensus_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const namespace = "casino-consensus-test"

// payloadFor is what every honest automaton proposes for a context, so
// verifiers can recompute it.
func payloadFor(rc consensus.Context) signature.Digest {
	return signature.Hash(binary.BigEndian.AppendUint64(nil, rc.View), rc.Parent.Payload[:])
}

type automaton struct {
	genesis signature.Digest
}

func (a automaton) Genesis() signature.Digest {
	return a.genesis
}

func (a automaton) Propose(ctx context.Context, rc consensus.Context) <-chan signature.Digest {
	ch := make(chan signature.Digest, 1)
	ch <- payloadFor(rc)
	return ch
}

func (a automaton) Verify(ctx context.Context, rc consensus.Context, payload signature.Digest) <-chan bool {
	ch := make(chan bool, 1)
	ch <- payload == payloadFor(rc)
	return ch
}

// unreachable behaves like an automaton whose mailbox is gone.
type unreachable struct {
	automaton
}

func (u unreachable) Propose(ctx context.Context, rc consensus.Context) <-chan signature.Digest {
	ch := make(chan signature.Digest, 1)
	ch <- rc.Parent.Payload
	return ch
}

type reporter struct {
	mu   sync.Mutex
	fins map[uint64]signature.Digest
	last uint64
}

func (r *reporter) Report(ctx context.Context, fin consensus.Finalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fins[fin.Proposal.View] = fin.Proposal.Payload
	if fin.Proposal.View > r.last {
		r.last = fin.Proposal.View
	}
	return nil
}

func (r *reporter) snapshot() (map[uint64]signature.Digest, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint64]signature.Digest, len(r.fins))
	for k, v := range r.fins {
		out[k] = v
	}
	return out, r.last
}

// =============================================================================

// network delivers every message to every online engine through a JSON
// round trip, the way the HTTP transport does.
type network struct {
	ctx     context.Context
	engines []*consensus.Engine
	offline map[uint32]bool
}

type link struct {
	net  *network
	from uint32
}

func (l link) Broadcast(msg consensus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	for i, e := range l.net.engines {
		if uint32(i) == l.from || l.net.offline[uint32(i)] {
			continue
		}

		var m consensus.Message
		if err := json.Unmarshal(data, &m); err != nil {
			panic(err)
		}
		go e.Deliver(l.net.ctx, m)
	}
}

type cluster struct {
	reporters []*reporter
	engines   []*consensus.Engine
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func startCluster(t *testing.T, n int, offline map[uint32]bool, automatons map[uint32]consensus.Automaton) *cluster {
	t.Helper()

	keys := make([]signature.BLSPrivateKey, n)
	pubs := make([]signature.BLSPublicKey, n)
	for i := range keys {
		keys[i] = signature.GenerateBLSKey()
		pubs[i] = keys[i].PublicKey()
	}

	ctx, cancel := context.WithCancel(context.Background())
	net := network{ctx: ctx, offline: offline}
	c := cluster{cancel: cancel}

	genesis := signature.Hash([]byte(namespace))

	for i := 0; i < n; i++ {
		var a consensus.Automaton = automaton{genesis: genesis}
		if custom, exists := automatons[uint32(i)]; exists {
			a = custom
		}

		rep := reporter{fins: make(map[uint64]signature.Digest)}
		e, err := consensus.New(consensus.Config{
			Namespace:           namespace,
			Validators:          pubs,
			Signer:              keys[i],
			Index:               uint32(i),
			Automaton:           a,
			Reporter:            &rep,
			Network:             link{net: &net, from: uint32(i)},
			LeaderTimeout:       300 * time.Millisecond,
			NotarizationTimeout: 600 * time.Millisecond,
			NullifyRetry:        200 * time.Millisecond,
			FetchTimeout:        time.Second,
			ActivityTimeout:     10,
			SkipTimeout:         3,
		})
		require.NoError(t, err)

		c.engines = append(c.engines, e)
		c.reporters = append(c.reporters, &rep)
	}
	net.engines = c.engines

	for i, e := range c.engines {
		if offline[uint32(i)] {
			continue
		}

		c.wg.Add(1)
		go func(e *consensus.Engine) {
			defer c.wg.Done()
			assert.NoError(t, e.Run(ctx))
		}(e)
	}

	return &c
}

func newSigners(n uint, idx ...uint) *bitset.BitSet {
	bs := bitset.New(n)
	for _, i := range idx {
		bs.Set(i)
	}
	return bs
}

func (c *cluster) stop() {
	c.cancel()
	c.wg.Wait()
}

// =============================================================================

func TestByzantineMajority(t *testing.T) {
	for n, exp := range map[int]int{1: 1, 3: 3, 4: 3, 5: 4, 6: 5, 7: 5, 10: 7} {
		require.Equal(t, exp, consensus.ByzantineMajority(n), "n=%d", n)
	}
}

func TestFinalizeAllOnline(t *testing.T) {
	c := startCluster(t, 4, nil, nil)
	defer c.stop()

	require.Eventually(t, func() bool {
		for _, r := range c.reporters {
			if _, last := r.snapshot(); last < 5 {
				return false
			}
		}
		return true
	}, 20*time.Second, 50*time.Millisecond)

	agreed := map[uint64]signature.Digest{}
	for _, r := range c.reporters {
		fins, _ := r.snapshot()
		for view, payload := range fins {
			if prev, exists := agreed[view]; exists {
				require.Equal(t, prev, payload, "view %d", view)
			}
			agreed[view] = payload
		}
	}

	status := c.engines[0].Status()
	require.GreaterOrEqual(t, status.Finalized, uint64(5))
	require.GreaterOrEqual(t, status.View, status.Finalized)
}

func TestLeaderOffline(t *testing.T) {
	const down = 1

	c := startCluster(t, 4, map[uint32]bool{down: true}, nil)
	defer c.stop()

	require.Eventually(t, func() bool {
		for i, r := range c.reporters {
			if i == down {
				continue
			}
			if _, last := r.snapshot(); last < 8 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond)

	for i, r := range c.reporters {
		if i == down {
			continue
		}
		fins, _ := r.snapshot()
		for view := range fins {
			require.NotEqual(t, uint32(down), consensus.Leader(view, 0, 4), "view %d led by the offline validator was finalized", view)
		}
	}
}

func TestUnreachableAutomaton(t *testing.T) {
	genesis := signature.Hash([]byte(namespace))

	// Validator 2 can never produce a payload so its views are nullified
	// instead of stalling the chain.
	c := startCluster(t, 4, nil, map[uint32]consensus.Automaton{
		2: unreachable{automaton{genesis: genesis}},
	})
	defer c.stop()

	require.Eventually(t, func() bool {
		_, last := c.reporters[0].snapshot()
		return last >= 7
	}, 30*time.Second, 50*time.Millisecond)

	fins, _ := c.reporters[0].snapshot()
	for view := range fins {
		require.NotEqual(t, uint32(2), consensus.Leader(view, 0, 4))
	}
}

func TestCertificateVerification(t *testing.T) {
	keys := make([]signature.BLSPrivateKey, 4)
	pubs := make([]signature.BLSPublicKey, 4)
	for i := range keys {
		keys[i] = signature.GenerateBLSKey()
		pubs[i] = keys[i].PublicKey()
	}
	v := consensus.NewVerifier(namespace, pubs)

	p := consensus.Proposal{View: 3, Parent: 1, Payload: signature.Hash([]byte("payload"))}
	ns := signature.Namespace(namespace, signature.FinalizeSuffix)

	var sigs []signature.BLSSignature
	for i := 0; i < 3; i++ {
		sig, err := keys[i].Sign(ns, p.Encode())
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}

	agg, err := signature.AggregateSignatures(sigs)
	require.NoError(t, err)

	fin := consensus.Finalization{Proposal: p, Signature: agg}
	fin.Signers = newSigners(4, 0, 1, 2)
	require.NoError(t, v.VerifyFinalization(fin))

	t.Run("wrong signers", func(t *testing.T) {
		bad := fin
		bad.Signers = newSigners(4, 0, 1, 3)
		require.ErrorIs(t, v.VerifyFinalization(bad), signature.ErrInvalidSignature)
	})

	t.Run("too few", func(t *testing.T) {
		bad := fin
		bad.Signers = newSigners(4, 0, 1)
		require.ErrorIs(t, v.VerifyFinalization(bad), consensus.ErrInsufficientSigners)
	})

	t.Run("wrong domain", func(t *testing.T) {
		n := consensus.Notarization{Proposal: p, Signers: fin.Signers, Signature: agg}
		require.ErrorIs(t, v.VerifyNotarization(n), signature.ErrInvalidSignature)
	})

	t.Run("other proposal", func(t *testing.T) {
		bad := fin
		bad.Proposal.Parent = 2
		require.ErrorIs(t, v.VerifyFinalization(bad), signature.ErrInvalidSignature)
	})
}
