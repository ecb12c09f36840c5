// Package marshal persists what consensus finalizes. Finalization records
// live in an immutable archive keyed by height, block bodies in a prunable
// archive keyed by digest. Finalized blocks are handed to the application
// in height order, missing history is repaired from peers, and the same
// history is served to peers that fell behind.
package marshal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Set of errors returned by the marshal.
var (
	ErrNotFound       = errors.New("not found")
	ErrDigestMismatch = errors.New("body does not match the digest")
	ErrInconsistent   = errors.New("finalized chain does not link")
)

// EventHandler defines a function that is called when events
// occur in the processing of finalized blocks.
type EventHandler func(v string, args ...any)

// Application receives every finalized block exactly in height order and
// returns once the block has been applied.
type Application interface {
	Finalized(ctx context.Context, block database.Block) error
}

// Resolver fetches history this node is missing from its peers.
type Resolver interface {
	Block(ctx context.Context, digest signature.Digest) (database.Block, error)
	Finalized(ctx context.Context, from uint64, limit int) ([]Entry, error)
}

// Broadcaster sends the body of a block this node proposed to its peers.
type Broadcaster interface {
	BroadcastBlock(block database.Block)
}

// Record is the immutable entry for a finalized height. Blocks finalized
// through a descendant carry no finalization of their own.
type Record struct {
	Height       uint64                  `json:"height"`
	Digest       signature.Digest        `json:"digest"`
	Finalization *consensus.Finalization `json:"finalization,omitempty"`
}

// Entry is a record served to a peer with the encoded body.
type Entry struct {
	Record Record        `json:"record"`
	Body   hexutil.Bytes `json:"body"`
}

// =============================================================================

// Config represents the configuration required to start the marshal.
type Config struct {
	Genesis          database.Block
	Verifier         consensus.Verifier
	Path             string
	Application      Application
	Resolver         Resolver
	Broadcaster      Broadcaster
	Metrics          *metrics.Metrics
	Retention        uint64
	MaxRepair        int
	ViewRetention    uint64
	NearTip          uint64
	PendingSize      int
	FetchTimeout     time.Duration
	BackfillInterval time.Duration
	EvHandler        EventHandler
}

// Marshal manages both archives and the delivery of finalized blocks.
type Marshal struct {
	genesis       signature.Digest
	verifier      consensus.Verifier
	app           Application
	resolver      Resolver
	broadcaster   Broadcaster
	metrics       *metrics.Metrics
	retention     uint64
	maxRepair     int
	viewRetention uint64
	nearTip       uint64
	fetchTimeout  time.Duration
	backfillEvery time.Duration
	evHandler     EventHandler

	archive *archive
	pending *lru.Cache[signature.Digest, database.Block]

	// Serializes writes from Report and backfill.
	writeMu sync.Mutex

	contiguous atomic.Uint64
	tip        atomic.Uint64
	delivered  atomic.Uint64
	notify     chan struct{}
}

// New opens the archives. Failing to open them is fatal to the node.
func New(cfg Config) (*Marshal, error) {
	if cfg.Application == nil {
		return nil, errors.New("marshal: application is required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.MaxRepair <= 0 {
		cfg.MaxRepair = 64
	}
	if cfg.ViewRetention == 0 {
		cfg.ViewRetention = 256
	}
	if cfg.PendingSize <= 0 {
		cfg.PendingSize = 1024
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.BackfillInterval <= 0 {
		cfg.BackfillInterval = 5 * time.Second
	}

	pending, err := lru.New[signature.Digest, database.Block](cfg.PendingSize)
	if err != nil {
		return nil, err
	}

	arc, err := openArchive(cfg.Path)
	if err != nil {
		return nil, err
	}

	m := Marshal{
		genesis:       cfg.Genesis.Digest(),
		verifier:      cfg.Verifier,
		app:           cfg.Application,
		resolver:      cfg.Resolver,
		broadcaster:   cfg.Broadcaster,
		metrics:       cfg.Metrics,
		retention:     cfg.Retention,
		maxRepair:     cfg.MaxRepair,
		viewRetention: cfg.ViewRetention,
		nearTip:       cfg.NearTip,
		fetchTimeout:  cfg.FetchTimeout,
		backfillEvery: cfg.BackfillInterval,
		evHandler:     ev,
		archive:       arc,
		pending:       pending,
		notify:        make(chan struct{}, 1),
	}

	if err := m.recover(); err != nil {
		arc.close()
		return nil, err
	}

	ev("marshal: new: contiguous[%d] tip[%d] delivered[%d]", m.contiguous.Load(), m.tip.Load(), m.delivered.Load())

	return &m, nil
}

// recover loads the cursors and moves the contiguous height past any
// records a repair wrote before the process stopped.
func (m *Marshal) recover() error {
	cursors := []struct {
		key []byte
		v   *atomic.Uint64
	}{
		{keyTip, &m.tip},
		{keyContiguous, &m.contiguous},
		{keyDelivered, &m.delivered},
	}

	for _, c := range cursors {
		h, err := m.archive.meta(c.key)
		if err != nil {
			return err
		}
		c.v.Store(h)
	}

	return m.advance(m.contiguous.Load())
}

// Close closes the archives.
func (m *Marshal) Close() error {
	return m.archive.close()
}

// Run delivers finalized blocks to the application and backfills missing
// history. It returns nil when the context is cancelled and an error when
// the application fails to apply a block.
func (m *Marshal) Run(ctx context.Context) error {
	m.evHandler("marshal: run: started")
	defer m.evHandler("marshal: run: completed")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.deliver(gctx)
	})

	if m.resolver != nil {
		g.Go(func() error {
			m.backfill(gctx)
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// =============================================================================

// Report implements the consensus.Reporter interface. It returns once the
// finalized block and its record are durable. The body is fetched from
// peers when this node never saw it, which holds up consensus until it
// arrives.
func (m *Marshal) Report(ctx context.Context, fin consensus.Finalization) error {
	digest := fin.Proposal.Payload
	_, exists, err := m.archive.height(digest)
	if err != nil {
		return fmt.Errorf("looking up finalized %s: %w", digest.Hex(), err)
	}
	if exists {
		return nil
	}

	block, err := m.resolve(ctx, digest)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store(block, &fin); err != nil {
		return err
	}

	if err := m.repair(ctx, m.maxRepair); err != nil {
		return err
	}

	m.expire(fin.Proposal.View)

	return nil
}

// store writes a finalized block. A block at the next height extends the
// contiguous chain, anything higher waits for repair to fill the gap.
func (m *Marshal) store(block database.Block, fin *consensus.Finalization) error {
	digest := block.Digest()

	rec, exists, err := m.archive.record(block.Height)
	if err != nil {
		return err
	}
	if exists {
		if rec.Digest != digest {
			return fmt.Errorf("%w: height %d holds %s, got %s", ErrInconsistent, block.Height, rec.Digest.Hex(), digest.Hex())
		}
		return nil
	}

	contiguous := m.contiguous.Load()
	if block.Height <= contiguous {
		return fmt.Errorf("%w: height %d below contiguous %d", ErrInconsistent, block.Height, contiguous)
	}

	next := contiguous
	if block.Height == contiguous+1 {
		parent, err := m.digestAt(contiguous)
		if err != nil {
			return err
		}
		if block.Parent != parent {
			return fmt.Errorf("%w: height %d parent %s, finalized %s", ErrInconsistent, block.Height, block.Parent.Hex(), parent.Hex())
		}
		next = block.Height
	}

	rec = Record{Height: block.Height, Digest: digest, Finalization: fin}
	if err := m.archive.put(block, rec, next); err != nil {
		return fmt.Errorf("archive height %d: %w", block.Height, err)
	}
	m.pending.Remove(digest)

	if block.Height > m.tip.Load() {
		m.tip.Store(block.Height)
	}

	m.evHandler("marshal: stored: %s certified[%t]", block, fin != nil)

	if next == contiguous {
		return nil
	}
	return m.advance(next)
}

// advance moves the contiguous height to the height and past every record
// already stored above it, then wakes up delivery.
func (m *Marshal) advance(height uint64) error {
	for {
		rec, exists, err := m.archive.record(height + 1)
		if err != nil {
			return err
		}
		if !exists {
			break
		}

		block, err := m.archive.block(rec.Digest)
		if err != nil {
			return fmt.Errorf("height %d: %w", rec.Height, err)
		}

		parent, err := m.digestAt(height)
		if err != nil {
			return err
		}
		if block.Parent != parent {
			return fmt.Errorf("%w: height %d parent %s, finalized %s", ErrInconsistent, rec.Height, block.Parent.Hex(), parent.Hex())
		}

		height++
	}

	if height == m.contiguous.Load() {
		return nil
	}

	if err := m.archive.setContiguous(height); err != nil {
		return err
	}
	m.contiguous.Store(height)
	m.metrics.SetFinalized(height)

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return nil
}

// repair walks back from the lowest record above the contiguous height,
// fetching at most budget ancestors. A fetch failure ends the pass, the
// next report or backfill picks it up again.
func (m *Marshal) repair(ctx context.Context, budget int) error {
	for ; budget > 0; budget-- {
		rec, exists, err := m.archive.nextRecord(m.contiguous.Load())
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		block, err := m.archive.block(rec.Digest)
		if err != nil {
			return fmt.Errorf("height %d: %w", rec.Height, err)
		}

		fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		parent, err := m.fetch(fctx, block.Parent)
		cancel()
		if err != nil {
			m.evHandler("marshal: repair: height[%d]: ERROR: %s", block.Height-1, err)
			return nil
		}

		if parent.Height+1 != block.Height {
			return fmt.Errorf("%w: parent of height %d is at height %d", ErrInconsistent, block.Height, parent.Height)
		}

		if err := m.store(parent, nil); err != nil {
			return err
		}
	}

	return nil
}

// digestAt returns the digest of the finalized block at the height.
func (m *Marshal) digestAt(height uint64) (signature.Digest, error) {
	if height == 0 {
		return m.genesis, nil
	}

	rec, exists, err := m.archive.record(height)
	if err != nil {
		return signature.Digest{}, err
	}
	if !exists {
		return signature.Digest{}, fmt.Errorf("height %d: %w", height, ErrNotFound)
	}

	return rec.Digest, nil
}

// expire drops pending bodies that can no longer be finalized. Bodies near
// the tip are kept twice as long since lagging peers are still likely to
// ask for them.
func (m *Marshal) expire(view uint64) {
	tip := m.tip.Load()
	contiguous := m.contiguous.Load()

	for _, digest := range m.pending.Keys() {
		block, exists := m.pending.Peek(digest)
		if !exists {
			continue
		}

		window := m.viewRetention
		if block.Height+m.nearTip >= tip {
			window *= 2
		}

		if block.Height <= contiguous || block.View+window < view {
			m.pending.Remove(digest)
		}
	}
}

// =============================================================================

// deliver hands the next contiguous block to the application until the
// context is cancelled.
func (m *Marshal) deliver(ctx context.Context) error {
	for {
		height := m.delivered.Load() + 1
		if height > m.contiguous.Load() {
			select {
			case <-m.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		rec, _, err := m.archive.record(height)
		if err != nil {
			return err
		}

		block, err := m.archive.block(rec.Digest)
		if err != nil {
			return fmt.Errorf("deliver height %d: %w", height, err)
		}

		if err := m.app.Finalized(ctx, block); err != nil {
			return fmt.Errorf("deliver height %d: %w", height, err)
		}

		if err := m.archive.setMeta(keyDelivered, height); err != nil {
			return err
		}

		if m.retention > 0 && height > m.retention {
			n, err := m.archive.prune(height - m.retention)
			if err != nil {
				return err
			}
			if n > 0 {
				m.evHandler("marshal: prune: below[%d] bodies[%d]", height-m.retention+1, n)
			}
		}

		m.delivered.Store(height)
	}
}

// backfill periodically asks peers for finalized history past the
// contiguous height.
func (m *Marshal) backfill(ctx context.Context) {
	ticker := time.NewTicker(m.backfillEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		for {
			n, err := m.CatchUp(ctx)
			if err != nil {
				m.evHandler("marshal: backfill: ERROR: %s", err)
				break
			}
			if n == 0 {
				break
			}
		}
	}
}

// CatchUp fetches one batch of finalized history past the contiguous
// height and stores the prefix that links to it up to the highest entry
// carrying a valid finalization. It returns the number of blocks stored.
func (m *Marshal) CatchUp(ctx context.Context) (int, error) {
	if m.resolver == nil {
		return 0, nil
	}

	contiguous := m.contiguous.Load()

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	entries, err := m.resolver.Finalized(fctx, contiguous+1, m.maxRepair)
	cancel()
	if err != nil {
		return 0, err
	}

	parent, err := m.digestAt(contiguous)
	if err != nil {
		return 0, err
	}

	blocks := make([]database.Block, 0, len(entries))
	last := -1

	for i, e := range entries {
		if i >= m.maxRepair {
			break
		}

		block, err := database.DecodeBlock(e.Body)
		if err != nil {
			m.evHandler("marshal: catchup: height[%d]: ERROR: %s", e.Record.Height, err)
			break
		}

		digest := block.Digest()
		if digest != e.Record.Digest || block.Height != e.Record.Height || block.Height != contiguous+1+uint64(i) || block.Parent != parent {
			m.evHandler("marshal: catchup: height[%d]: ERROR: does not link", e.Record.Height)
			break
		}

		if f := e.Record.Finalization; f != nil {
			if f.Proposal.Payload != digest {
				break
			}
			if err := m.verifier.VerifyFinalization(*f); err != nil {
				m.evHandler("marshal: catchup: height[%d]: ERROR: %s", e.Record.Height, err)
				break
			}
			last = i
		}

		blocks = append(blocks, block)
		parent = digest
	}

	if last < 0 {
		return 0, nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for i := 0; i <= last; i++ {
		if err := m.store(blocks[i], entries[i].Record.Finalization); err != nil {
			return i, err
		}
	}

	m.evHandler("marshal: catchup: stored[%d] contiguous[%d]", last+1, m.contiguous.Load())

	return last + 1, nil
}

// =============================================================================

// Get implements the state.Archive interface. The body is looked up in the
// pending cache, then the archive, then fetched from peers.
func (m *Marshal) Get(ctx context.Context, digest signature.Digest) (database.Block, error) {
	return m.fetch(ctx, digest)
}

// Put keeps the body of a block that may be finalized later.
func (m *Marshal) Put(block database.Block) {
	if block.Height <= m.contiguous.Load() {
		return
	}
	m.pending.Add(block.Digest(), block)
}

// Broadcast implements the state.Archive interface. The body is kept and
// sent to the other validators.
func (m *Marshal) Broadcast(block database.Block) {
	m.Put(block)

	if m.broadcaster != nil {
		m.broadcaster.BroadcastBlock(block)
	}
}

// fetch makes one attempt to find the body.
func (m *Marshal) fetch(ctx context.Context, digest signature.Digest) (database.Block, error) {
	if block, exists := m.pending.Get(digest); exists {
		return block, nil
	}

	block, err := m.archive.block(digest)
	if err == nil {
		return block, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return database.Block{}, err
	}

	if m.resolver == nil {
		return database.Block{}, ErrNotFound
	}

	block, err = m.resolver.Block(ctx, digest)
	if err != nil {
		return database.Block{}, err
	}

	if d := block.Digest(); d != digest {
		return database.Block{}, fmt.Errorf("%w: got %s, exp %s", ErrDigestMismatch, d.Hex(), digest.Hex())
	}

	m.Put(block)

	return block, nil
}

// resolve fetches the body until it is found or the context is cancelled.
func (m *Marshal) resolve(ctx context.Context, digest signature.Digest) (database.Block, error) {
	delay := max(m.fetchTimeout/16, 10*time.Millisecond)

	for {
		fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		block, err := m.fetch(fctx, digest)
		cancel()
		if err == nil {
			return block, nil
		}

		m.evHandler("marshal: resolve: digest[%s]: ERROR: %s: retry in %v", digest.TerminalString(), err, delay)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return database.Block{}, ctx.Err()
		}

		delay = min(2*delay, m.fetchTimeout)
	}
}

// =============================================================================

// Finalized returns the entries from the height, at most limit and never
// more than the repair budget. It stops at the first pruned body.
func (m *Marshal) Finalized(from uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > m.maxRepair {
		limit = m.maxRepair
	}
	if from == 0 {
		from = 1
	}

	contiguous := m.contiguous.Load()

	var entries []Entry
	for h := from; h <= contiguous && len(entries) < limit; h++ {
		rec, exists, err := m.archive.record(h)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}

		body, err := m.archive.body(rec.Digest)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, err
		}

		entries = append(entries, Entry{Record: rec, Body: body})
	}

	return entries, nil
}

// Block returns a body this node holds, finalized or not.
func (m *Marshal) Block(digest signature.Digest) (database.Block, error) {
	if block, exists := m.pending.Peek(digest); exists {
		return block, nil
	}
	return m.archive.block(digest)
}

// Last returns the latest finalization stored, nil when nothing has been
// finalized. Consensus resumes from its view.
func (m *Marshal) Last() (*consensus.Finalization, error) {
	rec, exists, err := m.archive.lastFinalization()
	if err != nil || !exists {
		return nil, err
	}
	return rec.Finalization, nil
}

// Contiguous returns the height up to which every finalized block is
// stored.
func (m *Marshal) Contiguous() uint64 {
	return m.contiguous.Load()
}

// Tip returns the highest finalized height stored.
func (m *Marshal) Tip() uint64 {
	return m.tip.Load()
}

// Delivered returns the height of the last block the application applied.
func (m *Marshal) Delivered() uint64 {
	return m.delivered.Load()
}
