// Package aggregation turns the summaries of executed blocks into
// certificates. Each validator signs the summary it computed, partial
// signatures are exchanged with the other validators, and once a quorum
// agrees on the same digest they are aggregated into a FixedCertificate.
// Certified summaries are uploaded in order to an external indexer.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/merkle"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/common/lru"
)

// Set of errors returned by the service.
var (
	ErrShuttingDown   = errors.New("aggregation: shutting down")
	ErrNotFound       = errors.New("not found")
	ErrInvalidPartial = errors.New("invalid partial signature")
)

// defaultPartialWindow bounds how far ahead of local execution partial
// signatures from peers are buffered.
const defaultPartialWindow = 256

// EventHandler defines a function that is called when events
// occur in the processing of certificates.
type EventHandler func(v string, args ...any)

// Bundle is what executing a block produced: the summary and the proofs of
// both log segments it recorded.
type Bundle struct {
	Summary     database.Summary `json:"summary"`
	StateProof  merkle.Proof     `json:"state_proof"`
	StateOps    [][]byte         `json:"state_ops"`
	EventsProof merkle.Proof     `json:"events_proof"`
	EventsOps   [][]byte         `json:"events_ops"`
}

// Partial is one validator's signature over the digest of a summary.
type Partial struct {
	Height    uint64                 `json:"height"`
	Digest    signature.Digest       `json:"digest"`
	Signer    uint32                 `json:"signer"`
	Signature signature.BLSSignature `json:"signature"`
}

// Network sends this validator's partial signatures to the others.
type Network interface {
	SendPartial(p Partial)
}

// =============================================================================

// Config represents the configuration required to start the service.
type Config struct {
	Namespace   string
	Validators  []signature.BLSPublicKey
	Signer      signature.BLSPrivateKey
	Index       uint32
	Path        string
	Network     Network
	Indexer     string
	RetryMin    time.Duration
	RetryMax    time.Duration
	Rebroadcast time.Duration
	CacheSize   int
	MailboxSize int
	Window      uint64
	Metrics     *metrics.Metrics
	EvHandler   EventHandler
}

// Service assembles certificates for executed summaries.
type Service struct {
	namespace   string
	summaryNS   []byte
	validators  []signature.BLSPublicKey
	quorum      int
	signer      signature.BLSPrivateKey
	index       uint32
	network     Network
	rebroadcast time.Duration
	window      uint64
	metrics     *metrics.Metrics
	evHandler   EventHandler

	store    *store
	bundles  *lru.Cache[uint64, Bundle]
	uploader *uploader

	processed atomic.Uint64
	pending   atomic.Int64
	mailbox   chan any
	certified chan struct{}
	shut      chan struct{}

	// Owned by the kernel goroutine. A signer has at most one partial per
	// height, the first one received.
	executed uint64
	own      map[uint64]Partial
	partials map[uint64]map[uint32]Partial
}

// New constructs the service and opens its store. Run must be called to
// start it.
func New(cfg Config) (*Service, error) {
	if len(cfg.Validators) == 0 || int(cfg.Index) >= len(cfg.Validators) {
		return nil, fmt.Errorf("aggregation: index %d with %d validators", cfg.Index, len(cfg.Validators))
	}
	if !cfg.Signer.PublicKey().Equal(cfg.Validators[cfg.Index]) {
		return nil, fmt.Errorf("aggregation: signing key is not validator %d", cfg.Index)
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	network := cfg.Network
	if network == nil {
		network = noNetwork{}
	}

	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 1024
	}

	rebroadcast := cfg.Rebroadcast
	if rebroadcast <= 0 {
		rebroadcast = 5 * time.Second
	}

	window := cfg.Window
	if window == 0 {
		window = defaultPartialWindow
	}

	st, err := openStore(cfg.Path)
	if err != nil {
		return nil, err
	}

	s := Service{
		namespace:   cfg.Namespace,
		summaryNS:   SummaryNamespace(cfg.Namespace),
		validators:  cfg.Validators,
		quorum:      consensus.ByzantineMajority(len(cfg.Validators)),
		signer:      cfg.Signer,
		index:       cfg.Index,
		network:     network,
		rebroadcast: rebroadcast,
		window:      window,
		metrics:     cfg.Metrics,
		evHandler:   ev,
		store:       st,
		bundles:     lru.NewCache[uint64, Bundle](max(cfg.CacheSize, 1)),
		mailbox:     make(chan any, mailbox),
		certified:   make(chan struct{}, 1),
		shut:        make(chan struct{}),
		own:         make(map[uint64]Partial),
		partials:    make(map[uint64]map[uint32]Partial),
	}

	if s.executed, err = st.lastSummary(); err != nil {
		st.close()
		return nil, err
	}

	if cfg.Indexer != "" {
		s.uploader = newUploader(cfg.Indexer, cfg.RetryMin, cfg.RetryMax, st, s.certified, cfg.Metrics, ev)
	}

	ev("aggregation: new: summaries[%d]", s.executed)

	return &s, nil
}

// Close releases the store. It must be called after Run has returned.
func (s *Service) Close() error {
	return s.store.close()
}

// Run is the kernel loop. The uploader runs on its own goroutine so an
// indexer outage never holds up the mailbox.
func (s *Service) Run(ctx context.Context) error {
	s.evHandler("aggregation: run: started")

	uctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	if s.uploader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.uploader.run(uctx)
		}()
	}

	defer func() {
		cancel()
		close(s.shut)
		wg.Wait()
		s.evHandler("aggregation: run: completed")
	}()

	ticker := time.NewTicker(s.rebroadcast)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-s.mailbox:
			var err error
			switch m := msg.(type) {
			case executedRequest:
				err = s.handleExecuted(m.bundle)
				m.ack <- err
			case Partial:
				err = s.handlePartial(m)
			}

			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case <-ticker.C:
			for _, p := range s.own {
				s.network.SendPartial(p)
			}
		}
	}
}

// =============================================================================

type executedRequest struct {
	bundle Bundle
	ack    chan error
}

// Executed hands the result of an executed block to the service and waits
// until the summary is stored and signed.
func (s *Service) Executed(ctx context.Context, bundle Bundle) error {
	req := executedRequest{bundle: bundle, ack: make(chan error, 1)}
	if err := s.send(ctx, req); err != nil {
		return err
	}

	select {
	case err := <-req.ack:
		return err
	case <-s.shut:
		select {
		case err := <-req.ack:
			return err
		default:
		}
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPartial accepts a partial signature from another validator. The
// signature is checked before it reaches the mailbox.
func (s *Service) AddPartial(ctx context.Context, p Partial) error {
	if int(p.Signer) >= len(s.validators) {
		return fmt.Errorf("%w: signer %d", ErrInvalidPartial, p.Signer)
	}

	if err := s.validators[p.Signer].Verify(s.summaryNS, p.Digest[:], p.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPartial, err)
	}

	return s.send(ctx, p)
}

func (s *Service) send(ctx context.Context, msg any) error {

	// The mailbox is buffered, check for shutdown first so nothing is left
	// in it after Run returned.
	select {
	case <-s.shut:
		return ErrShuttingDown
	default:
	}

	select {
	case s.mailbox <- msg:
		return nil
	case <-s.shut:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

// handleExecuted stores the summary and signs it. A summary that was
// already stored is a replay after a restart and is only resigned when it
// has not been certified.
func (s *Service) handleExecuted(bundle Bundle) error {
	sum := bundle.Summary
	digest := sum.Digest()

	stored, err := s.store.summary(sum.Height)
	switch {
	case err == nil:
		if stored.Digest() != digest {
			return fmt.Errorf("aggregation: height %d: summary differs from the stored summary", sum.Height)
		}

	case errors.Is(err, ErrNotFound):
		if err := s.store.putSummary(sum, bundle, s.uploader != nil); err != nil {
			return err
		}

	default:
		return err
	}

	s.bundles.Add(sum.Height, bundle)
	if sum.Height > s.executed {
		s.executed = sum.Height
		s.prune()
	}

	if s.store.hasCertificate(sum.Height) {
		return nil
	}

	sig, err := s.signer.Sign(s.summaryNS, digest[:])
	if err != nil {
		return err
	}

	p := Partial{Height: sum.Height, Digest: digest, Signer: s.index, Signature: sig}
	s.own[sum.Height] = p
	s.network.SendPartial(p)

	s.evHandler("aggregation: signed: height[%d] digest[%s]", sum.Height, digest.TerminalString())

	return s.tally(p)
}

// handlePartial records a peer's partial signature.
func (s *Service) handlePartial(p Partial) error {
	if p.Height > s.executed+s.window || s.store.hasCertificate(p.Height) {
		return nil
	}

	if _, signed := s.own[p.Height]; !signed && p.Height+s.window < s.executed {
		return nil
	}

	return s.tally(p)
}

// tally records the signature and certifies the height once a quorum
// signed the digest this validator computed. A second partial from the
// same signer for the same height is dropped.
func (s *Service) tally(p Partial) error {
	bySigner, exists := s.partials[p.Height]
	if !exists {
		bySigner = make(map[uint32]Partial)
		s.partials[p.Height] = bySigner
	}

	if prev, exists := bySigner[p.Signer]; exists {
		if prev.Digest != p.Digest {
			s.evHandler("aggregation: tally: height[%d] signer[%d]: conflicting partial dropped", p.Height, p.Signer)
		}
		return nil
	}
	bySigner[p.Signer] = p
	s.pending.Add(1)

	own, exists := s.own[p.Height]
	if !exists || own.Digest != p.Digest {
		return nil
	}

	sigs := make(map[uint32]signature.BLSSignature, len(bySigner))
	for signer, q := range bySigner {
		if q.Digest == own.Digest {
			sigs[signer] = q.Signature
		}
	}
	if len(sigs) < s.quorum {
		return nil
	}

	return s.certify(p.Height, p.Digest, sigs)
}

// drop forgets the partials held for the height.
func (s *Service) drop(height uint64) {
	s.pending.Add(-int64(len(s.partials[height])))
	delete(s.partials, height)
}

// prune forgets partials for heights that fell behind the window and that
// this validator holds no signature of its own for. Heights it signed stay
// until certified so a lagging peer can still complete them.
func (s *Service) prune() {
	if s.executed <= s.window {
		return
	}
	floor := s.executed - s.window

	for h := range s.partials {
		if _, signed := s.own[h]; h < floor && !signed {
			s.drop(h)
		}
	}
}

// certify aggregates the signatures into a certificate and stores it.
func (s *Service) certify(height uint64, digest signature.Digest, sigs map[uint32]signature.BLSSignature) error {
	signers := bitset.New(uint(len(s.validators)))
	all := make([]signature.BLSSignature, 0, len(sigs))
	for signer, sig := range sigs {
		signers.Set(uint(signer))
		all = append(all, sig)
	}

	agg, err := signature.AggregateSignatures(all)
	if err != nil {
		return err
	}

	cert := FixedCertificate{
		Height:    height,
		Digest:    digest,
		Signers:   signers,
		Signature: agg,
	}

	if err := s.store.putCertificate(cert); err != nil {
		return err
	}

	s.drop(height)
	delete(s.own, height)

	// Partials can arrive for heights this validator will never see again.
	for h := range s.partials {
		if h <= height && s.store.hasCertificate(h) {
			s.drop(h)
		}
	}

	n := s.processed.Add(1)
	s.metrics.IncCertificates()

	// Signal the uploader without blocking.
	select {
	case s.certified <- struct{}{}:
	default:
	}

	s.evHandler("aggregation: certified: height[%d] digest[%s] signers[%d] processed[%d]", height, digest.TerminalString(), signers.Count(), n)

	return nil
}

// =============================================================================

// Processed returns the number of certificates assembled since start.
func (s *Service) Processed() uint64 {
	return s.processed.Load()
}

// Pending returns the number of partial signatures held for heights that
// are not certified yet.
func (s *Service) Pending() int {
	return int(s.pending.Load())
}

// Certificate returns the certificate for the height.
func (s *Service) Certificate(height uint64) (FixedCertificate, error) {
	return s.store.certificate(height)
}

// Summary returns the summary this validator computed for the height.
func (s *Service) Summary(height uint64) (database.Summary, error) {
	return s.store.summary(height)
}

// Bundle returns the proof bundle for the height if it is still cached.
func (s *Service) Bundle(height uint64) (Bundle, bool) {
	return s.bundles.Get(height)
}

// Validators returns the validator set certificates are checked against.
func (s *Service) Validators() []signature.BLSPublicKey {
	return s.validators
}

// Namespace returns the chain namespace summaries are signed for.
func (s *Service) Namespace() string {
	return s.namespace
}

// =============================================================================

type noNetwork struct{}

func (noNetwork) SendPartial(Partial) {}
