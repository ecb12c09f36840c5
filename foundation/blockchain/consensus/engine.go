package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// idle is how long the kernel sleeps when no round has a deadline.
const idle = time.Minute

// Config represents the configuration required to run the engine. Every
// timeout trades liveness against throughput, none affects safety.
type Config struct {
	Namespace  string
	Validators []signature.BLSPublicKey
	Signer     signature.BLSPrivateKey
	Index      uint32
	Epoch      uint64

	// Last is the latest finalization known to storage. The engine resumes
	// from the view after it.
	Last *Finalization

	Automaton Automaton
	Relay     Relay
	Reporter  Reporter
	Network   Network

	// LeaderTimeout is how long to wait for the leader's proposal.
	LeaderTimeout time.Duration

	// NotarizationTimeout is how long to wait for a view to be notarized.
	NotarizationTimeout time.Duration

	// NullifyRetry is how often a nullify vote is rebroadcast while the
	// view is stuck.
	NullifyRetry time.Duration

	// FetchTimeout bounds each Propose and Verify call to the automaton.
	FetchTimeout time.Duration

	// ActivityTimeout is how many views behind the current view messages
	// are still accepted and rounds retained.
	ActivityTimeout uint64

	// SkipTimeout is how many views a leader can be silent before its
	// views are nullified without waiting.
	SkipTimeout uint64

	MailboxSize int
	EvHandler   EventHandler
}

// Status is a snapshot of the engine's progress.
type Status struct {
	View      uint64 `json:"view"`
	Finalized uint64 `json:"finalized"`
}

type proposeResult struct {
	rc      Context
	payload signature.Digest
	ok      bool
}

type verifyResult struct {
	proposal Proposal
	ok       bool
}

// Engine runs the agreement protocol for one validator.
type Engine struct {
	automaton Automaton
	relay     Relay
	reporter  Reporter
	network   Network
	verifier  Verifier
	signer    signer
	evHandler EventHandler

	epoch           uint64
	startView       uint64
	leaderTimeout   time.Duration
	notarizeTimeout time.Duration
	nullifyRetry    time.Duration
	fetchTimeout    time.Duration
	activity        uint64
	skip            uint64

	mailbox  chan Message
	proposed chan proposeResult
	verified chan verifyResult
	shut     chan struct{}

	// Owned by the kernel goroutine.
	genesis       signature.Digest
	view          uint64
	lastFinalized uint64
	rounds        map[uint64]*round
	lastActive    []uint64

	// Mirrors of view and lastFinalized for readers outside the kernel.
	statusView      atomic.Uint64
	statusFinalized atomic.Uint64
}

// New constructs an engine. Run must be called to start it.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Validators) == 0 {
		return nil, errors.New("no validators")
	}
	if int(cfg.Index) >= len(cfg.Validators) {
		return nil, fmt.Errorf("%w: index %d with %d validators", ErrInvalidSigner, cfg.Index, len(cfg.Validators))
	}
	if !cfg.Signer.PublicKey().Equal(cfg.Validators[cfg.Index]) {
		return nil, fmt.Errorf("%w: signing key is not validator %d", ErrInvalidSigner, cfg.Index)
	}
	if cfg.Automaton == nil || cfg.Reporter == nil || cfg.Network == nil {
		return nil, errors.New("automaton, reporter and network are required")
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	relay := cfg.Relay
	if relay == nil {
		relay = noRelay{}
	}

	startView := uint64(1)
	if cfg.Last != nil {
		startView = cfg.Last.Proposal.View + 1
	}

	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 1024
	}

	verifier := NewVerifier(cfg.Namespace, cfg.Validators)

	e := Engine{
		automaton: cfg.Automaton,
		relay:     relay,
		reporter:  cfg.Reporter,
		network:   cfg.Network,
		verifier:  verifier,
		signer:    signer{verifier: verifier, key: cfg.Signer, index: cfg.Index},
		evHandler: ev,

		epoch:           cfg.Epoch,
		startView:       startView,
		leaderTimeout:   cfg.LeaderTimeout,
		notarizeTimeout: cfg.NotarizationTimeout,
		nullifyRetry:    cfg.NullifyRetry,
		fetchTimeout:    cfg.FetchTimeout,
		activity:        cfg.ActivityTimeout,
		skip:            cfg.SkipTimeout,

		mailbox:  make(chan Message, mailbox),
		proposed: make(chan proposeResult, 1),
		verified: make(chan verifyResult, 1),
		shut:     make(chan struct{}),

		lastFinalized: startView - 1,
		rounds:        make(map[uint64]*round),
		lastActive:    make([]uint64, len(cfg.Validators)),
	}

	if cfg.Last != nil {
		last := *cfg.Last
		r := e.round(last.Proposal.View)
		r.finalization = &last
		r.proposal = &last.Proposal
		e.statusFinalized.Store(last.Proposal.View)
	}

	return &e, nil
}

// Verifier returns the verifier for the engine's validator set.
func (e *Engine) Verifier() Verifier {
	return e.verifier
}

// Status returns a snapshot of the engine's progress.
func (e *Engine) Status() Status {
	return Status{
		View:      e.statusView.Load(),
		Finalized: e.statusFinalized.Load(),
	}
}

// Deliver hands an inbound message to the engine. It fails with
// ErrShuttingDown once the engine has stopped.
func (e *Engine) Deliver(ctx context.Context, msg Message) error {
	select {
	case e.mailbox <- msg:
		return nil
	case <-e.shut:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the kernel loop. All protocol state is owned by this goroutine. It
// returns when the context is cancelled or a finalization cannot be
// reported.
func (e *Engine) Run(ctx context.Context) error {
	e.evHandler("consensus: run: started: view[%d]", e.startView)
	defer func() {
		close(e.shut)
		e.evHandler("consensus: run: completed")
	}()

	e.genesis = e.automaton.Genesis()
	for i := range e.lastActive {
		e.lastActive[i] = e.startView
	}

	e.enterView(ctx, e.startView)

	timer := time.NewTimer(e.untilDeadline())
	defer timer.Stop()

	for {
		var err error

		select {
		case <-ctx.Done():
			return nil

		case msg := <-e.mailbox:
			err = e.handleMessage(ctx, msg)

		case res := <-e.proposed:
			err = e.handleProposed(ctx, res)

		case res := <-e.verified:
			err = e.handleVerified(ctx, res)

		case <-timer.C:
			e.handleTimeout(ctx)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		timer.Reset(e.untilDeadline())
	}
}

// =============================================================================

// enterView moves the engine to the view if it is ahead of the current one.
func (e *Engine) enterView(ctx context.Context, view uint64) {
	if view <= e.view {
		return
	}

	e.view = view
	e.statusView.Store(view)
	e.prune()

	now := time.Now()
	r := e.round(view)
	r.leaderDeadline = now.Add(e.leaderTimeout)
	r.advanceDeadline = now.Add(e.notarizeTimeout)

	e.evHandler("consensus: enter view: view[%d] leader[%d]", view, r.leader)

	// A leader that has not voted for a while is probably offline, so do
	// not make everyone wait for its timeout again.
	if e.skip > 0 && view > e.skip && e.lastActive[r.leader]+e.skip < view && r.leader != e.signer.index {
		e.evHandler("consensus: enter view: skipping inactive leader[%d] view[%d]", r.leader, view)
		e.castNullify(ctx, r)
		return
	}

	if r.leader == e.signer.index {
		e.requestPropose(ctx, r)
		return
	}

	e.tryVerify(ctx, r)
}

// round returns the round for the view, creating it when needed.
func (e *Engine) round(view uint64) *round {
	r, exists := e.rounds[view]
	if !exists {
		r = newRound(view, Leader(view, e.epoch, e.verifier.Validators()))
		e.rounds[view] = r
	}
	return r
}

// prune drops rounds that are too old to matter. The last finalized round
// is always kept since it anchors parent selection.
func (e *Engine) prune() {
	if e.lastFinalized <= e.activity {
		return
	}

	floor := e.lastFinalized - e.activity
	for view := range e.rounds {
		if view < floor && view != e.lastFinalized {
			delete(e.rounds, view)
		}
	}
}

// interesting reports whether a message for the view should be processed.
// Certificates from any future view are accepted since they are how a
// lagging validator catches up. Votes are bounded to the activity window.
func (e *Engine) interesting(view uint64, certificate bool) bool {
	if view == 0 || view <= e.lastFinalized {
		return false
	}
	if view+e.activity < e.view {
		return false
	}
	if !certificate && view > e.view+e.activity {
		return false
	}
	return true
}

// untilDeadline returns the time to sleep before the current round needs
// attention.
func (e *Engine) untilDeadline() time.Duration {
	r, exists := e.rounds[e.view]
	if !exists {
		return idle
	}

	deadline := r.nextDeadline()
	if deadline.IsZero() {
		return idle
	}

	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================

// selectParent applies the parent rule: build on the highest notarized view
// below the view such that every view in between is nullified.
func (e *Engine) selectParent(view uint64) (Parent, bool) {
	for p := view - 1; ; p-- {
		if p == 0 {
			return Parent{View: 0, Payload: e.genesis}, true
		}

		r, exists := e.rounds[p]
		if !exists {
			return Parent{}, false
		}

		if payload, ok := r.notarized(); ok {
			return Parent{View: p, Payload: payload}, true
		}

		if r.nullification == nil || p <= e.lastFinalized {
			return Parent{}, false
		}
	}
}

// checkParent validates the parent of a proposal. It reports wait when the
// certificates needed to decide have not arrived yet.
func (e *Engine) checkParent(p Proposal) (parent Parent, valid bool, wait bool) {
	if p.Parent >= p.View || p.Parent < e.lastFinalized {
		return Parent{}, false, false
	}

	for v := p.Parent + 1; v < p.View; v++ {
		r, exists := e.rounds[v]
		if !exists || r.nullification == nil {
			return Parent{}, false, true
		}
	}

	if p.Parent == 0 {
		return Parent{View: 0, Payload: e.genesis}, true, false
	}

	r, exists := e.rounds[p.Parent]
	if !exists {
		return Parent{}, false, true
	}

	payload, ok := r.notarized()
	if !ok {
		return Parent{}, false, true
	}

	return Parent{View: p.Parent, Payload: payload}, true, false
}

// requestPropose asks the automaton for a payload without blocking the
// kernel.
func (e *Engine) requestPropose(ctx context.Context, r *round) {
	parent, ok := e.selectParent(r.view)
	if !ok {
		e.evHandler("consensus: propose: view[%d]: no parent available", r.view)
		return
	}

	rc := Context{View: r.view, Parent: parent, Leader: r.leader}

	go func() {
		fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()

		res := proposeResult{rc: rc}
		select {
		case res.payload, res.ok = <-e.automaton.Propose(fctx, rc):
		case <-fctx.Done():
		}

		select {
		case e.proposed <- res:
		case <-ctx.Done():
		}
	}()
}

// tryVerify asks the automaton to verify the leader's proposal for the
// current view once its parent can be checked.
func (e *Engine) tryVerify(ctx context.Context, r *round) {
	if r.view != e.view || r.proposal == nil || r.verifying || r.verified || r.sentNullify {
		return
	}

	parent, valid, wait := e.checkParent(*r.proposal)
	if wait {
		return
	}
	if !valid {
		e.evHandler("consensus: verify: view[%d]: invalid parent[%d]", r.view, r.proposal.Parent)
		return
	}

	r.verifying = true
	proposal := *r.proposal
	rc := Context{View: r.view, Parent: parent, Leader: r.leader}

	go func() {
		fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()

		res := verifyResult{proposal: proposal}
		select {
		case res.ok = <-e.automaton.Verify(fctx, rc, proposal.Payload):
		case <-fctx.Done():
		}

		select {
		case e.verified <- res:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleProposed(ctx context.Context, res proposeResult) error {
	r, exists := e.rounds[res.rc.View]
	if !exists || res.rc.View != e.view || r.proposal != nil || r.sentNullify {
		return nil
	}

	if !res.ok || res.payload == res.rc.Parent.Payload {
		e.evHandler("consensus: propose: view[%d]: automaton gave no payload", res.rc.View)
		return nil
	}

	p := Proposal{View: res.rc.View, Parent: res.rc.Parent.View, Payload: res.payload}
	r.proposal = &p
	r.verified = true

	e.evHandler("consensus: proposed: %s", p)

	e.relay.Broadcast(p.Payload)
	return e.castNotarize(ctx, r)
}

func (e *Engine) handleVerified(ctx context.Context, res verifyResult) error {
	r, exists := e.rounds[res.proposal.View]
	if !exists || r.proposal == nil || *r.proposal != res.proposal {
		return nil
	}
	r.verifying = false

	if !res.ok {
		e.evHandler("consensus: verify: view[%d]: payload rejected", r.view)
		return nil
	}
	r.verified = true

	if r.view != e.view || r.sentNullify {
		return nil
	}

	return e.castNotarize(ctx, r)
}

func (e *Engine) handleTimeout(ctx context.Context) {
	r, exists := e.rounds[e.view]
	if !exists || r.notarization != nil || r.nullification != nil || r.finalization != nil {
		return
	}

	now := time.Now()

	if r.sentNullify {
		if now.Before(r.retryDeadline) {
			return
		}
		e.evHandler("consensus: timeout: view[%d]: rebroadcast nullify", r.view)
		r.retryDeadline = now.Add(e.nullifyRetry)
		if n, exists := r.nullifies[e.signer.index]; exists {
			e.network.Broadcast(Message{Nullify: &n})
		}
		e.rebroadcastCertificates()
		return
	}

	switch {
	case r.proposal == nil && !now.Before(r.leaderDeadline):
		e.evHandler("consensus: timeout: view[%d]: no proposal from leader[%d]", r.view, r.leader)
	case !now.Before(r.advanceDeadline):
		e.evHandler("consensus: timeout: view[%d]: not notarized", r.view)
	default:
		return
	}

	e.castNullify(ctx, r)
}

// rebroadcastCertificates resends the certificates that let a lagging
// validator catch up to the current view.
func (e *Engine) rebroadcastCertificates() {
	if r, exists := e.rounds[e.lastFinalized]; exists && r.finalization != nil {
		e.network.Broadcast(Message{Finalization: r.finalization})
	}

	if r, exists := e.rounds[e.view-1]; exists {
		switch {
		case r.notarization != nil:
			e.network.Broadcast(Message{Notarization: r.notarization})
		case r.nullification != nil:
			e.network.Broadcast(Message{Nullification: r.nullification})
		}
	}
}

// =============================================================================

func (e *Engine) castNotarize(ctx context.Context, r *round) error {
	if r.sentNotarize || r.proposal == nil {
		return nil
	}

	n, err := e.signer.notarize(*r.proposal)
	if err != nil {
		e.evHandler("consensus: notarize: ERROR: %s", err)
		return nil
	}
	r.sentNotarize = true

	e.network.Broadcast(Message{Notarize: &n})
	return e.onNotarize(ctx, n)
}

func (e *Engine) castNullify(ctx context.Context, r *round) {
	if r.sentNullify {
		return
	}

	n, err := e.signer.nullify(r.view)
	if err != nil {
		e.evHandler("consensus: nullify: ERROR: %s", err)
		return
	}
	r.sentNullify = true
	r.retryDeadline = time.Now().Add(e.nullifyRetry)

	e.network.Broadcast(Message{Nullify: &n})
	e.onNullify(ctx, n)
}

func (e *Engine) castFinalize(ctx context.Context, r *round, p Proposal) error {
	if r.sentFinalize || r.sentNullify {
		return nil
	}

	f, err := e.signer.finalize(p)
	if err != nil {
		e.evHandler("consensus: finalize: ERROR: %s", err)
		return nil
	}
	r.sentFinalize = true

	e.network.Broadcast(Message{Finalize: &f})
	return e.onFinalize(ctx, f)
}

// =============================================================================

// handleMessage verifies an inbound message and applies it. Only a failure
// to report a finalization is returned.
func (e *Engine) handleMessage(ctx context.Context, msg Message) error {
	view := msg.View()
	if !e.interesting(view, msg.Notarize == nil && msg.Nullify == nil && msg.Finalize == nil) {
		return nil
	}

	var err error
	switch {
	case msg.Notarize != nil:
		if err = e.verifier.VerifyNotarize(*msg.Notarize); err == nil {
			return e.onNotarize(ctx, *msg.Notarize)
		}

	case msg.Nullify != nil:
		if err = e.verifier.VerifyNullify(*msg.Nullify); err == nil {
			e.onNullify(ctx, *msg.Nullify)
		}

	case msg.Finalize != nil:
		if err = e.verifier.VerifyFinalize(*msg.Finalize); err == nil {
			return e.onFinalize(ctx, *msg.Finalize)
		}

	case msg.Notarization != nil:
		if r, exists := e.rounds[view]; exists && r.notarization != nil {
			return nil
		}
		if err = e.verifier.VerifyNotarization(*msg.Notarization); err == nil {
			return e.onNotarization(ctx, *msg.Notarization, false)
		}

	case msg.Nullification != nil:
		if r, exists := e.rounds[view]; exists && r.nullification != nil {
			return nil
		}
		if err = e.verifier.VerifyNullification(*msg.Nullification); err == nil {
			e.onNullification(ctx, *msg.Nullification, false)
		}

	case msg.Finalization != nil:
		if err = e.verifier.VerifyFinalization(*msg.Finalization); err == nil {
			return e.onFinalization(ctx, *msg.Finalization)
		}

	default:
		err = ErrInvalidMessage
	}

	if err != nil {
		e.evHandler("consensus: message: dropped %s view[%d]: %s", msg.Kind(), view, err)
	}

	return nil
}

func (e *Engine) markActive(signer uint32, view uint64) {
	if view > e.lastActive[signer] {
		e.lastActive[signer] = view
	}
}

func (e *Engine) onNotarize(ctx context.Context, n Notarize) error {
	r := e.round(n.Proposal.View)
	if _, exists := r.notarizes[n.Signer]; exists {
		return nil
	}
	r.notarizes[n.Signer] = n
	e.markActive(n.Signer, r.view)

	// The leader's vote carries its proposal.
	if n.Signer == r.leader && r.proposal == nil {
		p := n.Proposal
		r.proposal = &p
		e.tryVerify(ctx, r)
	}

	if r.notarization != nil {
		return nil
	}

	signers, sigs := r.notarizesFor(n.Proposal)
	if len(signers) < e.verifier.Quorum() {
		return nil
	}

	bs, sig, err := aggregate(e.verifier.Validators(), signers, sigs)
	if err != nil {
		e.evHandler("consensus: notarization: ERROR: %s", err)
		return nil
	}

	c := Notarization{Proposal: n.Proposal, Signers: bs, Signature: sig}
	e.network.Broadcast(Message{Notarization: &c})
	return e.onNotarization(ctx, c, true)
}

func (e *Engine) onNullify(ctx context.Context, n Nullify) {
	r := e.round(n.View)
	if _, exists := r.nullifies[n.Signer]; exists {
		return
	}
	r.nullifies[n.Signer] = n
	e.markActive(n.Signer, r.view)

	if r.nullification != nil || len(r.nullifies) < e.verifier.Quorum() {
		return
	}

	signers := make([]uint32, 0, len(r.nullifies))
	sigs := make([]signature.BLSSignature, 0, len(r.nullifies))
	for s, v := range r.nullifies {
		signers = append(signers, s)
		sigs = append(sigs, v.Signature)
	}

	bs, sig, err := aggregate(e.verifier.Validators(), signers, sigs)
	if err != nil {
		e.evHandler("consensus: nullification: ERROR: %s", err)
		return
	}

	c := Nullification{View: n.View, Signers: bs, Signature: sig}
	e.network.Broadcast(Message{Nullification: &c})
	e.onNullification(ctx, c, true)
}

func (e *Engine) onFinalize(ctx context.Context, f Finalize) error {
	r := e.round(f.Proposal.View)
	if _, exists := r.finalizes[f.Signer]; exists {
		return nil
	}
	r.finalizes[f.Signer] = f
	e.markActive(f.Signer, r.view)

	if r.finalization != nil {
		return nil
	}

	signers, sigs := r.finalizesFor(f.Proposal)
	if len(signers) < e.verifier.Quorum() {
		return nil
	}

	bs, sig, err := aggregate(e.verifier.Validators(), signers, sigs)
	if err != nil {
		e.evHandler("consensus: finalization: ERROR: %s", err)
		return nil
	}

	c := Finalization{Proposal: f.Proposal, Signers: bs, Signature: sig}
	e.network.Broadcast(Message{Finalization: &c})
	return e.onFinalization(ctx, c)
}

func (e *Engine) onNotarization(ctx context.Context, c Notarization, local bool) error {
	r := e.round(c.Proposal.View)
	if r.notarization != nil {
		return nil
	}
	r.notarization = &c
	if r.proposal == nil {
		p := c.Proposal
		r.proposal = &p
	}

	if !local {
		e.evHandler("consensus: notarized: %s", c.Proposal)
	} else {
		e.evHandler("consensus: notarized: %s: assembled", c.Proposal)
	}

	if err := e.castFinalize(ctx, r, c.Proposal); err != nil {
		return err
	}

	e.enterView(ctx, r.view+1)
	e.tryVerify(ctx, e.round(e.view))

	return nil
}

func (e *Engine) onNullification(ctx context.Context, c Nullification, local bool) {
	r := e.round(c.View)
	if r.nullification != nil {
		return
	}
	r.nullification = &c

	e.evHandler("consensus: nullified: view[%d] local[%t]", c.View, local)

	e.enterView(ctx, r.view+1)
	e.tryVerify(ctx, e.round(e.view))
}

// onFinalization reports the finalization and blocks until it has been
// acknowledged.
func (e *Engine) onFinalization(ctx context.Context, c Finalization) error {
	if c.Proposal.View <= e.lastFinalized {
		return nil
	}

	r := e.round(c.Proposal.View)
	r.finalization = &c
	if r.proposal == nil {
		p := c.Proposal
		r.proposal = &p
	}

	e.evHandler("consensus: finalized: %s", c.Proposal)

	if err := e.reporter.Report(ctx, c); err != nil {
		return fmt.Errorf("report finalization view[%d]: %w", c.Proposal.View, err)
	}

	e.lastFinalized = c.Proposal.View
	e.statusFinalized.Store(c.Proposal.View)

	e.enterView(ctx, r.view+1)
	e.prune()
	e.tryVerify(ctx, e.round(e.view))

	return nil
}

// =============================================================================

type noRelay struct{}

func (noRelay) Broadcast(signature.Digest) {}
