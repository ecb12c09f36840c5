// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ardanlabs/casino/business/web/errs"
	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/web"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log         *zap.SugaredLogger
	Self        peer.Peer
	State       *state.State
	Engine      *consensus.Engine
	Marshal     *marshal.Marshal
	Aggregation *aggregation.Service
	Transport   *peer.Transport
}

// Status returns how far along this node is.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	cs := h.Engine.Status()

	status := peer.Status{
		Name:       h.Self.Name,
		View:       cs.View,
		Finalized:  h.Marshal.Tip(),
		Contiguous: h.Marshal.Contiguous(),
		Executed:   h.State.QueryExecutedHeight(),
		Certified:  h.Aggregation.Processed(),
		Mempool:    h.State.QueryMempoolLength(),
		KnownPeers: h.Transport.Peers(),
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// Consensus accepts a vote or certificate from another validator.
func (h Handlers) Consensus(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg consensus.Message
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	channel := peer.Votes
	switch {
	case msg.Notarization != nil, msg.Nullification != nil, msg.Finalization != nil:
		channel = peer.Certificates
	}

	if !h.Transport.Allow(channel, source(r)) {
		return errs.TooManyRequests(string(channel))
	}

	if err := h.Engine.Deliver(ctx, msg); err != nil {
		if errors.Is(err, consensus.ErrShuttingDown) {
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}
		return err
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// ProposedBlock accepts the body of a block a leader proposed.
func (h Handlers) ProposedBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Transport.Allow(peer.Blocks, source(r)) {
		return errs.TooManyRequests(string(peer.Blocks))
	}

	var msg peer.BlockMessage
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	block, err := database.DecodeBlock(msg.Block)
	if err != nil {
		return errs.BadRequest("decoding block: %s", err)
	}

	h.Marshal.Put(block)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Partial accepts another validator's signature over a summary.
func (h Handlers) Partial(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Transport.Allow(peer.Aggregation, source(r)) {
		return errs.TooManyRequests(string(peer.Aggregation))
	}

	var p aggregation.Partial
	if err := web.Decode(r, &p); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := h.Aggregation.AddPartial(ctx, p); err != nil {
		switch {
		case errors.Is(err, aggregation.ErrInvalidPartial):
			return errs.NewTrusted(err, http.StatusBadRequest)
		case errors.Is(err, aggregation.ErrShuttingDown):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}
		return err
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// SubmitNodeTransaction adds a transaction shared by another validator to
// the mempool. Transactions this node already has are not an error.
func (h Handlers) SubmitNodeTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Transport.Allow(peer.Transactions, source(r)) {
		return errs.TooManyRequests(string(peer.Transactions))
	}

	var msg peer.TransactionMessage
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	tx, err := database.DecodeTransaction(msg.Tx)
	if err != nil {
		return errs.BadRequest("decoding transaction: %s", err)
	}

	if err := h.State.UpsertNodeTransaction(ctx, tx); err != nil {
		switch {
		case errors.Is(err, mempool.ErrDuplicate), errors.Is(err, mempool.ErrNonceTooLow):
		case errors.Is(err, signature.ErrInvalidSignature), errors.Is(err, mempool.ErrBacklogFull):
			return errs.NewTrusted(err, http.StatusBadRequest)
		case errors.Is(err, mempool.ErrMempoolFull), errors.Is(err, state.ErrShuttingDown):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		default:
			return err
		}
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Finalized serves finalized history starting at the height to a peer that
// fell behind.
func (h Handlers) Finalized(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Transport.Allow(peer.Backfill, source(r)) {
		return errs.TooManyRequests(string(peer.Backfill))
	}

	from, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil || from == 0 {
		return errs.BadRequest("invalid height %q", web.Param(r, "height"))
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			return errs.BadRequest("invalid limit %q", s)
		}
	}

	entries, err := h.Marshal.Finalized(from, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errs.NotFound("nothing finalized from height %d", from)
	}

	return web.Respond(ctx, w, entries, http.StatusOK)
}

// Block serves the body of a finalized or pending block.
func (h Handlers) Block(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if !h.Transport.Allow(peer.Backfill, source(r)) {
		return errs.TooManyRequests(string(peer.Backfill))
	}

	b, err := hexutil.Decode(web.Param(r, "digest"))
	if err != nil || len(b) != len(signature.Digest{}) {
		return errs.BadRequest("invalid digest %q", web.Param(r, "digest"))
	}

	block, err := h.Marshal.Block(signature.Digest(b))
	if err != nil {
		if errors.Is(err, marshal.ErrNotFound) {
			return errs.NotFound("block %s not found", web.Param(r, "digest"))
		}
		return err
	}

	data, err := block.Encode()
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, peer.BlockMessage{Block: data}, http.StatusOK)
}

// source identifies the validator behind a request by its address without
// the port, which changes from one connection to the next.
func source(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
