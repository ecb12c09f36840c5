// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ardanlabs/casino/business/web/errs"
	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/events"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/ardanlabs/casino/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public node endpoints.
type Handlers struct {
	Log         *zap.SugaredLogger
	Genesis     genesis.Genesis
	State       *state.State
	Aggregation *aggregation.Service
	NS          *nameservice.NameService
	WS          websocket.Upgrader
	Evts        *events.Events
}

// Events handles a web socket to provide events to a client. The filter
// query parameter takes a comma separated list of event prefixes.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var prefixes []string
	if filter := r.URL.Query().Get("filter"); filter != "" {
		prefixes = strings.Split(filter, ",")
	}

	ch := h.Evts.Acquire(v.TraceID, prefixes...)
	defer func() {
		if dropped, err := h.Evts.Release(v.TraceID); err == nil && dropped > 0 {
			h.Log.Infow("events", "traceid", v.TraceID, "dropped", dropped)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// GenesisInfo returns the genesis information.
func (h Handlers) GenesisInfo(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Genesis, http.StatusOK)
}

// SubmitTransaction adds a signed transaction to the mempool. The
// transaction is shared with the other validators once admitted.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var req submitTx
	if err := web.Decode(r, &req); err != nil {
		return err
	}

	tx, err := database.DecodeTransactionHex(req.Tx)
	if err != nil {
		return errs.BadRequest("decoding transaction: %s", err)
	}

	h.Log.Infow("submit tx", "traceid", v.TraceID, "account", h.NS.Lookup(tx.PublicKey), "nonce", tx.Nonce, "instruction", instructionName(tx.Instruction))

	if err := h.State.UpsertWalletTransaction(ctx, tx); err != nil {
		switch {
		case errors.Is(err, signature.ErrInvalidSignature),
			errors.Is(err, mempool.ErrNonceTooLow),
			errors.Is(err, mempool.ErrDuplicate),
			errors.Is(err, mempool.ErrBacklogFull):
			return errs.NewTrusted(err, http.StatusBadRequest)

		case errors.Is(err, mempool.ErrMempoolFull):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)

		case errors.Is(err, state.ErrShuttingDown):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}
		return err
	}

	resp := submitted{
		Status: "transaction added to mempool",
		Digest: tx.Digest(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Account returns the account by name or key with the proof of its last
// update against the current state root.
func (h Handlers) Account(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	pk, err := h.NS.Resolve(web.Param(r, "account"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	acct, lk, err := h.State.QueryAccount(pk)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return errs.NotFound("account %s not found", pk)
		}
		return err
	}

	resp := account{
		Account: pk,
		Name:    h.NS.Lookup(pk),
		Nonce:   acct.Nonce,
		Balance: acct.Balance,
		Proof:   lk,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// EventsAt returns what the block at the height appended to the events log
// with its proof, and the certificate over the summary once assembled.
func (h Handlers) EventsAt(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := parseHeight(r)
	if err != nil {
		return err
	}

	seg, err := h.segment(height, oplog.LogEvents)
	if err != nil {
		return err
	}

	for _, b := range seg.Operations {
		op, err := oplog.DecodeOperation(b)
		if err != nil {
			return err
		}
		if op.Kind != oplog.KindAppend {
			continue
		}

		e, err := database.DecodeEvent(op.Value)
		if err != nil {
			return err
		}
		seg.Events = append(seg.Events, event{Name: e.Name(), Data: e})
	}

	return web.Respond(ctx, w, seg, http.StatusOK)
}

// StateAt returns the operations the block at the height wrote to the
// state log with their proof.
func (h Handlers) StateAt(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := parseHeight(r)
	if err != nil {
		return err
	}

	seg, err := h.segment(height, oplog.LogState)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, seg, http.StatusOK)
}

// Certificate returns the quorum certificate over the summary at the height.
func (h Handlers) Certificate(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := parseHeight(r)
	if err != nil {
		return err
	}

	cert, err := h.Aggregation.Certificate(height)
	if err != nil {
		if errors.Is(err, aggregation.ErrNotFound) {
			return errs.NotFound("height %d not certified", height)
		}
		return err
	}

	sum, err := h.Aggregation.Summary(height)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, certificate{Summary: sum, Certificate: cert}, http.StatusOK)
}

// MempoolCount returns the number of pending transactions.
func (h Handlers) MempoolCount(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, mempoolCount{Count: h.State.QueryMempoolLength()}, http.StatusOK)
}

// Mempool returns the set of pending transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	pool := h.State.QueryMempool()

	txs := make([]tx, len(pool))
	for i, t := range pool {
		txs[i] = tx{
			Account:     t.PublicKey,
			Name:        h.NS.Lookup(t.PublicKey),
			Nonce:       t.Nonce,
			Instruction: instructionName(t.Instruction),
			Digest:      t.Digest(),
		}
	}

	return web.Respond(ctx, w, txs, http.StatusOK)
}

// =============================================================================

func (h Handlers) segment(height uint64, log oplog.Log) (segment, error) {
	seg, err := h.State.QuerySegment(height, log)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return segment{}, errs.NotFound("height %d not executed", height)
		}
		return segment{}, err
	}

	resp := segment{Segment: seg}
	if cert, err := h.Aggregation.Certificate(height); err == nil {
		resp.Certificate = &cert
	}

	return resp, nil
}

func parseHeight(r *http.Request) (uint64, error) {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil || height == 0 {
		return 0, errs.BadRequest("invalid height %q", web.Param(r, "height"))
	}
	return height, nil
}

func instructionName(ins database.Instruction) string {
	switch ins := ins.(type) {
	case database.Register:
		return fmt.Sprintf("register[%s]", ins.Name)
	case database.Deposit:
		return fmt.Sprintf("deposit[%d]", ins.Amount)
	case database.Transfer:
		return fmt.Sprintf("transfer[%d]", ins.Amount)
	case database.Wager:
		return fmt.Sprintf("wager[%d]", ins.Amount)
	}
	return "unknown"
}
