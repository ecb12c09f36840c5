package private

import (
	"net/http"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/web"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log         *zap.SugaredLogger
	Self        peer.Peer
	State       *state.State
	Engine      *consensus.Engine
	Marshal     *marshal.Marshal
	Aggregation *aggregation.Service
	Transport   *peer.Transport
}

// Routes binds all the private routes.
func Routes(app *web.App, cfg Config) {
	prv := Handlers{
		Log:         cfg.Log,
		Self:        cfg.Self,
		State:       cfg.State,
		Engine:      cfg.Engine,
		Marshal:     cfg.Marshal,
		Aggregation: cfg.Aggregation,
		Transport:   cfg.Transport,
	}

	const version = "v1"

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/consensus", prv.Consensus)
	app.Handle(http.MethodPost, version, "/node/block", prv.ProposedBlock)
	app.Handle(http.MethodPost, version, "/node/partial", prv.Partial)
	app.Handle(http.MethodPost, version, "/node/tx", prv.SubmitNodeTransaction)
	app.Handle(http.MethodGet, version, "/node/finalized/:height", prv.Finalized)
	app.Handle(http.MethodGet, version, "/node/block/:digest", prv.Block)
}
