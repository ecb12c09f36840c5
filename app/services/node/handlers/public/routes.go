package public

import (
	"net/http"

	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/events"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/ardanlabs/casino/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log         *zap.SugaredLogger
	Genesis     genesis.Genesis
	State       *state.State
	Aggregation *aggregation.Service
	NS          *nameservice.NameService
	Evts        *events.Events
}

// Routes binds all the public routes.
func Routes(app *web.App, cfg Config) {
	pbl := Handlers{
		Log:         cfg.Log,
		Genesis:     cfg.Genesis,
		State:       cfg.State,
		Aggregation: cfg.Aggregation,
		NS:          cfg.NS,
		WS:          websocket.Upgrader{},
		Evts:        cfg.Evts,
	}

	const version = "v1"

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis", pbl.GenesisInfo)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTransaction)
	app.Handle(http.MethodGet, version, "/account/:account", pbl.Account)
	app.Handle(http.MethodGet, version, "/events/:height", pbl.EventsAt)
	app.Handle(http.MethodGet, version, "/state/:height", pbl.StateAt)
	app.Handle(http.MethodGet, version, "/certificate/:height", pbl.Certificate)
	app.Handle(http.MethodGet, version, "/mempool/count", pbl.MempoolCount)
	app.Handle(http.MethodGet, version, "/mempool", pbl.Mempool)
}
