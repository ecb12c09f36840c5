// Package handlers manages the different versions of the API.
package handlers

import (
	"context"
	"expvar"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/ardanlabs/casino/app/services/node/handlers/debug/checkgrp"
	"github.com/ardanlabs/casino/app/services/node/handlers/private"
	"github.com/ardanlabs/casino/app/services/node/handlers/public"
	"github.com/ardanlabs/casino/business/web/mid"
	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/events"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/ardanlabs/casino/foundation/web"
	"go.uber.org/zap"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown    chan os.Signal
	Log         *zap.SugaredLogger
	Self        peer.Peer
	Genesis     genesis.Genesis
	State       *state.State
	Engine      *consensus.Engine
	Marshal     *marshal.Marshal
	Aggregation *aggregation.Service
	Transport   *peer.Transport
	Metrics     *metrics.Metrics
	NS          *nameservice.NameService
	Evts        *events.Events
}

// PublicMux constructs a http.Handler with all application routes defined.
func PublicMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Metrics("public", cfg.Metrics),
		mid.Errors(cfg.Log),
		mid.Cors("*"),
		mid.Panics(cfg.Metrics),
	)

	// Accept CORS 'OPTIONS' preflight requests.
	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return nil
	}
	app.Handle(http.MethodOptions, "", "/*", h, mid.Cors("*"))

	public.Routes(app, public.Config{
		Log:         cfg.Log,
		Genesis:     cfg.Genesis,
		State:       cfg.State,
		Aggregation: cfg.Aggregation,
		NS:          cfg.NS,
		Evts:        cfg.Evts,
	})

	return app
}

// PrivateMux constructs a http.Handler with all the node to node routes.
func PrivateMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Metrics("private", cfg.Metrics),
		mid.Errors(cfg.Log),
		mid.Panics(cfg.Metrics),
	)

	private.Routes(app, private.Config{
		Log:         cfg.Log,
		Self:        cfg.Self,
		State:       cfg.State,
		Engine:      cfg.Engine,
		Marshal:     cfg.Marshal,
		Aggregation: cfg.Aggregation,
		Transport:   cfg.Transport,
	})

	return app
}

// DebugStandardLibraryMux registers all the debug routes from the standard library
// into a new mux bypassing the use of the DefaultServerMux. Using the
// DefaultServerMux would be a security risk since a dependency could inject a
// handler into our service without us knowing it.
func DebugStandardLibraryMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Register all the standard library debug endpoints.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux
}

// DebugConfig contains what the debug routes need.
type DebugConfig struct {
	Build       string
	Log         *zap.SugaredLogger
	Ready       func() error
	Metrics     http.Handler
	MetricsUser string
	MetricsPass string
}

// DebugMux registers all the debug standard library routes and then custom
// debug application routes for the service. This bypassing the use of the
// DefaultServerMux. Using the DefaultServerMux would be a security risk since
// a dependency could inject a handler into our service without us knowing it.
func DebugMux(cfg DebugConfig) http.Handler {
	mux := DebugStandardLibraryMux()

	// Register debug check endpoints.
	cgh := checkgrp.Handlers{
		Build: cfg.Build,
		Log:   cfg.Log,
		Ready: cfg.Ready,
	}
	mux.HandleFunc("/debug/readiness", cgh.Readiness)
	mux.HandleFunc("/debug/liveness", cgh.Liveness)

	if cfg.Metrics != nil {
		mux.Handle("/metrics", mid.BasicAuth(cfg.MetricsUser, cfg.MetricsPass, cfg.Metrics))
	}

	return mux
}
