package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/casino/app/services/node/handlers"
	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/marshal"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
	"github.com/ardanlabs/casino/foundation/blockchain/worker"
	"github.com/ardanlabs/casino/foundation/events"
	"github.com/ardanlabs/casino/foundation/logger"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/ardanlabs/conf/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

// limit is the configuration of one network channel. Zero values take the
// channel default.
type limit struct {
	Rate    float64
	Burst   int
	Backlog int
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Identity struct {
			Name   string `conf:"default:validator0"`
			Folder string `conf:"default:zblock/keys/"`
		}
		Genesis struct {
			Path string `conf:"default:zblock/genesis.json"`
		}
		Consensus struct {
			LeaderTimeout       time.Duration `conf:"default:1s"`
			NotarizationTimeout time.Duration `conf:"default:2s"`
			NullifyRetry        time.Duration `conf:"default:10s"`
			FetchTimeout        time.Duration `conf:"default:2s"`
			ActivityTimeout     uint64        `conf:"default:256"`
			SkipTimeout         uint64        `conf:"default:32"`
			MailboxSize         int           `conf:"default:1024"`
		}
		Mempool struct {
			MaxBacklog      uint64        `conf:"default:16"`
			MaxTransactions int           `conf:"default:65536"`
			MaxAge          time.Duration `conf:"default:5m"`
			Strategy        string        `conf:"default:roundrobin"`
		}
		Caches struct {
			NonceSize    int           `conf:"default:65536"`
			NonceTTL     time.Duration `conf:"default:10m"`
			AncestrySize int           `conf:"default:1024"`
			AncestryTTL  time.Duration `conf:"default:10m"`
		}
		Storage struct {
			OplogPath        string `conf:"default:zblock/oplog"`
			ArchivePath      string `conf:"default:zblock/archive.db"`
			CertificatesPath string `conf:"default:zblock/certificates.db"`
		}
		Marshal struct {
			Retention        uint64        `conf:"default:0"`
			MaxRepair        int           `conf:"default:64"`
			ViewRetention    uint64        `conf:"default:256"`
			NearTip          uint64        `conf:"default:16"`
			PendingSize      int           `conf:"default:1024"`
			BackfillInterval time.Duration `conf:"default:5s"`
		}
		Aggregation struct {
			Indexer     string        `conf:"default:http://localhost:8090"`
			RetryMin    time.Duration `conf:"default:250ms"`
			RetryMax    time.Duration `conf:"default:30s"`
			Rebroadcast time.Duration `conf:"default:5s"`
			CacheSize   int           `conf:"default:256"`
			Window      uint64        `conf:"default:256"`
		}
		Network struct {
			Timeout      time.Duration `conf:"default:5s"`
			Votes        limit
			Certificates limit
			Blocks       limit
			Backfill     limit
			Aggregation  limit
			Transactions limit
		}
		Metrics struct {
			User     string `conf:"default:admin"`
			Password string `conf:"default:admin,mask"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "casino validator node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Name Service Support

	// The nameservice package provides name resolution for account keys.
	// The names come from the file names in the key folder.
	ns, err := nameservice.New(cfg.Identity.Folder)
	if err != nil {
		return fmt.Errorf("unable to load account name service: %w", err)
	}

	// Logging the accounts for documentation in the logs.
	for account, name := range ns.Copy() {
		log.Infow("startup", "status", "nameservice", "name", name, "account", account)
	}

	// =========================================================================
	// Identity and Genesis

	gen, err := genesis.Load(cfg.Genesis.Path)
	if err != nil {
		return fmt.Errorf("unable to load genesis: %w", err)
	}

	index, err := gen.Index(cfg.Identity.Name)
	if err != nil {
		return fmt.Errorf("unable to find validator in genesis: %w", err)
	}

	signer, err := nameservice.LoadValidator(cfg.Identity.Folder, cfg.Identity.Name)
	if err != nil {
		return fmt.Errorf("unable to load validator key: %w", err)
	}

	if !signer.PublicKey().Equal(gen.Validators[index].BLSKey) {
		return fmt.Errorf("validator key for %q does not match genesis", cfg.Identity.Name)
	}

	log.Infow("startup", "status", "identity", "name", cfg.Identity.Name, "index", index, "validators", len(gen.Validators), "namespace", gen.Namespace)

	// A peer set is the fixed validator set from genesis so votes, blocks,
	// and partials can be shared.
	peerSet := peer.NewPeerSet()
	for i, v := range gen.Validators {
		peerSet.Add(peer.New(v.Name, v.Host, uint32(i)))
	}
	self := peer.New(cfg.Identity.Name, gen.Validators[index].Host, index)

	// =========================================================================
	// Blockchain Support

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mtr, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	for _, dir := range []string{cfg.Storage.OplogPath, filepath.Dir(cfg.Storage.ArchivePath), filepath.Dir(cfg.Storage.CertificatesPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating storage folder: %w", err)
		}
	}

	store, err := oplog.Open(oplog.Config{
		Path:      cfg.Storage.OplogPath,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("opening operation log: %w", err)
	}
	defer store.Close()

	pool, err := mempool.New(mempool.Config{
		MaxBacklog:      cfg.Mempool.MaxBacklog,
		MaxTransactions: cfg.Mempool.MaxTransactions,
		MaxAge:          cfg.Mempool.MaxAge,
		Strategy:        cfg.Mempool.Strategy,
	})
	if err != nil {
		return fmt.Errorf("constructing mempool: %w", err)
	}

	transport := peer.NewTransport(peer.Config{
		Self:  self,
		Peers: peerSet,
		Limits: limits(map[peer.Channel]limit{
			peer.Votes:        cfg.Network.Votes,
			peer.Certificates: cfg.Network.Certificates,
			peer.Blocks:       cfg.Network.Blocks,
			peer.Backfill:     cfg.Network.Backfill,
			peer.Aggregation:  cfg.Network.Aggregation,
			peer.Transactions: cfg.Network.Transactions,
		}),
		Timeout:   cfg.Network.Timeout,
		Metrics:   mtr,
		EvHandler: ev,
	})

	agg, err := aggregation.New(aggregation.Config{
		Namespace:   gen.Namespace,
		Validators:  gen.Keys(),
		Signer:      signer,
		Index:       index,
		Path:        cfg.Storage.CertificatesPath,
		Network:     transport,
		Indexer:     cfg.Aggregation.Indexer,
		RetryMin:    cfg.Aggregation.RetryMin,
		RetryMax:    cfg.Aggregation.RetryMax,
		Rebroadcast: cfg.Aggregation.Rebroadcast,
		CacheSize:   cfg.Aggregation.CacheSize,
		Window:      cfg.Aggregation.Window,
		Metrics:     mtr,
		EvHandler:   ev,
	})
	if err != nil {
		return fmt.Errorf("constructing aggregation: %w", err)
	}
	defer agg.Close()

	verifier := consensus.NewVerifier(gen.Namespace, gen.Keys())

	// The marshal delivers finalized blocks to the execution actor, which in
	// turn reads block bodies from the marshal.
	app := application{}

	mar, err := marshal.New(marshal.Config{
		Genesis:          gen.Block(),
		Verifier:         verifier,
		Path:             cfg.Storage.ArchivePath,
		Application:      &app,
		Resolver:         transport,
		Broadcaster:      transport,
		Metrics:          mtr,
		Retention:        cfg.Marshal.Retention,
		MaxRepair:        cfg.Marshal.MaxRepair,
		ViewRetention:    cfg.Marshal.ViewRetention,
		NearTip:          cfg.Marshal.NearTip,
		PendingSize:      cfg.Marshal.PendingSize,
		FetchTimeout:     cfg.Consensus.FetchTimeout,
		BackfillInterval: cfg.Marshal.BackfillInterval,
		EvHandler:        ev,
	})
	if err != nil {
		return fmt.Errorf("constructing marshal: %w", err)
	}
	defer mar.Close()

	st, err := state.New(state.Config{
		Genesis:           gen,
		Store:             store,
		Mempool:           pool,
		Archive:           mar,
		Aggregator:        agg,
		Gossip:            transport,
		Metrics:           mtr,
		MailboxSize:       cfg.Consensus.MailboxSize,
		FetchTimeout:      cfg.Consensus.FetchTimeout,
		NonceCacheSize:    cfg.Caches.NonceSize,
		NonceCacheTTL:     cfg.Caches.NonceTTL,
		AncestryCacheSize: cfg.Caches.AncestrySize,
		AncestryCacheTTL:  cfg.Caches.AncestryTTL,
		EvHandler:         ev,
	})
	if err != nil {
		return fmt.Errorf("constructing state: %w", err)
	}
	app.state = st

	last, err := mar.Last()
	if err != nil {
		return fmt.Errorf("reading last finalization: %w", err)
	}

	engine, err := consensus.New(consensus.Config{
		Namespace:           gen.Namespace,
		Validators:          gen.Keys(),
		Signer:              signer,
		Index:               index,
		Epoch:               gen.Epoch,
		Last:                last,
		Automaton:           st,
		Relay:               st,
		Reporter:            mar,
		Network:             transport,
		LeaderTimeout:       cfg.Consensus.LeaderTimeout,
		NotarizationTimeout: cfg.Consensus.NotarizationTimeout,
		NullifyRetry:        cfg.Consensus.NullifyRetry,
		FetchTimeout:        cfg.Consensus.FetchTimeout,
		ActivityTimeout:     cfg.Consensus.ActivityTimeout,
		SkipTimeout:         cfg.Consensus.SkipTimeout,
		MailboxSize:         cfg.Consensus.MailboxSize,
		EvHandler:           ev,
	})
	if err != nil {
		return fmt.Errorf("constructing consensus: %w", err)
	}

	// The worker package supervises the long-lived tasks. If any of them
	// stops the node shuts down.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Run(ctx, ev,
			worker.Task{Name: "network", Run: transport.Run},
			worker.Task{Name: "aggregation", Run: agg.Run},
			worker.Task{Name: "marshal", Run: mar.Run},
			worker.Task{Name: "state", Run: st.Run},
			worker.Task{Name: "consensus", Run: engine.Run},
		)
	}()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(handlers.DebugConfig{
		Build:       build,
		Log:         log,
		Ready:       ready(engine, mar, uint64(cfg.Marshal.MaxRepair)),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MetricsUser: cfg.Metrics.User,
		MetricsPass: cfg.Metrics.Password,
	})

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 2)

	muxCfg := handlers.MuxConfig{
		Shutdown:    shutdown,
		Log:         log,
		Self:        self,
		Genesis:     gen,
		State:       st,
		Engine:      engine,
		Marshal:     mar,
		Aggregation: agg,
		Transport:   transport,
		Metrics:     mtr,
		NS:          ns,
		Evts:        evts,
	}

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      handlers.PublicMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      handlers.PrivateMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)

	case err := <-workerErrors:
		runErr = fmt.Errorf("worker error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)
	}

	// Release any web sockets that are currently active.
	log.Infow("shutdown", "status", "shutdown web socket channels")
	evts.Shutdown()

	// Give outstanding requests a deadline for completion.
	sctx, scancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer scancel()

	// Asking listeners to shut down and shed load.
	log.Infow("shutdown", "status", "shutdown private API started")
	if err := private.Shutdown(sctx); err != nil {
		private.Close()
	}

	log.Infow("shutdown", "status", "shutdown public API started")
	if err := public.Shutdown(sctx); err != nil {
		public.Close()
	}

	// Stop the core tasks. Storage is closed by the deferred calls once they
	// have all returned.
	log.Infow("shutdown", "status", "shutdown core tasks started")
	cancel()
	if runErr == nil {
		if err := <-workerErrors; err != nil {
			runErr = fmt.Errorf("worker error: %w", err)
		}
	}

	return runErr
}

// =============================================================================

// application hands finalized blocks from the marshal to the execution
// actor, which is constructed after the marshal.
type application struct {
	state *state.State
}

// Finalized implements the marshal application.
func (a *application) Finalized(ctx context.Context, block database.Block) error {
	return a.state.Finalized(ctx, block)
}

// ready reports the node ready once consensus has entered a view and the
// archive is within one repair batch of the finalized tip.
func ready(engine *consensus.Engine, mar *marshal.Marshal, lag uint64) func() error {
	return func() error {
		if engine.Status().View == 0 {
			return errors.New("consensus not started")
		}
		if tip, contiguous := mar.Tip(), mar.Contiguous(); tip > contiguous+lag {
			return fmt.Errorf("backfilling: contiguous[%d] tip[%d]", contiguous, tip)
		}
		return nil
	}
}

// limits converts the channel configuration, keeping the defaults for
// anything left at zero.
func limits(cfg map[peer.Channel]limit) map[peer.Channel]peer.Limit {
	out := make(map[peer.Channel]peer.Limit, len(cfg))
	for name, l := range cfg {
		def := peer.DefaultLimits[name]
		if l.Rate > 0 {
			def.Rate = rate.Limit(l.Rate)
		}
		if l.Burst > 0 {
			def.Burst = l.Burst
		}
		if l.Backlog > 0 {
			def.Backlog = l.Backlog
		}
		out[name] = def
	}
	return out
}
