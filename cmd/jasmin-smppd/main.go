// Command jasmin-smppd runs the SMPP Client Manager: the fleet of named
// SMPP client connectors that consume MB's per-connector submit queues,
// shape throughput, retry/requeue failed submits, and classify inbound
// deliver_sm/DLR traffic back through a Router Core instance shared with
// the jasmin-router process via the message bus, hot store, and user
// store snapshot (spec.md §4.3).
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/config"
	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/lifecycle"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/route"
	"github.com/jasmin-go/jasmin/internal/router"
	"github.com/jasmin-go/jasmin/internal/scm"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

func main() {
	configPath := flag.String("config", "/etc/jasmin/jasmin.toml", "path to jasmin.toml")
	flag.Parse()

	if os.Getenv("JASMIN_DEV") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.With().Str("component", "scm").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lm := lifecycle.NewManager()

	users := ucs.NewStore()
	loadStore := func() error { return users.Load(cfg.Router.StorePath) }
	if cfg.Router.StoreSecret != "" {
		loadStore = func() error { return users.LoadSealed(cfg.Router.StorePath, cfg.Router.StoreSecret) }
	}
	if err := loadStore(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", cfg.Router.StorePath).Msg("failed to load user/credential snapshot, starting empty")
	}
	routes := route.NewManager(cfg.Router.DefaultConnector)

	amqpConn, err := mb.Dial(cfg.AMQP.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}
	publisher := mb.NewPublisher(amqpConn)

	rdb := hs.NewClient(cfg.Redis.Addr, "", cfg.Redis.DB)
	hotStore := hs.New(rdb)
	if err := hotStore.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("hot store not reachable at startup")
	}

	core := router.NewCore(routes, users, publisher, hotStore)

	manager := scm.NewManager(amqpConn, publisher, core)
	if err := manager.Load(cfg.SCM.StorePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", cfg.SCM.StorePath).Msg("failed to load connector snapshot, starting with no connectors")
	}

	ctx, cancel := context.WithCancel(context.Background())

	for _, cid := range manager.List() {
		if err := manager.Start(ctx, cid); err != nil {
			log.Error().Err(err).Str("cid", cid).Msg("failed to start connector at boot")
		}
	}

	persistDone := make(chan struct{})
	go runPersistenceTimer(ctx, manager, cfg.SCM.StorePath, cfg.SCM.PersistenceTimer(), persistDone)

	lm.RegisterConnectorShutdown("connectors", func(shutdownCtx context.Context) error {
		cancel()
		errs := manager.StopAll()
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	})
	lm.RegisterStoreShutdown("connectorstore", func(shutdownCtx context.Context) error {
		<-persistDone
		return manager.Persist(cfg.SCM.StorePath)
	})
	lm.RegisterStoreShutdown("hotstore", func(shutdownCtx context.Context) error {
		return hotStore.Close()
	})
	lm.RegisterHook(lifecycle.ShutdownHook{
		Name:  "amqp",
		Phase: lifecycle.PhaseFinal,
		Shutdown: func(shutdownCtx context.Context) error {
			return amqpConn.Close()
		},
	})

	log.Info().Int("connectors", len(manager.List())).Msg("jasmin-smppd ready")
	lm.WaitForSignal()
	cancel()
	if err := lm.Execute(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
		os.Exit(1)
	}
}

func runPersistenceTimer(ctx context.Context, manager *scm.Manager, path string, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.Persist(path); err != nil {
				log.Error().Err(err).Msg("periodic connector snapshot failed")
			}
		}
	}
}
