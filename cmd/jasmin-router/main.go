// Command jasmin-router runs the Router Core and its two admission
// surfaces (HTTP and SMPP server), the piece of the daemon cluster that
// authenticates, routes, charges, and hands submit traffic off to the
// message bus for the SMPP Client Manager to deliver (spec.md §4.2).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/config"
	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/httpapi"
	"github.com/jasmin-go/jasmin/internal/lifecycle"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/route"
	"github.com/jasmin-go/jasmin/internal/router"
	"github.com/jasmin-go/jasmin/internal/smppserver"
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
	log.Logger = log.With().Str("component", "router").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lm := lifecycle.NewManager()

	users := ucs.NewStore()
	loadStore, persistStore := storeFuncs(users, cfg.Router)
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
		log.Warn().Err(err).Msg("hot store not reachable at startup, continuing (DLR correlation will fail until it is)")
	}

	core := router.NewCore(routes, users, publisher, hotStore)

	server := smppserver.NewServer(smppServerConfig(cfg), users, core)

	if cfg.HTTP.AdminJWTSecret == "" {
		log.Warn().Msg("http.admin_jwt_secret is not set; /secure admin endpoints are unauthenticated")
	}
	api := httpapi.New(&httpapi.API{
		Core:           core,
		Users:          users,
		Routes:         routes,
		Hot:            hotStore,
		AdminJWTSecret: cfg.HTTP.AdminJWTSecret,
	})

	mux := http.NewServeMux()
	mux.Handle("/", api)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Bind + portSuffix(cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("HTTP admission surface starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	smppCtx, smppCancel := context.WithCancel(context.Background())
	go func() {
		log.Info().Str("addr", cfg.SMPPServer.Bind+portSuffix(cfg.SMPPServer.Port)).Msg("SMPP server starting")
		if err := server.ListenAndServe(smppCtx); err != nil && smppCtx.Err() == nil {
			log.Error().Err(err).Msg("SMPP server failed")
		}
	}()

	persistDone := make(chan struct{})
	go runPersistenceTimer(smppCtx, persistStore, cfg.Router.PersistenceTimer(), persistDone)

	lm.RegisterListenerShutdown("http", func(ctx context.Context) error {
		return httpSrv.Shutdown(ctx)
	})
	lm.RegisterListenerShutdown("smppserver", func(ctx context.Context) error {
		smppCancel()
		return server.Close()
	})
	lm.RegisterStoreShutdown("hotstore", func(ctx context.Context) error {
		return hotStore.Close()
	})
	lm.RegisterStoreShutdown("userstore", func(ctx context.Context) error {
		<-persistDone
		return persistStore()
	})
	lm.RegisterHook(lifecycle.ShutdownHook{
		Name:  "amqp",
		Phase: lifecycle.PhaseFinal,
		Shutdown: func(ctx context.Context) error {
			return amqpConn.Close()
		},
	})

	log.Info().Msg("jasmin-router ready")
	lm.WaitForSignal()
	smppCancel()
	if err := lm.Execute(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
		os.Exit(1)
	}
}

func smppServerConfig(cfg *config.Config) smppserver.Config {
	return smppserver.Config{
		Bind: cfg.SMPPServer.Bind,
		Port: cfg.SMPPServer.Port,
	}
}

func portSuffix(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// storeFuncs picks the plain or sealed snapshot codec for the router
// store, depending on whether a store secret is configured.
func storeFuncs(users *ucs.Store, cfg config.RouterConfig) (load, persist func() error) {
	if cfg.StoreSecret != "" {
		return func() error { return users.LoadSealed(cfg.StorePath, cfg.StoreSecret) },
			func() error { return users.PersistSealed(cfg.StorePath, cfg.StoreSecret) }
	}
	return func() error { return users.Load(cfg.StorePath) },
		func() error { return users.Persist(cfg.StorePath) }
}

func runPersistenceTimer(ctx context.Context, persist func() error, interval time.Duration, done chan<- struct{}) {
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
			if err := persist(); err != nil {
				log.Error().Err(err).Msg("periodic user/credential snapshot failed")
			}
		}
	}
}
