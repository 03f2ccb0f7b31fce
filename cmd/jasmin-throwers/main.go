// Command jasmin-throwers runs the two stateless MB-to-HTTP/SMPP delivery
// workers: the deliver_sm thrower (forwards MO traffic to subscriber URLs
// or a bound downstream SMPP session) and the dlr thrower (forwards
// delivery receipts the same way), per spec.md §4.4.
//
// Throwers run as a process independent of jasmin-router, so a thrower's
// "smpps" delivery target only resolves when a bound session for that
// system_id is reachable; this binary has no such registry and always
// misses it (see NewDeliverThrower/NewDLRThrower's documented nil-registry
// behavior), which is equivalent to deploying a deliver_targets table with
// http-only kinds. A deployment that needs smpps delivery targets should
// run the throwers in-process with jasmin-router instead, where the SMPP
// server's live session registry is available; that wiring is left for
// an operator's deployment manifest rather than a second code path here.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/config"
	"github.com/jasmin-go/jasmin/internal/lifecycle"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/smppserver"
	"github.com/jasmin-go/jasmin/internal/thrower"
)

func main() {
	configPath := flag.String("config", "/etc/jasmin/jasmin.toml", "path to jasmin.toml")
	flag.Parse()

	if os.Getenv("JASMIN_DEV") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.With().Str("component", "throwers").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	amqpConn, err := mb.Dial(cfg.AMQP.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}

	var registry smppserver.Registry // nil: smpps delivery targets always miss, see package doc

	connectorIDs := cfg.Throwers.ConnectorIDs()
	if len(connectorIDs) == 0 {
		log.Warn().Msg("no deliver_targets configured; throwers have nothing to consume")
	}

	deliverThrower := thrower.NewDeliverThrower(amqpConn, cfg.Throwers.DeliverSM, cfg.Throwers.DeliverTargets, registry)
	dlrThrower := thrower.NewDLRThrower(amqpConn, cfg.Throwers.DLR, registry)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := deliverThrower.Run(ctx, connectorIDs); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("deliver_sm thrower exited")
		}
	}()
	go func() {
		if err := dlrThrower.Run(ctx, connectorIDs); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dlr thrower exited")
		}
	}()

	lm := lifecycle.NewManager()
	lm.RegisterBusShutdown("throwers", func(shutdownCtx context.Context) error {
		cancel()
		return nil
	})
	lm.RegisterHook(lifecycle.ShutdownHook{
		Name:  "amqp",
		Phase: lifecycle.PhaseFinal,
		Shutdown: func(shutdownCtx context.Context) error {
			return amqpConn.Close()
		},
	})

	log.Info().Int("connectors", len(connectorIDs)).Msg("jasmin-throwers ready")
	lm.WaitForSignal()
	cancel()
	if err := lm.Execute(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
		os.Exit(1)
	}
}
