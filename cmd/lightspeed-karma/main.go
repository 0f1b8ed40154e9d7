package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-karma/api"
	"github.com/tcriess/lightspeed-karma/auth"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/globals"
	"github.com/tcriess/lightspeed-karma/karma"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for the http/ws service (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for the http/ws service (optional)")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	if err := run(cfg); err != nil {
		globals.AppLogger.Error("stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return err
	}
	defer persister.Close()

	rules, err := karma.NewRules(cfg.KarmaConfig.Rules)
	if err != nil {
		return err
	}
	ledger := karma.NewLedger(persister, rules, cfg.KarmaConfig, globals.AppLogger.Named("ledger"))
	leaderboard, err := karma.NewLeaderboard(persister, cfg.LeaderboardConfig, cfg.KarmaConfig, globals.AppLogger.Named("leaderboard"))
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(ctx, cfg.AuthConfig)
	if err != nil {
		return err
	}

	registry := room.NewRegistry(globals.AppLogger.Named("rooms"))
	hub := ws.NewHub(registry, verifier, persister, cfg.HubConfig, globals.AppLogger.Named("hub"))
	hub.OnUserUpdate = leaderboard.ForgetName
	relay := ws.NewRelay(registry, globals.AppLogger.Named("calls"))
	routerLogger := globals.AppLogger.Named("router")
	router := ws.NewRouter(hub, relay, persister, persistence.NewRetrier(cfg.KarmaConfig, routerLogger), routerLogger)
	wsHandler := ws.NewHandler(hub, router, globals.AppLogger.Named("ws"))
	wsHandler.BaseContext = ctx

	httpRouter := mux.NewRouter()
	httpRouter.Handle("/ws", wsHandler).Methods(http.MethodGet)
	api.NewHandlers(ledger, leaderboard, globals.AppLogger.Named("api")).Register(httpRouter)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpRouter,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gCtx)
	})
	g.Go(func() error {
		globals.AppLogger.Info("listening", "addr", cfg.Addr, "actions", rules.Actions(), "rules_version", rules.Version())
		var err error
		if *sslCert != "" && *sslKey != "" {
			err = server.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
