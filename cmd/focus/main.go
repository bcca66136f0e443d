package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/focus/internal/adapters/bridge"
	router "github.com/dkeye/focus/internal/adapters/http"
	signalws "github.com/dkeye/focus/internal/adapters/signal"
	"github.com/dkeye/focus/internal/conference"
	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	bridges := make([]domain.Bridge, 0, len(cfg.Bridges))
	for _, b := range cfg.Bridges {
		bridges = append(bridges, domain.Bridge{
			ID:     domain.BridgeID(b.ID),
			Region: b.Region,
			URL:    b.URL,
		})
	}
	if len(bridges) == 0 {
		log.Warn().Msg("no bridges configured, admissions will fail")
	}

	selector := bridge.NewStaticSelector(bridges, log.Logger)
	client := bridge.NewClient(log.Logger)
	defer client.Close()

	ctl := signalws.NewController(cfg)

	// A failed bridge leaves selection; its participants get re-invited so
	// they land on a healthy one.
	var conferences *conference.Manager
	onBridgeFailure := func(b domain.Bridge, endpoint domain.EndpointID) {
		selector.MarkDown(b.ID)
		for _, info := range conferences.List() {
			conf, ok := conferences.Get(info.Name)
			if !ok {
				continue
			}
			if _, ok := conf.Participant(endpoint); ok {
				conf.ReinviteParticipant(ctx, endpoint)
				return
			}
		}
	}

	conferences = conference.NewManager(cfg, conference.Options{
		Signaling:       ctl,
		Selector:        selector,
		Bridges:         client,
		OnBridgeFailure: onBridgeFailure,
	}, log.Logger)
	ctl.SetConferences(conferences)

	r := router.SetupRouter(ctx, cfg, ctl, conferences)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("focus started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	conferences.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
