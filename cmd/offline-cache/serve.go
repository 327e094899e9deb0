package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/ericselin/offline-cache"
	"github.com/ericselin/offline-cache/hostapi"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve is also what the root command runs.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the origin through the stores",
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	originURL, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	provider, err := openProvider(cfg.Store)
	if err != nil {
		return err
	}

	logger := log.Logger
	workerConfig := offlinecache.Config{
		Provider:       provider,
		OriginURL:      *originURL,
		OriginHost:     cfg.Host,
		Version:        cfg.Version,
		APIPrefix:      cfg.APIPrefix,
		Routes:         cfg.Routes,
		Manifest:       cfg.Precache.Manifest,
		OfflinePage:    cfg.Precache.OfflinePage,
		FailurePage:    cfg.Precache.FailurePage,
		OfflineMessage: cfg.OfflineMessage,
		Queues:         cfg.Queues,
		Notifications:  cfg.Notifications,
		NetworkTimeout: time.Duration(cfg.Network.Timeout),
		Coalesce:       cfg.Network.Coalesce,
		SkipWaiting:    cfg.SkipWaiting,
		Logger:         &logger,
	}
	if !cfg.Connectivity.Disabled {
		workerConfig.ProbePath = cfg.Connectivity.ProbePath
		workerConfig.ProbeInterval = time.Duration(cfg.Connectivity.Interval)
	}
	worker := offlinecache.CreateWorker(workerConfig)
	api := hostapi.New(hostapi.Options{Worker: worker, Logger: logger})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Worker stopped")
		}
	}()

	if cfg.AutoInstall {
		install := worker.Handle(offlinecache.InstallEvent{})
		go func() {
			if err := install.Wait(ctx); err != nil {
				log.Error().Err(err).Msg("Automatic install did not complete")
			}
		}()
	}

	go func() {
		log.Info().Msgf("Serving %s on %s (with hostname '%s')", originURL.String(), cfg.Listen, cfg.Host)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), worker.Shutdown(shutdownCtx))
}
