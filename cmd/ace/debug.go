package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/acelab/ace/applications/httpapi"
	"github.com/acelab/ace/infrastructure/config"
	"github.com/acelab/ace/pkg/logger"
)

var (
	debugAddress string
	debugTLSCert string
	debugTLSKey  string
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Start an embedded engine with the http api",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}

		log := logger.New(logger.Config{
			Level:  config.GetEnv("ACE_LOG_LEVEL", "debug"),
			Format: config.GetEnv("ACE_LOG_FORMAT", "text"),
		})

		ctx := cmd.Context()
		core, err := buildCore(ctx, settings, log)
		if err != nil {
			return err
		}

		// background maintenance: expired cache entries, expired
		// content, expired claimed requests
		janitor := cron.New()
		_, _ = janitor.AddFunc("@every 1m", func() {
			if _, err := core.DeleteExpiredCachedAnalysisResults(ctx); err != nil {
				log.WithError(err).Warning("cache cleanup failed")
			}
			if err := core.ProcessExpiredAnalysisRequests(ctx, nil); err != nil {
				log.WithError(err).Warning("expired request sweep failed")
			}
		})
		_, _ = janitor.AddFunc("@hourly", func() {
			if _, err := core.DeleteExpiredContent(ctx); err != nil {
				log.WithError(err).Warning("content cleanup failed")
			}
		})
		janitor.Start()
		defer janitor.Stop()

		server := httpapi.NewServer(core, httpapi.Config{
			Address:     debugAddress,
			TLSCertFile: debugTLSCert,
			TLSKeyFile:  debugTLSKey,
		}, log)

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-stop:
			log.Info("shutting down")
			return server.Shutdown(ctx)
		}
	},
}

func init() {
	debugCmd.Flags().StringVar(&debugAddress, "address", "127.0.0.1:8643", "listen address")
	debugCmd.Flags().StringVar(&debugTLSCert, "tls-cert", "", "TLS certificate file")
	debugCmd.Flags().StringVar(&debugTLSKey, "tls-key", "", "TLS key file")
	rootCmd.AddCommand(debugCmd)
}
