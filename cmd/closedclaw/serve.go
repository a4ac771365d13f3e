package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/closedclaw/core/pkg/log"
	"github.com/closedclaw/core/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the Prometheus metrics endpoint",
	Long: `serve runs the long-lived metrics HTTP server that exposes every
coordination, TPC, and security-substrate counter for scraping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("metrics-addr")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		srv := &http.Server{Addr: addr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("metrics endpoint: http://%s/metrics\n", addr)
		log.WithComponent("cli").Info().Str("addr", addr).Msg("metrics server started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			return fmt.Errorf("metrics server error: %w", err)
		}

		return srv.Close()
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
}
