package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/tdd/internal/api"
	"github.com/joescharf/tdd/internal/log"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP status API",
	Long: `Start an HTTP server exposing stored sessions read-only, plus
Prometheus metrics.

  GET    /api/v1/sessions[?status=active|paused|stale|ended|corrupted]
  GET    /api/v1/sessions/{id}
  GET    /api/v1/sessions/{id}/history
  DELETE /api/v1/sessions/{id}/lock[?force=true]
  GET    /healthz
  GET    /metrics

By default it listens on 127.0.0.1:8484. Use --addr to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := getRegistry(cmd.Context())
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              viper.GetString("serve.addr"),
			Handler:           api.NewServer(reg).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return runHTTP(cmd.Context(), srv)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8484", "address to listen on")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
}

// runHTTP serves srv until ctx is cancelled, then shuts it down gracefully.
func runHTTP(ctx context.Context, srv *http.Server) error {
	logger := log.WithComponent("serve")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("serving HTTP API")
		fmt.Fprintf(ui.Out, "Serving API at http://%s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("HTTP API stopped")
		return nil
	})

	return g.Wait()
}
