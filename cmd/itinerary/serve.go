package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/internal/presentation/tui"
	httpAdapter "github.com/aretw0/itinerary/pkg/adapters/http"
	"github.com/aretw0/itinerary/pkg/adapters/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the scheduler",
	Long: `Starts the admin API, the provider webhook endpoint and /metrics, and
ticks the scheduler every ITINERARY_TICK_INTERVAL. When ITINERARY_MCP_ADDR is
set, the MCP server is exposed over SSE as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			addr := rt.Config.HTTPAddr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}

			handler := httpAdapter.NewHandler(rt.Engine,
				httpAdapter.WithStreams(rt.Streams),
				httpAdapter.WithGatherer(rt.Registry),
				httpAdapter.WithLogger(rt.Logger),
			)
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			// The group context is canceled on a signal or on the first error.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			tui.PrintBanner(os.Stderr)
			g.Go(func() error {
				rt.Logger.Info("HTTP server listening", "address", addr, "store", rt.Config.Store)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				// Give outstanding requests a deadline for completion.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					rt.Logger.Warn("graceful shutdown did not complete", "err", err)
					return srv.Close()
				}
				return nil
			})
			if !noScheduler {
				g.Go(func() error {
					return rt.Engine.Run(ctx, rt.Config.TickInterval)
				})
			}
			if rt.Config.MCPAddr != "" {
				g.Go(func() error {
					return mcp.NewServer(rt.Engine, mcp.WithLogger(rt.Logger)).ServeSSE(ctx, rt.Config.MCPAddr)
				})
			}

			err := g.Wait()
			rt.Logger.Info("itinerary stopped")
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "Address to listen on (env ITINERARY_HTTP_ADDR)")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API without ticking")
}
