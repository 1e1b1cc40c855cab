package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/fragment"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/marker"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/cuemby/lbctl/pkg/proxy"
	"github.com/cuemby/lbctl/pkg/reload"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/cuemby/lbctl/pkg/watcher"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch fragments and certificates and raise the reload marker",
		Long: `Run the change watcher until interrupted.

Any change below the certificate, configuration and backend map directories
raises the reload marker. The directories are also fingerprinted at startup
and every watcher.rescan_interval, so changes made while the watcher was
not running are picked up too.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := storage.NewBoltStore(cfg.WatcherDatabasePath(), storage.DefaultOpenTimeout)
			if err != nil {
				return err
			}
			defer store.Close()

			metrics.SetVersion(Version)
			metrics.SetCriticalComponents(watcher.ComponentName)

			if cfg.Watcher.MetricsAddr != "" {
				srv := &http.Server{
					Addr:              cfg.Watcher.MetricsAddr,
					Handler:           metrics.NewServeMux(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Logger.Info().Str("addr", cfg.Watcher.MetricsAddr).Msg("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Errorf("Metrics server failed", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			w := watcher.NewFromConfig(cfg, marker.New(cfg.Paths.StateDir), store)
			if err := w.Run(ctx); err != nil {
				return err
			}
			log.Info("Watcher stopped")
			return nil
		}),
	}
}

func newReloadCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Regenerate and reload the proxy if the reload marker is set",
		Long: `Run the reload coordinator once.

If the reload marker is set (or --force is given) the proxy configuration
is composed from every registered fragment, validated, installed and the
proxy reloaded. Without the marker this is a no-op. A run that finds
another run in progress exits successfully without doing anything.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			coordinator := reload.NewCoordinator(
				fragment.NewStoreFromConfig(cfg),
				proxy.NewHAProxy(cfg.Proxy),
				marker.New(cfg.Paths.StateDir),
				cfg.Paths.StateDir,
			)

			result, err := coordinator.Run(cmd.Context(), force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch result.Outcome {
			case reload.OutcomeReloaded:
				fmt.Fprintf(out, "✓ Proxy reloaded (%d fragments, %d domains)\n", result.Fragments, result.Domains)
				if result.Collisions > 0 {
					fmt.Fprintf(out, "warning: %d map entries ignored, see \"lbctl list\"\n", result.Collisions)
				}
			case reload.OutcomeSkipped:
				fmt.Fprintln(out, "Another reload is in progress")
			default:
				fmt.Fprintln(out, "No changes")
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reload even if the reload marker is not set")
	return cmd
}
