// Package main runs the WordPress-side companion. It serves the
// /wp-json/lovable/v1 routes the install bridge calls and installs catalog
// plugins into the configured wp-content/plugins directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/wpdepot/wpdepot/internal/client"
	"github.com/wpdepot/wpdepot/internal/companion"
	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "wpd-companion",
		Short:        "WordPress-side companion for the wpdepot catalog",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to companion.yaml")

	root.AddCommand(newServeCmd(&configPath), newKeyCmd(&configPath), newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the companion REST routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.LoadCompanion(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, store)
		},
	}
}

func newKeyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the companion API key, generating and saving one if none is set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.LoadCompanion(*configPath)
			if err != nil {
				return err
			}
			if _, err := store.EnsureAPIKey(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.APIKey())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wpdepot companion v%s\n", telemetry.Version)
		},
	}
}

// upstreamSettings reads the catalog endpoint from the live companion config
// so edits to upstream.* apply without a restart.
type upstreamSettings struct {
	store *config.CompanionStore
}

func (u upstreamSettings) Load() (*client.Settings, error) {
	up := u.store.Current().Upstream
	return client.StaticSettings{ServerURL: up.CatalogURL, APIKey: up.APIKey}.Load()
}

func serve(ctx context.Context, store *config.CompanionStore) error {
	cfg := store.Current()
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	telemetry.RecordBuildInfo("companion")
	gin.SetMode(gin.ReleaseMode)

	generated, err := store.EnsureAPIKey()
	if err != nil {
		slog.Warn("companion API key not persisted", "error", err)
	}
	if generated {
		log.Printf("Generated companion API key: %s", store.APIKey())
		log.Println("Register this site in the catalog with this key.")
	}

	store.Watch(func(next *config.CompanionConfig) {
		if next.PluginsDir != cfg.PluginsDir {
			slog.Warn("plugins_dir changed; restart the companion to apply", "current", cfg.PluginsDir, "configured", next.PluginsDir)
		}
	})

	registry := companion.NewRegistry(cfg.PluginsDir, func() []string {
		return store.Current().ActivePlugins
	})
	installer := companion.NewDirInstaller(registry, cfg.MaxArchiveBytes(), cfg.DownloadTimeout)
	upstream := client.NewCatalogClient(upstreamSettings{store: store})
	handler := companion.NewHandler(registry, installer, upstream, store.APIKey)

	server := &http.Server{
		Addr:              cfg.GetAddress(),
		Handler:           companion.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.DownloadTimeout + 30*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Companion listening on %s (plugins_dir=%s)", cfg.GetAddress(), cfg.PluginsDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("companion failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("companion forced to shutdown: %w", err)
	}
	log.Println("Companion stopped")
	return nil
}
