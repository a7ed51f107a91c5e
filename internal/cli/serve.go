package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/engine"
	"github.com/murmurwall/murmur/internal/server"
	"github.com/murmurwall/murmur/internal/store"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the message wall server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Detect and configure embedder
	var embedder engine.Embedder
	if engine.ProbeEmbedder(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Dimensions) {
		embedder = engine.NewHTTPEmbedder(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		fmt.Fprintf(os.Stderr, "  embedder: %s (%s)\n", cfg.Embedding.URL, cfg.Embedding.Model)
	} else {
		embedder = engine.NewHashEmbedder(cfg.Embedding.Dimensions)
		fmt.Fprintf(os.Stderr, "  embedder: hash-trigram (fallback)\n")
	}

	eng := engine.NewService(db, cfg.Engine)
	srv := server.New(db, eng, embedder, &cfg, VersionString())
	eng.OnChange(srv.Hub().Broadcast)

	if err := eng.Initialize(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Cleanup()
	defer srv.Close()

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "murmur serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
