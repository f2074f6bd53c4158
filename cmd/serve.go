package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lessonpipe/lessonpipe/internal/config"
	"github.com/lessonpipe/lessonpipe/internal/eventlog"
	"github.com/lessonpipe/lessonpipe/internal/httpserver"
	"github.com/lessonpipe/lessonpipe/internal/pipeline"
	"github.com/lessonpipe/lessonpipe/internal/redisstore"
	"github.com/lessonpipe/lessonpipe/internal/registry"
	"github.com/lessonpipe/lessonpipe/internal/relay"
	"github.com/lessonpipe/lessonpipe/internal/router"
	"github.com/lessonpipe/lessonpipe/internal/rules"
	"github.com/lessonpipe/lessonpipe/internal/walkie"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lesson router service",
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Router port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	fmt.Printf("🚀 Starting lessonpipe router on port %d...\n", port)

	events := eventlog.New(cfg.Server.LogsDir)
	tracker := pipeline.NewTracker()

	specs, err := rules.LoadBookSpecs(filepath.Join(cfg.Server.BooksDir, "books.yaml"))
	if err != nil {
		log.Printf("[Serve] ⚠️ book specs unreadable, using defaults: %v", err)
	}
	ruleStore := rules.NewStore(cfg.Server.BooksDir, specs)

	store := redisstore.Open(redisstore.Config{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if store.Available() {
		log.Println("[Serve] ✅ Redis connected, dedup keys are durable")
	} else {
		log.Println("[Serve] ⚠️ Redis unavailable, dedup keys are memory only")
	}

	rt := router.New(events, tracker, ruleStore, nil)
	reg := registry.New(0)
	rl := relay.New(rt, reg, events, relay.Config{})

	var wk *walkie.Service
	if cfg.Walkie.Enabled {
		wk = walkie.New(time.Duration(cfg.Walkie.TTLSeconds)*time.Second, events)
	}

	srv := httpserver.New(httpserver.Config{
		Port:     port,
		Router:   rt,
		Registry: reg,
		Events:   events,
		Tracker:  tracker,
		Walkie:   wk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	go rl.Run(ctx)
	return srv.Start(ctx)
}
