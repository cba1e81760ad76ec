// Package main runs the tabwarden tab-group engine.
//
// Two modes are supported. Local mode launches its own Chromium through
// Playwright and manages that instance's tabs directly. Bridge mode serves a
// WebSocket endpoint that an in-browser extension connects to, and manages
// the user's real browser through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/tabwarden/pkg/browser/bridge"
	"github.com/entrhq/tabwarden/pkg/browser/chromium"
	"github.com/entrhq/tabwarden/pkg/classify"
	appconfig "github.com/entrhq/tabwarden/pkg/config"
	"github.com/entrhq/tabwarden/pkg/storage"
	"github.com/entrhq/tabwarden/pkg/tabgroups"
)

const version = "0.1.0" // Version of the tabwarden engine

// Config holds the application configuration
type Config struct {
	ConfigPath  string
	BridgeAddr  string
	StartURL    string
	ShowVersion bool
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("tabwarden v%s\n", version)
		return
	}

	// Create context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if runErr := run(ctx, config); runErr != nil {
		cancel()
		log.Fatalf("Application error: %v", runErr)
	}
}

// parseFlags parses command line flags
func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.ConfigPath, "config", "", "Path to config file (default: ~/.tabwarden/config.yaml)")
	flag.StringVar(&config.BridgeAddr, "bridge", "", "Serve the extension bridge on this address instead of launching a browser (e.g. localhost:8377)")
	flag.StringVar(&config.StartURL, "url", "", "URL to open in the first managed tab (local mode only)")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tabwarden - browser tab-group engine for agent sessions\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tabwarden [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Local mode: launch a managed Chromium\n")
		fmt.Fprintf(os.Stderr, "  tabwarden -url https://example.com\n")
		fmt.Fprintf(os.Stderr, "\n  # Bridge mode: manage the user's browser via the extension\n")
		fmt.Fprintf(os.Stderr, "  tabwarden -bridge localhost:8377\n")
	}

	flag.Parse()
	return config
}

// run executes the main application logic
func run(ctx context.Context, config *Config) error {
	cfg, err := appconfig.Load(config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	classifier, err := classify.NewRuleClassifier(cfg.Classification.Rules)
	if err != nil {
		return fmt.Errorf("failed to build classifier: %w", err)
	}

	if config.BridgeAddr != "" {
		return runBridge(ctx, config, cfg, store, classifier)
	}
	return runLocal(ctx, config, cfg, store, classifier)
}

// openStore creates the configured key-value backend.
func openStore(cfg appconfig.Config) (storage.KV, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return storage.OpenSQLiteKV(cfg.Storage.Path)
	case "file", "":
		return storage.NewFileKV(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// runLocal launches a managed Chromium and runs the engine against it.
func runLocal(ctx context.Context, config *Config, cfg appconfig.Config, store storage.KV, classifier classify.Classifier) error {
	driver, err := chromium.NewDriver(chromium.Options{Headless: cfg.Browser.Headless})
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer driver.Close()

	engine, err := tabgroups.New(tabgroups.Options{
		Driver:     driver,
		Store:      store,
		Classifier: classifier,
		Config:     cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	fmt.Printf("tabwarden v%s - local mode\n", version)

	if config.StartURL != "" {
		tabID, err := driver.OpenTab(ctx, config.StartURL)
		if err != nil {
			return fmt.Errorf("failed to open tab: %w", err)
		}
		meta, err := engine.CreateGroup(ctx, tabID)
		if err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		engine.SetRunning(tabID)
		fmt.Printf("Managing tab %d in group %d (%s)\n", tabID, meta.LiveGroupID, meta.Domain)
	}

	<-ctx.Done()
	return nil
}

// runBridge serves the extension bridge and runs the engine over it.
func runBridge(ctx context.Context, config *Config, cfg appconfig.Config, store storage.KV, classifier classify.Classifier) error {
	driver := bridge.New()
	defer driver.Close()

	engine, err := tabgroups.New(tabgroups.Options{
		Driver:     driver,
		Store:      store,
		Classifier: classifier,
		Config:     cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	mux := http.NewServeMux()
	mux.Handle("/bridge", driver.Handler())

	server := &http.Server{Addr: config.BridgeAddr, Handler: mux}
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe()
	}()

	fmt.Printf("tabwarden v%s - bridge mode\n", version)
	fmt.Printf("Extension endpoint: ws://%s/bridge\n", config.BridgeAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("bridge server error: %w", err)
	}
}
