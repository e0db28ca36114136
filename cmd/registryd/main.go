package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/glacier/pkg/api"
	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/events"
	"github.com/cuemby/glacier/pkg/lifecycle"
	"github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/metrics"
	"github.com/cuemby/glacier/pkg/registry"
	"github.com/cuemby/glacier/pkg/scrubber"
	"github.com/cuemby/glacier/pkg/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "registryd",
	Short:   "glacier registry daemon - an image registry and streaming service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"registryd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("bind-addr", ":9292", "Address the image API listens on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9191", "Address the metrics/health endpoints listen on")
	serveCmd.Flags().String("db", "./registry.db", "Path to the SQLite catalog database")
	serveCmd.Flags().String("store-dir", "./registry-data", "Base directory for the filesystem storage driver")
	serveCmd.Flags().String("default-scheme", "file", "URL scheme new image uploads are written under")
	serveCmd.Flags().Int("max-list-limit", 1000, "Maximum number of images a single listing request may return")
	serveCmd.Flags().Bool("delayed-delete", false, "Default to delayed (scrubber-driven) delete when a request doesn't say otherwise")
	serveCmd.Flags().Duration("scrub-interval", time.Minute, "How often the embedded scrubber sweeps pending_delete images")
	serveCmd.Flags().Duration("scrub-grace-period", 0, "Minimum time an image must sit in pending_delete before it is scrubbed")
	serveCmd.Flags().Bool("enable-scrubber", true, "Run the delayed-delete scrubber embedded in this process")
	serveCmd.Flags().String("location-encryption-key", "", "16-byte AES-128 key (hex-encoded) to encrypt location URLs at rest; empty disables encryption")
}

func runServe(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dbPath, _ := cmd.Flags().GetString("db")
	storeDir, _ := cmd.Flags().GetString("store-dir")
	defaultScheme, _ := cmd.Flags().GetString("default-scheme")
	maxListLimit, _ := cmd.Flags().GetInt("max-list-limit")
	delayedDelete, _ := cmd.Flags().GetBool("delayed-delete")
	scrubInterval, _ := cmd.Flags().GetDuration("scrub-interval")
	scrubGrace, _ := cmd.Flags().GetDuration("scrub-grace-period")
	enableScrubber, _ := cmd.Flags().GetBool("enable-scrubber")
	locationKeyHex, _ := cmd.Flags().GetString("location-encryption-key")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("catalog", false, "initializing")
	metrics.RegisterComponent("dispatcher", false, "initializing")
	metrics.RegisterComponent("api", false, "initializing")

	catalogCfg := catalog.DefaultConfig()
	if locationKeyHex != "" {
		key, err := hex.DecodeString(locationKeyHex)
		if err != nil {
			return fmt.Errorf("invalid --location-encryption-key: %w", err)
		}
		if len(key) != 16 {
			return fmt.Errorf("--location-encryption-key must decode to 16 bytes, got %d", len(key))
		}
		catalogCfg.LocationKey = key
	}

	catalogStore, err := catalog.Open(dbPath, catalogCfg)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalogStore.Close()
	metrics.RegisterComponent("catalog", true, "ready")

	collector := metrics.NewCollector(catalogStore)
	collector.Start()
	defer collector.Stop()

	fsDriver, err := store.NewFilesystemDriver(storeDir)
	if err != nil {
		return fmt.Errorf("failed to initialize filesystem store: %w", err)
	}
	dispatcher := store.NewDispatcher(map[string]store.Driver{
		"file": fsDriver,
		"http": store.NewHTTPDriver(&http.Client{}),
	})
	metrics.RegisterComponent("dispatcher", true, "ready")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(catalogStore)
	lcCfg := lifecycle.DefaultConfig()
	lcCfg.DefaultScheme = defaultScheme
	lc := lifecycle.New(reg, dispatcher, broker, lcCfg)

	var embeddedScrubber *scrubber.Scrubber
	if enableScrubber {
		scrubCfg := scrubber.DefaultConfig()
		scrubCfg.Interval = scrubInterval
		scrubCfg.GracePeriod = scrubGrace
		embeddedScrubber = scrubber.New(catalogStore, dispatcher, broker, scrubCfg)
		embeddedScrubber.Start()
		defer embeddedScrubber.Stop()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = bindAddr
	apiCfg.MaxListLimit = maxListLimit
	apiCfg.DelayedDelete = delayedDelete
	apiServer := api.NewServer(reg, lc, apiCfg)
	metrics.RegisterComponent("api", true, "ready")

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/health", metrics.HealthHandler())
	metricsMux.HandleFunc("/ready", metrics.ReadyHandler())
	metricsMux.HandleFunc("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	fmt.Printf("registryd listening on %s (metrics on %s)\n", bindAddr, metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "api server shutdown error: %v\n", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server shutdown error: %v\n", err)
	}

	return nil
}
