// Command rfidgeek runs the reader daemon: it decodes inventories from a
// serial RFID reader, stores them in sqlite and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rfidgeek/internal/api"
	"github.com/banshee-data/rfidgeek/internal/config"
	"github.com/banshee-data/rfidgeek/internal/db"
	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/rfid"
	"github.com/banshee-data/rfidgeek/internal/serialmux"
	"github.com/banshee-data/rfidgeek/internal/version"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath  string
	listen      string
	port        string
	tagType     string
	dbPath      string
	logLevel    string
	fixture     string
	dev         bool
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("rfidgeek", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON config file")
	fs.StringVar(&o.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&o.port, "port", "", "Serial port of the reader (overrides config)")
	fs.StringVar(&o.tagType, "tagtype", "", "Tag type: Proximity or Vicinity (overrides config)")
	fs.StringVar(&o.dbPath, "db", "", "Path to the sqlite database (overrides config)")
	fs.StringVar(&o.logLevel, "loglevel", "", "Log level: debug, info, warn, error or none (overrides config)")
	fs.StringVar(&o.fixture, "fixture", "fixtures.txt", "Canned reader output replayed in dev mode")
	fs.BoolVar(&o.dev, "dev", false, "Run in dev mode without a reader attached")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.port != "" {
		cfg.PortName = o.port
	}
	if o.tagType != "" {
		cfg.TagType = o.tagType
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// devMuxFactory returns the transport used in dev mode: a mock reader that
// answers every command with the fixture contents, or a disabled mux when
// there is no fixture.
func devMuxFactory(fixture string, logger *slog.Logger) rfid.MuxFactory {
	return func(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
		if fixture == "" {
			return serialmux.NewDisabledSerialMux(), nil
		}
		data, err := os.ReadFile(fixture)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		return serialmux.NewMockSerialMux(data, serialmux.WithLogger(logger)), nil
	}
}

type eventRecorder interface {
	RecordEvent(ctx context.Context, e inventory.Event) error
}

// persist stores events until the channel is closed or ctx is done.
func persist(ctx context.Context, store eventRecorder, events <-chan inventory.Event, logger *slog.Logger) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := store.RecordEvent(ctx, e); err != nil {
				logger.Error("failed to record event", "kind", e.Kind, "cycle", e.Cycle, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func runMigrate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rfidgeek migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", config.DefaultDBPath, "Path to the sqlite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, stdout)
}

func run(ctx context.Context, o *options, stdout, stderr io.Writer) error {
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	logger, _, err := monitoring.NewLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := db.NewDB(cfg.DBPath, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	readerOpts := []rfid.Option{rfid.WithLogger(logger)}
	if o.dev {
		readerOpts = append(readerOpts, rfid.WithMuxFactory(devMuxFactory(o.fixture, logger)))
	}
	reader, err := rfid.New(cfg.Config, readerOpts...)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := reader.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize reader: %w", err)
	}
	logger.Info("reader initialized", "port", cfg.GetPortName(), "tagtype", reader.TagType(), "version", version.Version)

	var wg sync.WaitGroup

	// store finished inventories and proximity sightings
	subID, events := reader.Subscribe(inventory.EventInventoryComplete, inventory.EventTagFound)
	defer reader.Unsubscribe(subID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		persist(ctx, store, events, logger)
		logger.Debug("persist routine terminated")
	}()

	mux := api.NewServer(reader, store,
		api.WithWebSocket(cfg.WebSocket),
		api.WithLogger(logger),
	).ServeMux()
	reader.Mux().AttachAdminRoutes(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("failed to attach db admin routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.LoggingMiddleware(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("failed to start server: %w", err)
		}
	}
	cancel()

	logger.Info("shutting down HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			logger.Warn("HTTP server force close error", "error", err)
		}
	}

	wg.Wait()
	logger.Info("graceful shutdown complete")
	return runErr
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:], os.Stdout, os.Stderr); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}
