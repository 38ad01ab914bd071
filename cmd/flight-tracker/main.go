// Command flight-tracker reconciles live flight telemetry with the historical
// store and serves positions to the map.
//
// Usage:
//
//	flight-tracker serve  [options]
//	flight-tracker import [options] -input telemetry.jsonl
//	flight-tracker export [options] -output tracks.kml
//
// Every option falls back to its environment variable (see internal/config),
// then to the built-in default.
//
// API Endpoints (serve):
//
//	GET  /api/v1/health
//	GET  /api/v1/flights
//	GET  /api/v1/positions?mode=live|replay
//	GET  /api/v1/range
//	POST /api/v1/replay          body: {"at": <epoch ms | RFC3339>}
//	GET  /api/v1/replay?at=...   one-shot resolution, not committed
//	GET  /api/v1/stream?mode=... WebSocket snapshots on every change
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"flight_tracker/internal/api"
	"flight_tracker/internal/config"
	"flight_tracker/internal/pubsub"
	"flight_tracker/internal/resolver"
	"flight_tracker/internal/storage"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "flight-tracker - commands:")
	fmt.Fprintln(w, "  serve   - subscribe to the live feed and serve positions over HTTP")
	fmt.Fprintln(w, "  import  - load flight.created / telemetry envelopes (JSONL) into a store")
	fmt.Fprintln(w, "  export  - write replayed flight tracks as KML")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  flight-tracker serve [-port 8080] [-store sqlite|postgres|clickhouse|http] [-transport websocket|nats]")
	fmt.Fprintln(w, "  flight-tracker import -input telemetry.jsonl [-store sqlite] [-sqlite flights.db] [-stats]")
	fmt.Fprintln(w, "  flight-tracker export [-output tracks.kml] [-step 30s] [-store sqlite]")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "serve":
		err = runServe(cfg, os.Args[2:])
	case "import":
		err = runImport(cfg, os.Args[2:])
	case "export":
		err = runExport(cfg, os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// storeFlags overlays store selection flags on cfg.
func storeFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Historical store: sqlite, postgres, clickhouse or http")
	fs.StringVar(&cfg.SQLitePath, "sqlite", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.PGHost, "pg-host", cfg.PGHost, "PostgreSQL host")
	fs.IntVar(&cfg.PGPort, "pg-port", cfg.PGPort, "PostgreSQL port")
	fs.StringVar(&cfg.PGDatabase, "pg-database", cfg.PGDatabase, "PostgreSQL database")
	fs.StringVar(&cfg.PGUser, "pg-user", cfg.PGUser, "PostgreSQL user")
	fs.StringVar(&cfg.PGPassword, "pg-password", cfg.PGPassword, "PostgreSQL password")
	fs.StringVar(&cfg.CHHost, "ch-host", cfg.CHHost, "ClickHouse host")
	fs.IntVar(&cfg.CHPort, "ch-port", cfg.CHPort, "ClickHouse native port")
	fs.StringVar(&cfg.CHDatabase, "ch-database", cfg.CHDatabase, "ClickHouse database")
	fs.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "Flights REST backend (http store)")
}

func runServe(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	storeFlags(fs, &cfg)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port for API server")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Live feed transport: websocket or nats")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "Push server WebSocket URL")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "NATS subject carrying envelopes")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "Settling period for replay requests")
	fs.DurationVar(&cfg.MaxGap, "max-gap", cfg.MaxGap, "Widest sample gap that is still interpolated")
	_ = fs.Parse(args)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	client := pubsub.NewClient(dialer, pubsub.WithBackoff(cfg.Backoff()))
	defer client.Close()

	res := resolver.New(store, client,
		resolver.WithDebounce(cfg.Debounce),
		resolver.WithMaxGap(cfg.MaxGap),
		resolver.WithRangePad(cfg.RangePad),
	)
	defer res.Close()

	// The live feed still works without history, so this is not fatal.
	if err := res.LoadFlights(ctx); err != nil {
		log.Printf("serve: %v", err)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Printf("serve: store=%s transport=%s", cfg.StoreDriver, cfg.Transport)

	server := api.NewServer(res, api.Config{
		Port:           cfg.Port,
		RequestTimeout: cfg.RequestTimeout,
		LinkState:      func() string { return client.State().String() },
	})
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("serve: shutting down")
	return nil
}

func runImport(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	storeFlags(fs, &cfg)
	inPath := fs.String("input", "", "Input JSONL file (default: stdin)")
	batch := fs.Int("batch", 1000, "Samples per batch insert")
	showStats := fs.Bool("stats", false, "Print basic counters to stderr")
	_ = fs.Parse(args)

	var r io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	w, ok := store.(storage.SampleWriter)
	if !ok {
		return fmt.Errorf("store %q is read-only", cfg.StoreDriver)
	}

	st, err := importEnvelopes(ctx, r, w, *batch)
	if *showStats {
		fmt.Fprintf(os.Stderr,
			"stats: lines=%d flights=%d samples=%d skipped(malformed=%d unknown=%d)\n",
			st.Lines, st.Flights, st.Samples, st.Malformed, st.Unknown,
		)
	}
	return err
}
