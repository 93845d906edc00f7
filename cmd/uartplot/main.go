package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/uartplot/internal/api"
	"github.com/banshee-data/uartplot/internal/config"
	"github.com/banshee-data/uartplot/internal/db"
	"github.com/banshee-data/uartplot/internal/monitoring"
	"github.com/banshee-data/uartplot/internal/serialmux"
	"github.com/banshee-data/uartplot/internal/session"
	"github.com/banshee-data/uartplot/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Replay the fixtures file instead of opening a serial port")
	listen        = flag.String("listen", ":8080", "Listen address")
	port          = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	configFile    = flag.String("config", "", "Path to a JSON plotter config (defaults apply when empty)")
	dbFile        = flag.String("db", "uartplot.db", "Path to the sqlite sample archive; empty disables archiving")
	fixturesFile  = flag.String("fixtures", "fixtures.txt", "Fixture file replayed in dev mode")
	disableDevice = flag.Bool("disable-device", false, "Run the HTTP API without a device")
	verbose       = flag.Bool("verbose", false, "Log every fragment received")
	listPorts     = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion   = flag.Bool("version", false, "Print the version and exit")
	exportSession = flag.String("export-session", "", "Write the archived session with this ID as CSV and exit")
	exportOut     = flag.String("out", "", "Output path for --export-session (default uartplot_session_<id>.csv)")
)

// opener picks the transport for the flags given.
func opener(cfg *config.PlotterConfig) (string, func() (serialmux.SerialMuxInterface, error), error) {
	switch {
	case *disableDevice:
		return "disabled", func() (serialmux.SerialMuxInterface, error) {
			return serialmux.NewDisabledSerialMux(), nil
		}, nil
	case *devMode:
		fixture, err := os.ReadFile(*fixturesFile)
		if err != nil {
			return "", nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		return *fixturesFile, func() (serialmux.SerialMuxInterface, error) {
			return serialmux.NewMockSerialMux(fixture, serialmux.FixtureOptions{
				Loop: true,
				Seed: time.Now().UnixNano(),
			}), nil
		}, nil
	default:
		opts := cfg.GetSerial()
		return fmt.Sprintf("%s (%s)", *port, opts), func() (serialmux.SerialMuxInterface, error) {
			m, err := serialmux.NewRealSerialMux(*port, opts)
			if err != nil {
				return nil, err
			}
			return m, nil
		}, nil
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	switch flag.Arg(0) {
	case "":
	case "migrate":
		if *dbFile == "" {
			log.Fatal("migrate requires --db")
		}
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbFile); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	default:
		log.Fatalf("unknown command %q (only migrate is supported)", flag.Arg(0))
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)

	cfg := config.EmptyConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	var archive *db.DB
	if *dbFile != "" {
		var err error
		if archive, err = db.NewDB(*dbFile); err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer archive.Close()
	}

	if *exportSession != "" {
		if archive == nil {
			log.Fatal("--export-session requires --db")
		}
		path, err := exportArchivedSession(archive, *exportSession, *exportOut)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(path)
		return
	}

	opts := session.Options{
		View:          cfg.ViewOptions(),
		SweepInterval: cfg.GetSweepInterval(),
	}
	var apiArchive api.Archive
	if archive != nil {
		// assigned only when non-nil so the interfaces stay nil otherwise
		writer := db.NewWriter(archive, db.DefaultWriterBuffer)
		defer writer.Close()
		opts.Archive = writer
		apiArchive = archive
	}
	sess := session.New(opts)

	name, open, err := opener(cfg)
	if err != nil {
		log.Fatal(err)
	}
	dev := newDevice(name, open, sess, cfg.GetReconnectDelay(), nil)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// device routine: connect, ingest, reconnect
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dev.run(ctx); err != nil && err != context.Canceled {
			log.Printf("device routine failed: %v", err)
		}
		log.Print("device routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(sess, apiArchive)
		srv.SetDeviceStatus(dev.Status)
		mux := srv.ServeMux()
		dev.attachAdminRoutes(mux)
		if archive != nil {
			archive.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
