package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/beacon.report/internal/api"
	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/export"
	"github.com/banshee-data/beacon.report/internal/monitor"
	"github.com/banshee-data/beacon.report/internal/registry"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file")
	devMode     = flag.Bool("dev", false, "Run in dev mode with a synthetic receiver")
	listen      = flag.String("listen", config.DefaultListen, "Listen address")
	port        = flag.String("port", config.DefaultPort, "Serial port to use (ignored in dev mode)")
	baud        = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	exportPath  = flag.String("export-path", config.DefaultExportPath, "CSV file that exports are appended to")
	dbPath      = flag.String("db", config.DefaultDBPath, "Path to the session recording database")
	noDB        = flag.Bool("no-db", false, "Disable session recording")
	listPorts   = flag.Bool("list-ports", false, "List available serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	serverURL   = flag.String("server", "http://localhost:8080", "Receiver address used by client commands")
)

// Queue depth between the poll loop and the registry writer.
const eventQueueSize = 256

// Lines buffered per /debug/tail subscriber.
const tailBufferSize = 64

// devAddresses are the synthetic beacons emitted in dev mode.
var devAddresses = []beacon.Address{
	{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
	{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa},
	{0x10, 0x32, 0x54, 0x76, 0x98, 0xba},
	{0x42, 0x00, 0x00, 0x00, 0xc0, 0xde},
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("beacon %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
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

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if flag.NArg() > 0 {
		if err := runCommand(context.Background(), flag.Args(), cfg, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	serve(cfg)
}

// loadConfig reads the optional config file and then applies every flag
// the user set explicitly on fs.
func loadConfig(path string, fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Empty()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		switch v := getter.Get().(type) {
		case string:
			switch f.Name {
			case "port":
				cfg.Port = &v
			case "listen":
				cfg.Listen = &v
			case "export-path":
				cfg.ExportPath = &v
			case "db":
				cfg.DBPath = &v
			}
		case int:
			if f.Name == "baud" {
				cfg.BaudRate = &v
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// portFactory returns the factory and port path for the run mode.
func portFactory(dev bool, cfg *config.Config) (serialmux.SerialPortFactory, string) {
	if !dev {
		return serialmux.NewRealSerialPortFactory(), cfg.GetPort()
	}
	return serialmux.SerialPortOpener(func(path string, opts serialmux.PortOptions) (serialmux.SerialPorter, error) {
		return serialmux.NewSyntheticPort(devAddresses, 200*time.Millisecond, uint64(time.Now().UnixNano())), nil
	}), "synthetic"
}

func serve(cfg *config.Config) {
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registry.WithLivenessTimeout(cfg.GetLivenessTimeout()))
	queue := registry.NewQueue(eventQueueSize)
	tail := serialmux.NewSerialMux(tailBufferSize)
	defer tail.Close()

	var database *db.DB
	if !*noDB {
		var err error
		database, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
	}

	factory, portPath := portFactory(*devMode, cfg)
	listener := monitor.NewListener(factory, queue, monitor.ListenerOptions{
		Context: ctx,
		DB:      database,
		Tail:    tail,
		PollOptions: []monitor.Option{
			monitor.WithInterval(cfg.GetPollInterval()),
			monitor.WithMaxFramesPerTick(cfg.GetMaxFramesPerTick()),
		},
		ReaderOptions: []beacon.ReaderOption{
			beacon.WithFrameTimeout(cfg.GetFrameTimeout()),
		},
	})
	exporter := export.NewExporter(cfg.GetExportPath(), reg, export.WithRecorder(listener))

	// registry writer: the only goroutine applying serial-side events
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := queue.Run(ctx, reg); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("registry writer stopped: %v", err)
		}
		log.Print("registry writer terminated")
	}()

	portCfg := monitor.PortConfig{
		Path: portPath,
		Options: serialmux.PortOptions{
			BaudRate:    cfg.GetBaudRate(),
			ReadTimeout: cfg.GetReadTimeout(),
		},
	}
	if err := listener.Start(ctx, portCfg); err != nil {
		log.Fatalf("failed to start listening: %v", err)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Options{
			Registry: reg,
			Exporter: exporter,
			Listener: listener,
			DB:       database,
		}).ServeMux()

		tail.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
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
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	if err := listener.Stop(); err != nil && !errors.Is(err, monitor.ErrNotListening) {
		log.Printf("failed to stop listener: %v", err)
	}
	queue.Close()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
