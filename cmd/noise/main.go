package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/noise.report/internal/api"
	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/db"
	"github.com/banshee-data/noise.report/internal/fsutil"
	"github.com/banshee-data/noise.report/internal/history"
	"github.com/banshee-data/noise.report/internal/observe"
	"github.com/banshee-data/noise.report/internal/sampler"
	"github.com/banshee-data/noise.report/internal/stream"
	"github.com/banshee-data/noise.report/internal/timeutil"
	"github.com/banshee-data/noise.report/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run in dev mode with a synthetic audio source")
	listen        = flag.String("listen", ":8080", "Listen address")
	dbPath        = flag.String("db", "noise.db", "Path to the sqlite history database")
	maxDBBytes    = flag.Int64("max-db-bytes", 64<<20, "Database size limit in bytes (0 for unlimited)")
	settingsPath  = flag.String("settings", "", "Settings file (.json, .yaml or .yml), reloaded while running")
	watchInterval = flag.Duration("watch-interval", config.DefaultWatchInterval, "Settings file poll interval")
	sourceKind    = flag.String("source", "command", "Audio source: command, serial, udp, pcap or synthetic")
	captureCmd    = flag.String("capture-command", "arecord", "Capture tool for the command source (arecord or ffmpeg)")
	device        = flag.String("device", "", "Capture device for the command source (empty for the default input)")
	port          = flag.String("port", "/dev/ttyACM0", "Serial port for the serial source")
	baudRate      = flag.Int("baud", 921600, "Baud rate for the serial source")
	udpAddr       = flag.String("udp", ":5004", "Listen address for the udp source")
	pcapFile      = flag.String("pcap", "", "Capture file for the pcap source")
	pcapPort      = flag.Int("pcap-port", 0, "UDP destination port filter for the pcap source (0 accepts all)")
	pcapLoop      = flag.Bool("pcap-loop", true, "Restart the pcap replay when it ends")
	sampleRate    = flag.Int("sample-rate", 48000, "PCM sample rate of the audio source")
	channels      = flag.Int("channels", 1, "PCM channel count of the audio source")
	serverURL     = flag.String("server", "http://localhost:8080", "Server to query for the status subcommand")
	showVersion   = flag.Bool("version", false, "Print the version and exit")
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: noise [flags] [serve|migrate|status]\n\n")
	fmt.Fprintf(out, "Subcommands:\n")
	fmt.Fprintf(out, "  serve     capture audio and serve the API (default)\n")
	fmt.Fprintf(out, "  migrate   manage database migrations (noise migrate help)\n")
	fmt.Fprintf(out, "  status    print the snapshot of a running server\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := serve(ctx); err != nil {
			log.Fatalf("serve failed: %v", err)
		}
	case "migrate":
		if err := db.RunMigrateCommand(os.Stdout, args, *dbPath); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
	case "status":
		client := api.NewClient(*serverURL, &http.Client{Timeout: 10 * time.Second})
		if err := runStatus(ctx, os.Stdout, client); err != nil {
			log.Fatalf("status failed: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// pcmFormat is the format shared by every byte-stream source.
func pcmFormat() (audio.PCMFormat, error) {
	return audio.PCMFormat{SampleRate: *sampleRate, Channels: *channels}.Normalize()
}

// newFactory builds the audio factory for the chosen source kind. Dev mode
// always uses the synthetic source.
func newFactory(kind string, clock timeutil.Clock) (audio.Factory, error) {
	if *devMode {
		kind = "synthetic"
	}
	// keep a few blocks so a slow poll still reads contiguous audio
	window := 4 * sampler.DefaultBlockSize

	format, err := pcmFormat()
	if err != nil {
		return nil, err
	}

	switch kind {
	case "command":
		cfg := audio.CaptureConfig{Command: *captureCmd, Device: *device, Format: format}
		if _, _, err := audio.BuildCaptureArgs(cfg); err != nil {
			return nil, err
		}
		return audio.CommandFactory(cfg, window), nil
	case "serial":
		opts, err := audio.SerialOptions{Path: *port, BaudRate: *baudRate, Format: format}.Normalize()
		if err != nil {
			return nil, err
		}
		return audio.SerialFactory(opts, window), nil
	case "udp":
		if *udpAddr == "" {
			return nil, errors.New("udp source requires -udp")
		}
		return audio.UDPFactory(*udpAddr, format, window), nil
	case "pcap":
		if *pcapFile == "" {
			return nil, errors.New("pcap source requires -pcap")
		}
		opts := audio.PCAPOptions{Path: *pcapFile, Port: *pcapPort, Loop: *pcapLoop, Format: format}
		return audio.PCAPFactory(opts, window), nil
	case "synthetic":
		return audio.SyntheticFactory(audio.DefaultSyntheticOptions(), clock), nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

// loadSettings returns the startup settings and, when a settings file is
// configured, a watcher for it. A missing file is created with defaults.
func loadSettings(fsys fsutil.FileSystem, path string, opts ...config.WatcherOption) (*config.Settings, *config.Watcher, error) {
	if path == "" {
		return config.DefaultSettings(), nil, nil
	}
	if _, err := fsys.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := config.Save(fsys, path, config.DefaultSettings()); err != nil {
			return nil, nil, fmt.Errorf("failed to write default settings: %w", err)
		}
		log.Printf("wrote default settings to %s", path)
	}
	opts = append([]config.WatcherOption{config.WithFileSystem(fsys)}, opts...)
	w, err := config.NewWatcher(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

func serve(ctx context.Context) error {
	if *listen == "" {
		return errors.New("listen address is required")
	}
	log.Printf("starting %s", version.String())

	mp, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version.Version})
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("metrics shutdown error: %v", err)
		}
	}()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	database, err := db.Open(*dbPath, db.Options{MaxBytes: *maxDBBytes})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	osfs := fsutil.OSFileSystem{}
	settings, watcher, err := loadSettings(osfs, *settingsPath, config.WithInterval(*watchInterval))
	if err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	factory, err := newFactory(*sourceKind, clock)
	if err != nil {
		return fmt.Errorf("failed to configure audio source: %w", err)
	}

	store := history.New(database, history.WithMetrics(metrics))
	svc := stream.New(stream.Options{
		Factory:  factory,
		Store:    store,
		Clock:    clock,
		Metrics:  metrics,
		Settings: settings,
	})
	defer svc.Close()

	var saveSettings func(*config.Settings) error
	if *settingsPath != "" {
		path := *settingsPath
		saveSettings = func(s *config.Settings) error {
			return config.Save(osfs, path, s)
		}
	}

	mux := api.NewServer(api.Options{
		Service:      svc,
		SaveSettings: saveSettings,
		Metrics:      observe.Handler(),
	}).ServeMux()

	// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the process instead of holding up shutdown
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Printf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	if watcher != nil {
		log.Printf("watching settings file %s", watcher.Path())
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error { return svc.WatchSettings(gctx, watcher.Changes()) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("Graceful shutdown complete")
	return nil
}

// runStatus prints a one-shot snapshot from a running server.
func runStatus(ctx context.Context, w io.Writer, client *api.Client) error {
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return err
	}
	printSnapshot(w, snap)
	return nil
}

func printSnapshot(w io.Writer, snap stream.Snapshot) {
	fmt.Fprintf(w, "status:        %s\n", snap.Status)
	if snap.Error != "" {
		fmt.Fprintf(w, "error:         %s\n", snap.Error)
	}
	if snap.ShowRealtimeDb {
		fmt.Fprintf(w, "realtime:      %.1f dB (%.2f dBFS)\n", snap.RealtimeDisplayDb, snap.RealtimeDbfs)
	}
	fmt.Fprintf(w, "max level:     %.1f dB\n", snap.MaxLevelDb)
	fmt.Fprintf(w, "ring points:   %d\n", len(snap.RingBuffer))
	if s := snap.LatestSlice; s != nil {
		fmt.Fprintf(w, "latest slice:  %s to %s, score %.0f\n",
			s.Start.Local().Format(time.TimeOnly), s.End.Local().Format(time.TimeOnly), s.Score)
	} else {
		fmt.Fprintf(w, "latest slice:  none\n")
	}
}
