package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/vcfb/internal/board"
	"github.com/tinyrange/vcfb/internal/config"
	"github.com/tinyrange/vcfb/internal/display"
	"github.com/tinyrange/vcfb/internal/metrics"
	"github.com/tinyrange/vcfb/internal/pixfmt"
	"github.com/tinyrange/vcfb/internal/testcard"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vcfb: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	platform    string
	width       uint
	height      uint
	depth       uint
	timeout     time.Duration
	snapshot    string
	testcard    bool
	metricsAddr string
	printConfig bool
	debug       bool
}

func run() error {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Configuration file (YAML)")
	flag.StringVar(&opts.platform, "platform", "", "Platform to run on (sim, rpi)")
	flag.UintVar(&opts.width, "width", 0, "Display width in pixels")
	flag.UintVar(&opts.height, "height", 0, "Display height in pixels")
	flag.UintVar(&opts.depth, "depth", 0, "Colour depth in bits (8, 16, 24, 32)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Firmware exchange timeout; negative disables the bound")
	flag.StringVar(&opts.snapshot, "snapshot", "", "Write what the display pipeline sees to this PNG file")
	flag.BoolVar(&opts.testcard, "testcard", false, "Draw the test card")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address until interrupted")
	flag.BoolVar(&opts.printConfig, "print-config", false, "Print the effective configuration and exit")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Negotiate a framebuffer with the VideoCore firmware and publish it as a display.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -testcard -snapshot out.png\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -platform rpi -width 1024 -height 600 -testcard\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := newLogger(level)
	slog.SetDefault(log)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.printConfig {
		return config.Write(os.Stdout, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	b, err := board.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("open %s board: %w", cfg.Platform, err)
	}
	defer b.Close()

	driver := display.NewDriver(display.Options{
		Geometry:        cfg.Geometry(),
		StrideFromPitch: cfg.Display.StrideFromPitch,
		Timeout:         cfg.ExchangeTimeout(),
		Logger:          log,
		Metrics:         m,
	})
	dev, err := driver.Bind(ctx, display.BusDevice{Props: display.BroadcomDisplay, Bus: b})
	if err != nil {
		return fmt.Errorf("bind display: %w", err)
	}
	surface := dev.Surface()
	if e, ok := b.(*board.Emulated); ok {
		log.Debug("Emulated firmware", "requests", e.Firmware.Requests(), "interrupts", e.Interrupts())
	}

	if opts.testcard {
		if err := testcard.Draw(surface, testcard.Caption(surface.Mode())); err != nil {
			return err
		}
		slog.Info("Test card drawn")
	}

	if opts.snapshot != "" {
		if err := writeSnapshot(opts.snapshot, b, surface); err != nil {
			return err
		}
		slog.Info("Snapshot written", "path", opts.snapshot)
	}

	if opts.metricsAddr != "" {
		return serveMetrics(ctx, opts.metricsAddr, reg)
	}
	return nil
}

// newLogger logs text to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
}

// loadConfig reads the configuration file, if any, and applies the
// non-zero flags on top of it.
func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Config{}, err
		}
	}

	var override config.Config
	override.Platform = opts.platform
	override.Display.Width = uint32(opts.width)
	override.Display.VirtualWidth = uint32(opts.width)
	override.Display.Height = uint32(opts.height)
	override.Display.VirtualHeight = uint32(opts.height)
	override.Display.Depth = uint32(opts.depth)
	override.Mailbox.Timeout = opts.timeout
	if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
		return config.Config{}, fmt.Errorf("apply flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// writeSnapshot saves the framebuffer as the display pipeline reads it.
// On the emulated board that is physical memory behind the CPU cache.
func writeSnapshot(path string, b board.Board, s *display.Surface) error {
	pix := s.Framebuffer()
	if e, ok := b.(*board.Emulated); ok {
		var err error
		if pix, err = e.ScanOut(); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := pixfmt.WritePNG(f, pix, s.Mode()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics: %w", err)
		}
		return nil
	})
	return g.Wait()
}
