// gopmtud -- Path MTU Discovery assistance daemon.
//
// Captures ICMP "fragmentation needed" (IPv4 type 3 code 4) and ICMPv6
// "Packet Too Big" (type 2 code 0) messages on an interface and forwards
// them verbatim to the Ethernet broadcast address, so every backend on a
// shared egress segment sees PMTUD feedback that arrived at only one of
// them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sysdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gopmtud/internal/config"
	"github.com/dantte-lp/gopmtud/internal/hashlimit"
	pmtudmetrics "github.com/dantte-lp/gopmtud/internal/metrics"
	"github.com/dantte-lp/gopmtud/internal/netio"
	"github.com/dantte-lp/gopmtud/internal/relay"
	appversion "github.com/dantte-lp/gopmtud/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// exitUsage is the exit code for flag and configuration misuse,
// including --help.
const exitUsage = 2

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags and merge with file/env configuration.
	cfg, code := parseArgs(os.Args[1:])
	if cfg == nil {
		return code
	}

	// 2. Set up logger.
	logger := newLogger(cfg.Log)

	logger.Info("gopmtud starting",
		slog.Int("pid", os.Getpid()),
		slog.String("version", appversion.Version),
		slog.String("iface", cfg.Iface),
		slog.Float64("iface_rate_pps", cfg.IfaceRate),
		slog.Float64("src_rate_pps", cfg.SrcRate),
		slog.Int("verbose", cfg.Verbose),
		slog.Bool("dry_run", cfg.DryRun),
	)

	// 3. Best-effort runtime tuning: core dumps and CPU pinning.
	// Failures are reported but never stop the daemon.
	tuneRuntime(cfg, logger)

	// 4. Run the pipeline.
	if err := runDaemon(cfg, logger); err != nil {
		logger.Error("gopmtud exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gopmtud stopped")
	return 0
}

// -------------------------------------------------------------------------
// Flags — long-form CLI, authoritative over file/env configuration
// -------------------------------------------------------------------------

// parseArgs parses the command line, loads the optional config file and
// environment overlay, and applies flag overrides on top. Returns a nil
// config and an exit code on misuse or --help/--version.
func parseArgs(args []string) (*config.Config, int) {
	fs := pflag.NewFlagSet("gopmtud", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() { usage(fs) }

	defaults := config.DefaultConfig()

	configPath := fs.String("config", "", "path to configuration file (YAML)")
	iface := fs.String("iface", "", "network interface to listen on")
	srcRate := fs.Float64("src-rate", defaults.SrcRate, "pps limit from a single source")
	ifaceRate := fs.Float64("iface-rate", defaults.IfaceRate, "pps limit to send on the interface")
	ports := fs.String("ports", "", "forward only ICMP packets whose payload carries an L4 source port on this comma-separated list")
	verbose := fs.Count("verbose", "print forwarded packets (repeat for rejects and hex dumps)")
	dryRun := fs.Bool("dry-run", false, "don't inject packets, just dry run")
	cpu := fs.Int("cpu", -1, "pin process to a particular cpu")
	logLevel := fs.String("log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", defaults.Log.Format, "log format: json or text")
	metricsAddr := fs.String("metrics-addr", defaults.Metrics.Addr, "Prometheus metrics listen address (empty disables)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, exitUsage
		}
		fmt.Fprintln(os.Stderr, err)
		return nil, exitUsage
	}

	if *showVersion {
		fmt.Println(appversion.Full("gopmtud"))
		return nil, 0
	}

	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "not sure what you mean by %q\n", fs.Args()[0])
		return nil, exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, exitUsage
	}

	// Flags override file and environment values only when set.
	if fs.Changed("iface") {
		cfg.Iface = *iface
	}
	if fs.Changed("src-rate") {
		cfg.SrcRate = *srcRate
	}
	if fs.Changed("iface-rate") {
		cfg.IfaceRate = *ifaceRate
	}
	if fs.Changed("verbose") {
		cfg.Verbose = *verbose
	}
	if fs.Changed("dry-run") {
		cfg.DryRun = *dryRun
	}
	if fs.Changed("cpu") {
		cfg.CPU = *cpu
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = *metricsAddr
	}
	if fs.Changed("ports") {
		parsed, perr := config.ParsePortList(*ports)
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			return nil, exitUsage
		}
		cfg.Ports = parsed
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, exitUsage
	}

	return cfg, 0
}

// usage prints the flag summary to stderr.
func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr,
		"Usage:\n\n    gopmtud [options]\n\n"+
			"gopmtud captures and broadcasts ICMP messages related to MTU detection.\n"+
			"It listens on an interface, waiting for ICMP messages (IPv4 type 3 code 4\n"+
			"or IPv6 type 2 code 0), and forwards them verbatim to the broadcast\n"+
			"ethernet address.\n\nOptions:\n\n%s", fs.FlagUsages())
}

// -------------------------------------------------------------------------
// Runtime tuning — core dumps + CPU pinning (best effort)
// -------------------------------------------------------------------------

// tuneRuntime raises the core-dump limit and optionally pins the
// process to one CPU. Both warn and continue on failure; neither is
// required for forwarding.
func tuneRuntime(cfg *config.Config, logger *slog.Logger) {
	lim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		logger.Warn("failed to enable core dumps",
			slog.String("error", err.Error()),
		)
	}

	if cfg.CPU < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cfg.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warn("failed to pin to cpu",
			slog.Int("cpu", cfg.CPU),
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Daemon lifecycle
// -------------------------------------------------------------------------

// runDaemon opens the capture handle and raw socket, builds the relay,
// and drives it under a signal-aware errgroup until SIGINT/SIGTERM.
// Resources are released in reverse construction order.
func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	capture, err := netio.NewCapture(cfg.Iface)
	if err != nil {
		return fmt.Errorf("set up capture: %w", err)
	}
	defer capture.Close()

	injector, err := newInjector(cfg, logger)
	if err != nil {
		return fmt.Errorf("set up raw socket: %w", err)
	}
	defer closeInjector(injector, logger)

	reg := prometheus.NewRegistry()
	collector := pmtudmetrics.NewCollector(reg)

	rly := relay.New(relay.Config{
		Sources:  hashlimit.New(config.SourceTableCapacity, cfg.SrcRate, cfg.SrcBurst(), nil),
		Ifaces:   hashlimit.New(config.IfaceTableCapacity, cfg.IfaceRate, cfg.IfaceBurst(), nil),
		Ports:    cfg.PortBitmap(),
		Injector: injector,
		DryRun:   cfg.DryRun,
		Verbose:  cfg.Verbose,
		Logger:   logger,
		Metrics:  collector,
	})

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rly.Run(gCtx, capture)
	})

	startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)

	notifyReady(logger)

	err = g.Wait()

	notifyStopping(logger)
	logger.Info("quitting", slog.Int("pid", os.Getpid()))
	printStats(capture, logger)

	if err != nil {
		return fmt.Errorf("run relay: %w", err)
	}
	return nil
}

// newInjector creates the egress socket, or a nop in dry-run mode so
// the daemon can run without CAP_NET_RAW on the send side.
func newInjector(cfg *config.Config, logger *slog.Logger) (netio.Injector, error) {
	if cfg.DryRun {
		logger.Info("dry run: skipping raw socket setup")
		return nopInjector{}, nil
	}
	return netio.NewRawInjector(cfg.Iface)
}

// nopInjector backs --dry-run.
type nopInjector struct{}

func (nopInjector) Send([]byte) error { return nil }
func (nopInjector) Close() error      { return nil }

// closeInjector closes the egress socket, logging any error.
func closeInjector(inj netio.Injector, logger *slog.Logger) {
	if err := inj.Close(); err != nil {
		logger.Warn("failed to close raw socket",
			slog.String("error", err.Error()),
		)
	}
}

// printStats writes the final capture counters to stderr.
func printStats(capture *netio.Capture, logger *slog.Logger) {
	stats, err := capture.Stats()
	if err != nil {
		logger.Warn("failed to read capture stats",
			slog.String("error", err.Error()),
		)
		return
	}
	fmt.Fprintf(os.Stderr, "recv=%d drop=%d ifdrop=%d\n",
		stats.Received, stats.Dropped, stats.IfaceDropped)
}

// -------------------------------------------------------------------------
// Metrics endpoint
// -------------------------------------------------------------------------

// startMetricsServer registers the Prometheus endpoint goroutines when
// an address is configured.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	if cfg.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics on %s: %w", cfg.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is forwarding.
func notifyReady(logger *slog.Logger) {
	sent, err := sysdaemon.SdNotify(false, sysdaemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := sysdaemon.SdNotify(false, sysdaemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// newLogger creates a structured logger in the configured format.
// The "text" format uses tint for readable interactive output.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
