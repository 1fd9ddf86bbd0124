package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/nexusd/internal/bus"
	"github.com/basket/nexusd/internal/channels"
	"github.com/basket/nexusd/internal/config"
	"github.com/basket/nexusd/internal/gateway"
	"github.com/basket/nexusd/internal/ingress"
	"github.com/basket/nexusd/internal/monitor"
	"github.com/basket/nexusd/internal/notify"
	otelPkg "github.com/basket/nexusd/internal/otel"
	"github.com/basket/nexusd/internal/persistence"
	"github.com/basket/nexusd/internal/probe"
	"github.com/basket/nexusd/internal/telemetry"
	"github.com/basket/nexusd/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s serve                    Start the task daemon (HTTP API + WS feed)

SUBCOMMANDS:
  %s dash                     Open the terminal dashboard
                              Flags: -url <daemon base url>
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NEXUS_HOME              Data directory (default: ~/.nexusd)
  NEXUS_BIND_ADDR         HTTP bind address override
  NEXUS_AGENTS_DIR        Agent status records directory override
  NEXUS_TELEGRAM_TOKEN    Telegram bot token override
`)
}

func main() {
	homeFlag := flag.String("home", "", "data directory (default: $NEXUS_HOME or ~/.nexusd)")
	addrFlag := flag.String("addr", "", "bind address override (e.g. 127.0.0.1:4105)")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("NEXUS_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Println(Version)
	case "dash":
		os.Exit(runDashCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, homeDir, args[1:]))
	case "serve":
		runServe(ctx, stop, homeDir, *addrFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context, stop context.CancelFunc, homeDir, addrOverride string) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if addrOverride != "" {
		cfg.BindAddr = addrOverride
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		fatalStartup(logger, "E_AGENTS_DIR_CREATE", err)
	}
	prober, err := probe.New(cfg.AgentsDir)
	if err != nil {
		fatalStartup(logger, "E_PROBE_INIT", err)
	}
	watcher := probe.NewWatcher(cfg.AgentsDir, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("status watcher failed, falling back to cron ticks only", "error", err)
		}
	}()

	// Channels
	classifier := ingress.NewClassifier(cfg.Ingress.MinLength, cfg.Ingress.SeenCacheSize)
	var telegram *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			telegram = channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				classifier,
				store,
				cfg.Notify.DashboardURL,
				logger,
			)
			go func() {
				if err := telegram.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// Outbound notifications ride the telegram channel when it is up.
	var notifier notify.Notifier
	if telegram != nil {
		notifier = telegram
	}
	deduper := notify.NewDeduper(cfg.DedupWindow(), cfg.Notify.DedupCacheSize)
	dispatcher := notify.NewDispatcher(notifier, deduper, notify.Options{
		Enabled:      cfg.Notify.Enabled && notifier != nil,
		Recipient:    cfg.Notify.Recipient,
		DashboardURL: cfg.Notify.DashboardURL,
		SendTimeout:  cfg.SendTimeout(),
		Logger:       logger,
		Metrics:      metrics,
	})

	reconciler, err := monitor.New(monitor.Config{
		Store:      store,
		Prober:     prober,
		Dispatcher: dispatcher,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		CronExpr:   cfg.Monitor.CronExpr,
		StaleAfter: cfg.StaleAfter(),
		Nudges:     watcher.Nudges(),
	})
	if err != nil {
		fatalStartup(logger, "E_MONITOR_INIT", err)
	}
	reconciler.Start(ctx)
	defer reconciler.Stop()

	gw := gateway.New(gateway.Config{
		Store:        store,
		Bus:          eventBus,
		Reconciler:   reconciler,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		AllowOrigins: cfg.AllowOrigins,
	})
	stopHub := gw.Start()
	defer stopHub()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first, then let the deferred stops drain the monitor, hub,
	// and store in reverse start order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runDashCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("dash", flag.ExitOnError)
	url := fs.String("url", "http://127.0.0.1:4105", "daemon base URL")
	_ = fs.Parse(args)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "dash requires a terminal; use the HTTP API for scripting")
		return 1
	}

	if err := tui.Run(ctx, *url); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "dash:", err)
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
