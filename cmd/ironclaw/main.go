package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/iron-claw/internal/audit"
	"github.com/basket/iron-claw/internal/bus"
	"github.com/basket/iron-claw/internal/channels"
	"github.com/basket/iron-claw/internal/config"
	"github.com/basket/iron-claw/internal/cron"
	"github.com/basket/iron-claw/internal/devices"
	"github.com/basket/iron-claw/internal/gateway"
	"github.com/basket/iron-claw/internal/hitl"
	otelPkg "github.com/basket/iron-claw/internal/otel"
	"github.com/basket/iron-claw/internal/persistence"
	"github.com/basket/iron-claw/internal/processors"
	"github.com/basket/iron-claw/internal/queue"
	"github.com/basket/iron-claw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the gateway daemon
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  IRONCLAW_HOME           Data directory (default: ~/.ironclaw)
  IRONCLAW_BIND_ADDR      Listen address (default: 127.0.0.1:8000)
  IRONCLAW_HOOK_TOKEN     Webhook bearer token (overrides config.yaml)
  TELEGRAM_BOT_TOKEN      Telegram channel bot token
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: normalizeExporter(cfg.Otel.Exporter),
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "ironclaw.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	hookToken, err := loadHookToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_HOOK_TOKEN_WRITE", err)
	}

	coordinator := hitl.NewCoordinator(hitl.Config{
		Logger: logger,
		Bus:    eventBus,
		OnChange: func(delta int) {
			metrics.PendingHITL.Add(context.Background(), int64(delta))
		},
	})

	device, err := devices.New(cfg.Devices, logger)
	if err != nil {
		logger.Warn("device backend unavailable; device steps will be acknowledged without a device",
			"backend", cfg.Devices.Backend, "error", err)
		device = nil
	}

	queueCfg := queue.Config{
		Store:     store,
		Bus:       eventBus,
		Logger:    logger,
		HookToken: hookToken,
	}
	if device != nil {
		queueCfg.Device = device
	}
	queueSvc := queue.NewService(queueCfg)

	interventionCfg := processors.InterventionConfig{
		Coordinator: coordinator,
		Logger:      logger,
		Timeout:     cfg.HITLTimeout(),
		Options:     cfg.HITL.DefaultOptions,
		Next:        queueSvc.Fallback(),
	}
	if device != nil {
		interventionCfg.Device = device
	}
	queueSvc.RegisterProcessor(processors.Intervention(interventionCfg))

	gw := gateway.New(gateway.Config{
		Queue:             queueSvc,
		HITL:              coordinator,
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		HookToken:         hookToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	go recordOutcomeMetrics(ctx, eventBus, store, metrics, logger)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: timeWebhooks(gw.Handler(), metrics),
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
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:       store,
		Evictor:     coordinator,
		Logger:      logger,
		Schedule:    cfg.Retention.Schedule,
		RunWindow:   cfg.RunRetentionWindow(),
		HITLWindow:  cfg.HITLRetentionWindow(),
		AuditWindow: cfg.AuditRetentionWindow(),
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				coordinator,
				eventBus,
				logger,
			)
			coordinator.RegisterNotifier(tg.Notifier())
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == fingerprint {
				continue
			}
			// Bind address and device backend need a restart; only log
			// the change so operators can see what the next start picks up.
			fingerprint = newCfg.Fingerprint()
			logger.Info("config.yaml changed; restart to apply",
				"path", ev.Path, "fingerprint", fingerprint)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight runs with a bounded wait.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := queueSvc.Close(shutdownCtx); err != nil {
		logger.Warn("queue drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// timeWebhooks records webhook request latency on the duration histogram.
func timeWebhooks(next http.Handler, metrics *otelPkg.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openclaw/webhook" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.WebhookDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

// recordOutcomeMetrics feeds run duration and intervention resolution
// instruments from bus events until the context ends.
func recordOutcomeMetrics(ctx context.Context, eventBus *bus.Bus, store *persistence.Store, metrics *otelPkg.Metrics, logger *slog.Logger) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicHITLResolved, bus.TopicHITLExpired, bus.TopicHITLCancelled:
				metrics.HITLResolutions.Add(ctx, 1)
			case bus.TopicRunCompleted, bus.TopicRunFailed, bus.TopicRunCancelled:
				outcome, ok := ev.Payload.(bus.RunOutcomeEvent)
				if !ok {
					continue
				}
				rec, err := store.GetRun(ctx, outcome.RunID)
				if err != nil || rec == nil {
					if err != nil {
						logger.Warn("run lookup for metrics failed", "run_id", outcome.RunID, "error", err)
					}
					continue
				}
				metrics.RunDuration.Record(ctx, rec.UpdatedAt.Sub(rec.CreatedAt).Seconds())
			}
		}
	}
}

// normalizeExporter maps the config exporter names onto the provider's.
func normalizeExporter(exporter string) string {
	if exporter == "otlp" {
		return "otlp-http"
	}
	return exporter
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

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

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadHookToken resolves the webhook bearer token: config (or env) wins, then
// a persisted hook.token file, and a fresh token is generated on first run.
func loadHookToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.HookToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "hook.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist hook token: %w", err)
	}
	slog.Info("hook.token generated", "path", tokenPath)
	return token, nil
}
