package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agenda/internal/bus"
	"github.com/basket/agenda/internal/channels"
	"github.com/basket/agenda/internal/config"
	"github.com/basket/agenda/internal/cron"
	"github.com/basket/agenda/internal/engine"
	"github.com/basket/agenda/internal/oracle"
	otelPkg "github.com/basket/agenda/internal/otel"
	"github.com/basket/agenda/internal/session"
	"github.com/basket/agenda/internal/shared"
	"github.com/basket/agenda/internal/store"
	"github.com/basket/agenda/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the interactive agenda REPL

DAEMON MODE:
  %s -daemon                  Run channels and the digest scheduler (no REPL)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENDA_HOME             Data directory (default: ~/.agenda)
  AGENDA_NO_REPL          Set to 1 to disable the REPL (use with -daemon)
  GEMINI_API_KEY          API key for the google provider
  ANTHROPIC_API_KEY       API key for the anthropic provider
  TELEGRAM_TOKEN          Telegram bot token (overrides config.yaml)
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENDA_NO_REPL") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no REPL, logs to stdout)")
	dryRun := flag.Bool("dry-run", false, "plan and validate turns but execute nothing")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the REPL stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())

	// OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	instruments, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := store.Open(cfg.ResolvedDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.ResolvedDBPath())

	eventBus := bus.New()

	provider, model, apiKey := cfg.ResolveLLMConfig()
	oracleClient := oracle.NewClient(ctx, oracle.Config{
		Provider:       provider,
		Model:          model,
		APIKey:         apiKey,
		CompatProvider: cfg.LLM.OpenAICompatibleProvider,
		CompatBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		Tracer:         otelProvider.Tracer,
		Metrics:        instruments,
	}, logger)
	if !oracleClient.Available() {
		logger.Warn("no oracle credentials; turns will ask for clarification", "provider", provider)
	}
	suite := oracle.Suite{
		Planner:    oracleClient,
		Extractor:  oracleClient,
		Resolver:   oracleClient,
		Questioner: oracleClient,
	}

	sessions := session.NewManager(st, logger)
	eng := engine.New(suite, st, sessions, engine.Options{
		DefaultTimezone: cfg.DefaultTimezone,
		DefaultLanguage: cfg.DefaultLanguage,
		Bus:             eventBus,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         instruments,
	})

	// Config watcher: most settings are read at startup; a change is logged
	// so operators know a restart applies the rest.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				logger.Info("config.yaml changed; restart to apply",
					"path", ev.Path, "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	// Digest scheduler: fires due schedules as summarize turns.
	digestSched := cron.NewScheduler(cron.Config{
		Store:    st,
		Runner:   eng,
		Bus:      eventBus,
		Logger:   logger,
		Interval: time.Duration(cfg.Digest.TickSeconds) * time.Second,
		Tracer:   otelProvider.Tracer,
		Metrics:  instruments,
	})
	digestSched.Start(ctx)
	defer digestSched.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				eng,
				logger,
				eventBus,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	if interactive {
		go func() {
			runREPL(ctx, eng, sessions, st, *dryRun)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	logger.Info("shutdown complete")
}

// runREPL reads utterances from stdin and prints rendered responses until
// EOF or an exit command. Lines starting with a known command name are
// handled locally; everything else is a turn.
func runREPL(ctx context.Context, eng *engine.Engine, sessions *session.Manager, st *store.SQLite, dryRun bool) {
	fmt.Printf("agenda %s. Tell me what to schedule; 'help' lists commands, 'exit' quits.\n", Version)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if done := runCommand(ctx, line, sessions, st); done {
			continue
		}
		if cmd := strings.ToLower(line); cmd == "exit" || cmd == "quit" {
			return
		}

		turnCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		resp, err := eng.ProcessTurn(turnCtx, engine.TurnRequest{
			SessionID: shared.DefaultSessionID,
			Utterance: line,
			Now:       time.Now(),
			DryRun:    dryRun,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(engine.RenderText(resp))
	}
}

// runCommand handles local REPL commands. It reports true when the line was
// a command, whether or not it succeeded.
func runCommand(ctx context.Context, line string, sessions *session.Manager, st *store.SQLite) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "help":
		fmt.Println(`Commands:
  models                                List models usable with the configured keys
  prefs                                 Show session preferences
  prefs <timezone> [language]           Set session preferences
  digests                               List digest schedules
  digest <name> <m> <h> <dom> <mon> <dow> [days]
                                        Create a digest schedule (5-field cron)
  exit                                  Quit`)
	case "models":
		for _, m := range config.AvailableModels() {
			fmt.Println("  " + m)
		}
	case "prefs":
		if len(fields) == 1 {
			prefs := sessions.Preferences(ctx, shared.DefaultSessionID)
			fmt.Printf("timezone=%s language=%s\n",
				valueOr(prefs.Timezone, "(default)"), valueOr(prefs.Language, "(default)"))
			return true
		}
		prefs := session.Preferences{Timezone: fields[1]}
		if len(fields) > 2 {
			prefs.Language = fields[2]
		}
		if _, err := time.LoadLocation(prefs.Timezone); err != nil {
			fmt.Printf("unknown timezone %q\n", prefs.Timezone)
			return true
		}
		if err := sessions.SavePreferences(ctx, shared.DefaultSessionID, prefs); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Println("Preferences saved.")
	case "digests":
		schedules, err := st.ListDigestSchedules(ctx, shared.DefaultSessionID)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if len(schedules) == 0 {
			fmt.Println("No digest schedules.")
			return true
		}
		for _, d := range schedules {
			next := "pending"
			if d.NextRunAt != nil {
				next = d.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("  %s  %q  window %dd  next %s\n", d.Name, d.CronExpr, d.WindowDays, next)
		}
	case "digest":
		name, expr, days, err := parseDigestArgs(fields[1:])
		if err != nil {
			fmt.Printf("usage: digest <name> <m> <h> <dom> <mon> <dow> [days]: %v\n", err)
			return true
		}
		d, err := cron.CreateSchedule(ctx, st, shared.DefaultSessionID, name, expr, days, time.Now())
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("Digest %q created; next run %s.\n", d.Name, d.NextRunAt.Format(time.RFC3339))
	default:
		return false
	}
	return true
}

// parseDigestArgs splits "name m h dom mon dow [days]" into its parts.
func parseDigestArgs(fields []string) (name, expr string, days int, err error) {
	if len(fields) < 6 {
		return "", "", 0, fmt.Errorf("need a name and 5 cron fields")
	}
	name = fields[0]
	expr = strings.Join(fields[1:6], " ")
	days = 1
	if len(fields) > 6 {
		days, err = strconv.Atoi(fields[6])
		if err != nil || days < 1 {
			return "", "", 0, fmt.Errorf("days must be a positive number")
		}
	}
	if len(fields) > 7 {
		return "", "", 0, fmt.Errorf("unexpected trailing arguments")
	}
	return name, expr, days, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
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
