// Command mucontrol runs the control plane for operator-driven
// messaging: webhook channel adapters, the command pipeline, the
// durable outbox and run queue, and the operator bridge, all behind
// one HTTP listener.
//
// Subcommands: status (query a running daemon), doctor (offline
// diagnostics), daemon (explicit form of the default), version, help.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mu-control/internal/adapters"
	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/broker"
	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/cron"
	"github.com/basket/mu-control/internal/dispatch"
	"github.com/basket/mu-control/internal/gateway"
	"github.com/basket/mu-control/internal/identity"
	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/journal"
	"github.com/basket/mu-control/internal/operator"
	otelPkg "github.com/basket/mu-control/internal/otel"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
	"github.com/basket/mu-control/internal/policy"
	"github.com/basket/mu-control/internal/runcoord"
	"github.com/basket/mu-control/internal/runqueue"
	"github.com/basket/mu-control/internal/telemetry"
)

// Version is stamped at build time via -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func printUsage() {
	fmt.Println("mucontrol - control plane for operator-driven messaging")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  mucontrol            Run the control plane daemon")
	fmt.Println("  mucontrol daemon     Same as above, explicit form")
	fmt.Println("  mucontrol status     Query a running daemon's health endpoint")
	fmt.Println("  mucontrol doctor     Offline diagnostics (-json for machine output)")
	fmt.Println("  mucontrol version    Print the version")
	fmt.Println("  mucontrol help       Show this help")
}

func main() {
	// .env values never override the real environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version", "-v", "--version":
			fmt.Printf("mucontrol %s\n", Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, os.Args[2:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, os.Args[2:]))
		case "daemon":
			mode, err := parseDaemonArgs(os.Args[2:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonModeHelp {
				printDaemonUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

type daemonMode int

const (
	daemonModeRun daemonMode = iota
	daemonModeHelp
)

// parseDaemonArgs interprets the arguments after "daemon". No arguments
// runs the daemon, a lone help flag prints usage, anything else is an
// error.
func parseDaemonArgs(args []string) (daemonMode, error) {
	switch {
	case len(args) == 0:
		return daemonModeRun, nil
	case len(args) == 1 && isHelpArg(args[0]):
		return daemonModeHelp, nil
	default:
		return daemonModeRun, errors.New("usage: mucontrol daemon [--help]")
	}
}

func isHelpArg(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: mucontrol daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the control plane in the foreground: webhook gateway, command")
	fmt.Fprintln(w, "pipeline, outbox dispatcher, and run coordinator. Stop with SIGINT")
	fmt.Fprintln(w, "or SIGTERM; in-flight work drains before exit.")
}

// fatalStartup records an unrecoverable bootstrap failure and returns
// the daemon exit code. Callers return the result so deferred cleanup,
// the writer lock above all, still runs. The failure is audited when the
// audit appender is up, logged when the logger is up, and otherwise
// lands on stderr as one JSON line so service managers capture it.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	audit.Record("control", audit.EventFatal, reasonCode, "", msg)
	if logger != nil {
		logger.Error("startup failed", "reason_code", reasonCode, "error", msg)
	} else {
		line, _ := json.Marshal(map[string]string{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "ERROR",
			"msg":         "startup failed",
			"reason_code": reasonCode,
			"error":       msg,
		})
		fmt.Fprintln(os.Stderr, string(line))
	}
	return 1
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeGenesisConfig(cfg.HomeDir); err != nil {
			return fatalStartup(nil, "E_GENESIS_WRITE", err)
		}
	}

	stateDir := cfg.StateDir()
	if err := audit.Init(stateDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	// Interactive runs mirror logs to stdout; service runs keep stdout
	// quiet and rely on the log file.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "bind_addr", cfg.BindAddr,
		"channels", cfg.EnabledChannels(), "genesis", cfg.NeedsGenesis)
	if cfg.NeedsGenesis {
		logger.Info("wrote starter config; all adapters disabled until configured",
			"path", config.ConfigPath(cfg.HomeDir))
	}
	if !isLoopback(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("bind address is not loopback and allow_origins is empty; browser feed clients will be refused",
			"bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	observer := otelPkg.NewObserver(metrics, eventBus, logger)
	go observer.Run(ctx)

	lock, err := journal.AcquireLock(stateDir)
	if err != nil {
		if errors.Is(err, journal.ErrLocked) {
			return fatalStartup(logger, "E_WRITER_LOCKED", err)
		}
		return fatalStartup(logger, "E_WRITER_LOCK", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("writer lock release", "error", err)
		}
	}()

	identities, err := identity.Open(stateDir, nil)
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("identity store: %w", err))
	}
	issueStore, err := issues.Open(stateDir, nil)
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("issue store: %w", err))
	}
	outboxStore, err := outbox.Open(stateDir, outbox.Options{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Events:      eventBus,
	})
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("outbox: %w", err))
	}
	runStore, err := runqueue.Open(stateDir, runqueue.Options{
		OperationWindow: cfg.RunQueue.OperationWindow,
		Events:          eventBus,
	})
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("run queue: %w", err))
	}
	attachStore, err := attachments.Open(stateDir, attachments.Options{
		AllowedMimes: cfg.Attachments.AllowedMimes,
		ChannelModes: cfg.Attachments.ChannelModes,
		MaxBytes:     cfg.Attachments.MaxBytes,
		TTL:          time.Duration(cfg.Attachments.TTLHours) * time.Hour,
	})
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("attachment store: %w", err))
	}
	ingressQueue, err := adapters.OpenIngress(stateDir, adapters.IngressOptions{
		MaxAttempts: cfg.Adapters.Telegram.IngressMaxAttempts,
		Events:      eventBus,
	})
	if err != nil {
		return fatalStartup(logger, "E_STATE_OPEN", fmt.Errorf("ingress queue: %w", err))
	}
	pending, _, dead := outboxStore.Counts()
	logger.Info("startup phase", "phase", "state_replayed",
		"outbox_pending", pending, "outbox_dead", dead, "runs", runStore.Counts())

	// The sqlite mirror is a convenience surface; failures degrade to
	// JSONL-only audit.
	if mirror, err := sql.Open("sqlite3", filepath.Join(stateDir, audit.MirrorFileName)); err != nil {
		logger.Warn("audit mirror unavailable", "error", err)
	} else if err := audit.EnsureSchema(mirror); err != nil {
		logger.Warn("audit mirror schema", "error", err)
		mirror.Close()
	} else {
		audit.SetDB(mirror)
		defer mirror.Close()
	}

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	pol, err := policy.Load(policyPath)
	if err != nil {
		return fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded",
		"policy_version", livePolicy.PolicyVersion(),
		"mutations_enabled", livePolicy.MutationsEnabled())

	supervisor := runcoord.NewExecSupervisor(runcoord.ExecOptions{
		Command: cfg.RunQueue.RunCommand,
		Dir:     cfg.RepoDir,
		Logger:  logger,
	})
	defer supervisor.Close()

	dests := &lateDestinations{}
	coordinator := runcoord.New(runStore, supervisor, runcoord.Options{
		MaxActiveRoots: cfg.RunQueue.MaxActiveRoots,
		PollInterval:   cfg.RunPollInterval(),
		Events:         eventBus,
		Outbox:         outboxStore,
		Destinations:   dests,
		Logger:         logger,
	})

	provider, model, apiKey := cfg.ResolveOperator()
	advisor := operator.NewGenkitAdvisor(ctx, operator.AdvisorConfig{
		Provider:           provider,
		Model:              model,
		APIKey:             apiKey,
		CompatibleProvider: cfg.Operator.CompatibleProvider,
		CompatibleBaseURL:  cfg.Operator.CompatibleBaseURL,
	})
	operatorBridge := operator.NewBridge(operator.Options{
		Advisor:          advisor,
		SessionMode:      cfg.Operator.SessionMode,
		MaxContextTokens: cfg.Operator.MaxContextTokens,
		ObserveTurn: func(elapsed time.Duration, outcome string) {
			metrics.OperatorTurnDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(otelPkg.AttrOutcome.String(outcome)))
		},
	})
	proposalBroker := broker.New(broker.Options{
		Runs:        runStore,
		RunTriggers: func() bool { return cfg.Operator.RunTriggersEnabled },
	})

	executor := &pipeline.HostExecutor{
		Issues: issueStore,
		Runs:   runStore,
		Outbox: outboxStore,
		Policy: livePolicy,
	}
	reload := newReloader(cfg, livePolicy, logger)

	pipe, err := pipeline.New(pipeline.Options{
		StateDir:        stateDir,
		Policy:          livePolicy,
		Identity:        identities,
		Outbox:          outboxStore,
		Executor:        executor,
		Runs:            coordinator,
		Lifecycle:       reload,
		Operator:        operatorBridge,
		Broker:          proposalBroker,
		OperatorEnabled: cfg.Operator.Enabled,
		ChatChannels:    chatChannels(cfg),
		ConfirmTTL:      cfg.ConfirmationTTL(),
	})
	if err != nil {
		return fatalStartup(logger, "E_PIPELINE_OPEN", err)
	}
	dests.set(pipe)

	core := &adapters.Core{
		Pipeline:    pipe,
		Attachments: attachStore,
		Outbox:      outboxStore,
		Bus:         eventBus,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
	}
	gen := adapters.NewGenerationManager(cfg, adapters.GenerationOptions{
		Factory: func(tc config.TelegramConfig, generationID string) adapters.TelegramInstance {
			return adapters.NewTelegram(core, tc, ingressQueue, generationID)
		},
		Bus:           eventBus,
		WarmupTimeout: cfg.WarmupTimeout(),
		DrainTimeout:  cfg.DrainTimeout(),
	})
	gen.Start(ctx)
	reload.bind(gen)

	authToken, err := loadAuthToken(cfg.HomeDir, logger)
	if err != nil {
		return fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		Bus:          eventBus,
		Outbox:       outboxStore,
		Runs:         runStore,
		Logger:       logger,
	})
	go gw.Run(ctx)

	editorSections := []struct {
		name string
		cfg  config.EditorConfig
	}{
		{pipeline.ChannelNeovim, cfg.Adapters.Neovim},
		{pipeline.ChannelVSCode, cfg.Adapters.VSCode},
		{pipeline.ChannelEditor, cfg.Adapters.Editor},
	}

	mounted := make([]string, 0, 6)
	if cfg.Adapters.Slack.Enabled {
		h := adapters.NewSlack(core, cfg.Adapters.Slack)
		gw.Mount(pipeline.ChannelSlack, metrics.WrapHandler(pipeline.ChannelSlack, h))
		mounted = append(mounted, pipeline.ChannelSlack)
	}
	if cfg.Adapters.Discord.Enabled {
		h := adapters.NewDiscord(core, cfg.Adapters.Discord)
		gw.Mount(pipeline.ChannelDiscord, metrics.WrapHandler(pipeline.ChannelDiscord, h))
		mounted = append(mounted, pipeline.ChannelDiscord)
	}
	if cfg.Adapters.Telegram.Enabled {
		// The manager proxies to the active generation so the mount
		// survives swaps.
		gw.Mount(pipeline.ChannelTelegram, metrics.WrapHandler(pipeline.ChannelTelegram, gen))
		mounted = append(mounted, pipeline.ChannelTelegram)
	}
	for _, ed := range editorSections {
		if !ed.cfg.Enabled {
			continue
		}
		h, err := adapters.NewEditor(core, ed.name, ed.cfg)
		if err != nil {
			return fatalStartup(logger, "E_ADAPTER_INIT", fmt.Errorf("%s adapter: %w", ed.name, err))
		}
		gw.Mount(ed.name, metrics.WrapHandler(ed.name, h))
		mounted = append(mounted, ed.name)
	}
	logger.Info("startup phase", "phase", "adapters_mounted", "channels", mounted)

	dispatcher := dispatch.New(outboxStore, dispatch.Options{
		Events: eventBus,
		Logger: logger,
	})
	if cfg.Adapters.Slack.Enabled {
		dispatcher.Register(pipeline.ChannelSlack,
			dispatch.NewSlackTransport(cfg.Adapters.Slack),
			dispatch.DefaultLaneOptions(pipeline.ChannelSlack))
	}
	if cfg.Adapters.Discord.Enabled {
		dispatcher.Register(pipeline.ChannelDiscord,
			dispatch.NewDiscordTransport(cfg.Adapters.Discord),
			dispatch.DefaultLaneOptions(pipeline.ChannelDiscord))
	}
	if cfg.Adapters.Telegram.Enabled {
		dispatcher.Register(pipeline.ChannelTelegram,
			dispatch.NewTelegramTransport(cfg.Adapters.Telegram),
			dispatch.DefaultLaneOptions(pipeline.ChannelTelegram))
	}
	for _, ed := range editorSections {
		if ed.cfg.Enabled {
			dispatcher.Register(ed.name,
				dispatch.NewEditorTransport(ed.name, gw),
				dispatch.DefaultLaneOptions(ed.name))
		}
	}
	go dispatcher.Run(ctx)

	go func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("run coordinator stopped", "error", err)
		}
	}()

	scheduler := cron.NewScheduler(cron.Config{
		Attachments: attachStore,
		Outbox:      outboxStore,
		Runs:        runStore,
		Identities:  identities,
		Issues:      issueStore,
		Ingress:     ingressQueue,
		Pipeline:    pipe,
		Operator:    operatorBridge,
		Logger:      logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(scheduler.Entries()))

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; reload needs the reload command", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				reload.onFileEvent(ctx, ev)
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			if hint := portOccupantHint(cfg.BindAddr); hint != "" {
				logger.Error("bind address already in use", "addr", cfg.BindAddr, "occupant", hint)
			}
			return fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%s in use: %w", cfg.BindAddr, err))
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", listener.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	gw.SetReady()
	logger.Info("control plane ready", "version", Version, "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
	}

	gw.BeginDrain()

	shCtx, cancelSh := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSh()
	if err := server.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if inst := gen.Active(); inst != nil {
		inst.SetAccepting(false)
		inst.BeginDrain()
		if err := inst.DrainInflight(drainCtx); err != nil {
			logger.Warn("telegram drain incomplete", "error", err)
		}
		inst.Stop(false)
	}
	if n := dispatcher.DrainDue(drainCtx); n > 0 {
		logger.Info("final outbox drain", "delivered", n)
	}

	logger.Info("shutdown complete")
	return 0
}

// lateDestinations defers the coordinator's destination resolver. The
// coordinator is built before the pipeline that implements it; set runs
// before the coordinator's loops start, so no lock is needed.
type lateDestinations struct {
	p *pipeline.Pipeline
}

func (l *lateDestinations) set(p *pipeline.Pipeline) { l.p = p }

func (l *lateDestinations) CommandDestination(commandID string) (string, string, string, bool) {
	if l.p == nil {
		return "", "", "", false
	}
	return l.p.CommandDestination(commandID)
}

// reloader applies config and policy reloads, both file-driven through
// the fsnotify watcher and command-driven through the pipeline's reload
// command. Telegram-only deltas swap adapter generations; anything wider
// needs a restart.
type reloader struct {
	mu     sync.Mutex
	cur    config.Config
	gen    *adapters.GenerationManager
	policy *policy.LivePolicy
	logger *slog.Logger
}

func newReloader(cfg config.Config, live *policy.LivePolicy, logger *slog.Logger) *reloader {
	return &reloader{cur: cfg, policy: live, logger: logger.With("component", "reload")}
}

// bind attaches the generation manager once it exists. Bootstrap calls
// it before any reload can fire.
func (r *reloader) bind(gen *adapters.GenerationManager) {
	r.mu.Lock()
	r.gen = gen
	r.mu.Unlock()
}

// Reload re-reads config.yaml and policy.yaml and applies what can be
// applied live.
func (r *reloader) Reload(ctx context.Context) (pipeline.LifecycleResult, error) {
	next, err := config.Load()
	if err != nil {
		return pipeline.LifecycleResult{}, fmt.Errorf("reload config: %w", err)
	}
	if err := policy.ReloadFromFile(r.policy, filepath.Join(next.HomeDir, "policy.yaml")); err != nil {
		r.logger.Warn("policy reload failed; previous policy stays active", "error", err)
	}

	r.mu.Lock()
	prev := r.cur
	gen := r.gen
	r.mu.Unlock()

	scope := config.Classify(prev, next)
	details := map[string]string{
		"scope":          scope.String(),
		"fingerprint":    next.Fingerprint(),
		"policy_version": r.policy.PolicyVersion(),
	}

	if gen == nil {
		if scope == config.ScopeNone {
			return pipeline.LifecycleResult{OK: true, Details: details}, nil
		}
		return pipeline.LifecycleResult{OK: false, Reason: "restart_required", Details: details}, nil
	}

	report := gen.Apply(ctx, next)
	details["active_generation"] = report.ActiveGeneration
	if report.Rollback != nil {
		details["rollback"] = report.Rollback.Trigger
	}
	switch {
	case report.Handled && report.OK:
		r.mu.Lock()
		r.cur = next
		r.mu.Unlock()
		return pipeline.LifecycleResult{OK: true, Details: details}, nil
	case report.Handled:
		return pipeline.LifecycleResult{OK: false, Reason: report.Reason, Details: details}, nil
	default:
		return pipeline.LifecycleResult{OK: false, Reason: "restart_required", Details: details}, nil
	}
}

// Update reports that self-update is not built in. Deploy a new binary
// and restart instead.
func (r *reloader) Update(ctx context.Context) (pipeline.LifecycleResult, error) {
	return pipeline.LifecycleResult{
		OK:      false,
		Reason:  "update_unsupported",
		Details: map[string]string{"version": Version},
	}, nil
}

// onFileEvent handles one fsnotify change to config.yaml or policy.yaml.
func (r *reloader) onFileEvent(ctx context.Context, ev config.ReloadEvent) {
	switch filepath.Base(ev.Path) {
	case "policy.yaml":
		if err := policy.ReloadFromFile(r.policy, ev.Path); err != nil {
			r.logger.Warn("policy reload failed; previous policy stays active", "error", err)
			return
		}
		r.logger.Info("policy reloaded", "policy_version", r.policy.PolicyVersion())
	case "config.yaml":
		res, err := r.Reload(ctx)
		if err != nil {
			r.logger.Warn("config reload failed", "error", err)
			return
		}
		if !res.OK {
			if res.Reason == "restart_required" {
				r.logger.Warn("config change needs a restart to take effect",
					"scope", res.Details["scope"])
			} else {
				r.logger.Warn("config reload refused", "reason", res.Reason)
			}
			return
		}
		r.logger.Info("config reloaded", "scope", res.Details["scope"],
			"fingerprint", res.Details["fingerprint"])
	}
}

// chatChannels lists the channels beyond telegram whose plain text
// routes to the operator.
func chatChannels(cfg config.Config) []string {
	var chans []string
	if cfg.Adapters.Slack.OperatorChat {
		chans = append(chans, pipeline.ChannelSlack)
	}
	if cfg.Adapters.Discord.OperatorChat {
		chans = append(chans, pipeline.ChannelDiscord)
	}
	return chans
}

// loadAuthToken resolves the feed auth token: MU_AUTH_TOKEN wins, then
// <home>/auth.token, and a fresh token is generated and persisted when
// neither exists.
func loadAuthToken(homeDir string, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("MU_AUTH_TOKEN")); tok != "" {
		return tok, nil
	}
	path := filepath.Join(homeDir, "auth.token")
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read auth token: %w", err)
	}
	tok := uuid.NewString()
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write auth token: %w", err)
	}
	logger.Info("auth token generated", "path", path)
	return tok, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// reuseAddr sets SO_REUSEADDR so fast restarts do not trip over sockets
// in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// execCommandFunc is swapped in tests.
var execCommandFunc = exec.Command

// portOccupantHint asks lsof which pids hold the port. Best effort; an
// empty string means no hint.
func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err != nil {
		return ""
	}
	pids := strings.Fields(string(out))
	if len(pids) == 0 {
		return ""
	}
	return "pid " + strings.Join(pids, ", ")
}

// genesisConfig is the starter config written on first run. Every
// adapter starts disabled; the daemon comes up with just the healthz
// and feed endpoints until one is enabled.
const genesisConfig = `# mu-control configuration.
# Env overrides: MU_HOME, MU_BIND_ADDR, MU_REPO_DIR, MU_LOG_LEVEL.
repo_dir: "."
bind_addr: "127.0.0.1:18790"
log_level: "info"

adapters:
  slack:
    enabled: false
    signing_secret: ""
    bot_token: ""
  discord:
    enabled: false
    signing_secret: ""
    bot_token: ""
  telegram:
    enabled: false
    bot_token: ""
    secret_token: ""
  neovim:
    enabled: false
    shared_secret: ""
  vscode:
    enabled: false
    shared_secret: ""
  editor:
    enabled: false
    shared_secret: ""

operator:
  enabled: false
  provider: "google"
  model: ""

run_queue:
  mode: "sequential"
  run_command: []

telemetry:
  enabled: false
`

// writeGenesisConfig persists the starter config. It never clobbers an
// existing file.
func writeGenesisConfig(homeDir string) error {
	path := config.ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config.yaml: %w", err)
	}
	if err := os.WriteFile(path, []byte(genesisConfig), 0o644); err != nil {
		return fmt.Errorf("write genesis config: %w", err)
	}
	return nil
}
