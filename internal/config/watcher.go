package config

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// ReloadScope classifies what a config delta touches so the reload handler
// can pick the cheapest response.
type ReloadScope int

const (
	// ScopeNone means nothing significant changed.
	ScopeNone ReloadScope = iota
	// ScopeTelegram means only the telegram adapter settings changed; the
	// generation manager can swap adapters without a restart.
	ScopeTelegram
	// ScopeFull means the change needs a full restart to take effect.
	ScopeFull
)

func (s ReloadScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeTelegram:
		return "telegram"
	default:
		return "full"
	}
}

// Classify compares two loaded configs and reports the reload scope.
func Classify(old, next Config) ReloadScope {
	restEqual := old.BindAddr == next.BindAddr &&
		old.LogLevel == next.LogLevel &&
		old.RepoDir == next.RepoDir &&
		old.DrainTimeoutSeconds == next.DrainTimeoutSeconds &&
		slices.Equal(old.AllowOrigins, next.AllowOrigins) &&
		old.Adapters.Slack == next.Adapters.Slack &&
		old.Adapters.Discord == next.Adapters.Discord &&
		old.Adapters.Neovim == next.Adapters.Neovim &&
		old.Adapters.VSCode == next.Adapters.VSCode &&
		old.Adapters.Editor == next.Adapters.Editor &&
		old.Operator == next.Operator &&
		maps.Equal(old.Providers, next.Providers) &&
		runQueueEqual(old.RunQueue, next.RunQueue) &&
		old.Outbox == next.Outbox &&
		old.Confirmation == next.Confirmation &&
		old.Telemetry == next.Telemetry &&
		slices.Equal(old.Attachments.AllowedMimes, next.Attachments.AllowedMimes) &&
		maps.Equal(old.Attachments.ChannelModes, next.Attachments.ChannelModes) &&
		old.Attachments.MaxBytes == next.Attachments.MaxBytes &&
		old.Attachments.TTLHours == next.Attachments.TTLHours

	tgEqual := telegramEqual(old.Adapters.Telegram, next.Adapters.Telegram)

	switch {
	case restEqual && tgEqual:
		return ScopeNone
	case restEqual:
		return ScopeTelegram
	default:
		return ScopeFull
	}
}

func runQueueEqual(a, b RunQueueConfig) bool {
	return a.Mode == b.Mode &&
		a.MaxActiveRoots == b.MaxActiveRoots &&
		a.OperationWindow == b.OperationWindow &&
		a.PollIntervalSeconds == b.PollIntervalSeconds &&
		slices.Equal(a.RunCommand, b.RunCommand)
}

func telegramEqual(a, b TelegramConfig) bool {
	if a.Enabled != b.Enabled || a.BotToken != b.BotToken ||
		a.SecretToken != b.SecretToken ||
		a.WarmupTimeoutMs != b.WarmupTimeoutMs || a.DrainTimeoutMs != b.DrainTimeoutMs {
		return false
	}
	if len(a.AllowedChatIDs) != len(b.AllowedChatIDs) {
		return false
	}
	for i := range a.AllowedChatIDs {
		if a.AllowedChatIDs[i] != b.AllowedChatIDs[i] {
			return false
		}
	}
	return true
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{
		filepath.Join(w.homeDir, "config.yaml"),
		filepath.Join(w.homeDir, "policy.yaml"),
	}
	for _, file := range files {
		_ = fsw.Add(file)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
