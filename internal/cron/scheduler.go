// Package cron runs the control plane's periodic maintenance: journal
// compaction, attachment TTL sweeps, confirmation expiry, dead-letter
// aging reports, audit mirror pings, and operator session pruning.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/mu-control/internal/adapters"
	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/identity"
	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/runqueue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Retention windows for compaction and pruning.
const (
	keepDeliveredFor  = 24 * time.Hour
	keepTerminalFor   = 24 * time.Hour
	keepIngressFor    = time.Hour
	operatorIdleAfter = 30 * time.Minute
)

// PipelineMaintenance is the command-store surface the scheduler drives.
type PipelineMaintenance interface {
	ExpireStale() (int, error)
	CompactCommands() error
}

// SessionPruner drops operator sessions idle past a cutoff.
type SessionPruner interface {
	PruneIdle(maxIdle time.Duration) int
}

// Config holds the stores the scheduler maintains. Nil fields skip the
// corresponding jobs.
type Config struct {
	Attachments *attachments.Store
	Outbox      *outbox.Store
	Runs        *runqueue.Store
	Identities  *identity.Store
	Issues      *issues.Store
	Ingress     *adapters.IngressQueue
	Pipeline    PipelineMaintenance
	Operator    SessionPruner

	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type job struct {
	name     string
	schedule cronlib.Schedule
	run      func(ctx context.Context)
	lastAt   time.Time
	nextAt   time.Time
	runs     int
}

// Entry describes one scheduled maintenance job.
type Entry struct {
	Name      string
	LastRunAt time.Time
	NextRunAt time.Time
	Runs      int
}

// Scheduler ticks at a fixed interval and fires whichever maintenance
// jobs have come due on their cron expressions.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the scheduler and its job table from the config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}

	if cfg.Pipeline != nil {
		s.add("confirmation_expiry", "* * * * *", s.expireConfirmations)
	}
	if cfg.Attachments != nil {
		s.add("attachment_sweep", "0 * * * *", s.sweepAttachments)
	}
	if cfg.Outbox != nil || cfg.Runs != nil || cfg.Identities != nil ||
		cfg.Issues != nil || cfg.Ingress != nil || cfg.Pipeline != nil {
		s.add("journal_compaction", "30 * * * *", s.compactJournals)
	}
	if cfg.Outbox != nil {
		s.add("dead_letter_age", "15 * * * *", s.reportDeadLetters)
	}
	s.add("audit_mirror_ping", "45 * * * *", s.pingAuditMirror)
	if cfg.Operator != nil {
		s.add("operator_session_prune", "*/10 * * * *", s.pruneOperatorSessions)
	}
	return s
}

func (s *Scheduler) now() time.Time {
	if s.cfg.Now == nil {
		return time.Now()
	}
	return s.cfg.Now()
}

func (s *Scheduler) add(name, expr string, run func(ctx context.Context)) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		s.logger.Error("cron: bad expression", "job", name, "expr", expr, "error", err)
		return
	}
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: sched,
		run:      run,
		nextAt:   sched.Next(s.now()),
	})
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// Entries snapshots the job table for status and diagnostics surfaces.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Entry{Name: j.name, LastRunAt: j.lastAt, NextRunAt: j.nextAt, Runs: j.runs})
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.due(now) {
		j.run(ctx)
		s.mu.Lock()
		j.lastAt = now
		j.runs++
		j.nextAt = j.schedule.Next(now)
		next := j.nextAt
		s.mu.Unlock()
		s.logger.Debug("maintenance job fired", "job", j.name, "next_run_at", next)
	}
}

func (s *Scheduler) due(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !j.nextAt.After(now) {
			out = append(out, j)
		}
	}
	return out
}

func (s *Scheduler) expireConfirmations(_ context.Context) {
	n, err := s.cfg.Pipeline.ExpireStale()
	if err != nil {
		s.logger.Error("cron: confirmation expiry failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("cron: confirmations expired", "count", n)
	}
}

func (s *Scheduler) sweepAttachments(_ context.Context) {
	n, err := s.cfg.Attachments.Sweep()
	if err != nil {
		s.logger.Error("cron: attachment sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("cron: attachments swept", "count", n)
	}
}

// compactJournals rewrites each journal without its settled history.
// Failures are logged per store; one sick journal must not stop the
// others from compacting.
func (s *Scheduler) compactJournals(_ context.Context) {
	if s.cfg.Outbox != nil {
		if err := s.cfg.Outbox.Compact(keepDeliveredFor.Milliseconds()); err != nil {
			s.logger.Error("cron: outbox compaction failed", "error", err)
		}
	}
	if s.cfg.Runs != nil {
		if err := s.cfg.Runs.Compact(keepTerminalFor.Milliseconds()); err != nil {
			s.logger.Error("cron: run queue compaction failed", "error", err)
		}
	}
	if s.cfg.Ingress != nil {
		if err := s.cfg.Ingress.Compact(keepIngressFor.Milliseconds()); err != nil {
			s.logger.Error("cron: ingress compaction failed", "error", err)
		}
	}
	if s.cfg.Identities != nil {
		if err := s.cfg.Identities.Compact(); err != nil {
			s.logger.Error("cron: identity compaction failed", "error", err)
		}
	}
	if s.cfg.Issues != nil {
		if err := s.cfg.Issues.Compact(); err != nil {
			s.logger.Error("cron: issue compaction failed", "error", err)
		}
	}
	if s.cfg.Pipeline != nil {
		if err := s.cfg.Pipeline.CompactCommands(); err != nil {
			s.logger.Error("cron: command compaction failed", "error", err)
		}
	}
	if s.cfg.Attachments != nil {
		if err := s.cfg.Attachments.Compact(); err != nil {
			s.logger.Error("cron: attachment index compaction failed", "error", err)
		}
	}
}

func (s *Scheduler) reportDeadLetters(_ context.Context) {
	letters := s.cfg.Outbox.DeadLetters()
	if len(letters) == 0 {
		return
	}
	oldest := letters[0].CreatedAtMs
	for _, e := range letters[1:] {
		if e.CreatedAtMs < oldest {
			oldest = e.CreatedAtMs
		}
	}
	age := time.Duration(s.now().UnixMilli()-oldest) * time.Millisecond
	s.logger.Warn("cron: dead letters awaiting redrive", "count", len(letters), "oldest_age", age)
}

func (s *Scheduler) pingAuditMirror(ctx context.Context) {
	if err := audit.PingMirror(ctx); err != nil {
		s.logger.Error("cron: audit mirror unreachable", "error", err)
	}
}

func (s *Scheduler) pruneOperatorSessions(_ context.Context) {
	if n := s.cfg.Operator.PruneIdle(operatorIdleAfter); n > 0 {
		s.logger.Info("cron: idle operator sessions pruned", "count", n)
	}
}
