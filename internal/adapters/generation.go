package adapters

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/pipeline"
)

// Swap failure triggers. WarmupFailed and HealthGateFailed happen before
// cutover and leave the active generation untouched; the rest describe a
// rollback after cutover.
const (
	SwapWarmupFailed            = "warmup_failed"
	SwapHealthGateFailed        = "health_gate_failed"
	SwapCutoverFailed           = "cutover_failed"
	SwapPostCutoverHealthFailed = "post_cutover_health_failed"
	SwapRollbackUnavailable     = "rollback_unavailable"
)

// ReasonNonTelegramChange is reported when a reload touches fields the
// manager cannot swap in place.
const ReasonNonTelegramChange = "non_telegram_change"

const (
	defaultWarmupTimeout = 2 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

// TelegramInstance is one supervised adapter generation. *TelegramAdapter
// implements it; tests substitute fakes.
type TelegramInstance interface {
	http.Handler
	GenerationID() string
	SetAccepting(v bool)
	Accepting() bool
	SetDrainEnabled(v bool)
	BeginDrain()
	EndDrain()
	DrainInflight(ctx context.Context) error
	Warmup(ctx context.Context) error
	Health(ctx context.Context) error
	Stop(force bool)
	RunIngressDrain(ctx context.Context)
}

// InstanceFactory builds a generation from the telegram section of a
// candidate config.
type InstanceFactory func(cfg config.TelegramConfig, generationID string) TelegramInstance

// Rollback describes why and how a swap was undone.
type Rollback struct {
	Trigger  string `json:"trigger"`
	Restored bool   `json:"restored"`
}

// SwapReport is the outcome of one Apply call.
type SwapReport struct {
	Handled          bool      `json:"handled"`
	OK               bool      `json:"ok"`
	FromGeneration   string    `json:"from_generation,omitempty"`
	ToGeneration     string    `json:"to_generation,omitempty"`
	ActiveGeneration string    `json:"active_generation,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Rollback         *Rollback `json:"rollback,omitempty"`
	ElapsedMs        int64     `json:"elapsed_ms"`
}

// GenerationOptions tune the manager. Factory is required.
type GenerationOptions struct {
	Factory       InstanceFactory
	Bus           *bus.Bus
	NowMs         func() int64
	WarmupTimeout time.Duration
	DrainTimeout  time.Duration
}

// GenerationManager keeps exactly one Telegram adapter generation live.
// Telegram-only config changes are applied by warming a standby,
// cutting over, and draining the old generation; anything else is
// refused so the caller restarts the control plane instead.
type GenerationManager struct {
	factory InstanceFactory
	events  *bus.Bus
	nowMs   func() int64

	warmupTimeout time.Duration
	drainTimeout  time.Duration

	// swapMu serializes Apply; mu guards the hot fields the request
	// path reads.
	swapMu sync.Mutex
	mu     sync.Mutex
	seq    int
	cfg    config.Config
	active TelegramInstance

	runCtx context.Context
}

// NewGenerationManager bootstraps generation 1 from the given config.
// The first generation accepts immediately; Start launches its drain
// loop.
func NewGenerationManager(cfg config.Config, opts GenerationOptions) *GenerationManager {
	m := &GenerationManager{
		factory:       opts.Factory,
		events:        opts.Bus,
		nowMs:         opts.NowMs,
		warmupTimeout: opts.WarmupTimeout,
		drainTimeout:  opts.DrainTimeout,
		cfg:           cfg,
	}
	if m.nowMs == nil {
		m.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if m.warmupTimeout <= 0 {
		m.warmupTimeout = defaultWarmupTimeout
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	if cfg.Adapters.Telegram.Enabled {
		m.seq = 1
		m.active = m.factory(cfg.Adapters.Telegram, generationID(1))
		m.active.SetAccepting(true)
		m.active.SetDrainEnabled(true)
	}
	return m
}

func generationID(seq int) string {
	return fmt.Sprintf("telegram-adapter-gen-%d", seq)
}

func (m *GenerationManager) Name() string { return pipeline.ChannelTelegram }

// Start begins the active generation's ingress drain loop. Later
// generations inherit the same context when they activate.
func (m *GenerationManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	inst := m.active
	m.mu.Unlock()
	if inst != nil {
		go inst.RunIngressDrain(ctx)
	}
}

func (m *GenerationManager) spawnDrain(inst TelegramInstance) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx != nil {
		go inst.RunIngressDrain(ctx)
	}
}

// Active returns the generation currently accepting ingress, or nil.
func (m *GenerationManager) Active() TelegramInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ActiveID returns the active generation id, or "".
func (m *GenerationManager) ActiveID() string {
	if inst := m.Active(); inst != nil {
		return inst.GenerationID()
	}
	return ""
}

// ServeHTTP proxies to the active generation so the webhook mount stays
// stable across swaps.
func (m *GenerationManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst := m.Active()
	if inst == nil {
		reject(w, pipeline.ChannelTelegram, http.StatusServiceUnavailable, ReasonGenerationDraining)
		return
	}
	inst.ServeHTTP(w, r)
}

// splitChange reports whether anything changed between the configs and
// whether the change is confined to the telegram section.
func splitChange(old, next config.Config) (changed, telegramOnly bool) {
	tgChanged := !reflect.DeepEqual(old.Adapters.Telegram, next.Adapters.Telegram)
	oldRest := old
	oldRest.Adapters.Telegram = config.TelegramConfig{}
	nextRest := next
	nextRest.Adapters.Telegram = config.TelegramConfig{}
	restChanged := !reflect.DeepEqual(oldRest, nextRest)
	return tgChanged || restChanged, tgChanged && !restChanged
}

func (m *GenerationManager) publish(id, phase, reason string) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.TopicGenerationSwap, bus.GenerationSwapEvent{
		GenerationID: id,
		Phase:        phase,
		Reason:       reason,
	})
}

// Apply reconciles the running telegram adapter against a candidate
// config. Telegram-only changes are swapped with warmup, cutover, and
// drain; unrelated changes are refused with handled=false.
func (m *GenerationManager) Apply(ctx context.Context, next config.Config) SwapReport {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	start := m.nowMs()
	report := func(r SwapReport) SwapReport {
		r.ElapsedMs = m.nowMs() - start
		return r
	}

	m.mu.Lock()
	cur := m.cfg
	prev := m.active
	m.mu.Unlock()

	from := ""
	if prev != nil {
		from = prev.GenerationID()
	}

	changed, telegramOnly := splitChange(cur, next)
	if !changed {
		return report(SwapReport{
			Handled: true, OK: true,
			FromGeneration: from, ActiveGeneration: from,
			Reason: "unchanged",
		})
	}
	if !telegramOnly {
		return report(SwapReport{
			Handled:          false,
			FromGeneration:   from,
			ActiveGeneration: from,
			Reason:           ReasonNonTelegramChange,
		})
	}

	// Disable path: stop the active generation without a replacement.
	if !next.Adapters.Telegram.Enabled {
		if prev != nil {
			prev.BeginDrain()
			dctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
			err := prev.DrainInflight(dctx)
			cancel()
			prev.Stop(err != nil)
			m.publish(from, "stopped", "")
		}
		m.mu.Lock()
		m.active = nil
		m.cfg = next
		m.mu.Unlock()
		return report(SwapReport{Handled: true, OK: true, FromGeneration: from})
	}

	m.mu.Lock()
	m.seq++
	to := generationID(m.seq)
	m.mu.Unlock()

	standby := m.factory(next.Adapters.Telegram, to)
	standby.SetAccepting(false)
	standby.SetDrainEnabled(false)
	m.publish(to, "warming", "")

	if trigger, err := m.warmup(ctx, standby); err != nil {
		standby.Stop(true)
		m.publish(to, "stopped", trigger)
		return report(SwapReport{
			Handled: true, OK: false,
			FromGeneration: from, ToGeneration: to, ActiveGeneration: from,
			Reason:   trigger,
			Rollback: &Rollback{Trigger: trigger, Restored: true},
		})
	}

	// Cutover. The standby accepts before the old generation starts
	// refusing, so the webhook never 503s on a healthy swap.
	standby.SetAccepting(true)
	if prev != nil {
		prev.BeginDrain()
	}
	m.publish(to, "active", "")
	if prev != nil {
		m.publish(from, "draining", "")
	}

	if err := standby.Health(ctx); err != nil {
		return report(m.rollback(ctx, prev, standby, from, to, SwapPostCutoverHealthFailed))
	}

	m.mu.Lock()
	m.active = standby
	m.cfg = next
	m.mu.Unlock()

	if prev != nil {
		prev.SetDrainEnabled(false)
	}
	standby.SetDrainEnabled(true)
	m.spawnDrain(standby)

	if prev != nil {
		dctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
		err := prev.DrainInflight(dctx)
		cancel()
		prev.Stop(err != nil)
		m.publish(from, "stopped", "")
	}

	return report(SwapReport{
		Handled: true, OK: true,
		FromGeneration: from, ToGeneration: to, ActiveGeneration: to,
	})
}

// warmup runs the standby's load and health gate within the warmup
// timeout, retrying transient failures.
func (m *GenerationManager) warmup(ctx context.Context, standby TelegramInstance) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, m.warmupTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // the context bounds the attempt window

	if err := backoff.Retry(func() error {
		return standby.Warmup(wctx)
	}, backoff.WithContext(bo, wctx)); err != nil {
		return SwapWarmupFailed, err
	}
	if err := standby.Health(wctx); err != nil {
		return SwapHealthGateFailed, err
	}
	return "", nil
}

// rollback reactivates the previous generation after a failed cutover.
func (m *GenerationManager) rollback(ctx context.Context, prev, standby TelegramInstance, from, to, trigger string) SwapReport {
	standby.SetAccepting(false)
	standby.Stop(true)
	m.publish(to, "rolled_back", trigger)

	if prev == nil {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		return SwapReport{
			Handled: true, OK: false,
			FromGeneration: from, ToGeneration: to,
			Reason:   trigger,
			Rollback: &Rollback{Trigger: SwapRollbackUnavailable},
		}
	}

	prev.EndDrain()
	if err := prev.Health(ctx); err != nil {
		prev.Stop(true)
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		m.publish(from, "stopped", SwapRollbackUnavailable)
		return SwapReport{
			Handled: true, OK: false,
			FromGeneration: from, ToGeneration: to,
			Reason:   trigger,
			Rollback: &Rollback{Trigger: SwapRollbackUnavailable},
		}
	}

	m.publish(from, "active", "")
	return SwapReport{
		Handled: true, OK: false,
		FromGeneration: from, ToGeneration: to, ActiveGeneration: from,
		Reason:   trigger,
		Rollback: &Rollback{Trigger: trigger, Restored: true},
	}
}
