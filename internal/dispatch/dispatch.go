// Package dispatch drains the durable outbox through per-channel
// transports. Each due entry gets one delivery attempt whose outcome is
// tagged delivered, retry, or permanent_failure and written back to the
// store, so sends stay at-least-once and failures leave a durable trace.
// Every channel is a lane with its own rate limiter and circuit breaker;
// entries within a lane deliver sequentially, lanes run in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
	"github.com/basket/mu-control/internal/safety"
)

// Delivery outcome statuses.
const (
	StatusDelivered = "delivered"
	StatusRetry     = "retry"
	StatusPermanent = "permanent_failure"
)

// ReasonTransportUnregistered dead-letters entries for channels nothing is
// registered to serve.
const ReasonTransportUnregistered = "transport_unregistered"

const (
	defaultIdleTick         = time.Second
	defaultBreakerCooldown  = 30 * time.Second
	defaultBreakerThreshold = 5
)

// Outcome is the tagged result of one delivery attempt.
type Outcome struct {
	Status string

	// Err carries the failure for retry outcomes.
	Err error

	// Delay overrides the backoff curve for retry outcomes when the
	// upstream names one (Retry-After header, bot api retry_after).
	Delay time.Duration

	// Reason is the machine code for permanent failures.
	Reason string
}

// Delivered reports a successful send.
func Delivered() Outcome { return Outcome{Status: StatusDelivered} }

// Retry reports a failure worth retrying on the backoff curve.
func Retry(err error) Outcome { return Outcome{Status: StatusRetry, Err: err} }

// RetryAfter reports a retryable failure with an upstream-supplied delay.
func RetryAfter(err error, delay time.Duration) Outcome {
	return Outcome{Status: StatusRetry, Err: err, Delay: delay}
}

// PermanentFailure reports a failure retries cannot fix.
func PermanentFailure(reason string) Outcome {
	return Outcome{Status: StatusPermanent, Reason: reason}
}

// Transport delivers one outbox entry to its destination channel.
type Transport interface {
	Deliver(ctx context.Context, entry outbox.Entry) Outcome
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, entry outbox.Entry) Outcome

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, entry outbox.Entry) Outcome {
	return f(ctx, entry)
}

// LaneOptions tune one channel's delivery lane.
type LaneOptions struct {
	// MessagesPerSecond bounds outbound sends. 0 means unthrottled.
	MessagesPerSecond float64

	// Burst is the limiter bucket size. 0 derives it from the rate.
	Burst int

	// BreakerCooldown holds sends off after the breaker opens. 0 uses 30s.
	BreakerCooldown time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker. 0 uses 5.
	BreakerThreshold uint32
}

// DefaultLaneOptions returns the per-channel tuning the daemon runs with:
// Telegram's global bot budget, Slack's per-conversation message class,
// Discord's per-channel bucket. Editor lanes are local pushes and run
// unthrottled.
func DefaultLaneOptions(channel string) LaneOptions {
	switch channel {
	case pipeline.ChannelTelegram:
		return LaneOptions{MessagesPerSecond: 30, Burst: 30}
	case pipeline.ChannelSlack:
		return LaneOptions{MessagesPerSecond: 1, Burst: 3}
	case pipeline.ChannelDiscord:
		return LaneOptions{MessagesPerSecond: 5, Burst: 5}
	default:
		return LaneOptions{}
	}
}

type lane struct {
	mu        sync.Mutex
	transport Transport
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	cooldown  time.Duration
}

// Options configure a Dispatcher.
type Options struct {
	// NowMs supplies time; nil uses the wall clock.
	NowMs func() int64

	// Events wakes the drain loop when producers enqueue; nil means the
	// loop relies on its idle tick alone.
	Events *bus.Bus

	// Logger receives leak warnings and delivery failures; nil uses
	// slog.Default().
	Logger *slog.Logger

	// IdleTick bounds how long the loop sleeps with nothing due. 0 uses 1s.
	IdleTick time.Duration
}

// Dispatcher drains pending outbox entries through registered transports.
type Dispatcher struct {
	store  *outbox.Store
	events *bus.Bus
	logger *slog.Logger
	leaks  *safety.LeakDetector
	nowMs  func() int64
	idle   time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Dispatcher over the outbox store.
func New(store *outbox.Store, opts Options) *Dispatcher {
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTick <= 0 {
		opts.IdleTick = defaultIdleTick
	}
	return &Dispatcher{
		store:  store,
		events: opts.Events,
		logger: opts.Logger.With("component", "dispatch"),
		leaks:  safety.NewLeakDetector(),
		nowMs:  opts.NowMs,
		idle:   opts.IdleTick,
		lanes:  make(map[string]*lane),
	}
}

// Register installs the transport for a channel. Entries for channels with
// no registered transport dead-letter with transport_unregistered.
func (d *Dispatcher) Register(channel string, t Transport, opts LaneOptions) {
	limit := rate.Inf
	burst := 1
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
		burst = opts.Burst
		if burst <= 0 {
			burst = int(opts.MessagesPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	threshold := opts.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}

	ln := &lane{
		transport: t,
		limiter:   rate.NewLimiter(limit, burst),
		cooldown:  cooldown,
	}
	ln.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    channel,
		Timeout: cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	})

	d.mu.Lock()
	d.lanes[channel] = ln
	d.mu.Unlock()
}

// Run drains due entries until ctx is cancelled. Producers wake it through
// the bus on enqueue; between wakes it ticks on its own so retry schedules
// come due without help. Run is the sole production caller of DrainDue.
func (d *Dispatcher) Run(ctx context.Context) {
	var wake <-chan bus.Event
	if d.events != nil {
		sub := d.events.Subscribe(bus.TopicOutboxEnqueued)
		defer d.events.Unsubscribe(sub)
		wake = sub.Ch()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		d.DrainDue(ctx)

		wait := d.idle
		if next := d.store.NextWakeAtMs(); next > 0 {
			delta := time.Duration(next-d.nowMs()) * time.Millisecond
			if delta < wait {
				wait = delta
			}
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// DrainDue delivers every entry due now, sequentially within a channel and
// in parallel across channels. It returns the number of entries that
// received an outcome. Concurrent DrainDue calls can double-send, which
// at-least-once tolerates; Run serializes them.
func (d *Dispatcher) DrainDue(ctx context.Context) int {
	due := d.store.Pending(d.nowMs())
	if len(due) == 0 {
		return 0
	}

	byChannel := make(map[string][]outbox.Entry)
	for _, e := range due {
		byChannel[e.Channel] = append(byChannel[e.Channel], e)
	}

	var wg sync.WaitGroup
	var processed atomic.Int64
	for channel, entries := range byChannel {
		wg.Add(1)
		go func(channel string, entries []outbox.Entry) {
			defer wg.Done()
			processed.Add(int64(d.drainChannel(ctx, channel, entries)))
		}(channel, entries)
	}
	wg.Wait()
	return int(processed.Load())
}

func (d *Dispatcher) drainChannel(ctx context.Context, channel string, entries []outbox.Entry) int {
	ln := d.lane(channel)
	if ln == nil {
		for _, e := range entries {
			dead, err := d.store.MarkPermanentFailure(e.OutboxID, ReasonTransportUnregistered)
			if err != nil {
				d.logger.Error("outbox mark permanent", "outbox_id", e.OutboxID, "error", err)
				continue
			}
			d.noteDead(dead)
		}
		return len(entries)
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n
		}
		d.deliverOne(ctx, ln, e)
		n++
	}
	return n
}

func (d *Dispatcher) deliverOne(ctx context.Context, ln *lane, e outbox.Entry) {
	d.scanForLeaks(e)

	if err := ln.limiter.Wait(ctx); err != nil {
		// Cancelled mid-wait. The entry stays pending for the next pass.
		return
	}

	oc := d.attempt(ctx, ln, e)
	switch oc.Status {
	case StatusDelivered:
		if err := d.store.MarkDelivered(e.OutboxID); err != nil {
			d.logger.Error("outbox mark delivered", "outbox_id", e.OutboxID, "error", err)
			return
		}
		audit.Record(e.Channel, audit.EventComplete, "", e.OutboxID,
			fmt.Sprintf("delivered kind=%s attempt=%d", e.Kind, e.Attempt+1))

	case StatusPermanent:
		dead, err := d.store.MarkPermanentFailure(e.OutboxID, oc.Reason)
		if err != nil {
			d.logger.Error("outbox mark permanent", "outbox_id", e.OutboxID, "error", err)
			return
		}
		d.noteDead(dead)

	default:
		msg := "delivery failed"
		if oc.Err != nil {
			msg = oc.Err.Error()
		}
		failed, err := d.store.MarkFailedAfter(e.OutboxID, msg, oc.Delay)
		if err != nil {
			d.logger.Error("outbox mark failed", "outbox_id", e.OutboxID, "error", err)
			return
		}
		if failed.Status == outbox.StatusDeadLetter {
			d.noteDead(failed)
			return
		}
		audit.Record(e.Channel, audit.EventRetry, "", e.OutboxID,
			fmt.Sprintf("attempt=%d next_in_ms=%d err=%s", failed.Attempt, failed.NextAttemptAtMs-d.nowMs(), msg))
	}
}

// attempt runs the transport under the lane's breaker. Retry outcomes count
// as breaker failures; permanent failures do not, because they say the
// payload is wrong, not the channel.
func (d *Dispatcher) attempt(ctx context.Context, ln *lane, e outbox.Entry) Outcome {
	res, err := ln.breaker.Execute(func() (interface{}, error) {
		oc := ln.transport.Deliver(ctx, e)
		if oc.Status == StatusRetry {
			ferr := oc.Err
			if ferr == nil {
				ferr = errors.New("transport retry")
			}
			return oc, ferr
		}
		return oc, nil
	})
	if oc, ok := res.(Outcome); ok {
		return oc
	}
	// The breaker refused the call without running the transport.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RetryAfter(fmt.Errorf("circuit open for %s: %w", e.Channel, err), ln.cooldown)
	}
	return Retry(err)
}

// scanForLeaks logs secret matches in the outbound body. Detection never
// blocks delivery; the warning is for the operator's log stream.
func (d *Dispatcher) scanForLeaks(e outbox.Entry) {
	env, err := outbox.DecodeEnvelope(e.Payload)
	if err != nil {
		return
	}
	for _, w := range d.leaks.Scan(env.Body) {
		d.logger.Warn("possible secret in outbound message",
			"outbox_id", e.OutboxID, "channel", e.Channel, "pattern", w.Pattern, "sample", w.Sample)
	}
}

func (d *Dispatcher) noteDead(e outbox.Entry) {
	audit.Record(e.Channel, audit.EventDeadLetter, e.DeadReason, e.OutboxID,
		fmt.Sprintf("kind=%s attempt=%d", e.Kind, e.Attempt))
	d.logger.Warn("outbox entry dead-lettered",
		"outbox_id", e.OutboxID, "channel", e.Channel, "kind", e.Kind, "reason", e.DeadReason)
}

func (d *Dispatcher) lane(channel string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lanes[channel]
}
