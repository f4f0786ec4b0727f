package otel

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mu-control/internal/bus"
)

// Observer folds bus events into metric instruments. It is the only
// metrics consumer the stores and queues need: they publish their
// lifecycle events anyway, and the observer turns those into counters
// without the stores importing telemetry.
type Observer struct {
	metrics *Metrics
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewObserver builds an observer over the shared bus.
func NewObserver(m *Metrics, b *bus.Bus, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		metrics: m,
		bus:     b,
		logger:  logger.With("component", "telemetry"),
	}
}

// Run consumes bus events until ctx is cancelled. Call in a goroutine.
func (o *Observer) Run(ctx context.Context) {
	if o.bus == nil || o.metrics == nil {
		return
	}
	sub := o.bus.Subscribe("")
	defer o.bus.Unsubscribe(sub)

	o.logger.Debug("telemetry observer started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.record(ctx, ev)
		}
	}
}

// record maps one event to its instrument. Webhook request counts come
// from WrapHandler rather than ingress.enqueued, which only Telegram
// publishes; run.wake is a nudge, not a state change, so neither is
// counted here.
func (o *Observer) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicOutboxEnqueued:
		e, ok := ev.Payload.(bus.OutboxEvent)
		if !ok {
			return
		}
		o.metrics.OutboxDepth.Add(ctx, 1, metric.WithAttributes(AttrChannel.String(e.Channel)))

	case bus.TopicOutboxDelivered:
		e, ok := ev.Payload.(bus.OutboxEvent)
		if !ok {
			return
		}
		by := metric.WithAttributes(AttrChannel.String(e.Channel))
		o.metrics.OutboxDepth.Add(ctx, -1, by)
		o.metrics.OutboxAttempts.Add(ctx, int64(e.Attempt), by)

	case bus.TopicOutboxDeadLetter:
		e, ok := ev.Payload.(bus.OutboxEvent)
		if !ok {
			return
		}
		o.metrics.OutboxDepth.Add(ctx, -1, metric.WithAttributes(AttrChannel.String(e.Channel)))
		o.metrics.OutboxDeadLetters.Add(ctx, 1, metric.WithAttributes(
			AttrChannel.String(e.Channel),
			AttrReason.String(e.Reason),
		))

	case bus.TopicPipelineResult:
		e, ok := ev.Payload.(bus.PipelineResultEvent)
		if !ok {
			return
		}
		o.metrics.PipelineResults.Add(ctx, 1, metric.WithAttributes(
			AttrChannel.String(e.Channel),
			AttrOutcome.String(e.Outcome),
		))

	case bus.TopicRunTransition:
		e, ok := ev.Payload.(bus.RunTransitionEvent)
		if !ok {
			return
		}
		o.metrics.RunTransitions.Add(ctx, 1, metric.WithAttributes(AttrRunStatus.String(e.To)))

	case bus.TopicGenerationSwap:
		e, ok := ev.Payload.(bus.GenerationSwapEvent)
		if !ok {
			return
		}
		o.metrics.GenerationSwaps.Add(ctx, 1, metric.WithAttributes(AttrGenerationPhase.String(e.Phase)))
	}
}
