package otel

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all control plane metric instruments.
type Metrics struct {
	IngressRequests      metric.Int64Counter
	IngressDuration      metric.Float64Histogram
	PipelineResults      metric.Int64Counter
	OutboxDepth          metric.Int64UpDownCounter
	OutboxAttempts       metric.Int64Counter
	OutboxDeadLetters    metric.Int64Counter
	RunTransitions       metric.Int64Counter
	OperatorTurnDuration metric.Float64Histogram
	GenerationSwaps      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngressRequests, err = meter.Int64Counter("mu.ingress.requests",
		metric.WithDescription("Webhook requests received per channel"),
	)
	if err != nil {
		return nil, err
	}

	m.IngressDuration, err = meter.Float64Histogram("mu.ingress.duration",
		metric.WithDescription("Webhook handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelineResults, err = meter.Int64Counter("mu.pipeline.results",
		metric.WithDescription("Command pipeline outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDepth, err = meter.Int64UpDownCounter("mu.outbox.pending",
		metric.WithDescription("Outbox entries awaiting delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxAttempts, err = meter.Int64Counter("mu.outbox.attempts",
		metric.WithDescription("Delivery attempts spent on delivered entries"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDeadLetters, err = meter.Int64Counter("mu.outbox.dead_letters",
		metric.WithDescription("Entries parked after delivery was exhausted"),
	)
	if err != nil {
		return nil, err
	}

	m.RunTransitions, err = meter.Int64Counter("mu.run.transitions",
		metric.WithDescription("Run queue status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.OperatorTurnDuration, err = meter.Float64Histogram("mu.operator.turn.duration",
		metric.WithDescription("Operator advisor turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationSwaps, err = meter.Int64Counter("mu.generation.swaps",
		metric.WithDescription("Telegram generation lifecycle phases"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// WrapHandler records request count and duration for one webhook channel.
// Durations include signature verification and pipeline handling, since
// adapters respond only after both.
func (m *Metrics) WrapHandler(channel string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := metric.WithAttributes(
			AttrChannel.String(channel),
			AttrOutcome.String(statusClass(sw.status)),
		)
		m.IngressRequests.Add(r.Context(), 1, attrs)
		m.IngressDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}

// statusWriter captures the response status for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
