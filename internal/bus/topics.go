package bus

// Outbox lifecycle topics. The dispatcher subscribes to TopicOutboxEnqueued
// as a wake signal; the gateway event feed relays all three.
const (
	TopicOutboxEnqueued   = "outbox.enqueued"
	TopicOutboxDelivered  = "outbox.delivered"
	TopicOutboxDeadLetter = "outbox.dead_letter"
)

// Deferred-ingress topics. Published when a webhook acknowledges a Telegram
// update and parks it for the worker.
const (
	TopicIngressEnqueued = "ingress.enqueued"
)

// Run queue topics. Every accepted state transition publishes
// TopicRunTransition; rows entering queued also publish TopicRunWake,
// carrying the queue id, so the coordinator re-plans without waiting
// for its poll tick.
const (
	TopicRunTransition = "run.transition"
	TopicRunWake       = "run.wake"
)

// Pipeline and operator topics.
const (
	TopicPipelineResult = "pipeline.result"
)

// Telegram generation manager topics.
const (
	TopicGenerationSwap = "generation.swap"
)

// OutboxEvent is the payload for the outbox.* topics. The json tags
// match the gateway event feed's wire format.
type OutboxEvent struct {
	OutboxID string `json:"outbox_id"`        // Durable outbox entry ID
	Channel  string `json:"channel"`          // Destination channel name
	Kind     string `json:"kind"`             // Message kind (lifecycle, review_request, ...)
	Attempt  int    `json:"attempt"`          // Delivery attempts so far
	Reason   string `json:"reason,omitempty"` // Failure reason (dead_letter only)
}

// IngressEvent is the payload for ingress.enqueued.
type IngressEvent struct {
	Channel  string `json:"channel"`   // Source channel (telegram)
	EntryID  string `json:"entry_id"`  // Queue entry ID
	Kind     string `json:"kind"`      // update or callback
	SourceID string `json:"source_id"` // Upstream update/callback ID
}

// RunTransitionEvent is the payload for run.transition.
type RunTransitionEvent struct {
	QueueID string `json:"queue_id"`         // Run queue entry ID
	IssueID string `json:"issue_id"`         // Associated issue
	From    string `json:"from"`             // Previous status
	To      string `json:"to"`               // New status
	Reason  string `json:"reason,omitempty"` // Optional transition reason
}

// PipelineResultEvent is the payload for pipeline.result.
type PipelineResultEvent struct {
	RequestID string `json:"request_id"`           // Normalized request ID
	Channel   string `json:"channel"`              // Originating channel
	CommandID string `json:"command_id,omitempty"` // Parsed command ID, if any
	Outcome   string `json:"outcome"`              // completed, denied, invalid, ...
	Reason    string `json:"reason,omitempty"`     // Machine-readable reason code
}

// GenerationSwapEvent is the payload for generation.swap.
type GenerationSwapEvent struct {
	GenerationID string `json:"generation_id"`    // telegram-adapter-gen-<seq>
	Phase        string `json:"phase"`            // warming, active, draining, stopped, rolled_back
	Reason       string `json:"reason,omitempty"` // Rollback reason, if any
}
