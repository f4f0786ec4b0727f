package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/basket/mu-control/internal/journal"
)

// CommandsFileName is the command journal inside the state directory.
const CommandsFileName = "commands.jsonl"

// CommandRecord is the durable state of one logical command. The journal
// holds every state change; the live record is the last row per
// command_id.
type CommandRecord struct {
	CommandID      string `json:"command_id"`
	IdempotencyKey string `json:"idempotency_key"`
	State          string `json:"state"`

	Kind        string   `json:"kind,omitempty"`
	CommandText string   `json:"command_text,omitempty"`
	Args        []string `json:"command_args,omitempty"`

	Channel        string `json:"channel,omitempty"`
	TenantID       string `json:"channel_tenant_id,omitempty"`
	ConversationID string `json:"channel_conversation_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	BindingID      string `json:"actor_binding_id,omitempty"`
	AssuranceTier  string `json:"assurance_tier,omitempty"`
	RepoRoot       string `json:"repo_root,omitempty"`
	RequestID      string `json:"request_id,omitempty"`

	ScopeRequired string `json:"scope_required,omitempty"`
	TargetType    string `json:"target_type,omitempty"`
	TargetID      string `json:"target_id,omitempty"`

	// Parsed argument fields, kept so a confirm can execute later.
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	Attempt   int            `json:"attempt,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Result    map[string]any `json:"result,omitempty"`

	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
	ExpiresAtMs int64 `json:"expires_at_ms,omitempty"`

	// AliasFor marks a row that maps a later delivery's idempotency key
	// (a confirm) onto an existing command instead of defining one.
	AliasFor string `json:"alias_for,omitempty"`
}

// commandStore indexes the command journal: by command id, by the
// idempotency key of every delivery that touched it, and by the
// conversation holding a pending confirmation.
type commandStore struct {
	mu     sync.Mutex
	j      *journal.Journal
	byID   map[string]CommandRecord
	byIdem map[string]string // idempotency_key -> command_id
	// pendingByConvo enforces at most one awaiting_confirmation command
	// per conversation.
	pendingByConvo map[string]string
}

func openCommandStore(stateDir string) (*commandStore, error) {
	path := filepath.Join(stateDir, CommandsFileName)

	s := &commandStore{
		byID:           make(map[string]CommandRecord),
		byIdem:         make(map[string]string),
		pendingByConvo: make(map[string]string),
	}

	err := journal.Replay(path, func(data []byte) error {
		var rec CommandRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("command row: %w", err)
		}
		if rec.AliasFor != "" {
			s.byIdem[rec.IdempotencyKey] = rec.AliasFor
			return nil
		}
		s.byID[rec.CommandID] = rec
		s.byIdem[rec.IdempotencyKey] = rec.CommandID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", CommandsFileName, err)
	}

	for id, rec := range s.byID {
		if rec.State == StateAwaitingConfirmation {
			s.pendingByConvo[convoKeyOf(rec.Channel, rec.TenantID, rec.ConversationID)] = id
		}
	}

	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	s.j = j
	return s, nil
}

func (s *commandStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.j.Close()
}

func convoKeyOf(channel, tenant, conversation string) string {
	return channel + "\x00" + tenant + "\x00" + conversation
}

// byDelivery resolves the command a delivery key already belongs to.
func (s *commandStore) byDelivery(idempotencyKey string) (CommandRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdem[idempotencyKey]
	if !ok {
		return CommandRecord{}, false
	}
	rec, ok := s.byID[id]
	return rec, ok
}

func (s *commandStore) byCommandID(commandID string) (CommandRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[commandID]
	return rec, ok
}

func (s *commandStore) pendingFor(convoKey string) (CommandRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pendingByConvo[convoKey]
	if !ok {
		return CommandRecord{}, false
	}
	rec, ok := s.byID[id]
	return rec, ok
}

// put appends the record's current state and refreshes indices. The
// in-memory view only changes after a successful append.
func (s *commandStore) put(rec CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.j.Append(rec); err != nil {
		return fmt.Errorf("persist command %s: %w", rec.CommandID, err)
	}

	s.byID[rec.CommandID] = rec
	s.byIdem[rec.IdempotencyKey] = rec.CommandID

	key := convoKeyOf(rec.Channel, rec.TenantID, rec.ConversationID)
	if rec.State == StateAwaitingConfirmation {
		s.pendingByConvo[key] = rec.CommandID
	} else if s.pendingByConvo[key] == rec.CommandID {
		delete(s.pendingByConvo, key)
	}
	return nil
}

// alias binds a confirm delivery's idempotency key to the command it
// resolved, so redelivery of the confirm returns the settled state.
func (s *commandStore) alias(idempotencyKey, commandID string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byIdem[idempotencyKey] == commandID {
		return nil
	}
	row := CommandRecord{
		IdempotencyKey: idempotencyKey,
		AliasFor:       commandID,
		UpdatedAtMs:    nowMs,
	}
	if err := s.j.Append(row); err != nil {
		return fmt.Errorf("persist alias for %s: %w", commandID, err)
	}
	s.byIdem[idempotencyKey] = commandID
	return nil
}

// expiredPending returns awaiting_confirmation records past their expiry.
func (s *commandStore) expiredPending(nowMs int64) []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CommandRecord
	for _, id := range s.pendingByConvo {
		rec, ok := s.byID[id]
		if !ok {
			continue
		}
		if rec.ExpiresAtMs > 0 && nowMs > rec.ExpiresAtMs {
			out = append(out, rec)
		}
	}
	return out
}

// pendingCount reports how many confirmations are waiting.
func (s *commandStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingByConvo)
}

// compact rewrites the journal to live rows plus idempotency aliases.
func (s *commandStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []any
	for _, rec := range s.byID {
		rows = append(rows, rec)
	}
	for key, id := range s.byIdem {
		if rec, ok := s.byID[id]; ok && rec.IdempotencyKey == key {
			continue
		}
		rows = append(rows, CommandRecord{IdempotencyKey: key, AliasFor: id})
	}
	return s.j.Rewrite(rows)
}
