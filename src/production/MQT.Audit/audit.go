package audit

import (
	"context"
	"sync"
	"time"
)

// EventType is the operation an audit event describes
type EventType string

const (
	EventProvision  EventType = "provision"
	EventRegenerate EventType = "regenerate"
	EventDelete     EventType = "delete"
)

// Outcome of an audited operation
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Reasons recorded on non-successful outcomes
const (
	ReasonInvalidInput       = "invalid_input"
	ReasonUnknownToken       = "unknown_token"
	ReasonAlreadyProvisioned = "already_provisioned"
	ReasonBrokerUnavailable  = "broker_unavailable"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonBrokerRevokeFailed = "broker_revoke_failed"
	ReasonCompensationFailed = "broker_compensation_failed"
	ReasonUsernameTaken      = "broker_username_taken"
	ReasonInternal           = "internal"
)

// Event is one provisioning lifecycle record. It never carries passwords,
// hashes or tokens.
type Event struct {
	Type           EventType `json:"type" bson:"type"`
	DeviceID       string    `json:"device_id,omitempty" bson:"device_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty" bson:"project_id,omitempty"`
	OwnerID        string    `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	BrokerUsername string    `json:"broker_username,omitempty" bson:"broker_username,omitempty"`
	Outcome        Outcome   `json:"outcome" bson:"outcome"`
	Reason         string    `json:"reason,omitempty" bson:"reason,omitempty"`
	RequestID      string    `json:"request_id,omitempty" bson:"request_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at" bson:"occurred_at"`
}

// Sink records audit events
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// MemorySink keeps events in memory
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
