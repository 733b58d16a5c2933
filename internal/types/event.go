package types

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTransactionRequest   EventType = "transaction_request"
	EventTransactionSigned    EventType = "transaction_signed"
	EventTransactionSubmitted EventType = "transaction_submitted"
	EventTransactionFailed    EventType = "transaction_failed"
	EventTransactionCancelled EventType = "transaction_cancelled"
	EventSignerAdded          EventType = "signer_added"
	EventSignerRemoved        EventType = "signer_removed"
	EventSignerWeightChanged  EventType = "signer_weight_changed"
	EventWalletConfigChanged  EventType = "wallet_config_changed"
	EventWalletCreated        EventType = "wallet_created"
	EventSecurityAlert        EventType = "security_alert"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is a state change fanned out to the signers of a wallet.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	Priority   Priority          `json:"priority"`
	WalletID   uuid.UUID         `json:"wallet_id"`
	ProposalID *uuid.UUID        `json:"proposal_id,omitempty"`
	Signer     string            `json:"signer_address,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewEvent stamps an event with an id, time and the default priority of its type.
func NewEvent(t EventType, walletID uuid.UUID) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Priority:  t.DefaultPriority(),
		WalletID:  walletID,
		CreatedAt: time.Now().UTC(),
		Data:      map[string]string{},
	}
}

func (t EventType) DefaultPriority() Priority {
	switch t {
	case EventSecurityAlert:
		return PriorityCritical
	case EventTransactionSubmitted, EventTransactionFailed, EventSignerAdded, EventSignerRemoved, EventTransactionRequest:
		return PriorityHigh
	case EventWalletCreated:
		return PriorityLow
	}
	return PriorityMedium
}
