// Package notify fans wallet events out to the signers of a wallet. Delivery is
// best-effort: a lost notification never affects wallet or proposal state.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
)

type SignerLister interface {
	ListSigners(ctx context.Context, walletID uuid.UUID, activeOnly bool) ([]types.Signer, error)
}

// Publisher stores a dispatched event where signers can read it.
type Publisher interface {
	PublishEvent(ctx context.Context, event types.Event) error
}

// Dispatcher resolves the recipients of an event and publishes it.
type Dispatcher struct {
	signers   SignerLister
	publisher Publisher
	logger    *logrus.Logger
}

func NewDispatcher(signers SignerLister, publisher Publisher, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		signers:   signers,
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch publishes event to every active signer of its wallet except the one
// who caused it. Events without a wallet go to operators only.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.Event) error {
	var recipients []string
	if event.WalletID != uuid.Nil {
		signers, err := d.signers.ListSigners(ctx, event.WalletID, true)
		if err != nil {
			return fmt.Errorf("fail to list recipients: %w", err)
		}
		for _, s := range signers {
			if s.Address == event.Signer {
				continue
			}
			recipients = append(recipients, s.Address)
		}
	}
	if event.Data == nil {
		event.Data = map[string]string{}
	}
	event.Data["recipients"] = strings.Join(recipients, ",")

	if err := d.publisher.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("fail to publish event %s: %w", event.ID, err)
	}
	d.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"type":       event.Type,
		"priority":   event.Priority,
		"wallet_id":  event.WalletID,
		"recipients": len(recipients),
	}).Info("Dispatched notification")
	return nil
}

// Notify dispatches in the caller's goroutine and only logs failures. It is used
// when no task queue is configured.
func (d *Dispatcher) Notify(ctx context.Context, event types.Event) {
	if err := d.Dispatch(ctx, event); err != nil {
		d.logger.WithField("event_id", event.ID).Errorf("fail to dispatch notification: %v", err)
	}
}

type Nop struct{}

func (Nop) Notify(context.Context, types.Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *Recorder) Notify(_ context.Context, event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
