package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/ledger"
)

// Notifier receives state changes. Implementations must not block the caller
// on delivery and must not report failures.
type Notifier interface {
	Notify(ctx context.Context, event types.Event)
}

// CreationQueue hands creation requests to a background driver.
type CreationQueue interface {
	EnqueueCreation(ctx context.Context, requestID uuid.UUID) error
}

// SubmitScheduler schedules another submission attempt for a proposal that
// could not reach the ledger.
type SubmitScheduler interface {
	ScheduleSubmit(ctx context.Context, proposalID uuid.UUID, attempt int, delay time.Duration) error
}

// Archiver keeps a copy of proposals that reached a final status.
type Archiver interface {
	ArchiveProposal(ctx context.Context, p types.Proposal) error
}

func signerEntries(signers []types.Signer) []ledger.SignerEntry {
	entries := make([]ledger.SignerEntry, 0, len(signers))
	for _, s := range signers {
		if !s.Active {
			continue
		}
		entries = append(entries, ledger.SignerEntry{Account: s.Address, Weight: s.Weight})
	}
	return entries
}

func findSigner(signers []types.Signer, address string) (types.Signer, bool) {
	for _, s := range signers {
		if s.Address == address {
			return s, true
		}
	}
	return types.Signer{}, false
}
