package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/storage"
)

type SubmitterConfig struct {
	// MaxRetries bounds submission attempts that fail to reach the ledger.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number.
	RetryDelay time.Duration
}

// Submitter sends ready proposals to the ledger at most once. A proposal is
// claimed by moving it from ready to submitting; only the caller that wins that
// transition talks to the ledger.
type Submitter struct {
	db        storage.DatabaseStorage
	gateway   ledger.Gateway
	scheduler SubmitScheduler
	archiver  Archiver
	notifier  Notifier
	cfg       SubmitterConfig
	logger    *logrus.Logger
}

func NewSubmitter(db storage.DatabaseStorage, gateway ledger.Gateway, scheduler SubmitScheduler, archiver Archiver, notifier Notifier, cfg SubmitterConfig, logger *logrus.Logger) (*Submitter, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("ledger gateway cannot be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Submitter{
		db:        db,
		gateway:   gateway,
		scheduler: scheduler,
		archiver:  archiver,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// TrySubmit submits the proposal if it is ready and nobody else has claimed it.
// Losing the claim is not an error; the current proposal is returned.
func (s *Submitter) TrySubmit(ctx context.Context, id uuid.UUID) (types.Proposal, error) {
	claimed, err := s.db.TransitionProposal(ctx, id, types.ProposalReady, types.ProposalSubmitting, types.ProposalPatch{IncrementAttempt: true})
	if err != nil {
		if errors.Is(err, types.ErrStaleState) {
			return s.db.GetProposal(ctx, id)
		}
		return types.Proposal{}, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"proposal_id": id,
		"wallet_id":   claimed.WalletID,
		"attempt":     claimed.SubmitAttempts,
	})

	sigs := make([]ledger.SignerSignature, 0, len(claimed.Signatures))
	for _, sig := range claimed.Signatures {
		sigs = append(sigs, ledger.SignerSignature{
			SignerAddress: sig.SignerAddress,
			PublicKey:     sig.PublicKey,
			Signature:     sig.Signature,
		})
	}

	res, err := s.gateway.SubmitSigned(ctx, claimed.Payload, sigs)
	if err == nil {
		return s.recordSuccess(ctx, claimed, res, logger)
	}

	switch ledger.OutcomeOf(err) {
	case ledger.OutcomeUnreachable:
		return s.recordUnreachable(ctx, claimed, err, logger)
	case ledger.OutcomeUnknown:
		// The transaction may be on the ledger. Leaving the proposal in
		// submitting keeps every automatic path from sending it again.
		logger.Errorf("ledger submission outcome unknown: %v", err)
		s.notify(ctx, types.EventSecurityAlert, claimed, map[string]string{"reason": "submission outcome unknown"})
		return claimed, types.Reconcile(fmt.Sprintf("proposal %s submission outcome unknown", id), err)
	default:
		return s.recordFailure(ctx, claimed, err.Error(), logger)
	}
}

func (s *Submitter) recordSuccess(ctx context.Context, claimed types.Proposal, res ledger.TxResult, logger *logrus.Entry) (types.Proposal, error) {
	done, err := s.db.TransitionProposal(ctx, claimed.ID, types.ProposalSubmitting, types.ProposalSubmitted, types.ProposalPatch{
		TxHash:      res.Hash,
		LedgerIndex: res.LedgerIndex,
	})
	if err != nil {
		logger.WithField("tx_hash", res.Hash).Errorf("transaction submitted but proposal not updated: %v", err)
		return claimed, types.Reconcile(fmt.Sprintf("proposal %s submitted as %s", claimed.ID, res.Hash), err)
	}
	logger.WithFields(logrus.Fields{
		"tx_hash":      res.Hash,
		"ledger_index": res.LedgerIndex,
	}).Info("Proposal submitted")
	s.archive(ctx, done, logger)
	s.notify(ctx, types.EventTransactionSubmitted, done, map[string]string{"tx_hash": res.Hash})
	return done, nil
}

func (s *Submitter) recordFailure(ctx context.Context, claimed types.Proposal, reason string, logger *logrus.Entry) (types.Proposal, error) {
	failed, err := s.db.TransitionProposal(ctx, claimed.ID, types.ProposalSubmitting, types.ProposalFailed, types.ProposalPatch{
		ErrorMessage: reason,
	})
	if err != nil {
		return claimed, fmt.Errorf("fail to record failed submission: %w", err)
	}
	logger.Warnf("Proposal submission failed: %s", reason)
	s.archive(ctx, failed, logger)
	s.notify(ctx, types.EventTransactionFailed, failed, map[string]string{"error": reason})
	return failed, nil
}

func (s *Submitter) recordUnreachable(ctx context.Context, claimed types.Proposal, cause error, logger *logrus.Entry) (types.Proposal, error) {
	if claimed.SubmitAttempts >= s.cfg.MaxRetries {
		return s.recordFailure(ctx, claimed, fmt.Sprintf("ledger unreachable after %d attempts: %v", claimed.SubmitAttempts, cause), logger)
	}
	released, err := s.db.TransitionProposal(ctx, claimed.ID, types.ProposalSubmitting, types.ProposalReady, types.ProposalPatch{
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		return claimed, fmt.Errorf("fail to release proposal after unreachable ledger: %w", err)
	}
	logger.Warnf("ledger unreachable, submission will be retried: %v", cause)
	if s.scheduler != nil {
		delay := s.cfg.RetryDelay * time.Duration(claimed.SubmitAttempts)
		if err := s.scheduler.ScheduleSubmit(ctx, claimed.ID, claimed.SubmitAttempts, delay); err != nil {
			// the sweeper picks up stale ready proposals
			logger.Errorf("fail to schedule submission retry: %v", err)
		}
	}
	return released, nil
}

func (s *Submitter) archive(ctx context.Context, p types.Proposal, logger *logrus.Entry) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveProposal(ctx, p); err != nil {
		logger.Errorf("fail to archive proposal: %v", err)
	}
}

func (s *Submitter) notify(ctx context.Context, t types.EventType, p types.Proposal, data map[string]string) {
	if s.notifier == nil {
		return
	}
	ev := types.NewEvent(t, p.WalletID)
	id := p.ID
	ev.ProposalID = &id
	for k, v := range data {
		ev.Data[k] = v
	}
	s.notifier.Notify(ctx, ev)
}
