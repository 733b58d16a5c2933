package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/storage"
)

type sweepQueue interface {
	CreationQueue
	SubmitScheduler
}

// Sweeper periodically re-drives work that stalled: creation requests whose
// driver died and ready proposals whose retry was never scheduled. Proposals
// stuck in submitting are reported, never resubmitted.
type Sweeper struct {
	db         storage.DatabaseStorage
	queue      sweepQueue
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *logrus.Logger
}

func NewSweeper(db storage.DatabaseStorage, queue sweepQueue, staleAfter time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		db:         db,
		queue:      queue,
		staleAfter: staleAfter,
		cron:       cron.New(),
		logger:     logger,
	}
}

func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Errorf("sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", schedule).Info("Sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.staleAfter)

	requests, err := s.db.ListStaleCreationRequests(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("fail to list stale creation requests: %w", err)
	}
	for _, r := range requests {
		if err := s.queue.EnqueueCreation(ctx, r.ID); err != nil {
			s.logger.WithField("request_id", r.ID).Errorf("fail to re-enqueue creation request: %v", err)
		}
	}

	ready, err := s.db.ListStaleProposals(ctx, types.ProposalReady, cutoff)
	if err != nil {
		return fmt.Errorf("fail to list stale ready proposals: %w", err)
	}
	for _, p := range ready {
		if err := s.queue.ScheduleSubmit(ctx, p.ID, p.SubmitAttempts, 0); err != nil {
			s.logger.WithField("proposal_id", p.ID).Errorf("fail to schedule submission: %v", err)
		}
	}

	stuck, err := s.db.ListStaleProposals(ctx, types.ProposalSubmitting, cutoff)
	if err != nil {
		return fmt.Errorf("fail to list submitting proposals: %w", err)
	}
	for _, p := range stuck {
		s.logger.WithFields(logrus.Fields{
			"proposal_id": p.ID,
			"wallet_id":   p.WalletID,
			"since":       p.UpdatedAt,
		}).Warn("proposal submission outcome unknown, reconciliation required")
	}

	if len(requests)+len(ready)+len(stuck) > 0 {
		s.logger.WithFields(logrus.Fields{
			"creation_requests": len(requests),
			"ready_proposals":   len(ready),
			"stuck_proposals":   len(stuck),
		}).Info("Sweep finished")
	}
	return nil
}
