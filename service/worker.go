package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/contexthelper"
	"github.com/vultisig/multisigner/internal/tasks"
	"github.com/vultisig/multisigner/internal/types"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, event types.Event) error
}

type WorkerService struct {
	workflow   *Workflow
	submitter  *Submitter
	dispatcher Dispatcher
	sdClient   statsd.ClientInterface
	logger     *logrus.Logger
}

// NewWorker creates a new worker service
func NewWorker(workflow *Workflow, submitter *Submitter, dispatcher Dispatcher, sdClient statsd.ClientInterface, logger *logrus.Logger) (*WorkerService, error) {
	if workflow == nil || submitter == nil {
		return nil, fmt.Errorf("workflow and submitter are required")
	}
	return &WorkerService{
		workflow:   workflow,
		submitter:  submitter,
		dispatcher: dispatcher,
		sdClient:   sdClient,
		logger:     logger,
	}, nil
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// Register wires the handlers into an asynq mux.
func (s *WorkerService) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeCreationAdvance, s.HandleCreationAdvance)
	mux.HandleFunc(tasks.TypeProposalSubmit, s.HandleProposalSubmit)
	if s.dispatcher != nil {
		mux.HandleFunc(tasks.TypeNotificationDispatch, s.HandleNotificationDispatch)
	}
}

func (s *WorkerService) HandleCreationAdvance(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var p tasks.CreationAdvancePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	defer s.measureTime("worker.creation.advance.latency", time.Now(), []string{})
	s.incCounter("worker.creation.advance", []string{})

	req, err := s.workflow.Advance(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, types.ErrCreationRequestNotFound) {
			return fmt.Errorf("workflow.Advance failed: %v: %w", err, asynq.SkipRetry)
		}
		s.incCounter("worker.creation.advance.error", []string{"state:" + string(req.State)})
		return fmt.Errorf("workflow.Advance failed: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"state":      req.State,
	}).Info("creation request advanced")
	s.incCounter("worker.creation."+string(req.State), []string{})
	return nil
}

func (s *WorkerService) HandleProposalSubmit(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var p tasks.ProposalSubmitPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	defer s.measureTime("worker.proposal.submit.latency", time.Now(), []string{})
	s.incCounter("worker.proposal.submit", []string{})

	prop, err := s.submitter.TrySubmit(ctx, p.ProposalID)
	if err != nil {
		s.incCounter("worker.proposal.submit.error", []string{})
		// the submitter schedules its own retries; a task retry could only
		// repeat a submission whose outcome is unknown
		return fmt.Errorf("submitter.TrySubmit failed: %v: %w", err, asynq.SkipRetry)
	}
	s.logger.WithFields(logrus.Fields{
		"proposal_id": prop.ID,
		"status":      prop.Status,
		"attempt":     p.Attempt,
	}).Info("proposal submit task handled")
	return nil
}

func (s *WorkerService) HandleNotificationDispatch(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var ev types.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.notification.dispatch", []string{"type:" + string(ev.Type)})
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		return fmt.Errorf("dispatcher.Dispatch failed: %w", err)
	}
	return nil
}
