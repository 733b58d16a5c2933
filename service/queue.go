package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/tasks"
	"github.com/vultisig/multisigner/internal/types"
)

// TaskQueue schedules background work on asynq.
type TaskQueue struct {
	client *asynq.Client
	logger *logrus.Logger
}

func NewTaskQueue(client *asynq.Client, logger *logrus.Logger) *TaskQueue {
	return &TaskQueue{client: client, logger: logger}
}

func (q *TaskQueue) EnqueueCreation(ctx context.Context, requestID uuid.UUID) error {
	task, err := tasks.NewCreationAdvance(requestID)
	if err != nil {
		return fmt.Errorf("fail to create task, err: %w", err)
	}
	// one queued driver per request; the lock lasts as long as the task timeout
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(20),
		asynq.Timeout(5*time.Minute),
		asynq.Unique(5*time.Minute),
		asynq.Retention(10*time.Minute),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			q.logger.WithField("request_id", requestID).Debug("creation request already queued")
			return nil
		}
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return nil
}

func (q *TaskQueue) ScheduleSubmit(ctx context.Context, proposalID uuid.UUID, attempt int, delay time.Duration) error {
	task, err := tasks.NewProposalSubmit(proposalID, attempt)
	if err != nil {
		return fmt.Errorf("fail to create task, err: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(10*time.Minute),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return nil
}

// Notify enqueues the event for dispatch by a worker and only logs failures.
func (q *TaskQueue) Notify(ctx context.Context, event types.Event) {
	task, err := tasks.NewNotificationDispatch(event)
	if err != nil {
		q.logger.Errorf("fail to create notification task, err: %v", err)
		return
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
		asynq.Queue(tasks.NOTIFICATION_QUEUE_NAME))
	if err != nil {
		q.logger.WithFields(logrus.Fields{
			"event_id": event.ID,
			"type":     event.Type,
		}).Errorf("fail to enqueue notification, err: %v", err)
	}
}
