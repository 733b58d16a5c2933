package tasks

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vultisig/multisigner/internal/types"
)

func NewCreationAdvance(requestID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(CreationAdvancePayload{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCreationAdvance, payload), nil
}

func NewProposalSubmit(proposalID uuid.UUID, attempt int) (*asynq.Task, error) {
	payload, err := json.Marshal(ProposalSubmitPayload{ProposalID: proposalID, Attempt: attempt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProposalSubmit, payload), nil
}

func NewNotificationDispatch(event types.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotificationDispatch, payload), nil
}
