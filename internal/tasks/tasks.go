package tasks

import "github.com/google/uuid"

const (
	QUEUE_NAME              = "multisigner"
	NOTIFICATION_QUEUE_NAME = "notification"

	TypeCreationAdvance      = "creation:advance"
	TypeProposalSubmit       = "proposal:submit"
	TypeNotificationDispatch = "notification:dispatch"
)

type CreationAdvancePayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

type ProposalSubmitPayload struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	// Attempt counts transport failures already seen for this proposal.
	Attempt int `json:"attempt"`
}
