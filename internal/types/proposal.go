package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxPayment       TxType = "Payment"
	TxTrustSet      TxType = "TrustSet"
	TxOfferCreate   TxType = "OfferCreate"
	TxOfferCancel   TxType = "OfferCancel"
	TxSignerListSet TxType = "SignerListSet"
)

func (t TxType) IsValid() bool {
	switch t {
	case TxPayment, TxTrustSet, TxOfferCreate, TxOfferCancel, TxSignerListSet:
		return true
	}
	return false
}

type ProposalStatus string

const (
	ProposalPending ProposalStatus = "pending"
	ProposalReady   ProposalStatus = "ready"
	// ProposalSubmitting marks a proposal claimed for submission whose ledger
	// outcome has not been recorded yet.
	ProposalSubmitting ProposalStatus = "submitting"
	ProposalSubmitted  ProposalStatus = "submitted"
	ProposalFailed     ProposalStatus = "failed"
	ProposalCancelled  ProposalStatus = "cancelled"
)

var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPending:    {ProposalReady, ProposalCancelled},
	ProposalReady:      {ProposalSubmitting, ProposalCancelled},
	ProposalSubmitting: {ProposalSubmitted, ProposalFailed, ProposalReady},
}

func (s ProposalStatus) IsValid() bool {
	switch s {
	case ProposalPending, ProposalReady, ProposalSubmitting, ProposalSubmitted, ProposalFailed, ProposalCancelled:
		return true
	}
	return false
}

func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	for _, allowed := range proposalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Proposal struct {
	ID                uuid.UUID       `json:"id"`
	WalletID          uuid.UUID       `json:"wallet_id"`
	TxType            TxType          `json:"transaction_type"`
	Params            json.RawMessage `json:"transaction_data"`
	Payload           json.RawMessage `json:"ledger_transaction"`
	RequiredWeight    int             `json:"required_weight"`
	AccumulatedWeight int             `json:"collected_weight"`
	Status            ProposalStatus  `json:"status"`
	CreatedBy         string          `json:"created_by"`
	TxHash            string          `json:"tx_hash,omitempty"`
	LedgerIndex       int64           `json:"ledger_index,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	SubmitAttempts    int             `json:"submit_attempts"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Signatures        []Signature     `json:"signatures,omitempty"`
}

// Signature is immutable once recorded. Weight is the signer's weight at signing time.
type Signature struct {
	ProposalID    uuid.UUID `json:"proposal_id"`
	SignerAddress string    `json:"signer_address"`
	PublicKey     string    `json:"public_key"`
	Signature     []byte    `json:"signature"`
	Weight        int       `json:"weight"`
	CreatedAt     time.Time `json:"created_at"`
}

// WithSignatureTotal returns a copy of p whose accumulated weight is total; the copy
// moves to ready when total reaches the required weight.
func (p Proposal) WithSignatureTotal(total int) (Proposal, error) {
	if p.Status != ProposalPending {
		return p, fmt.Errorf("%w: status is %s", ErrProposalNotPending, p.Status)
	}
	out := p
	out.AccumulatedWeight = total
	if total >= p.RequiredWeight {
		out.Status = ProposalReady
	}
	return out, nil
}

// QuorumReached reports whether the recorded signatures satisfy the snapshot.
func (p Proposal) QuorumReached() bool {
	return p.AccumulatedWeight >= p.RequiredWeight
}

// ProposalPatch carries the fields written together with a status transition.
type ProposalPatch struct {
	TxHash           string
	LedgerIndex      int64
	ErrorMessage     string
	IncrementAttempt bool
}

// ProposalRequest is the client input for a new proposal.
type ProposalRequest struct {
	WalletID  uuid.UUID       `json:"wallet_id" validate:"required"`
	TxType    TxType          `json:"transaction_type" validate:"required"`
	Params    json.RawMessage `json:"transaction_data" validate:"required"`
	CreatedBy string          `json:"created_by"`
}

// SignatureSubmission is the client input for one signature.
type SignatureSubmission struct {
	SignerAddress string `json:"signer_address" validate:"required,min=25,max=35"`
	PublicKey     string `json:"public_key" validate:"required,hexadecimal"`
	Signature     string `json:"signature" validate:"required,hexadecimal"`
}
