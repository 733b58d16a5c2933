package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CreationState string

const (
	CreationPending            CreationState = "pending"
	CreationWalletCreated      CreationState = "wallet_created"
	CreationBlackholePending   CreationState = "blackhole_pending"
	CreationBlackholeCompleted CreationState = "blackhole_completed"
	CreationSignersAdded       CreationState = "signers_added"
	CreationCompleted          CreationState = "completed"
	CreationFailed             CreationState = "failed"
)

var creationTransitions = map[CreationState][]CreationState{
	CreationPending:            {CreationWalletCreated, CreationFailed},
	CreationWalletCreated:      {CreationBlackholePending, CreationFailed},
	CreationBlackholePending:   {CreationBlackholeCompleted, CreationFailed},
	CreationBlackholeCompleted: {CreationSignersAdded, CreationFailed},
	CreationSignersAdded:       {CreationCompleted, CreationFailed},
}

func (s CreationState) IsValid() bool {
	if s == CreationCompleted || s == CreationFailed {
		return true
	}
	_, ok := creationTransitions[s]
	return ok
}

func (s CreationState) IsTerminal() bool {
	return s == CreationCompleted || s == CreationFailed
}

func (s CreationState) CanTransitionTo(next CreationState) bool {
	for _, allowed := range creationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress reports the completion percentage shown to clients.
func (s CreationState) Progress() int {
	switch s {
	case CreationWalletCreated:
		return 20
	case CreationBlackholePending:
		return 40
	case CreationBlackholeCompleted:
		return 60
	case CreationSignersAdded:
		return 80
	case CreationCompleted:
		return 100
	}
	return 0
}

func (s CreationState) Description() string {
	switch s {
	case CreationPending:
		return "Initializing wallet creation"
	case CreationWalletCreated:
		return "Wallet generated, preparing blackhole transaction"
	case CreationBlackholePending:
		return "Blackhole transaction submitted"
	case CreationBlackholeCompleted:
		return "Master key blackholed, adding signers"
	case CreationSignersAdded:
		return "Signers configured, finalizing setup"
	case CreationCompleted:
		return "Multi-signature wallet ready"
	case CreationFailed:
		return "Setup failed"
	}
	return "Unknown status"
}

// CreationConfig is the wallet configuration requested by the client.
type CreationConfig struct {
	Name        string          `json:"wallet_name" validate:"required,max=255"`
	Description string          `json:"wallet_description,omitempty" validate:"max=1000"`
	Network     Network         `json:"network" validate:"required,oneof=mainnet testnet devnet"`
	Scheme      SignatureScheme `json:"signature_scheme" validate:"required,oneof=multi_sign weighted"`
	Quorum      int             `json:"quorum"`
	Signers     []SignerInput   `json:"signers"`
}

// CreationRequest drives one wallet through the creation workflow. MasterKey holds
// the sealed master key and is empty once the key has been disabled on the ledger.
type CreationRequest struct {
	ID                   uuid.UUID      `json:"id"`
	OwnerID              string         `json:"owner_id"`
	Config               CreationConfig `json:"config"`
	State                CreationState  `json:"status"`
	Address              string         `json:"generated_address,omitempty"`
	PublicKey            string         `json:"public_key,omitempty"`
	MasterKey            string         `json:"-"`
	BlackholeTxHash      string         `json:"blackhole_transaction_hash,omitempty"`
	BlackholeLedgerIndex int64          `json:"blackhole_ledger_index,omitempty"`
	WalletID             *uuid.UUID     `json:"wallet_id,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	FailedFrom           CreationState  `json:"failed_from,omitempty"`
	Attempts             int            `json:"attempts"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Advance returns a copy of r moved to next, or ErrInvalidTransition when the
// transition table does not allow it. The receiver is left untouched.
func (r CreationRequest) Advance(next CreationState, mutate func(*CreationRequest)) (CreationRequest, error) {
	if !r.State.CanTransitionTo(next) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	out := r
	out.Config.Signers = append([]SignerInput(nil), r.Config.Signers...)
	out.State = next
	out.ErrorMessage = ""
	if mutate != nil {
		mutate(&out)
	}
	return out, nil
}

// Fail moves r to the failed state, remembering where it failed.
func (r CreationRequest) Fail(cause error) (CreationRequest, error) {
	from := r.State
	return r.Advance(CreationFailed, func(out *CreationRequest) {
		out.FailedFrom = from
		out.ErrorMessage = cause.Error()
	})
}

// CreationProgress is the client-facing view of a request.
type CreationProgress struct {
	CreationRequest
	Progress    int    `json:"progress_percentage"`
	Description string `json:"status_description"`
	InProgress  bool   `json:"is_in_progress"`
}

func (r CreationRequest) ProgressView() CreationProgress {
	return CreationProgress{
		CreationRequest: r,
		Progress:        r.State.Progress(),
		Description:     r.State.Description(),
		InProgress:      !r.State.IsTerminal(),
	}
}
