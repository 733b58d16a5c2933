// Package ledger is the boundary to the distributed ledger. The coordinator only
// depends on the Gateway interface; RPCClient implements it over rippled JSON-RPC.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vultisig/multisigner/internal/types"
)

type Gateway interface {
	GenerateKeypair(ctx context.Context, network types.Network) (Keypair, error)
	DisableMasterKey(ctx context.Context, address, secret string) (TxResult, error)
	BuildTransaction(ctx context.Context, req BuildRequest) (json.RawMessage, error)
	SubmitSigned(ctx context.Context, payload json.RawMessage, signatures []SignerSignature) (TxResult, error)
	GetAccountState(ctx context.Context, address string) (AccountState, error)
	SetSignerList(ctx context.Context, update SignerListUpdate) (TxResult, error)
}

// Keypair is a freshly generated account. Secret is the master seed and must
// never be persisted unsealed.
type Keypair struct {
	Address   string
	PublicKey string
	Secret    string
}

type TxResult struct {
	Hash         string `json:"hash"`
	LedgerIndex  int64  `json:"ledger_index"`
	EngineResult string `json:"engine_result"`
}

type SignerEntry struct {
	Account string `json:"account"`
	Weight  int    `json:"weight"`
}

type SignerList struct {
	Quorum  int           `json:"quorum"`
	Entries []SignerEntry `json:"entries"`
}

// Matches reports whether the list has the given quorum and exactly the given
// entries, ignoring order.
func (l *SignerList) Matches(quorum int, entries []SignerEntry) bool {
	if l == nil || l.Quorum != quorum || len(l.Entries) != len(entries) {
		return false
	}
	want := make(map[string]int, len(entries))
	for _, e := range entries {
		want[e.Account] = e.Weight
	}
	for _, e := range l.Entries {
		if w, ok := want[e.Account]; !ok || w != e.Weight {
			return false
		}
	}
	return true
}

type AccountState struct {
	Address        string          `json:"address"`
	Balance        decimal.Decimal `json:"balance"`
	Sequence       uint32          `json:"sequence"`
	MasterDisabled bool            `json:"master_disabled"`
	SignerList     *SignerList     `json:"signer_list,omitempty"`
}

type BuildRequest struct {
	Account     string
	TxType      types.TxType
	Params      json.RawMessage
	SignerCount int
}

type SignerSignature struct {
	SignerAddress string
	PublicKey     string
	Signature     []byte
}

type SignerListUpdate struct {
	Account string
	Quorum  int
	Entries []SignerEntry
}

// Outcome tells the caller what is known about a failed ledger call.
type Outcome string

const (
	// OutcomeRejected means the network refused the transaction; retrying it
	// unchanged will not help.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnreachable means the transaction never reached the network and
	// can be retried safely.
	OutcomeUnreachable Outcome = "unreachable"
	// OutcomeUnknown means the request may have been delivered but no answer
	// arrived; resubmitting risks a duplicate.
	OutcomeUnknown Outcome = "unknown"
)

var ErrAccountNotFound = errors.New("account not found on ledger")

type SubmissionError struct {
	Outcome Outcome
	Code    string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger submission %s (%s): %v", e.Outcome, e.Code, e.Err)
	}
	return fmt.Sprintf("ledger submission %s: %v", e.Outcome, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) ErrorKind() types.ErrorKind {
	return types.KindLedger
}

func (e *SubmissionError) Retryable() bool {
	return e.Outcome == OutcomeUnreachable
}

func Rejected(code string, err error) error {
	return &SubmissionError{Outcome: OutcomeRejected, Code: code, Err: err}
}

func Unreachable(err error) error {
	return &SubmissionError{Outcome: OutcomeUnreachable, Err: err}
}

func Unknown(err error) error {
	return &SubmissionError{Outcome: OutcomeUnknown, Err: err}
}

// OutcomeOf returns the outcome carried by err. Errors that are not ledger
// submission errors report OutcomeRejected, so callers never retry them blindly.
func OutcomeOf(err error) Outcome {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Outcome
	}
	return OutcomeRejected
}

func IsRetryable(err error) bool {
	return OutcomeOf(err) == OutcomeUnreachable
}
