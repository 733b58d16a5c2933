package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies core errors so the transport layer can map them without
// knowing every individual error.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindLedger         ErrorKind = "ledger"
	KindReconciliation ErrorKind = "reconciliation_required"
)

// Error is a named core error. Values are compared by identity with errors.Is,
// so callers wrap them with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrInvalidWeight       = newError(KindValidation, "invalid_weight", "signer weight out of range")
	ErrInvalidQuorum       = newError(KindValidation, "invalid_quorum", "invalid quorum")
	ErrInvalidAddress      = newError(KindValidation, "invalid_address", "invalid ledger address")
	ErrInvalidSignerConfig = newError(KindValidation, "invalid_signer_config", "invalid signer configuration")
	ErrInvalidSignature    = newError(KindValidation, "invalid_signature", "malformed signature")
	ErrInvalidTxType       = newError(KindValidation, "invalid_tx_type", "unsupported transaction type")
	ErrInvalidRequest      = newError(KindValidation, "invalid_request", "invalid request")
	ErrSignerNotAuthorized = newError(KindValidation, "signer_not_authorized", "signer is not an active signer of the wallet")
	ErrTooManySigners      = newError(KindValidation, "too_many_signers", "signer list exceeds ledger limit")

	ErrWalletNotFound          = newError(KindNotFound, "wallet_not_found", "wallet not found")
	ErrSignerNotFound          = newError(KindNotFound, "signer_not_found", "signer not found")
	ErrProposalNotFound        = newError(KindNotFound, "proposal_not_found", "proposal not found")
	ErrCreationRequestNotFound = newError(KindNotFound, "creation_request_not_found", "wallet creation request not found")

	ErrDuplicateSigner    = newError(KindConflict, "duplicate_signer", "signer already exists for this wallet")
	ErrDuplicateSignature = newError(KindConflict, "duplicate_signature", "signer already signed this proposal")
	ErrDuplicateWallet    = newError(KindConflict, "duplicate_wallet", "wallet address already registered")
	ErrQuorumViolation    = newError(KindConflict, "quorum_violation", "quorum requirement would not be met")
	ErrProposalNotPending = newError(KindConflict, "proposal_not_pending", "proposal is no longer accepting changes")
	ErrWalletNotActive    = newError(KindConflict, "wallet_not_active", "wallet is not active")
	ErrInvalidTransition  = newError(KindConflict, "invalid_transition", "illegal state transition")
	ErrStaleState         = newError(KindConflict, "stale_state", "state changed concurrently")

	ErrReconciliationRequired = newError(KindReconciliation, "reconciliation_required", "ledger and local state diverged")
)

// KindOf returns the kind of the first typed error in err's chain. Errors that carry
// no kind report an empty string.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k interface{ ErrorKind() ErrorKind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

// CodeOf returns the stable error code of err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Reconcile wraps err as ReconciliationRequired, keeping the cause reachable.
func Reconcile(format string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrReconciliationRequired, format, err)
}
