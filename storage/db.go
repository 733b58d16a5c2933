package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vultisig/multisigner/internal/types"
)

// SignerMutation runs while the wallet row is locked. It sees the wallet and all
// of its signers, active or not, in insertion order, and returns the one change
// to commit. Any ledger side effect belongs inside the mutation so that it is
// ordered with other mutations of the same wallet.
type SignerMutation func(ctx context.Context, wallet types.Wallet, signers []types.Signer) (types.SignerChange, error)

type DatabaseStorage interface {
	Close() error

	CreateWallet(ctx context.Context, wallet types.Wallet) (types.Wallet, error)
	GetWallet(ctx context.Context, id uuid.UUID) (types.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (types.Wallet, error)
	ListWallets(ctx context.Context, ownerID string) ([]types.Wallet, error)
	UpdateWalletStatus(ctx context.Context, id uuid.UUID, status types.WalletStatus) (types.Wallet, error)

	// ListSigners returns the signers of a wallet in insertion order.
	ListSigners(ctx context.Context, walletID uuid.UUID, activeOnly bool) ([]types.Signer, error)
	// BootstrapSigners registers the given signers as active, skipping addresses
	// already present. It is safe to call again with the same input.
	BootstrapSigners(ctx context.Context, walletID uuid.UUID, signers []types.SignerInput, addedBy string) ([]types.Signer, error)
	// MutateWalletSigners serializes signer and quorum changes per wallet and
	// commits the change returned by fn atomically with the quorum check fn made.
	MutateWalletSigners(ctx context.Context, walletID uuid.UUID, fn SignerMutation) (types.Wallet, []types.Signer, error)

	CreateCreationRequest(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error)
	GetCreationRequest(ctx context.Context, id uuid.UUID) (types.CreationRequest, error)
	ListCreationRequests(ctx context.Context, ownerID string) ([]types.CreationRequest, error)
	// SaveCreationRequest writes next only if the stored state still equals from,
	// returning ErrStaleState otherwise.
	SaveCreationRequest(ctx context.Context, from types.CreationState, next types.CreationRequest) (types.CreationRequest, error)
	ListStaleCreationRequests(ctx context.Context, updatedBefore time.Time) ([]types.CreationRequest, error)

	CreateProposal(ctx context.Context, p types.Proposal) (types.Proposal, error)
	// GetProposal returns the proposal with its signatures.
	GetProposal(ctx context.Context, id uuid.UUID) (types.Proposal, error)
	ListProposals(ctx context.Context, walletID uuid.UUID, status types.ProposalStatus) ([]types.Proposal, error)
	// RecordSignature stores sig while the proposal is pending, recomputes the
	// accumulated weight from every stored signature and moves the proposal to
	// ready once the required weight is met.
	RecordSignature(ctx context.Context, sig types.Signature) (types.Proposal, error)
	// TransitionProposal moves a proposal from one status to another if and only
	// if it is still in from. Losing the race returns ErrStaleState.
	TransitionProposal(ctx context.Context, id uuid.UUID, from, to types.ProposalStatus, patch types.ProposalPatch) (types.Proposal, error)
	ListStaleProposals(ctx context.Context, status types.ProposalStatus, updatedBefore time.Time) ([]types.Proposal, error)
}
