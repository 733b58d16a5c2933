// Package memory is a process-local DatabaseStorage used by tests and single
// instance development setups. Every method works on copies, so callers never
// share state with the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/weight"
	"github.com/vultisig/multisigner/storage"
)

var _ storage.DatabaseStorage = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	wallets      map[uuid.UUID]types.Wallet
	walletOrder  []uuid.UUID
	signers      map[uuid.UUID][]types.Signer
	requests     map[uuid.UUID]types.CreationRequest
	requestOrder []uuid.UUID
	proposals    map[uuid.UUID]types.Proposal
	proposalSeq  []uuid.UUID
	signatures   map[uuid.UUID][]types.Signature
	seq          int64

	// walletLocks play the role of row locks for signer mutations, which may
	// call out to the ledger while holding them.
	walletLocks map[uuid.UUID]*sync.Mutex
}

func New() *Store {
	return &Store{
		wallets:     make(map[uuid.UUID]types.Wallet),
		signers:     make(map[uuid.UUID][]types.Signer),
		requests:    make(map[uuid.UUID]types.CreationRequest),
		proposals:   make(map[uuid.UUID]types.Proposal),
		signatures:  make(map[uuid.UUID][]types.Signature),
		walletLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Store) Close() error {
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func (s *Store) walletLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.walletLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.walletLocks[id] = l
	}
	return l
}

func (s *Store) CreateWallet(_ context.Context, w types.Wallet) (types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wallets {
		if existing.Address == w.Address {
			return types.Wallet{}, fmt.Errorf("%w: %s", types.ErrDuplicateWallet, w.Address)
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = now()
	w.UpdatedAt = w.CreatedAt
	s.wallets[w.ID] = w
	s.walletOrder = append(s.walletOrder, w.ID)
	return w, nil
}

func (s *Store) GetWallet(_ context.Context, id uuid.UUID) (types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return types.Wallet{}, fmt.Errorf("%w: %s", types.ErrWalletNotFound, id)
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == address {
			return w, nil
		}
	}
	return types.Wallet{}, fmt.Errorf("%w: %s", types.ErrWalletNotFound, address)
}

func (s *Store) ListWallets(_ context.Context, ownerID string) ([]types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Wallet
	for _, id := range s.walletOrder {
		w := s.wallets[id]
		if ownerID == "" || w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) UpdateWalletStatus(_ context.Context, id uuid.UUID, status types.WalletStatus) (types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return types.Wallet{}, fmt.Errorf("%w: %s", types.ErrWalletNotFound, id)
	}
	w.Status = status
	w.UpdatedAt = now()
	s.wallets[id] = w
	return w, nil
}

func (s *Store) ListSigners(_ context.Context, walletID uuid.UUID, activeOnly bool) ([]types.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWalletNotFound, walletID)
	}
	var out []types.Signer
	for _, sg := range s.signers[walletID] {
		if activeOnly && !sg.Active {
			continue
		}
		out = append(out, sg)
	}
	return out, nil
}

func (s *Store) BootstrapSigners(_ context.Context, walletID uuid.UUID, inputs []types.SignerInput, addedBy string) ([]types.Signer, error) {
	lock := s.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWalletNotFound, walletID)
	}
	for _, in := range inputs {
		if s.indexOf(walletID, in.Address) >= 0 {
			continue
		}
		s.upsertSigner(walletID, types.Signer{
			WalletID:   walletID,
			Address:    in.Address,
			Weight:     in.Weight,
			Nickname:   in.Nickname,
			Email:      in.Email,
			DeviceType: in.DeviceType,
			Active:     true,
			AddedBy:    addedBy,
		})
	}
	return append([]types.Signer(nil), s.signers[walletID]...), nil
}

func (s *Store) MutateWalletSigners(ctx context.Context, walletID uuid.UUID, fn storage.SignerMutation) (types.Wallet, []types.Signer, error) {
	lock := s.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	w, ok := s.wallets[walletID]
	current := append([]types.Signer(nil), s.signers[walletID]...)
	s.mu.Unlock()
	if !ok {
		return types.Wallet{}, nil, fmt.Errorf("%w: %s", types.ErrWalletNotFound, walletID)
	}

	change, err := fn(ctx, w, current)
	if err != nil {
		return types.Wallet{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if change.Quorum != nil {
		w = s.wallets[walletID]
		w.Quorum = *change.Quorum
		w.UpdatedAt = now()
		s.wallets[walletID] = w
	}
	if change.Signer != nil {
		sg := *change.Signer
		sg.WalletID = walletID
		s.upsertSigner(walletID, sg)
	}
	return s.wallets[walletID], append([]types.Signer(nil), s.signers[walletID]...), nil
}

func (s *Store) indexOf(walletID uuid.UUID, address string) int {
	for i, sg := range s.signers[walletID] {
		if sg.Address == address {
			return i
		}
	}
	return -1
}

// upsertSigner must be called with s.mu held.
func (s *Store) upsertSigner(walletID uuid.UUID, sg types.Signer) {
	ts := now()
	sg.UpdatedAt = ts
	if i := s.indexOf(walletID, sg.Address); i >= 0 {
		prev := s.signers[walletID][i]
		sg.ID, sg.Seq, sg.CreatedAt = prev.ID, prev.Seq, prev.CreatedAt
		if sg.AddedBy == "" {
			sg.AddedBy = prev.AddedBy
		}
		s.signers[walletID][i] = sg
		return
	}
	if sg.ID == uuid.Nil {
		sg.ID = uuid.New()
	}
	s.seq++
	sg.Seq = s.seq
	sg.CreatedAt = ts
	s.signers[walletID] = append(s.signers[walletID], sg)
}

func cloneRequest(r types.CreationRequest) types.CreationRequest {
	r.Config.Signers = append([]types.SignerInput(nil), r.Config.Signers...)
	if r.WalletID != nil {
		id := *r.WalletID
		r.WalletID = &id
	}
	return r
}

func (s *Store) CreateCreationRequest(_ context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.CreatedAt = now()
	req.UpdatedAt = req.CreatedAt
	s.requests[req.ID] = cloneRequest(req)
	s.requestOrder = append(s.requestOrder, req.ID)
	return cloneRequest(req), nil
}

func (s *Store) GetCreationRequest(_ context.Context, id uuid.UUID) (types.CreationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return types.CreationRequest{}, fmt.Errorf("%w: %s", types.ErrCreationRequestNotFound, id)
	}
	return cloneRequest(r), nil
}

func (s *Store) ListCreationRequests(_ context.Context, ownerID string) ([]types.CreationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CreationRequest
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if ownerID == "" || r.OwnerID == ownerID {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (s *Store) SaveCreationRequest(_ context.Context, from types.CreationState, next types.CreationRequest) (types.CreationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[next.ID]
	if !ok {
		return types.CreationRequest{}, fmt.Errorf("%w: %s", types.ErrCreationRequestNotFound, next.ID)
	}
	if stored.State != from {
		return types.CreationRequest{}, fmt.Errorf("%w: request %s is %s, expected %s", types.ErrStaleState, next.ID, stored.State, from)
	}
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = now()
	s.requests[next.ID] = cloneRequest(next)
	return cloneRequest(next), nil
}

func (s *Store) ListStaleCreationRequests(_ context.Context, updatedBefore time.Time) ([]types.CreationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CreationRequest
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if !r.State.IsTerminal() && r.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (s *Store) CreateProposal(_ context.Context, p types.Proposal) (types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[p.WalletID]; !ok {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrWalletNotFound, p.WalletID)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Params = append([]byte(nil), p.Params...)
	p.Payload = append([]byte(nil), p.Payload...)
	p.Signatures = nil
	p.Version = 1
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	s.proposals[p.ID] = p
	s.proposalSeq = append(s.proposalSeq, p.ID)
	return p, nil
}

// withSignatures must be called with s.mu held.
func (s *Store) withSignatures(p types.Proposal) types.Proposal {
	p.Signatures = append([]types.Signature(nil), s.signatures[p.ID]...)
	return p
}

func (s *Store) GetProposal(_ context.Context, id uuid.UUID) (types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrProposalNotFound, id)
	}
	return s.withSignatures(p), nil
}

func (s *Store) ListProposals(_ context.Context, walletID uuid.UUID, status types.ProposalStatus) ([]types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Proposal
	for _, id := range s.proposalSeq {
		p := s.proposals[id]
		if p.WalletID != walletID || (status != "" && p.Status != status) {
			continue
		}
		out = append(out, s.withSignatures(p))
	}
	return out, nil
}

func (s *Store) RecordSignature(_ context.Context, sig types.Signature) (types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[sig.ProposalID]
	if !ok {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrProposalNotFound, sig.ProposalID)
	}
	if p.Status != types.ProposalPending {
		return types.Proposal{}, fmt.Errorf("%w: status is %s", types.ErrProposalNotPending, p.Status)
	}
	for _, existing := range s.signatures[p.ID] {
		if existing.SignerAddress == sig.SignerAddress {
			return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrDuplicateSignature, sig.SignerAddress)
		}
	}
	sig.Signature = append([]byte(nil), sig.Signature...)
	sig.CreatedAt = now()
	sigs := append(append([]types.Signature(nil), s.signatures[p.ID]...), sig)

	next, err := p.WithSignatureTotal(weight.SumSignatures(sigs))
	if err != nil {
		return types.Proposal{}, err
	}
	next.Version++
	next.UpdatedAt = sig.CreatedAt
	s.signatures[p.ID] = sigs
	s.proposals[p.ID] = next
	return s.withSignatures(next), nil
}

func (s *Store) TransitionProposal(_ context.Context, id uuid.UUID, from, to types.ProposalStatus, patch types.ProposalPatch) (types.Proposal, error) {
	if !from.CanTransitionTo(to) {
		return types.Proposal{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrProposalNotFound, id)
	}
	if p.Status != from {
		return types.Proposal{}, fmt.Errorf("%w: proposal %s is %s, expected %s", types.ErrStaleState, id, p.Status, from)
	}
	p.Status = to
	if patch.TxHash != "" {
		p.TxHash = patch.TxHash
	}
	if patch.LedgerIndex != 0 {
		p.LedgerIndex = patch.LedgerIndex
	}
	if patch.ErrorMessage != "" {
		p.ErrorMessage = patch.ErrorMessage
	}
	if patch.IncrementAttempt {
		p.SubmitAttempts++
	}
	p.Version++
	p.UpdatedAt = now()
	s.proposals[id] = p
	return s.withSignatures(p), nil
}

func (s *Store) ListStaleProposals(_ context.Context, status types.ProposalStatus, updatedBefore time.Time) ([]types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Proposal
	for _, id := range s.proposalSeq {
		p := s.proposals[id]
		if p.Status == status && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, s.withSignatures(p))
		}
	}
	return out, nil
}
