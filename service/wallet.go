package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/validation"
	"github.com/vultisig/multisigner/internal/weight"
	"github.com/vultisig/multisigner/internal/xrpl"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/storage"
)

type WalletService struct {
	db       storage.DatabaseStorage
	gateway  ledger.Gateway
	notifier Notifier
	logger   *logrus.Logger
}

func NewWalletService(db storage.DatabaseStorage, gateway ledger.Gateway, notifier Notifier, logger *logrus.Logger) (*WalletService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	return &WalletService{
		db:       db,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Import registers an account that already carries a signer list on the ledger.
// The local wallet mirrors the ledger quorum and signer weights.
func (s *WalletService) Import(ctx context.Context, req types.WalletImportRequest) (types.WalletDetails, error) {
	if err := req.IsValid(); err != nil {
		return types.WalletDetails{}, err
	}
	if err := validation.Struct(req); err != nil {
		return types.WalletDetails{}, err
	}
	if err := xrpl.ValidateAddress(req.Address); err != nil {
		return types.WalletDetails{}, err
	}
	if _, err := s.db.GetWalletByAddress(ctx, req.Address); err == nil {
		return types.WalletDetails{}, fmt.Errorf("%w: %s", types.ErrDuplicateWallet, req.Address)
	} else if !errors.Is(err, types.ErrWalletNotFound) {
		return types.WalletDetails{}, err
	}

	state, err := s.gateway.GetAccountState(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return types.WalletDetails{}, fmt.Errorf("%w: account %s does not exist on ledger", types.ErrInvalidAddress, req.Address)
		}
		return types.WalletDetails{}, fmt.Errorf("fail to read account state: %w", err)
	}
	if state.SignerList == nil || len(state.SignerList.Entries) == 0 {
		return types.WalletDetails{}, fmt.Errorf("%w: account %s has no signer list", types.ErrInvalidSignerConfig, req.Address)
	}

	inputs := make([]types.SignerInput, 0, len(state.SignerList.Entries))
	for _, e := range state.SignerList.Entries {
		inputs = append(inputs, types.SignerInput{Address: e.Account, Weight: e.Weight, DeviceType: types.DeviceOther})
	}
	if _, err := weight.ValidateSignerConfig(inputs, state.SignerList.Quorum); err != nil {
		return types.WalletDetails{}, err
	}

	w, err := s.db.CreateWallet(ctx, types.Wallet{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		Address:     req.Address,
		Network:     req.Network,
		Scheme:      types.SchemeWeighted,
		Quorum:      state.SignerList.Quorum,
		Status:      types.WalletActive,
		IsImported:  true,
	})
	if err != nil {
		return types.WalletDetails{}, err
	}
	signers, err := s.db.BootstrapSigners(ctx, w.ID, inputs, req.OwnerID)
	if err != nil {
		return types.WalletDetails{}, fmt.Errorf("fail to register imported signers: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"wallet_id": w.ID,
		"address":   w.Address,
		"signers":   len(signers),
	}).Info("Wallet imported")
	if s.notifier != nil {
		ev := types.NewEvent(types.EventWalletCreated, w.ID)
		ev.Data["address"] = w.Address
		ev.Data["imported"] = "true"
		s.notifier.Notify(ctx, ev)
	}
	return details(w, signers, state.Balance.String()), nil
}

func details(w types.Wallet, signers []types.Signer, balance string) types.WalletDetails {
	active := make([]types.Signer, 0, len(signers))
	for _, sg := range signers {
		if sg.Active {
			active = append(active, sg)
		}
	}
	return types.WalletDetails{
		Wallet:       w,
		Signers:      active,
		Balance:      balance,
		TotalSigners: len(active),
		TotalWeight:  weight.TotalActive(active),
	}
}

// Details returns the wallet with its active signers. The balance is left empty
// when the ledger cannot be reached.
func (s *WalletService) Details(ctx context.Context, id uuid.UUID) (types.WalletDetails, error) {
	w, err := s.db.GetWallet(ctx, id)
	if err != nil {
		return types.WalletDetails{}, err
	}
	signers, err := s.db.ListSigners(ctx, id, true)
	if err != nil {
		return types.WalletDetails{}, err
	}
	balance := ""
	if s.gateway != nil {
		state, err := s.gateway.GetAccountState(ctx, w.Address)
		if err != nil {
			s.logger.WithField("wallet_id", id).Warnf("fail to read balance: %v", err)
		} else {
			balance = state.Balance.String()
		}
	}
	return details(w, signers, balance), nil
}

func (s *WalletService) List(ctx context.Context, ownerID string) ([]types.Wallet, error) {
	return s.db.ListWallets(ctx, ownerID)
}

// Deactivate soft-deletes a wallet. Its signers and proposals stay on record.
func (s *WalletService) Deactivate(ctx context.Context, id uuid.UUID) (types.Wallet, error) {
	w, err := s.db.UpdateWalletStatus(ctx, id, types.WalletInactive)
	if err != nil {
		return types.Wallet{}, err
	}
	s.logger.WithField("wallet_id", id).Info("Wallet deactivated")
	if s.notifier != nil {
		ev := types.NewEvent(types.EventWalletConfigChanged, id)
		ev.Data["status"] = string(types.WalletInactive)
		s.notifier.Notify(ctx, ev)
	}
	return w, nil
}
