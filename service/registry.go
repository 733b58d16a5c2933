package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/weight"
	"github.com/vultisig/multisigner/internal/xrpl"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/storage"
)

// Registry manages the external signers of active wallets. Every change is
// validated against the quorum, pushed to the ledger signer list and only then
// committed locally, all while the wallet is locked in the store.
type Registry struct {
	db       storage.DatabaseStorage
	gateway  ledger.Gateway
	notifier Notifier
	logger   *logrus.Logger
}

func NewRegistry(db storage.DatabaseStorage, gateway ledger.Gateway, notifier Notifier, logger *logrus.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("ledger gateway cannot be nil")
	}
	return &Registry{
		db:       db,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// plan computes the change for one registry operation and the quorum and active
// set that will hold once it is committed.
type plan func(w types.Wallet, signers []types.Signer) (change types.SignerChange, quorum int, active []types.Signer, err error)

func (r *Registry) apply(ctx context.Context, walletID uuid.UUID, op string, p plan) (types.Wallet, []types.Signer, error) {
	ledgerTouched := false
	w, signers, err := r.db.MutateWalletSigners(ctx, walletID, func(ctx context.Context, w types.Wallet, signers []types.Signer) (types.SignerChange, error) {
		if !w.IsActive() {
			return types.SignerChange{}, fmt.Errorf("%w: wallet %s is %s", types.ErrWalletNotActive, w.ID, w.Status)
		}
		change, quorum, active, err := p(w, signers)
		if err != nil {
			return types.SignerChange{}, err
		}
		if err := weight.CheckQuorum(quorum, weight.TotalActive(active)); err != nil {
			return types.SignerChange{}, err
		}

		res, err := r.gateway.SetSignerList(ctx, ledger.SignerListUpdate{
			Account: w.Address,
			Quorum:  quorum,
			Entries: signerEntries(active),
		})
		if err != nil {
			if ledger.OutcomeOf(err) == ledger.OutcomeUnknown {
				ledgerTouched = true
			}
			return types.SignerChange{}, fmt.Errorf("fail to update ledger signer list: %w", err)
		}
		ledgerTouched = true
		r.logger.WithFields(logrus.Fields{
			"wallet_id": w.ID,
			"operation": op,
			"tx_hash":   res.Hash,
		}).Info("Ledger signer list updated")
		return change, nil
	})
	if err != nil {
		if ledgerTouched {
			r.logger.WithFields(logrus.Fields{
				"wallet_id": walletID,
				"operation": op,
			}).Errorf("ledger signer list may differ from local signers: %v", err)
			return types.Wallet{}, nil, types.Reconcile(fmt.Sprintf("%s on wallet %s", op, walletID), err)
		}
		return types.Wallet{}, nil, err
	}
	return w, signers, nil
}

func (r *Registry) notify(ctx context.Context, t types.EventType, walletID uuid.UUID, signer string, data map[string]string) {
	if r.notifier == nil {
		return
	}
	ev := types.NewEvent(t, walletID)
	ev.Signer = signer
	for k, v := range data {
		ev.Data[k] = v
	}
	r.notifier.Notify(ctx, ev)
}

func validateSignerInput(in types.SignerInput) error {
	if err := xrpl.ValidateAddress(in.Address); err != nil {
		return err
	}
	if err := weight.ValidateWeight(in.Weight); err != nil {
		return err
	}
	if in.DeviceType != "" && !in.DeviceType.IsValid() {
		return fmt.Errorf("%w: unknown wallet type %q", types.ErrInvalidSignerConfig, in.DeviceType)
	}
	return nil
}

// AddSigner registers a new signer, or reactivates a previously removed one with
// the same address.
func (r *Registry) AddSigner(ctx context.Context, walletID uuid.UUID, in types.SignerInput, addedBy string) (types.Signer, error) {
	if err := validateSignerInput(in); err != nil {
		return types.Signer{}, err
	}
	var added types.Signer
	_, signers, err := r.apply(ctx, walletID, "add_signer", func(w types.Wallet, signers []types.Signer) (types.SignerChange, int, []types.Signer, error) {
		if in.Address == w.Address {
			return types.SignerChange{}, 0, nil, fmt.Errorf("%w: a wallet cannot sign for itself", types.ErrInvalidSignerConfig)
		}
		s, exists := findSigner(signers, in.Address)
		if exists && s.Active {
			return types.SignerChange{}, 0, nil, fmt.Errorf("%w: %s", types.ErrDuplicateSigner, in.Address)
		}
		if !exists {
			s = types.Signer{WalletID: w.ID, Address: in.Address, AddedBy: addedBy}
		}
		s.Weight = in.Weight
		s.Nickname = in.Nickname
		s.Email = in.Email
		s.DeviceType = in.DeviceType
		s.Active = true

		active := append(weight.ActiveAfter(signers, in.Address, 0), s)
		if len(active) > weight.MaxSigners {
			return types.SignerChange{}, 0, nil, fmt.Errorf("%w: limit is %d", types.ErrTooManySigners, weight.MaxSigners)
		}
		return types.SignerChange{Signer: &s}, w.Quorum, active, nil
	})
	if err != nil {
		return types.Signer{}, err
	}
	added, _ = findSigner(signers, in.Address)
	r.notify(ctx, types.EventSignerAdded, walletID, in.Address, map[string]string{
		"weight": strconv.Itoa(added.Weight),
	})
	return added, nil
}

// RemoveSigner deactivates a signer. It fails with ErrQuorumViolation when the
// remaining active weight would fall below the wallet quorum.
func (r *Registry) RemoveSigner(ctx context.Context, walletID uuid.UUID, address string) error {
	_, _, err := r.apply(ctx, walletID, "remove_signer", func(w types.Wallet, signers []types.Signer) (types.SignerChange, int, []types.Signer, error) {
		s, ok := findSigner(signers, address)
		if !ok || !s.Active {
			return types.SignerChange{}, 0, nil, fmt.Errorf("%w: %s", types.ErrSignerNotFound, address)
		}
		s.Active = false
		return types.SignerChange{Signer: &s}, w.Quorum, weight.ActiveAfter(signers, address, 0), nil
	})
	if err != nil {
		return err
	}
	r.notify(ctx, types.EventSignerRemoved, walletID, address, nil)
	return nil
}

func (r *Registry) UpdateWeight(ctx context.Context, walletID uuid.UUID, address string, newWeight int) (types.Signer, error) {
	if err := weight.ValidateWeight(newWeight); err != nil {
		return types.Signer{}, err
	}
	var previous int
	_, signers, err := r.apply(ctx, walletID, "update_weight", func(w types.Wallet, signers []types.Signer) (types.SignerChange, int, []types.Signer, error) {
		s, ok := findSigner(signers, address)
		if !ok || !s.Active {
			return types.SignerChange{}, 0, nil, fmt.Errorf("%w: %s", types.ErrSignerNotFound, address)
		}
		previous = s.Weight
		s.Weight = newWeight
		return types.SignerChange{Signer: &s}, w.Quorum, weight.ActiveAfter(signers, address, newWeight), nil
	})
	if err != nil {
		return types.Signer{}, err
	}
	updated, _ := findSigner(signers, address)
	r.notify(ctx, types.EventSignerWeightChanged, walletID, address, map[string]string{
		"previous_weight": strconv.Itoa(previous),
		"weight":          strconv.Itoa(newWeight),
	})
	return updated, nil
}

// SetQuorum changes the wallet quorum. Outstanding proposals keep the required
// weight they were created with.
func (r *Registry) SetQuorum(ctx context.Context, walletID uuid.UUID, quorum int) (types.Wallet, error) {
	if quorum <= 0 {
		return types.Wallet{}, fmt.Errorf("%w: quorum must be greater than 0", types.ErrInvalidQuorum)
	}
	var previous int
	w, _, err := r.apply(ctx, walletID, "set_quorum", func(w types.Wallet, signers []types.Signer) (types.SignerChange, int, []types.Signer, error) {
		previous = w.Quorum
		return types.SignerChange{Quorum: &quorum}, quorum, weight.ActiveAfter(signers, "", 0), nil
	})
	if err != nil {
		return types.Wallet{}, err
	}
	r.notify(ctx, types.EventWalletConfigChanged, walletID, "", map[string]string{
		"previous_quorum": strconv.Itoa(previous),
		"quorum":          strconv.Itoa(quorum),
	})
	return w, nil
}

// ListActive returns the active signers of a wallet in insertion order.
func (r *Registry) ListActive(ctx context.Context, walletID uuid.UUID) ([]types.Signer, error) {
	return r.db.ListSigners(ctx, walletID, true)
}
