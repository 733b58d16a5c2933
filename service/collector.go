package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/validation"
	"github.com/vultisig/multisigner/internal/xrpl"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/storage"
)

const cancelAttempts = 3

// Collector accepts signatures for transaction proposals and hands proposals
// that reach their required weight to the Submitter.
type Collector struct {
	db        storage.DatabaseStorage
	gateway   ledger.Gateway
	submitter *Submitter
	notifier  Notifier
	logger    *logrus.Logger
}

func NewCollector(db storage.DatabaseStorage, gateway ledger.Gateway, submitter *Submitter, notifier Notifier, logger *logrus.Logger) (*Collector, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("ledger gateway cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	return &Collector{
		db:        db,
		gateway:   gateway,
		submitter: submitter,
		notifier:  notifier,
		logger:    logger,
	}, nil
}

// CreateProposal builds the unsigned transaction and records it with the wallet
// quorum as its required weight.
func (c *Collector) CreateProposal(ctx context.Context, req types.ProposalRequest) (types.Proposal, error) {
	if err := validation.Struct(req); err != nil {
		return types.Proposal{}, err
	}
	if !req.TxType.IsValid() {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrInvalidTxType, req.TxType)
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return types.Proposal{}, fmt.Errorf("%w: transaction_data must be a JSON object", types.ErrInvalidRequest)
	}

	w, err := c.db.GetWallet(ctx, req.WalletID)
	if err != nil {
		return types.Proposal{}, err
	}
	if !w.IsActive() {
		return types.Proposal{}, fmt.Errorf("%w: wallet %s is %s", types.ErrWalletNotActive, w.ID, w.Status)
	}
	active, err := c.db.ListSigners(ctx, w.ID, true)
	if err != nil {
		return types.Proposal{}, err
	}

	payload, err := c.gateway.BuildTransaction(ctx, ledger.BuildRequest{
		Account:     w.Address,
		TxType:      req.TxType,
		Params:      req.Params,
		SignerCount: len(active),
	})
	if err != nil {
		return types.Proposal{}, fmt.Errorf("fail to build transaction: %w", err)
	}

	p, err := c.db.CreateProposal(ctx, types.Proposal{
		WalletID:       w.ID,
		TxType:         req.TxType,
		Params:         req.Params,
		Payload:        payload,
		RequiredWeight: w.Quorum,
		Status:         types.ProposalPending,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		return types.Proposal{}, err
	}
	c.logger.WithFields(logrus.Fields{
		"proposal_id":     p.ID,
		"wallet_id":       w.ID,
		"tx_type":         p.TxType,
		"required_weight": p.RequiredWeight,
	}).Info("Proposal created")
	c.notify(ctx, types.EventTransactionRequest, p, req.CreatedBy, map[string]string{
		"transaction_type": string(p.TxType),
	})
	return p, nil
}

// SubmitSignature records one signer's signature with the signer's current
// weight. When the proposal reaches its required weight it is submitted before
// this call returns.
func (c *Collector) SubmitSignature(ctx context.Context, proposalID uuid.UUID, sub types.SignatureSubmission) (types.Proposal, error) {
	if err := validation.Struct(sub); err != nil {
		return types.Proposal{}, err
	}
	pubKey, err := xrpl.ValidatePublicKey(sub.PublicKey)
	if err != nil {
		return types.Proposal{}, err
	}
	sig, err := hex.DecodeString(sub.Signature)
	if err != nil {
		return types.Proposal{}, fmt.Errorf("%w: signature is not hex: %v", types.ErrInvalidSignature, err)
	}
	if err := xrpl.ValidateSignature(pubKey, sig); err != nil {
		return types.Proposal{}, err
	}

	p, err := c.db.GetProposal(ctx, proposalID)
	if err != nil {
		return types.Proposal{}, err
	}
	if p.Status != types.ProposalPending {
		return types.Proposal{}, fmt.Errorf("%w: status is %s", types.ErrProposalNotPending, p.Status)
	}
	active, err := c.db.ListSigners(ctx, p.WalletID, true)
	if err != nil {
		return types.Proposal{}, err
	}
	signer, ok := findSigner(active, sub.SignerAddress)
	if !ok {
		return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrSignerNotAuthorized, sub.SignerAddress)
	}

	updated, err := c.db.RecordSignature(ctx, types.Signature{
		ProposalID:    p.ID,
		SignerAddress: signer.Address,
		PublicKey:     sub.PublicKey,
		Signature:     sig,
		Weight:        signer.Weight,
	})
	if err != nil {
		return types.Proposal{}, err
	}
	c.logger.WithFields(logrus.Fields{
		"proposal_id":      p.ID,
		"signer":           signer.Address,
		"weight":           signer.Weight,
		"collected_weight": updated.AccumulatedWeight,
		"required_weight":  updated.RequiredWeight,
	}).Info("Signature recorded")
	c.notify(ctx, types.EventTransactionSigned, updated, signer.Address, map[string]string{
		"collected_weight": strconv.Itoa(updated.AccumulatedWeight),
		"required_weight":  strconv.Itoa(updated.RequiredWeight),
	})

	if updated.Status != types.ProposalReady {
		return updated, nil
	}
	return c.submitter.TrySubmit(ctx, updated.ID)
}

// Cancel withdraws a proposal that has not been claimed for submission.
func (c *Collector) Cancel(ctx context.Context, proposalID uuid.UUID, by string) (types.Proposal, error) {
	for i := 0; i < cancelAttempts; i++ {
		p, err := c.db.GetProposal(ctx, proposalID)
		if err != nil {
			return types.Proposal{}, err
		}
		if p.Status != types.ProposalPending && p.Status != types.ProposalReady {
			return types.Proposal{}, fmt.Errorf("%w: status is %s", types.ErrProposalNotPending, p.Status)
		}
		cancelled, err := c.db.TransitionProposal(ctx, proposalID, p.Status, types.ProposalCancelled, types.ProposalPatch{})
		if errors.Is(err, types.ErrStaleState) {
			continue
		}
		if err != nil {
			return types.Proposal{}, err
		}
		c.logger.WithField("proposal_id", proposalID).Info("Proposal cancelled")
		c.notify(ctx, types.EventTransactionCancelled, cancelled, "", map[string]string{"cancelled_by": by})
		return cancelled, nil
	}
	return types.Proposal{}, fmt.Errorf("%w: proposal %s kept changing", types.ErrStaleState, proposalID)
}

func (c *Collector) Get(ctx context.Context, proposalID uuid.UUID) (types.Proposal, error) {
	return c.db.GetProposal(ctx, proposalID)
}

// ListByWallet returns the proposals of a wallet, optionally filtered by status.
func (c *Collector) ListByWallet(ctx context.Context, walletID uuid.UUID, status types.ProposalStatus) ([]types.Proposal, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", types.ErrInvalidRequest, status)
	}
	if _, err := c.db.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return c.db.ListProposals(ctx, walletID, status)
}

func (c *Collector) notify(ctx context.Context, t types.EventType, p types.Proposal, signer string, data map[string]string) {
	if c.notifier == nil {
		return
	}
	ev := types.NewEvent(t, p.WalletID)
	id := p.ID
	ev.ProposalID = &id
	ev.Signer = signer
	for k, v := range data {
		ev.Data[k] = v
	}
	c.notifier.Notify(ctx, ev)
}
