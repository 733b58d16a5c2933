package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/contexthelper"
	"github.com/vultisig/multisigner/internal/crypto"
	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/weight"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/storage"
)

// maxStaleReloads bounds how often Advance reloads a request another driver
// moved underneath it before giving up for this invocation.
const maxStaleReloads = 10

// Workflow drives wallet creation requests:
//
//	pending -> wallet_created -> blackhole_pending -> blackhole_completed -> signers_added -> completed
//
// Every transition is a compare-and-swap on the stored state, so concurrent
// drivers never both apply a step. Each ledger side effect is checked against
// the ledger before it is repeated, which makes Advance safe to call again at
// any point.
type Workflow struct {
	db       storage.DatabaseStorage
	gateway  ledger.Gateway
	sealer   *crypto.Sealer
	queue    CreationQueue
	notifier Notifier
	logger   *logrus.Logger
	locks    requestLocks
}

func NewWorkflow(db storage.DatabaseStorage, gateway ledger.Gateway, sealer *crypto.Sealer, queue CreationQueue, notifier Notifier, logger *logrus.Logger) (*Workflow, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("ledger gateway cannot be nil")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer cannot be nil")
	}
	return &Workflow{
		db:       db,
		gateway:  gateway,
		sealer:   sealer,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		locks:    requestLocks{held: map[uuid.UUID]*requestLock{}},
	}, nil
}

// Start records a pending request and hands it to the background driver when
// one is configured. The configuration is validated by the first step, so an
// invalid request is returned as failed rather than rejected.
func (w *Workflow) Start(ctx context.Context, ownerID string, cfg types.CreationConfig) (types.CreationRequest, error) {
	req, err := w.db.CreateCreationRequest(ctx, types.CreationRequest{
		OwnerID: ownerID,
		Config:  cfg,
		State:   types.CreationPending,
	})
	if err != nil {
		return types.CreationRequest{}, err
	}
	w.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"owner_id":   ownerID,
		"network":    cfg.Network,
	}).Info("Wallet creation requested")

	if w.queue == nil {
		return req, nil
	}
	if err := w.queue.EnqueueCreation(ctx, req.ID); err != nil {
		// the sweeper re-enqueues requests that stay pending
		w.logger.WithField("request_id", req.ID).Errorf("fail to enqueue creation request: %v", err)
	}
	return req, nil
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (types.CreationRequest, error) {
	return w.db.GetCreationRequest(ctx, id)
}

func (w *Workflow) List(ctx context.Context, ownerID string) ([]types.CreationRequest, error) {
	return w.db.ListCreationRequests(ctx, ownerID)
}

// Advance runs the request forward until it is terminal or a step fails.
// A step that may succeed later leaves the request in its state with the error
// recorded and returns the error; a step that cannot succeed moves the request
// to failed and returns it without error.
func (w *Workflow) Advance(ctx context.Context, id uuid.UUID) (types.CreationRequest, error) {
	unlock := w.locks.lock(id)
	defer unlock()

	stale := 0
	for {
		if err := contexthelper.CheckCancellation(ctx); err != nil {
			return types.CreationRequest{}, err
		}
		req, err := w.db.GetCreationRequest(ctx, id)
		if err != nil {
			return types.CreationRequest{}, err
		}
		if req.State.IsTerminal() {
			return req, nil
		}

		logger := w.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"state":      req.State,
			"address":    req.Address,
		})
		_, err = w.step(ctx, req)
		if err == nil {
			continue
		}
		if errors.Is(err, types.ErrStaleState) {
			stale++
			if stale > maxStaleReloads {
				return req, err
			}
			continue
		}
		if retryableStep(err) {
			logger.Warnf("creation step will be retried: %v", err)
			return w.recordError(ctx, req, err)
		}

		logger.Errorf("creation failed: %v", err)
		failed, ferr := req.Fail(err)
		if ferr != nil {
			return req, ferr
		}
		if failed.MasterKey != "" && w.masterKeyDisabled(ctx, req.Address) {
			failed.MasterKey = ""
		}
		saved, serr := w.db.SaveCreationRequest(ctx, req.State, failed)
		if serr != nil {
			return req, fmt.Errorf("fail to record failed creation: %w", serr)
		}
		if req.State != types.CreationPending {
			w.notifyAlert(ctx, saved)
		}
		return saved, nil
	}
}

func (w *Workflow) recordError(ctx context.Context, req types.CreationRequest, cause error) (types.CreationRequest, error) {
	next := req
	next.ErrorMessage = cause.Error()
	next.Attempts++
	saved, err := w.db.SaveCreationRequest(ctx, req.State, next)
	if err != nil {
		w.logger.WithField("request_id", req.ID).Errorf("fail to record creation error: %v", err)
		return req, cause
	}
	return saved, cause
}

// retryableStep reports whether a failed step may succeed when driven again.
// Rejected ledger transactions and bad input are final; everything else,
// including unknown ledger outcomes, is resolved by re-checking the ledger.
func retryableStep(err error) bool {
	switch types.KindOf(err) {
	case types.KindValidation, types.KindConflict, types.KindNotFound:
		return false
	case types.KindLedger:
		return ledger.OutcomeOf(err) != ledger.OutcomeRejected
	}
	return true
}

func (w *Workflow) step(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	switch req.State {
	case types.CreationPending:
		return w.generate(ctx, req)
	case types.CreationWalletCreated:
		next, err := req.Advance(types.CreationBlackholePending, nil)
		if err != nil {
			return req, err
		}
		return w.db.SaveCreationRequest(ctx, req.State, next)
	case types.CreationBlackholePending:
		return w.disableMasterKey(ctx, req)
	case types.CreationBlackholeCompleted:
		return w.registerSigners(ctx, req)
	case types.CreationSignersAdded:
		return w.complete(ctx, req)
	}
	return req, fmt.Errorf("%w: no step for state %s", types.ErrInvalidTransition, req.State)
}

func validateCreationConfig(cfg types.CreationConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: wallet name is required", types.ErrInvalidRequest)
	}
	if !cfg.Network.IsValid() {
		return fmt.Errorf("%w: network %q is not supported", types.ErrInvalidRequest, cfg.Network)
	}
	if cfg.Scheme != "" && !cfg.Scheme.IsValid() {
		return fmt.Errorf("%w: signature scheme %q is not supported", types.ErrInvalidRequest, cfg.Scheme)
	}
	_, err := weight.ValidateSignerConfig(cfg.Signers, cfg.Quorum)
	return err
}

// generate validates the requested configuration and only then creates the
// account keypair. The secret is stored sealed.
func (w *Workflow) generate(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	if err := validateCreationConfig(req.Config); err != nil {
		return req, err
	}
	kp, err := w.gateway.GenerateKeypair(ctx, req.Config.Network)
	if err != nil {
		return req, fmt.Errorf("fail to generate keypair: %w", err)
	}
	sealed, err := w.sealer.Seal(kp.Secret)
	if err != nil {
		return req, fmt.Errorf("fail to seal master key: %w", err)
	}
	next, err := req.Advance(types.CreationWalletCreated, func(r *types.CreationRequest) {
		r.Address = kp.Address
		r.PublicKey = kp.PublicKey
		r.MasterKey = sealed
	})
	if err != nil {
		return req, err
	}
	return w.db.SaveCreationRequest(ctx, req.State, next)
}

// disableMasterKey submits the disable transaction unless the ledger already
// reports the master key as disabled, then erases the sealed key in the same
// write that records completion.
func (w *Workflow) disableMasterKey(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	var res ledger.TxResult
	state, err := w.gateway.GetAccountState(ctx, req.Address)
	switch {
	case err == nil && state.MasterDisabled:
		w.logger.WithField("request_id", req.ID).Info("Master key already disabled on ledger")
		res.Hash = req.BlackholeTxHash
		res.LedgerIndex = req.BlackholeLedgerIndex
	case err != nil && !errors.Is(err, ledger.ErrAccountNotFound):
		return req, fmt.Errorf("fail to read account state: %w", err)
	default:
		if req.MasterKey == "" {
			return req, fmt.Errorf("%w: master key of %s is gone but still enabled on ledger", types.ErrReconciliationRequired, req.Address)
		}
		secret, err := w.sealer.Open(req.MasterKey)
		if err != nil {
			return req, fmt.Errorf("fail to open master key: %w", err)
		}
		res, err = w.gateway.DisableMasterKey(ctx, req.Address, secret)
		if err != nil {
			// another driver may have disabled the key with the same sequence
			if ledger.OutcomeOf(err) != ledger.OutcomeRejected || !w.masterKeyDisabled(ctx, req.Address) {
				return req, fmt.Errorf("fail to disable master key: %w", err)
			}
			w.logger.WithField("request_id", req.ID).Warnf("disable rejected but master key is disabled on ledger: %v", err)
			res = ledger.TxResult{Hash: req.BlackholeTxHash, LedgerIndex: req.BlackholeLedgerIndex}
		}
	}

	next, err := req.Advance(types.CreationBlackholeCompleted, func(r *types.CreationRequest) {
		r.MasterKey = ""
		r.BlackholeTxHash = res.Hash
		r.BlackholeLedgerIndex = res.LedgerIndex
	})
	if err != nil {
		return req, err
	}
	saved, err := w.db.SaveCreationRequest(ctx, req.State, next)
	if err != nil {
		if errors.Is(err, types.ErrStaleState) {
			w.eraseFailedMasterKey(ctx, req.ID, res)
			return req, err
		}
		return req, types.Reconcile(fmt.Sprintf("master key of %s disabled as %s", req.Address, res.Hash), err)
	}
	w.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"tx_hash":    res.Hash,
	}).Info("Master key disabled")
	return saved, nil
}

// masterKeyDisabled reports whether the ledger shows the master key of address
// as disabled. Read failures count as not disabled.
func (w *Workflow) masterKeyDisabled(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}
	state, err := w.gateway.GetAccountState(ctx, address)
	if err != nil {
		w.logger.WithField("address", address).Warnf("fail to read account state: %v", err)
		return false
	}
	return state.MasterDisabled
}

// eraseFailedMasterKey drops the sealed key of a request that another driver
// failed while this one got the disable confirmed. The request stays failed.
func (w *Workflow) eraseFailedMasterKey(ctx context.Context, id uuid.UUID, res ledger.TxResult) {
	current, err := w.db.GetCreationRequest(ctx, id)
	if err != nil || current.State != types.CreationFailed || current.MasterKey == "" {
		return
	}
	next := current
	next.MasterKey = ""
	next.BlackholeTxHash = res.Hash
	next.BlackholeLedgerIndex = res.LedgerIndex
	next.ErrorMessage = fmt.Sprintf("%s; master key disabled on ledger as %s", current.ErrorMessage, res.Hash)
	if _, err := w.db.SaveCreationRequest(ctx, types.CreationFailed, next); err != nil {
		w.logger.WithField("request_id", id).Errorf("fail to erase master key of failed request: %v", err)
		return
	}
	w.logger.WithFields(logrus.Fields{
		"request_id": id,
		"tx_hash":    res.Hash,
	}).Warn("Master key disabled after the request failed, sealed key erased")
	w.notifyAlert(ctx, next)
}

// registerSigners creates the wallet record inactive, registers the requested
// signers, installs the signer list on the ledger unless it is already there
// and activates the wallet. Each part tolerates having run before.
func (w *Workflow) registerSigners(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	wallet, err := w.ensureWallet(ctx, req)
	if err != nil {
		return req, err
	}
	signers, err := w.db.BootstrapSigners(ctx, wallet.ID, req.Config.Signers, req.OwnerID)
	if err != nil {
		return req, fmt.Errorf("fail to register signers: %w", err)
	}
	entries := signerEntries(signers)

	state, err := w.gateway.GetAccountState(ctx, req.Address)
	if err != nil {
		return req, fmt.Errorf("fail to read account state: %w", err)
	}
	if !state.SignerList.Matches(wallet.Quorum, entries) {
		res, err := w.gateway.SetSignerList(ctx, ledger.SignerListUpdate{
			Account: req.Address,
			Quorum:  wallet.Quorum,
			Entries: entries,
		})
		if err != nil {
			return req, fmt.Errorf("fail to set ledger signer list: %w", err)
		}
		w.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"tx_hash":    res.Hash,
		}).Info("Ledger signer list installed")
	}

	if _, err := w.db.UpdateWalletStatus(ctx, wallet.ID, types.WalletActive); err != nil {
		return req, types.Reconcile(fmt.Sprintf("signer list of %s installed", req.Address), err)
	}
	walletID := wallet.ID
	next, err := req.Advance(types.CreationSignersAdded, func(r *types.CreationRequest) {
		r.WalletID = &walletID
	})
	if err != nil {
		return req, err
	}
	return w.db.SaveCreationRequest(ctx, req.State, next)
}

func (w *Workflow) ensureWallet(ctx context.Context, req types.CreationRequest) (types.Wallet, error) {
	existing, err := w.db.GetWalletByAddress(ctx, req.Address)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, types.ErrWalletNotFound) {
		return types.Wallet{}, err
	}
	scheme := req.Config.Scheme
	if scheme == "" {
		scheme = types.SchemeWeighted
	}
	created, err := w.db.CreateWallet(ctx, types.Wallet{
		OwnerID:     req.OwnerID,
		Name:        req.Config.Name,
		Description: req.Config.Description,
		Address:     req.Address,
		Network:     req.Config.Network,
		Scheme:      scheme,
		Quorum:      req.Config.Quorum,
		Status:      types.WalletInactive,
	})
	if errors.Is(err, types.ErrDuplicateWallet) {
		return w.db.GetWalletByAddress(ctx, req.Address)
	}
	return created, err
}

func (w *Workflow) complete(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	next, err := req.Advance(types.CreationCompleted, nil)
	if err != nil {
		return req, err
	}
	saved, err := w.db.SaveCreationRequest(ctx, req.State, next)
	if err != nil {
		return req, err
	}
	w.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"address":    req.Address,
	}).Info("Wallet creation completed")
	if w.notifier != nil && saved.WalletID != nil {
		ev := types.NewEvent(types.EventWalletCreated, *saved.WalletID)
		ev.Data["address"] = saved.Address
		ev.Data["name"] = saved.Config.Name
		w.notifier.Notify(ctx, ev)
	}
	return saved, nil
}

// notifyAlert raises a security alert for a failed request. Requests that never
// got a wallet raise it on the operator stream, keyed by request and address.
func (w *Workflow) notifyAlert(ctx context.Context, req types.CreationRequest) {
	if w.notifier == nil {
		return
	}
	walletID := uuid.Nil
	if req.WalletID != nil {
		walletID = *req.WalletID
	}
	ev := types.NewEvent(types.EventSecurityAlert, walletID)
	ev.Data["request_id"] = req.ID.String()
	ev.Data["address"] = req.Address
	ev.Data["reason"] = "wallet creation failed"
	ev.Data["failed_from"] = string(req.FailedFrom)
	ev.Data["error"] = req.ErrorMessage
	w.notifier.Notify(ctx, ev)
}

type requestLock struct {
	sync.Mutex
	refs int
}

// requestLocks serializes drivers of one request inside a process. Drivers in
// other processes are kept apart by the state compare-and-swap.
type requestLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]*requestLock
}

func (l *requestLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	rl, ok := l.held[id]
	if !ok {
		rl = &requestLock{}
		l.held[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
