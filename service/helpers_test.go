package service_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/multisigner/internal/crypto"
	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/xrpl"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/notify"
	"github.com/vultisig/multisigner/service"
	"github.com/vultisig/multisigner/storage/memory"
)

type fakeGateway struct {
	mu sync.Mutex

	accounts    map[string]*ledger.AccountState
	signerLists []ledger.SignerListUpdate
	nextAccount byte

	generateCalls atomic.Int32
	disableCalls  atomic.Int32
	submitCalls   atomic.Int32
	setListCalls  atomic.Int32

	submitDelay time.Duration
	// onDisable runs before each DisableMasterKey with the call number; a
	// returned error is the call's result.
	onDisable   func(n int32, address string) error
	disableErrs []error
	submitErrs  []error
	setListErrs []error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		accounts:    map[string]*ledger.AccountState{},
		nextAccount: 0x40,
	}
}

// pop returns the first queued error and drops it.
func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (g *fakeGateway) account(address string) *ledger.AccountState {
	a, ok := g.accounts[address]
	if !ok {
		a = &ledger.AccountState{Address: address, Balance: decimal.NewFromInt(100), Sequence: 1}
		g.accounts[address] = a
	}
	return a
}

func (g *fakeGateway) GenerateKeypair(_ context.Context, _ types.Network) (ledger.Keypair, error) {
	g.generateCalls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextAccount++
	addr, err := xrpl.EncodeAccountID(bytes.Repeat([]byte{g.nextAccount}, 20))
	if err != nil {
		return ledger.Keypair{}, err
	}
	g.account(addr)
	return ledger.Keypair{Address: addr, PublicKey: "02AB", Secret: "secret-" + addr}, nil
}

func (g *fakeGateway) DisableMasterKey(_ context.Context, address, secret string) (ledger.TxResult, error) {
	n := g.disableCalls.Add(1)
	if g.onDisable != nil {
		if err := g.onDisable(n, address); err != nil {
			return ledger.TxResult{}, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.disableErrs); err != nil {
		return ledger.TxResult{}, err
	}
	if secret != "secret-"+address {
		return ledger.TxResult{}, ledger.Rejected("tefBAD_AUTH", fmt.Errorf("bad secret"))
	}
	g.account(address).MasterDisabled = true
	return ledger.TxResult{Hash: "DISABLE-" + address, LedgerIndex: 10, EngineResult: "tesSUCCESS"}, nil
}

func (g *fakeGateway) setMasterDisabled(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account(address).MasterDisabled = true
}

func (g *fakeGateway) BuildTransaction(_ context.Context, req ledger.BuildRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"TransactionType": req.TxType,
		"Account":         req.Account,
		"SigningPubKey":   "",
	})
}

func (g *fakeGateway) SubmitSigned(_ context.Context, _ json.RawMessage, sigs []ledger.SignerSignature) (ledger.TxResult, error) {
	n := g.submitCalls.Add(1)
	if g.submitDelay > 0 {
		time.Sleep(g.submitDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.submitErrs); err != nil {
		return ledger.TxResult{}, err
	}
	return ledger.TxResult{Hash: fmt.Sprintf("TX-%d-%d", n, len(sigs)), LedgerIndex: 100, EngineResult: "tesSUCCESS"}, nil
}

func (g *fakeGateway) GetAccountState(_ context.Context, address string) (ledger.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.account(address), nil
}

func (g *fakeGateway) SetSignerList(_ context.Context, update ledger.SignerListUpdate) (ledger.TxResult, error) {
	g.setListCalls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.setListErrs); err != nil {
		return ledger.TxResult{}, err
	}
	g.signerLists = append(g.signerLists, update)
	g.account(update.Account).SignerList = &ledger.SignerList{
		Quorum:  update.Quorum,
		Entries: append([]ledger.SignerEntry(nil), update.Entries...),
	}
	return ledger.TxResult{Hash: "LIST-" + update.Account}, nil
}

type signerKey struct {
	Address   string
	PublicKey string
	priv      *secp256k1.PrivateKey
}

func newSignerKey(t *testing.T, b byte) signerKey {
	t.Helper()
	addr, err := xrpl.EncodeAccountID(bytes.Repeat([]byte{b}, 20))
	require.NoError(t, err)
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return signerKey{
		Address:   addr,
		PublicKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		priv:      priv,
	}
}

func (k signerKey) sign(payload []byte) types.SignatureSubmission {
	hash := sha256.Sum256(payload)
	sig := ecdsa.Sign(k.priv, hash[:])
	return types.SignatureSubmission{
		SignerAddress: k.Address,
		PublicKey:     k.PublicKey,
		Signature:     hex.EncodeToString(sig.Serialize()),
	}
}

type recordingScheduler struct {
	mu        sync.Mutex
	submits   []uuid.UUID
	creations []uuid.UUID
}

func (s *recordingScheduler) ScheduleSubmit(_ context.Context, id uuid.UUID, _ int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, id)
	return nil
}

func (s *recordingScheduler) EnqueueCreation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creations = append(s.creations, id)
	return nil
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []types.Proposal
}

func (a *recordingArchiver) ArchiveProposal(_ context.Context, p types.Proposal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, p)
	return nil
}

type env struct {
	store     *memory.Store
	gateway   *fakeGateway
	events    *notify.Recorder
	scheduler *recordingScheduler
	archiver  *recordingArchiver
	registry  *service.Registry
	submitter *service.Submitter
	collector *service.Collector
	wallets   *service.WalletService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logrus.New()
	e := &env{
		store:     memory.New(),
		gateway:   newFakeGateway(),
		events:    &notify.Recorder{},
		scheduler: &recordingScheduler{},
		archiver:  &recordingArchiver{},
	}
	var err error
	e.registry, err = service.NewRegistry(e.store, e.gateway, e.events, logger)
	require.NoError(t, err)
	e.submitter, err = service.NewSubmitter(e.store, e.gateway, e.scheduler, e.archiver, e.events,
		service.SubmitterConfig{MaxRetries: 3, RetryDelay: time.Second}, logger)
	require.NoError(t, err)
	e.collector, err = service.NewCollector(e.store, e.gateway, e.submitter, e.events, logger)
	require.NoError(t, err)
	e.wallets, err = service.NewWalletService(e.store, e.gateway, e.events, logger)
	require.NoError(t, err)
	return e
}

// seedWallet creates an active wallet with the given signers and quorum.
func (e *env) seedWallet(t *testing.T, quorum int, signers map[signerKey]int, order ...signerKey) types.Wallet {
	t.Helper()
	ctx := context.Background()
	addr, err := xrpl.EncodeAccountID(bytes.Repeat([]byte{0xEE}, 20))
	require.NoError(t, err)
	w, err := e.store.CreateWallet(ctx, types.Wallet{
		Name:    "treasury",
		Address: addr,
		Network: types.NetworkTestnet,
		Scheme:  types.SchemeWeighted,
		Quorum:  quorum,
		Status:  types.WalletActive,
	})
	require.NoError(t, err)
	inputs := make([]types.SignerInput, 0, len(order))
	for _, k := range order {
		inputs = append(inputs, types.SignerInput{Address: k.Address, Weight: signers[k]})
	}
	_, err = e.store.BootstrapSigners(ctx, w.ID, inputs, "test")
	require.NoError(t, err)
	return w
}

func newSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer("test-password", "test-salt")
	require.NoError(t, err)
	return s
}
