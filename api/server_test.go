package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/multisigner/internal/crypto"
	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/xrpl"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/notify"
	"github.com/vultisig/multisigner/service"
	"github.com/vultisig/multisigner/storage"
	"github.com/vultisig/multisigner/storage/memory"
)

type stubGateway struct {
	mu        sync.Mutex
	accounts  map[string]*ledger.AccountState
	submits   int
	submitErr error
	nextByte  byte
}

func (g *stubGateway) state(address string) *ledger.AccountState {
	a, ok := g.accounts[address]
	if !ok {
		a = &ledger.AccountState{Address: address, Balance: decimal.NewFromInt(10)}
		g.accounts[address] = a
	}
	return a
}

func (g *stubGateway) GenerateKeypair(context.Context, types.Network) (ledger.Keypair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextByte++
	addr, err := xrpl.EncodeAccountID(bytes.Repeat([]byte{0x80 + g.nextByte}, 20))
	if err != nil {
		return ledger.Keypair{}, err
	}
	return ledger.Keypair{Address: addr, PublicKey: "02AA", Secret: "seed"}, nil
}

func (g *stubGateway) DisableMasterKey(_ context.Context, address, _ string) (ledger.TxResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(address).MasterDisabled = true
	return ledger.TxResult{Hash: "DISABLE"}, nil
}

func (g *stubGateway) BuildTransaction(_ context.Context, req ledger.BuildRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"TransactionType": req.TxType, "Account": req.Account})
}

func (g *stubGateway) SubmitSigned(context.Context, json.RawMessage, []ledger.SignerSignature) (ledger.TxResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.submitErr != nil {
		return ledger.TxResult{}, g.submitErr
	}
	return ledger.TxResult{Hash: fmt.Sprintf("TX%d", g.submits), LedgerIndex: 5}, nil
}

func (g *stubGateway) GetAccountState(_ context.Context, address string) (ledger.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.state(address), nil
}

func (g *stubGateway) SetSignerList(_ context.Context, u ledger.SignerListUpdate) (ledger.TxResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(u.Account).SignerList = &ledger.SignerList{Quorum: u.Quorum, Entries: u.Entries}
	return ledger.TxResult{Hash: "LIST"}, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]*storage.CachedResponse
}

func (m *memoryIdempotency) ClaimIdempotencyKey(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = nil
	return true, nil
}

func (m *memoryIdempotency) SaveIdempotentResponse(_ context.Context, key string, resp storage.CachedResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body := append([]byte(nil), resp.Body...)
	m.keys[key] = &storage.CachedResponse{Status: resp.Status, Body: body}
	return nil
}

func (m *memoryIdempotency) GetIdempotentResponse(_ context.Context, key string) (*storage.CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memoryIdempotency) ReleaseIdempotencyKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type testServer struct {
	e       *echo.Echo
	store   *memory.Store
	gateway *stubGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	store := memory.New()
	gw := &stubGateway{accounts: map[string]*ledger.AccountState{}}
	events := &notify.Recorder{}
	sealer, err := crypto.NewSealer("password", "salt")
	require.NoError(t, err)

	workflow, err := service.NewWorkflow(store, gw, sealer, nil, events, logger)
	require.NoError(t, err)
	wallets, err := service.NewWalletService(store, gw, events, logger)
	require.NoError(t, err)
	registry, err := service.NewRegistry(store, gw, events, logger)
	require.NoError(t, err)
	submitter, err := service.NewSubmitter(store, gw, nil, nil, events, service.SubmitterConfig{MaxRetries: 3, RetryDelay: time.Second}, logger)
	require.NoError(t, err)
	collector, err := service.NewCollector(store, gw, submitter, events, logger)
	require.NoError(t, err)

	s, err := NewServer(0, Services{
		Workflow:  workflow,
		Wallets:   wallets,
		Registry:  registry,
		Collector: collector,
		Submitter: submitter,
	}, &memoryIdempotency{keys: map[string]*storage.CachedResponse{}}, nil, nil, &statsd.NoOpClient{}, logger)
	require.NoError(t, err)
	return &testServer{e: s.Routes(), store: store, gateway: gw}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(UserHeader, "owner-1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

type key struct {
	address string
	priv    *secp256k1.PrivateKey
}

func newKey(t *testing.T, b byte) key {
	t.Helper()
	addr, err := xrpl.EncodeAccountID(bytes.Repeat([]byte{b}, 20))
	require.NoError(t, err)
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return key{address: addr, priv: priv}
}

func (k key) sign(payload []byte) types.SignatureSubmission {
	hash := sha256.Sum256(payload)
	return types.SignatureSubmission{
		SignerAddress: k.address,
		PublicKey:     hex.EncodeToString(k.priv.PubKey().SerializeCompressed()),
		Signature:     hex.EncodeToString(ecdsa.Sign(k.priv, hash[:]).Serialize()),
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestWalletLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	a, b, c := newKey(t, 0x01), newKey(t, 0x02), newKey(t, 0x03)

	rec := ts.do(t, http.MethodPost, "/wallets/create", types.CreationConfig{
		Name:    "treasury",
		Network: types.NetworkTestnet,
		Scheme:  types.SchemeWeighted,
		Quorum:  3,
		Signers: []types.SignerInput{
			{Address: a.address, Weight: 2},
			{Address: b.address, Weight: 1},
			{Address: c.address, Weight: 2},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[types.CreationProgress](t, rec)
	assert.Equal(t, types.CreationPending, started.State)
	assert.True(t, started.InProgress)

	rec = ts.do(t, http.MethodPost, "/wallets/create/"+started.ID.String()+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[types.CreationProgress](t, rec)
	assert.Equal(t, types.CreationCompleted, done.State)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.WalletID)
	walletPath := "/wallets/" + done.WalletID.String()

	rec = ts.do(t, http.MethodGet, walletPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[types.WalletDetails](t, rec)
	assert.Equal(t, 5, details.TotalWeight)

	rec = ts.do(t, http.MethodPost, walletPath+"/proposals", map[string]any{
		"transaction_type": "Payment",
		"transaction_data": map[string]string{"Destination": b.address, "Amount": "10"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[types.Proposal](t, rec)
	assert.Equal(t, "owner-1", p.CreatedBy)

	sigPath := "/proposals/" + p.ID.String() + "/signatures"
	rec = ts.do(t, http.MethodPost, sigPath, a.sign(p.Payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, sigPath, a.sign(p.Payload))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_signature", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, sigPath, c.sign(p.Payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.ProposalSubmitted, decode[types.Proposal](t, rec).Status)

	rec = ts.do(t, http.MethodPost, sigPath, b.sign(p.Payload))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "proposal_not_pending", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodDelete, walletPath+"/signers/"+c.address, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, walletPath+"/signers/"+b.address, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "quorum_violation", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, walletPath+"/signers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.Signer](t, rec), 2)
	assert.Equal(t, 1, ts.gateway.submits)
}

func TestIdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	cfg := types.CreationConfig{
		Name:    "ops",
		Network: types.NetworkTestnet,
		Scheme:  types.SchemeWeighted,
		Quorum:  1,
		Signers: []types.SignerInput{{Address: newKey(t, 0x01).address, Weight: 1}},
	}

	first := ts.do(t, http.MethodPost, "/wallets/create", cfg, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusAccepted, first.Code)
	second := ts.do(t, http.MethodPost, "/wallets/create", cfg, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	other := ts.do(t, http.MethodPost, "/wallets/create", cfg, IdempotencyHeader, "def")
	require.Equal(t, http.StatusAccepted, other.Code)

	rec := ts.do(t, http.MethodGet, "/wallets/create", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.CreationProgress](t, rec), 2)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "bad id", method: http.MethodGet, path: "/wallets/not-a-uuid", status: http.StatusBadRequest},
		{name: "unknown wallet", method: http.MethodGet, path: "/wallets/" + uuid.NewString(), status: http.StatusNotFound},
		{name: "unknown proposal", method: http.MethodGet, path: "/proposals/" + uuid.NewString(), status: http.StatusNotFound},
		{name: "bad proposal status filter", method: http.MethodGet, path: "/wallets/" + uuid.NewString() + "/proposals?status=done", status: http.StatusBadRequest},
		{name: "events not configured", method: http.MethodGet, path: "/wallets/" + uuid.NewString() + "/events", status: http.StatusServiceUnavailable},
		{name: "malformed body", method: http.MethodPost, path: "/wallets/import", body: "not an object", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: types.ErrInvalidWeight, want: http.StatusBadRequest},
		{err: fmt.Errorf("%w: x", types.ErrWalletNotFound), want: http.StatusNotFound},
		{err: types.ErrQuorumViolation, want: http.StatusConflict},
		{err: types.Reconcile("partial", errors.New("boom")), want: http.StatusInternalServerError},
		{err: ledger.Unreachable(errors.New("refused")), want: http.StatusServiceUnavailable},
		{err: ledger.Rejected("tefBAD", errors.New("no")), want: http.StatusBadGateway},
		{err: ledger.ErrAccountNotFound, want: http.StatusNotFound},
		{err: errors.New("plain"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
	assert.Equal(t, "ledger_unreachable", codeFor(ledger.Unreachable(errors.New("refused"))))
	assert.Equal(t, "reconciliation_required", codeFor(types.Reconcile("partial", errors.New("boom"))))
}
