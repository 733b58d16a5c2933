package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/service"
	"github.com/vultisig/multisigner/storage"
	"github.com/vultisig/multisigner/storage/memory"
)

// crashingStore loses the first write that moves a request into failOn, the way
// a process killed right after a ledger call would.
type crashingStore struct {
	*memory.Store
	failOn  types.CreationState
	crashed atomic.Bool
}

func (s *crashingStore) SaveCreationRequest(ctx context.Context, from types.CreationState, next types.CreationRequest) (types.CreationRequest, error) {
	if next.State == s.failOn && s.crashed.CompareAndSwap(false, true) {
		return types.CreationRequest{}, errors.New("connection reset by peer")
	}
	return s.Store.SaveCreationRequest(ctx, from, next)
}

func newWorkflow(t *testing.T, db storage.DatabaseStorage, gw ledger.Gateway, queue service.CreationQueue, events service.Notifier) *service.Workflow {
	t.Helper()
	wf, err := service.NewWorkflow(db, gw, newSealer(t), queue, events, logrus.New())
	require.NoError(t, err)
	return wf
}

func creationConfig(keys ...signerKey) types.CreationConfig {
	signers := make([]types.SignerInput, 0, len(keys))
	for _, k := range keys {
		signers = append(signers, types.SignerInput{Address: k.Address, Weight: 1, DeviceType: types.DeviceXaman})
	}
	return types.CreationConfig{
		Name:    "operations",
		Network: types.NetworkTestnet,
		Scheme:  types.SchemeWeighted,
		Quorum:  2,
		Signers: signers,
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	wf := newWorkflow(t, e.store, e.gateway, e.scheduler, e.events)
	a, b, c := newSignerKey(t, 0x01), newSignerKey(t, 0x02), newSignerKey(t, 0x03)

	req, err := wf.Start(ctx, "owner-1", creationConfig(a, b, c))
	require.NoError(t, err)
	assert.Equal(t, types.CreationPending, req.State)
	assert.Equal(t, req.ID, e.scheduler.creations[0])

	done, err := wf.Advance(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationCompleted, done.State)
	assert.Empty(t, done.MasterKey)
	assert.NotEmpty(t, done.BlackholeTxHash)
	require.NotNil(t, done.WalletID)
	assert.Equal(t, 100, done.ProgressView().Progress)

	assert.EqualValues(t, 1, e.gateway.generateCalls.Load())
	assert.EqualValues(t, 1, e.gateway.disableCalls.Load())
	assert.EqualValues(t, 1, e.gateway.setListCalls.Load())

	details, err := e.wallets.Details(ctx, *done.WalletID)
	require.NoError(t, err)
	assert.Equal(t, types.WalletActive, details.Status)
	assert.Equal(t, done.Address, details.Address)
	assert.Equal(t, 3, details.TotalSigners)
	assert.Equal(t, 2, details.Quorum)

	state, err := e.gateway.GetAccountState(ctx, done.Address)
	require.NoError(t, err)
	assert.True(t, state.MasterDisabled)
	assert.True(t, state.SignerList.Matches(2, []ledger.SignerEntry{
		{Account: a.Address, Weight: 1},
		{Account: b.Address, Weight: 1},
		{Account: c.Address, Weight: 1},
	}))
	assert.Contains(t, e.events.Types(), types.EventWalletCreated)

	again, err := wf.Advance(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationCompleted, again.State)
	assert.EqualValues(t, 1, e.gateway.disableCalls.Load())
}

func TestWorkflowInvalidConfigFailsBeforeKeygen(t *testing.T) {
	ctx := context.Background()
	a, b := newSignerKey(t, 0x01), newSignerKey(t, 0x02)

	tooHigh := creationConfig(a, b)
	tooHigh.Quorum = 5
	duplicate := creationConfig(a, a)
	noSigners := creationConfig()
	badNetwork := creationConfig(a, b)
	badNetwork.Network = "regtest"

	tests := []struct {
		name string
		cfg  types.CreationConfig
	}{
		{name: "quorum above total", cfg: tooHigh},
		{name: "duplicate signer", cfg: duplicate},
		{name: "no signers", cfg: noSigners},
		{name: "unknown network", cfg: badNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
			req, err := wf.Start(ctx, "owner-1", tt.cfg)
			require.NoError(t, err)

			got, err := wf.Advance(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, types.CreationFailed, got.State)
			assert.Equal(t, types.CreationPending, got.FailedFrom)
			assert.NotEmpty(t, got.ErrorMessage)
			assert.EqualValues(t, 0, e.gateway.generateCalls.Load())
		})
	}
}

func TestWorkflowResumesAfterCrashFollowingDisable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	db := &crashingStore{Store: e.store, failOn: types.CreationBlackholeCompleted}
	wf := newWorkflow(t, db, e.gateway, nil, e.events)
	a, b := newSignerKey(t, 0x01), newSignerKey(t, 0x02)

	req, err := wf.Start(ctx, "owner-1", creationConfig(a, b))
	require.NoError(t, err)

	stalled, err := wf.Advance(ctx, req.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrReconciliationRequired)
	assert.Equal(t, types.CreationBlackholePending, stalled.State)
	assert.NotEmpty(t, stalled.MasterKey)
	assert.Equal(t, 1, stalled.Attempts)
	assert.EqualValues(t, 1, e.gateway.disableCalls.Load())

	done, err := wf.Advance(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationCompleted, done.State)
	assert.Empty(t, done.MasterKey)
	assert.EqualValues(t, 1, e.gateway.disableCalls.Load())
}

func TestWorkflowLedgerFailures(t *testing.T) {
	ctx := context.Background()
	t.Run("unreachable disable is retried", func(t *testing.T) {
		e := newEnv(t)
		e.gateway.disableErrs = []error{ledger.Unreachable(errors.New("dial tcp: refused"))}
		wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
		req, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
		require.NoError(t, err)

		stalled, err := wf.Advance(ctx, req.ID)
		require.Error(t, err)
		assert.Equal(t, types.KindLedger, types.KindOf(err))
		assert.Equal(t, types.CreationBlackholePending, stalled.State)
		assert.Contains(t, stalled.ErrorMessage, "unreachable")

		done, err := wf.Advance(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.CreationCompleted, done.State)
		assert.EqualValues(t, 2, e.gateway.disableCalls.Load())
		assert.EqualValues(t, 1, e.gateway.generateCalls.Load())
	})

	t.Run("rejected disable fails the request", func(t *testing.T) {
		e := newEnv(t)
		e.gateway.disableErrs = []error{ledger.Rejected("tecNO_ALTERNATIVE_KEY", errors.New("no alternative key"))}
		wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
		req, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
		require.NoError(t, err)

		got, err := wf.Advance(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.CreationFailed, got.State)
		assert.Equal(t, types.CreationBlackholePending, got.FailedFrom)
		assert.NotEmpty(t, got.MasterKey)
		assert.EqualValues(t, 0, e.gateway.setListCalls.Load())

		alert, ok := findAlert(e.events.Events(), req.ID)
		require.True(t, ok)
		assert.Equal(t, uuid.Nil, alert.WalletID)
		assert.Equal(t, got.Address, alert.Data["address"])
		assert.Equal(t, string(types.CreationBlackholePending), alert.Data["failed_from"])
	})

	t.Run("rejected disable with master key already disabled completes", func(t *testing.T) {
		e := newEnv(t)
		e.gateway.onDisable = func(_ int32, address string) error {
			// the same sequence was used by a disable that already landed
			e.gateway.setMasterDisabled(address)
			return ledger.Rejected("tefPAST_SEQ", errors.New("sequence too old"))
		}
		wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
		req, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
		require.NoError(t, err)

		done, err := wf.Advance(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.CreationCompleted, done.State)
		assert.Empty(t, done.MasterKey)
		assert.EqualValues(t, 1, e.gateway.disableCalls.Load())
	})

	t.Run("signer list failure leaves wallet inactive", func(t *testing.T) {
		e := newEnv(t)
		e.gateway.setListErrs = []error{ledger.Unreachable(errors.New("dial tcp: refused"))}
		wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
		req, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
		require.NoError(t, err)

		stalled, err := wf.Advance(ctx, req.ID)
		require.Error(t, err)
		assert.Equal(t, types.CreationBlackholeCompleted, stalled.State)
		w, err := e.store.GetWalletByAddress(ctx, stalled.Address)
		require.NoError(t, err)
		assert.Equal(t, types.WalletInactive, w.Status)

		done, err := wf.Advance(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.CreationCompleted, done.State)
		assert.Equal(t, w.ID, *done.WalletID)
		signers, err := e.store.ListSigners(ctx, w.ID, true)
		require.NoError(t, err)
		assert.Len(t, signers, 2)
	})
}

func TestWorkflowConcurrentDrivers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
	req, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = wf.Advance(ctx, req.ID)
		}()
	}
	wg.Wait()

	done, err := wf.Advance(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationCompleted, done.State)
	assert.Empty(t, done.MasterKey)
	assert.EqualValues(t, 1, e.gateway.generateCalls.Load())
	assert.EqualValues(t, 1, e.gateway.disableCalls.Load())
	wallets, err := e.store.ListWallets(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}

// Two coordinator processes drive the same request. The first disable hangs
// while the second is rejected and fails the request; once the first disable
// lands, the failed request must not keep the sealed key.
func TestWorkflowCompetingProcessesEraseMasterKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	first := newWorkflow(t, e.store, e.gateway, nil, e.events)
	second := newWorkflow(t, e.store, e.gateway, nil, e.events)

	started := make(chan struct{})
	release := make(chan struct{})
	e.gateway.onDisable = func(n int32, _ string) error {
		if n == 1 {
			close(started)
			<-release
			return nil
		}
		return ledger.Rejected("tefPAST_SEQ", errors.New("sequence too old"))
	}

	req, err := first.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01), newSignerKey(t, 0x02)))
	require.NoError(t, err)

	type result struct {
		req types.CreationRequest
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		r, err := first.Advance(ctx, req.ID)
		firstDone <- result{req: r, err: err}
	}()
	<-started

	failed, err := second.Advance(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationFailed, failed.State)
	assert.Equal(t, types.CreationBlackholePending, failed.FailedFrom)

	close(release)
	got := <-firstDone
	require.NoError(t, got.err)
	assert.Equal(t, types.CreationFailed, got.req.State)

	stored, err := e.store.GetCreationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CreationFailed, stored.State)
	assert.Empty(t, stored.MasterKey)
	assert.Equal(t, "DISABLE-"+stored.Address, stored.BlackholeTxHash)
	assert.Contains(t, stored.ErrorMessage, "master key disabled on ledger")
	assert.EqualValues(t, 2, e.gateway.disableCalls.Load())

	state, err := e.gateway.GetAccountState(ctx, stored.Address)
	require.NoError(t, err)
	assert.True(t, state.MasterDisabled)

	_, ok := findAlert(e.events.Events(), req.ID)
	assert.True(t, ok)
}

func findAlert(events []types.Event, requestID uuid.UUID) (types.Event, bool) {
	for _, ev := range events {
		if ev.Type == types.EventSecurityAlert && ev.Data["request_id"] == requestID.String() {
			return ev, true
		}
	}
	return types.Event{}, false
}

func TestWorkflowList(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	wf := newWorkflow(t, e.store, e.gateway, nil, e.events)
	_, err := wf.Start(ctx, "owner-1", creationConfig(newSignerKey(t, 0x01)))
	require.NoError(t, err)
	_, err = wf.Start(ctx, "owner-2", creationConfig(newSignerKey(t, 0x01)))
	require.NoError(t, err)

	list, err := wf.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "owner-1", list[0].OwnerID)

	_, err = wf.Get(ctx, list[0].ID)
	require.NoError(t, err)
}
