package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/ledger"
)

func TestImportWallet(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := newSignerKey(t, 0x01), newSignerKey(t, 0x02)
	account := newSignerKey(t, 0x50).Address
	e.gateway.account(account).SignerList = &ledger.SignerList{
		Quorum: 3,
		Entries: []ledger.SignerEntry{
			{Account: a.Address, Weight: 2},
			{Account: b.Address, Weight: 1},
		},
	}
	bare := newSignerKey(t, 0x51).Address
	e.gateway.account(bare)

	req := types.WalletImportRequest{
		OwnerID: "owner-1",
		Address: account,
		Name:    "legacy",
		Network: types.NetworkMainnet,
	}
	details, err := e.wallets.Import(ctx, req)
	require.NoError(t, err)
	assert.True(t, details.IsImported)
	assert.Equal(t, types.WalletActive, details.Status)
	assert.Equal(t, 3, details.Quorum)
	assert.Equal(t, 3, details.TotalWeight)
	assert.Equal(t, "100", details.Balance)
	require.Len(t, details.Signers, 2)
	assert.Equal(t, a.Address, details.Signers[0].Address)

	tests := []struct {
		name string
		req  types.WalletImportRequest
		want error
	}{
		{name: "already registered", req: req, want: types.ErrDuplicateWallet},
		{
			name: "no signer list",
			req:  types.WalletImportRequest{Address: bare, Name: "bare", Network: types.NetworkMainnet},
			want: types.ErrInvalidSignerConfig,
		},
		{
			name: "missing name",
			req:  types.WalletImportRequest{Address: bare, Network: types.NetworkMainnet},
			want: types.ErrInvalidRequest,
		},
		{
			name: "bad address",
			req:  types.WalletImportRequest{Address: "rNOTANADDRESSATALL0000000000", Name: "x", Network: types.NetworkMainnet},
			want: types.ErrInvalidAddress,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.wallets.Import(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	list, err := e.wallets.List(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeactivateWallet(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := newSignerKey(t, 0x01)
	w := e.seedWallet(t, 1, map[signerKey]int{a: 1}, a)

	got, err := e.wallets.Deactivate(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WalletInactive, got.Status)
	assert.Equal(t, []types.EventType{types.EventWalletConfigChanged}, e.events.Types())

	details, err := e.wallets.Details(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, details.Signers, 1)
}
