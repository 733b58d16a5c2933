package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/internal/types"
)

// fakeBucket serves path style PUT and GET object requests.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestBlockStorage(t *testing.T) (*BlockStorage, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	bs, err := NewBlockStorage(config.BlockStorageConfig{
		Host:      srv.URL,
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "archive",
	}, logrus.New())
	require.NoError(t, err)
	return bs, bucket
}

func TestNewBlockStorageRequiresBucket(t *testing.T) {
	_, err := NewBlockStorage(config.BlockStorageConfig{Region: "us-east-1"}, logrus.New())
	assert.Error(t, err)
}

func TestArchiveProposal(t *testing.T) {
	bs, bucket := newTestBlockStorage(t)
	ctx := context.Background()

	p := types.Proposal{
		ID:                uuid.New(),
		WalletID:          uuid.New(),
		TxType:            types.TxPayment,
		Params:            json.RawMessage(`{"destination":"rDest","amount":"10"}`),
		RequiredWeight:    3,
		AccumulatedWeight: 4,
		Status:            types.ProposalSubmitted,
		TxHash:            "ABC123",
		Signatures: []types.Signature{
			{SignerAddress: "rSignerA", Weight: 2, Signature: []byte{0x30, 0x01}},
			{SignerAddress: "rSignerC", Weight: 2, Signature: []byte{0x30, 0x02}},
		},
	}
	require.NoError(t, bs.ArchiveProposal(ctx, p))

	bucket.mu.Lock()
	_, stored := bucket.objects["/archive/"+proposalKey(p.WalletID, p.ID)]
	bucket.mu.Unlock()
	assert.True(t, stored)

	got, err := bs.GetArchivedProposal(ctx, p.WalletID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, types.ProposalSubmitted, got.Status)
	assert.Equal(t, "ABC123", got.TxHash)
	require.Len(t, got.Signatures, 2)
	assert.Equal(t, []byte{0x30, 0x02}, got.Signatures[1].Signature)

	_, err = bs.GetArchivedProposal(ctx, p.WalletID, uuid.New())
	assert.ErrorIs(t, err, types.ErrProposalNotFound)
}
