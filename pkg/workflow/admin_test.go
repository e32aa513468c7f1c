package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/contract"
)

func TestStatusReportsProgress(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(3)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, tokens[1], signature(2))
	require.NoError(t, err)

	p, err := f.orch.Status(ctx, d.ContractID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Signed)
	assert.Equal(t, contract.StatusPendingSignature, p.Contract.Status)

	_, err = f.orch.Status(ctx, "ctr_missing")
	assert.ErrorIs(t, err, contract.ErrNotFound)
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(1)
	ctx := context.Background()

	_, err := f.orch.Verify(ctx, d.ContractID)
	assert.ErrorIs(t, err, contract.ErrContractNotSignable)

	res, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)

	v, err := f.orch.Verify(ctx, d.ContractID)
	require.NoError(t, err)
	assert.True(t, v.Match)
	assert.Equal(t, res.Digest, v.Actual)
	assert.Equal(t, "sha256", v.Algorithm)

	key := strings.TrimPrefix(res.DocumentURL, "mem://store/")
	_, err = f.blobs.Put(ctx, key, []byte("%PDF-1.7 forged"), "application/pdf")
	require.NoError(t, err)

	v, err = f.orch.Verify(ctx, d.ContractID)
	require.NoError(t, err)
	assert.False(t, v.Match)
	assert.Equal(t, res.Digest, v.Recorded)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	d, _ := f.dispatch(1)
	ctx := context.Background()

	require.NoError(t, f.orch.Cancel(ctx, d.ContractID))
	assert.Equal(t, contract.StatusCancelled, f.contract(d.ContractID).Status)

	err := f.orch.Cancel(ctx, d.ContractID)
	assert.ErrorIs(t, err, contract.ErrContractNotSignable)

	err = f.orch.Cancel(ctx, "ctr_missing")
	assert.ErrorIs(t, err, contract.ErrNotFound)
}

func TestCancelledContractDocumentIsWithheld(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(1)
	ctx := context.Background()
	require.NoError(t, f.orch.Cancel(ctx, d.ContractID))

	_, err := f.orch.Document(ctx, tokens[0])
	assert.ErrorIs(t, err, contract.ErrContractNotSignable)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}
