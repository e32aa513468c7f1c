package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/integrity"
)

func TestSubmitSingleSignerFinalizes(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(1)

	res, err := f.orch.Submit(context.Background(), tokens[0], signature(1))
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.False(t, res.Replay)
	assert.Equal(t, d.ContractID, res.ContractID)

	doc := f.blob(res.DocumentURL)
	assert.Equal(t, integrity.Digest(doc), res.Digest)
	assert.Contains(t, string(doc), marker(signature(1)))

	c := f.contract(d.ContractID)
	assert.Equal(t, contract.StatusSigned, c.Status)
	assert.Equal(t, res.DocumentURL, c.SignedURL)
	assert.Equal(t, res.Digest, c.Digest)
	require.NotNil(t, c.SignedAt)
	assert.Equal(t, int32(1), f.store.finalized.Load())
}

func TestSubmitReplayHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(2)
	ctx := context.Background()

	first, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	require.False(t, first.Finalized)

	calls := f.comp.calls.Load()
	puts := f.blobs.Puts()

	second, err := f.orch.Submit(ctx, tokens[0], signature(99))
	require.NoError(t, err)
	assert.True(t, second.Replay)
	assert.Equal(t, first.DocumentURL, second.DocumentURL)
	assert.Equal(t, calls, f.comp.calls.Load(), "replay must not compose")
	assert.Equal(t, puts, f.blobs.Puts(), "replay must not write artifacts")
	assert.NotContains(t, string(f.blob(second.DocumentURL)), marker(signature(99)))
}

func TestSubmitThreeSignersComplete(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(3)
	ctx := context.Background()

	var results []*Result
	for i, tok := range tokens {
		res, err := f.orch.Submit(ctx, tok, signature(i+1))
		require.NoError(t, err)
		results = append(results, res)
		if i < 2 {
			assert.False(t, res.Finalized, "signer %d", i+1)
			assert.Equal(t, contract.StatusPendingSignature, f.contract(d.ContractID).Status)
		}
	}

	last := results[2]
	require.True(t, last.Finalized)
	doc := f.blob(last.DocumentURL)
	for i := 1; i <= 3; i++ {
		assert.Contains(t, string(doc), marker(signature(i)))
	}
	assert.Equal(t, contract.StatusSigned, f.contract(d.ContractID).Status)

	// Earlier signers replay into the signed document.
	again, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	assert.True(t, again.Replay)
	assert.True(t, again.Finalized)
	assert.Equal(t, last.DocumentURL, again.DocumentURL)
	assert.Equal(t, last.Digest, again.Digest)

	f.orch.Wait()
	var completions int
	for _, m := range f.mail.Sent() {
		if strings.HasPrefix(m.Subject, "Completed:") {
			completions++
			assert.Contains(t, m.Text, last.Digest)
		}
	}
	assert.Equal(t, 3, completions)

	// Draft and interim copies are retired; signatures and the signed copy stay.
	assert.Empty(t, f.keys("drafts/"))
	assert.Empty(t, f.keys("/signers/"))
	assert.Len(t, f.keys("/signatures/"), 3)
	assert.Len(t, f.keys("/signed-"), 1)
}

func TestSubmitConcurrentLastSigners(t *testing.T) {
	f := newFixture(t)
	f.comp.nonce = true
	d, tokens := f.dispatch(3)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)

	// Both remaining signers mark before either counts.
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.store.barrier = &barrier

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.orch.Submit(ctx, tokens[i+1], signature(i+2))
		}()
	}
	wg.Wait()
	f.store.barrier = nil

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), f.store.finalized.Load(), "exactly one finalization applies")
	assert.True(t, results[0].Finalized)
	assert.True(t, results[1].Finalized)
	assert.Equal(t, results[0].DocumentURL, results[1].DocumentURL)
	assert.Equal(t, results[0].Digest, results[1].Digest)

	c := f.contract(d.ContractID)
	assert.Equal(t, c.SignedURL, results[0].DocumentURL)
	doc := f.blob(c.SignedURL)
	assert.True(t, integrity.Verify(doc, c.Digest))
	for i := 1; i <= 3; i++ {
		assert.Contains(t, string(doc), marker(signature(i)), "final document carries signer %d", i)
	}

	f.orch.Wait()
	assert.Len(t, f.keys("/signed-"), 1, "the losing finalizer removes its orphan")
}

func TestSubmitConcurrentDuplicateSubmissions(t *testing.T) {
	f := newFixture(t)
	f.comp.nonce = true
	d, tokens := f.dispatch(2)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.orch.Submit(ctx, tokens[0], signature(1))
		}()
	}
	wg.Wait()

	var fresh int
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].DocumentURL, results[i].DocumentURL)
		if !results[i].Replay {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, contract.StatusPendingSignature, f.contract(d.ContractID).Status)
	assert.Len(t, f.keys("/signers/"), 1, "losing duplicates remove their interim copies")
}

func TestSubmitTokenConfinement(t *testing.T) {
	f := newFixture(t)
	a, _ := f.dispatch(1)
	b, _ := f.dispatch(1)
	ctx := context.Background()

	// A genuine signer id paired with another contract's id.
	crossed, err := f.codec.Issue(b.ContractID, a.Signers[0].SignerID, a.Signers[0].Email, 0)
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, crossed, signature(1))
	assert.ErrorIs(t, err, contract.ErrNotFound)

	unknown, err := f.codec.Issue(a.ContractID, "sgn_missing", "x@example.test", 0)
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, unknown, signature(1))
	assert.ErrorIs(t, err, contract.ErrNotFound)

	_, err = f.orch.Inspect(ctx, crossed)
	assert.ErrorIs(t, err, contract.ErrNotFound)
	assert.Zero(t, f.comp.calls.Load())
}

func TestSubmitTokenExpiry(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(1)
	ctx := context.Background()
	issued := f.clock.Now()
	expiry := issued.Add(DefaultConfig().TokenTTL)

	f.clock.Set(expiry.Add(-time.Second))
	sess, err := f.orch.Inspect(ctx, tokens[0])
	require.NoError(t, err)
	assert.True(t, sess.CanSign)

	f.clock.Set(expiry.Add(time.Second))
	_, err = f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrTokenExpired)
	assert.Equal(t, contract.KindTokenExpired, contract.KindOf(err))
	assert.Zero(t, f.comp.calls.Load())
}

func TestSubmitRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(1)

	for _, tok := range []string{"", "not-a-token", tokens[0] + "x"} {
		_, err := f.orch.Submit(context.Background(), tok, signature(1))
		assert.ErrorIs(t, err, contract.ErrTokenInvalid, "token %q", tok)
	}
}

func TestSubmitCancelledContract(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(2)
	ctx := context.Background()
	require.NoError(t, f.orch.Cancel(ctx, d.ContractID))

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrContractNotSignable)
	assert.Zero(t, f.comp.calls.Load())

	sess, err := f.orch.Inspect(ctx, tokens[0])
	require.NoError(t, err)
	assert.False(t, sess.CanSign)
	assert.Equal(t, contract.StatusCancelled, sess.Status)
}

func TestSubmitEmptyImage(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(1)
	_, err := f.orch.Submit(context.Background(), tokens[0], nil)
	assert.ErrorIs(t, err, contract.ErrInvalidRequest)
}

func TestSubmitSourceUnavailableLeavesSignerUnsigned(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(1)
	ctx := context.Background()
	require.NoError(t, f.blobs.Delete(ctx, d.DraftURL))

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrSourceUnavailable)
	assert.True(t, contract.KindOf(err).Retryable())

	sess, err := f.orch.Inspect(ctx, tokens[0])
	require.NoError(t, err)
	assert.False(t, sess.AlreadySigned)
}

func TestSubmitCompositionFailure(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(1)
	ctx := context.Background()
	f.comp.fail = errors.New("corrupt image")

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrCompositionError)
	assert.True(t, contract.KindOf(err).Alert())
	assert.Empty(t, f.keys("/signatures/"), "nothing is persisted before composition succeeds")

	f.comp.fail = contract.Errorf(contract.KindInvalidPlacement, "compose", "page 7 out of range")
	_, err = f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrInvalidPlacement)
}

func TestSubmitStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(1)
	require.NoError(t, f.mem.Close())

	_, err := f.orch.Submit(context.Background(), tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrStoreUnavailable)
}

func TestDocumentFollowsProgress(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(2)
	ctx := context.Background()

	dl, err := f.orch.Document(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, draftPDF, dl.Data)

	res, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	dl, err = f.orch.Document(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, f.blob(res.DocumentURL), dl.Data)

	_, err = f.orch.Submit(ctx, tokens[1], signature(2))
	require.NoError(t, err)
	f.orch.Wait()

	c := f.contract(d.ContractID)
	dl, err = f.orch.Document(ctx, tokens[0])
	require.NoError(t, err)
	assert.True(t, integrity.Verify(dl.Data, c.Digest))
}

func TestSubmitResumesFinalizationAfterCountFailure(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(1)
	ctx := context.Background()
	f.store.failCount.Store(1)

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrStoreUnavailable)
	assert.Equal(t, contract.StatusPendingSignature, f.contract(d.ContractID).Status)

	res, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.True(t, res.Finalized)

	c := f.contract(d.ContractID)
	assert.Equal(t, contract.StatusSigned, c.Status)
	assert.Equal(t, c.SignedURL, res.DocumentURL)
	assert.Equal(t, c.Digest, res.Digest)
	assert.Contains(t, string(f.blob(c.SignedURL)), marker(signature(1)))
	assert.EqualValues(t, 1, f.store.finalized.Load())
}

func TestSubmitResumesFinalizationAfterSignedPutFailure(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(2)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)

	f.fault.failKey = "/signed-"
	f.fault.failPuts = 1
	_, err = f.orch.Submit(ctx, tokens[1], signature(2))
	assert.ErrorIs(t, err, contract.ErrStoreUnavailable)

	progress, err := f.orch.Status(ctx, d.ContractID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Signed)
	assert.Equal(t, contract.StatusPendingSignature, progress.Contract.Status)

	// Either signer's retry completes the contract.
	res, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	assert.True(t, res.Finalized)

	c := f.contract(d.ContractID)
	assert.Equal(t, contract.StatusSigned, c.Status)
	doc := string(f.blob(c.SignedURL))
	assert.Contains(t, doc, marker(signature(1)))
	assert.Contains(t, doc, marker(signature(2)))
	assert.Len(t, f.keys("/signed-"), 1)

	again, err := f.orch.Submit(ctx, tokens[1], signature(2))
	require.NoError(t, err)
	assert.Equal(t, c.SignedURL, again.DocumentURL)
	assert.EqualValues(t, 1, f.store.finalized.Load())
}

func TestSubmitKeepsArtifactsWhenMarkOutcomeUnknown(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(2)
	ctx := context.Background()
	f.store.markErr = context.DeadlineExceeded

	first, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err, "a mark that was persisted counts as applied")
	assert.False(t, first.Replay)

	dl, err := f.orch.Document(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, f.blob(first.DocumentURL), dl.Data)

	res, err := f.orch.Submit(ctx, tokens[1], signature(2))
	require.NoError(t, err)
	require.True(t, res.Finalized)
	doc := string(f.blob(f.contract(d.ContractID).SignedURL))
	assert.Contains(t, doc, marker(signature(1)))
	assert.Contains(t, doc, marker(signature(2)))
}

func TestSubmitRemovesArtifactsWhenMarkFailed(t *testing.T) {
	f := newFixture(t)
	_, tokens := f.dispatch(2)
	ctx := context.Background()
	f.store.failMark = errors.New("connection reset by peer")

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrStoreUnavailable)
	assert.Empty(t, f.keys("/signatures/"))
	assert.Empty(t, f.keys("/signers/"))

	sess, err := f.orch.Inspect(ctx, tokens[0])
	require.NoError(t, err)
	assert.False(t, sess.AlreadySigned)

	res, err := f.orch.Submit(ctx, tokens[0], signature(1))
	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Len(t, f.keys("/signatures/"), 1)
}

func TestSubmitCancelledDuringSubmission(t *testing.T) {
	f := newFixture(t)
	d, tokens := f.dispatch(2)
	ctx := context.Background()
	f.store.beforeMark = func() {
		_, err := f.mem.CancelContract(ctx, d.ContractID)
		require.NoError(t, err)
	}

	_, err := f.orch.Submit(ctx, tokens[0], signature(1))
	assert.ErrorIs(t, err, contract.ErrContractNotSignable)
	assert.Empty(t, f.keys("/signatures/"))
	assert.Empty(t, f.keys("/signers/"))

	progress, err := f.orch.Status(ctx, d.ContractID)
	require.NoError(t, err)
	assert.Zero(t, progress.Signed)
	assert.Equal(t, contract.StatusCancelled, progress.Contract.Status)
}
