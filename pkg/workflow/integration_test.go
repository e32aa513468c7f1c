package workflow

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/artifacts"
	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/compositor/compositortest"
	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/integrity"
	"github.com/countersign/countersign/pkg/store"
)

func TestEndToEndWithPDFAndSQLite(t *testing.T) {
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	keys, err := capability.NewKeySet("integration-secret-0123456789")
	require.NoError(t, err)
	comp := compositor.NewPDF()
	mail := &recordingMailer{}

	cfg := DefaultConfig()
	cfg.PublicBaseURL = testBaseURL
	orch, err := New(Deps{
		Codec:      capability.NewCodec(keys),
		Store:      db,
		Blobs:      blobs,
		Compositor: comp,
		Mailer:     mail,
	}, cfg)
	require.NoError(t, err)

	res, err := orch.Dispatch(ctx, DispatchRequest{
		Title: "Mutual NDA",
		PDF:   compositortest.BlankPDF(2, a4Width, a4Height),
		Signers: []SignerInput{
			{Name: "Ada", Email: "ada@example.test", Placement: contract.Placement{Page: 0, X: 72, Y: 650, Width: 150, Height: 60}},
			{Name: "Grace", Email: "grace@example.test", Placement: contract.Placement{Page: 1, X: 320, Y: 700, Width: 180, Height: 72}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Signers, 2)
	assert.True(t, strings.HasPrefix(res.DraftURL, "file://"))

	token := func(i int) string { return strings.TrimPrefix(res.Signers[i].SignURL, testBaseURL+"/sign/") }

	first, err := orch.Submit(ctx, token(0), compositortest.SignaturePNG(300, 120))
	require.NoError(t, err)
	assert.False(t, first.Finalized)

	last, err := orch.Submit(ctx, token(1), compositortest.SignaturePNG(360, 144))
	require.NoError(t, err)
	require.True(t, last.Finalized)

	shutdown, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(shutdown))

	doc, err := blobs.Get(ctx, last.DocumentURL)
	require.NoError(t, err)
	assert.Equal(t, last.Digest, integrity.Digest(doc))
	assert.True(t, bytes.Contains(doc, []byte("/Image")))

	pages, err := comp.Inspect(doc)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.InDelta(t, a4Height, pages[0].Height, 0.01)

	v, err := orch.Verify(ctx, res.ContractID)
	require.NoError(t, err)
	assert.True(t, v.Match)

	exists, err := blobs.Exists(ctx, res.DraftURL)
	require.NoError(t, err)
	assert.False(t, exists, "draft retired after finalization")

	p, err := orch.Status(ctx, res.ContractID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Signed)
	assert.Equal(t, contract.StatusSigned, p.Contract.Status)
}
