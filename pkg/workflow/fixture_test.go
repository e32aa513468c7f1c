package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/artifacts"
	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/integrity"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/store"
)

const (
	testBaseURL = "https://sign.example.test"
	a4Width     = 595.28
	a4Height    = 841.89
)

var draftPDF = []byte("%PDF-1.7\n% test draft\n")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeCompositor appends one marker line per overlay so tests can see which
// signatures a document carries. With nonce set every output is unique.
type fakeCompositor struct {
	calls atomic.Int32
	seq   atomic.Int32
	nonce bool
	fail  error
	pages []compositor.PageSize
}

func (f *fakeCompositor) Compose(source []byte, overlays []compositor.Overlay) ([]byte, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	var b bytes.Buffer
	b.Write(source)
	for _, ov := range overlays {
		fmt.Fprintf(&b, "%% sig %s page=%d\n", marker(ov.Image), ov.Placement.Page)
	}
	if f.nonce {
		fmt.Fprintf(&b, "%% nonce %d\n", f.seq.Add(1))
	}
	return b.Bytes(), nil
}

func (f *fakeCompositor) Embed(source, image []byte, p contract.Placement) ([]byte, error) {
	return f.Compose(source, []compositor.Overlay{{Image: image, Placement: p}})
}

func (f *fakeCompositor) Inspect(source []byte) ([]compositor.PageSize, error) {
	if !bytes.HasPrefix(source, []byte("%PDF-")) {
		return nil, errors.New("not a pdf")
	}
	return f.pages, nil
}

func marker(image []byte) string {
	return integrity.Digest(image)[:12]
}

// instrumentedStore wraps a Store to count applied finalizations and to
// hold pending-count reads at a barrier.
type instrumentedStore struct {
	store.Store
	finalized     atomic.Int32
	barrier       *sync.WaitGroup
	failCreate    error
	deletedSigner []string
	created       []string
	mu            sync.Mutex

	// failCount fails this many CountPendingSigners calls.
	failCount atomic.Int32
	// markErr is returned once by MarkSignerSigned after the mark applies.
	markErr error
	// failMark is returned once by MarkSignerSigned before anything is written.
	failMark   error
	beforeMark func()
}

func (s *instrumentedStore) FinalizeContract(ctx context.Context, id string, fin store.Finalization) (bool, error) {
	applied, err := s.Store.FinalizeContract(ctx, id, fin)
	if applied {
		s.finalized.Add(1)
	}
	return applied, err
}

func (s *instrumentedStore) CountPendingSigners(ctx context.Context, id string) (int, error) {
	if s.barrier != nil {
		s.barrier.Done()
		s.barrier.Wait()
	}
	if s.failCount.Add(-1) >= 0 {
		return 0, errors.New("connection reset by peer")
	}
	s.failCount.Store(0)
	return s.Store.CountPendingSigners(ctx, id)
}

func (s *instrumentedStore) MarkSignerSigned(ctx context.Context, id string, rec store.SignatureRecord) (bool, error) {
	if s.beforeMark != nil {
		s.beforeMark()
	}
	s.mu.Lock()
	if err := s.failMark; err != nil {
		s.failMark = nil
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	applied, err := s.Store.MarkSignerSigned(ctx, id, rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && s.markErr != nil {
		err, s.markErr = s.markErr, nil
		return false, err
	}
	return applied, err
}

// faultyBlobs fails Put for keys containing failKey, failPuts times.
type faultyBlobs struct {
	*artifacts.MemoryStore
	mu       sync.Mutex
	failKey  string
	failPuts int
}

func (b *faultyBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	if b.failPuts > 0 && strings.Contains(key, b.failKey) {
		b.failPuts--
		b.mu.Unlock()
		return "", errors.New("bucket unavailable")
	}
	b.mu.Unlock()
	return b.MemoryStore.Put(ctx, key, data, contentType)
}

func (s *instrumentedStore) CreateContract(ctx context.Context, c store.NewContract, ids []string) (string, error) {
	if s.failCreate != nil {
		return "", s.failCreate
	}
	id, err := s.Store.CreateContract(ctx, c, ids)
	if err == nil {
		s.mu.Lock()
		s.created = append(s.created, id)
		s.mu.Unlock()
	}
	return id, err
}

func (s *instrumentedStore) DeleteSigners(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.deletedSigner = append(s.deletedSigner, ids...)
	s.mu.Unlock()
	return s.Store.DeleteSigners(ctx, ids)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	fail map[string]error
}

func (m *recordingMailer) Send(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) Sent() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.sent...)
}

type fixture struct {
	t     *testing.T
	orch  *Orchestrator
	clock *fakeClock
	codec *capability.Codec
	comp  *fakeCompositor
	store *instrumentedStore
	mem   *store.MemoryStore
	blobs *artifacts.MemoryStore
	fault *faultyBlobs
	mail  *recordingMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	keys, err := capability.NewKeySet("test-secret-of-sufficient-length")
	require.NoError(t, err)
	codec := capability.NewCodec(keys, capability.WithClock(clock.Now))

	mem := store.NewMemoryStore()
	f := &fixture{
		t:     t,
		clock: clock,
		codec: codec,
		comp:  &fakeCompositor{pages: []compositor.PageSize{{Width: a4Width, Height: a4Height}, {Width: a4Width, Height: a4Height}}},
		store: &instrumentedStore{Store: mem},
		mem:   mem,
		blobs: artifacts.NewMemoryStore(),
		mail:  &recordingMailer{},
	}
	f.fault = &faultyBlobs{MemoryStore: f.blobs}
	cfg := DefaultConfig()
	cfg.PublicBaseURL = testBaseURL
	f.orch, err = New(Deps{
		Codec:      codec,
		Store:      f.store,
		Blobs:      f.fault,
		Compositor: f.comp,
		Mailer:     f.mail,
		Clock:      clock.Now,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

// dispatch creates a contract with n signers and returns their tokens.
func (f *fixture) dispatch(n int) (*DispatchResult, []string) {
	f.t.Helper()
	req := DispatchRequest{Title: "Lease agreement", PDF: draftPDF}
	for i := 0; i < n; i++ {
		req.Signers = append(req.Signers, SignerInput{
			Name:      fmt.Sprintf("Signer %d", i+1),
			Email:     fmt.Sprintf("signer%d@example.test", i+1),
			Placement: contract.Placement{Page: 0, X: 72, Y: 650 - float64(i)*70, Width: 150, Height: 60},
		})
	}
	res, err := f.orch.Dispatch(context.Background(), req)
	require.NoError(f.t, err)
	require.Len(f.t, res.Signers, n)

	tokens := make([]string, n)
	for i, s := range res.Signers {
		tokens[i] = strings.TrimPrefix(s.SignURL, testBaseURL+"/sign/")
		require.NotEqual(f.t, s.SignURL, tokens[i])
	}
	return res, tokens
}

func (f *fixture) blob(url string) []byte {
	f.t.Helper()
	b, err := f.blobs.Get(context.Background(), url)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) contract(id string) *contract.Contract {
	f.t.Helper()
	c, err := f.mem.GetContract(context.Background(), id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) keys(prefix string) []string {
	var out []string
	for _, k := range f.blobs.Keys() {
		if strings.Contains(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func signature(n int) []byte {
	return []byte(fmt.Sprintf("\x89PNG\r\n\x1a\nsignature-%d", n))
}
