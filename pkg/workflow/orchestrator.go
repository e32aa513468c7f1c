// Package workflow is the signing state machine.
//
// The Orchestrator verifies capability tokens, guards signer and contract
// state, composes signature images into the draft, persists the result and
// finalizes the contract exactly once when the last signer completes. All
// cross-request coordination goes through conditional writes in the store;
// the Orchestrator itself holds no shared mutable workflow state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/countersign/countersign/pkg/artifacts"
	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/observability"
	"github.com/countersign/countersign/pkg/render"
	"github.com/countersign/countersign/pkg/store"
)

// TokenCodec issues and verifies capability tokens.
type TokenCodec interface {
	Issue(contractID, signerID, email string, ttl time.Duration) (string, error)
	Verify(token string) (*capability.Claims, error)
}

// Config tunes the orchestrator.
type Config struct {
	// TokenTTL is the lifetime of issued signing links.
	TokenTTL time.Duration
	// StoreTimeout bounds each document store call.
	StoreTimeout time.Duration
	// SourceTimeout bounds each blob read and write.
	SourceTimeout time.Duration
	// BackgroundTimeout bounds post-finalization side effects.
	BackgroundTimeout time.Duration
	// RetireDraft deletes the draft and interim copies once signed.
	RetireDraft bool
	// PublicBaseURL prefixes links sent to signers.
	PublicBaseURL string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TokenTTL:          capability.DefaultTTL,
		StoreTimeout:      10 * time.Second,
		SourceTimeout:     30 * time.Second,
		BackgroundTimeout: 2 * time.Minute,
		RetireDraft:       true,
		PublicBaseURL:     "http://localhost:8080",
	}
}

// Deps are the collaborators injected at construction.
type Deps struct {
	Codec      TokenCodec
	Store      store.Store
	Blobs      artifacts.Store
	Compositor compositor.Compositor
	// Optional.
	Mailer    notify.Mailer
	Renderer  render.Renderer
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Orchestrator runs the signing workflow.
type Orchestrator struct {
	codec    TokenCodec
	store    store.Store
	blobs    artifacts.Store
	comp     compositor.Compositor
	mailer   notify.Mailer
	renderer render.Renderer
	obs      *observability.Provider
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Codec == nil:
		return nil, errors.New("workflow: token codec is required")
	case deps.Store == nil:
		return nil, errors.New("workflow: document store is required")
	case deps.Blobs == nil:
		return nil, errors.New("workflow: blob store is required")
	case deps.Compositor == nil:
		return nil, errors.New("workflow: compositor is required")
	}

	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = def.BackgroundTimeout
	}

	o := &Orchestrator{
		codec:    deps.Codec,
		store:    deps.Store,
		blobs:    deps.Blobs,
		comp:     deps.Compositor,
		mailer:   deps.Mailer,
		renderer: deps.Renderer,
		obs:      deps.Telemetry,
		logger:   deps.Logger,
		now:      deps.Clock,
		cfg:      cfg,
	}
	if o.mailer == nil {
		o.mailer = &notify.LogMailer{Logger: deps.Logger}
	}
	if o.obs == nil {
		o.obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "workflow")
	if o.now == nil {
		o.now = time.Now
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	return o, nil
}

// Shutdown waits for background side effects, cancelling them when ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.bgCancel()
		return nil
	case <-ctx.Done():
		o.bgCancel()
		<-done
		return fmt.Errorf("workflow shutdown: %w", ctx.Err())
	}
}

// Wait blocks until in-flight background work has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// background runs fn detached from the request, tracked for Shutdown.
func (o *Orchestrator) background(name string, fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.bgCtx, o.cfg.BackgroundTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

// storeErr maps a document store failure. A missing record behind an id the
// workflow already holds is an invariant violation, not a lookup miss.
func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &contract.Error{Kind: contract.KindInconsistentState, Op: op, Err: err}
	}
	return contract.Wrap(contract.KindStoreUnavailable, op, err)
}

// getBlob reads a blob under the source timeout.
func (o *Orchestrator) getBlob(ctx context.Context, op, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()
	b, err := o.blobs.Get(ctx, url)
	if err != nil {
		return nil, &contract.Error{Kind: contract.KindSourceUnavailable, Op: op, Err: err}
	}
	return b, nil
}

// putBlob writes a blob under the source timeout.
func (o *Orchestrator) putBlob(ctx context.Context, op, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()
	u, err := o.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		return "", &contract.Error{Kind: contract.KindStoreUnavailable, Op: op, Err: err}
	}
	return u, nil
}

// deleteBlob removes url, logging instead of failing.
func (o *Orchestrator) deleteBlob(ctx context.Context, url string) {
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()
	if err := o.blobs.Delete(ctx, url); err != nil {
		o.logger.WarnContext(ctx, "failed to delete artifact", "url", url, "error", err)
	}
}

// signLink builds the URL a signer opens.
func (o *Orchestrator) signLink(token string) string {
	return o.cfg.PublicBaseURL + "/sign/" + token
}

// documentLink builds the download URL for a signer's current document.
func (o *Orchestrator) documentLink(token string) string {
	return o.cfg.PublicBaseURL + "/api/v1/sign/" + token + "/document"
}
