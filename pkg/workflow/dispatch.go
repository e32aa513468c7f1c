package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/store"
)

// MaxSigners caps the signers on one contract.
const MaxSigners = 50

// SignerInput describes one required signatory.
type SignerInput struct {
	Name      string             `json:"name"`
	Email     string             `json:"email"`
	Placement contract.Placement `json:"placement"`
}

// DispatchRequest creates a contract from an HTML body or a ready PDF.
type DispatchRequest struct {
	Title   string        `json:"title"`
	HTML    string        `json:"html,omitempty"`
	PDF     []byte        `json:"pdf,omitempty"`
	Signers []SignerInput `json:"signers"`
	// TokenTTL overrides the configured link lifetime when positive.
	TokenTTL time.Duration `json:"-"`
}

// DispatchedSigner is one created signer and their signing link.
type DispatchedSigner struct {
	SignerID    string    `json:"signer_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	SignURL     string    `json:"sign_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Notified    bool      `json:"notified"`
	NotifyError string    `json:"notify_error,omitempty"`
}

// DispatchResult is the outcome of Dispatch.
type DispatchResult struct {
	ContractID string             `json:"contract_id"`
	DraftURL   string             `json:"draft_url"`
	Pages      int                `json:"pages"`
	Signers    []DispatchedSigner `json:"signers"`
}

// Dispatch creates a pending contract, its signers and their signing links,
// then sends invitations. Invitation failures are reported per signer and do
// not undo the contract.
func (o *Orchestrator) Dispatch(ctx context.Context, req DispatchRequest) (res *DispatchResult, err error) {
	const op = "workflow.dispatch"
	ctx, finish := o.obs.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	// 1. Validate and normalize input.
	signers, err := normalizeSigners(req.Signers)
	if err != nil {
		return nil, &contract.Error{Kind: contract.KindInvalidRequest, Op: op, Err: err}
	}
	title := strings.TrimSpace(norm.NFC.String(req.Title))
	if title == "" {
		return nil, contract.Errorf(contract.KindInvalidRequest, op, "title is required")
	}

	// 2. Obtain the draft PDF.
	draft, err := o.draft(ctx, op, req)
	if err != nil {
		return nil, err
	}

	// 3. Every placement must fit its page.
	pages, err := o.comp.Inspect(draft)
	if err != nil {
		return nil, &contract.Error{Kind: contract.KindInvalidRequest, Op: op, Err: fmt.Errorf("unreadable PDF: %w", err)}
	}
	for i, s := range signers {
		if err := compositor.CheckPlacement(pages, s.Placement); err != nil {
			return nil, &contract.Error{Kind: contract.KindInvalidRequest, Op: op, Err: fmt.Errorf("signer %d: %w", i, err)}
		}
	}

	// 4. Store the draft.
	draftURL, err := o.putBlob(ctx, op, "contracts/drafts/"+uuid.NewString()+".pdf", draft, "application/pdf")
	if err != nil {
		return nil, err
	}

	// 5. Create signers, then the contract that binds them.
	created := o.now().UTC()
	ids, err := o.createSigners(ctx, signers, created)
	if err != nil {
		o.rollback(ctx, ids, draftURL)
		return nil, storeErr(op, err)
	}
	sctx, cancel := o.storeCtx(ctx)
	contractID, err := o.store.CreateContract(sctx, store.NewContract{
		Title:     title,
		DraftURL:  draftURL,
		Status:    contract.StatusPendingSignature,
		CreatedAt: created,
	}, ids)
	cancel()
	if err != nil {
		o.rollback(ctx, ids, draftURL)
		return nil, storeErr(op, err)
	}
	log := o.logger.With("contract_id", contractID)
	log.InfoContext(ctx, "contract dispatched", "signers", len(ids), "pages", len(pages))

	ttl := o.cfg.TokenTTL
	if req.TokenTTL > 0 {
		ttl = req.TokenTTL
	}
	res = &DispatchResult{ContractID: contractID, DraftURL: draftURL, Pages: len(pages)}

	// 6. Issue every link before anyone is invited.
	res.Signers = make([]DispatchedSigner, len(signers))
	for i, s := range signers {
		token, err := o.codec.Issue(contractID, ids[i], s.Email, ttl)
		if err != nil {
			o.abandon(ctx, contractID, draftURL)
			return nil, &contract.Error{Kind: contract.KindInconsistentState, Op: op, Err: fmt.Errorf("issue token: %w", err)}
		}
		res.Signers[i] = DispatchedSigner{
			SignerID:  ids[i],
			Name:      s.Name,
			Email:     s.Email,
			SignURL:   o.signLink(token),
			ExpiresAt: o.now().UTC().Add(ttl),
		}
	}

	// 7. Invite.
	for i := range res.Signers {
		ds := &res.Signers[i]
		if err := o.invite(ctx, title, *ds); err != nil {
			log.WarnContext(ctx, "invitation failed", "signer_id", ds.SignerID, "error", err)
			ds.NotifyError = err.Error()
		} else {
			ds.Notified = true
		}
	}
	return res, nil
}

func (o *Orchestrator) draft(ctx context.Context, op string, req DispatchRequest) ([]byte, error) {
	switch {
	case len(req.PDF) > 0 && req.HTML != "":
		return nil, contract.Errorf(contract.KindInvalidRequest, op, "provide either html or pdf, not both")
	case len(req.PDF) > 0:
		if !bytes.HasPrefix(req.PDF, []byte("%PDF-")) {
			return nil, contract.Errorf(contract.KindInvalidRequest, op, "pdf body is not a PDF document")
		}
		return req.PDF, nil
	case strings.TrimSpace(req.HTML) != "":
		if o.renderer == nil {
			return nil, contract.Errorf(contract.KindInvalidRequest, op, "html rendering is not configured")
		}
		rctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
		defer cancel()
		pdf, err := o.renderer.Render(rctx, req.HTML)
		if err != nil {
			return nil, &contract.Error{Kind: contract.KindSourceUnavailable, Op: op, Err: err}
		}
		return pdf, nil
	default:
		return nil, contract.Errorf(contract.KindInvalidRequest, op, "html or pdf is required")
	}
}

// createSigners creates all signers concurrently. ids holds whatever was
// created, even on error, so the caller can roll back.
func (o *Orchestrator) createSigners(ctx context.Context, signers []SignerInput, created time.Time) ([]string, error) {
	ids := make([]string, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, s := range signers {
		g.Go(func() error {
			sctx, cancel := o.storeCtx(gctx)
			defer cancel()
			id, err := o.store.CreateSigner(sctx, store.NewSigner{
				Name:      s.Name,
				Email:     s.Email,
				Placement: s.Placement,
				CreatedAt: created,
			})
			if err != nil {
				return fmt.Errorf("create signer %d: %w", i, err)
			}
			ids[i] = id
			return nil
		})
	}
	return ids, g.Wait()
}

// rollback removes signers and the draft left by a failed dispatch.
func (o *Orchestrator) rollback(ctx context.Context, ids []string, draftURL string) {
	ctx = context.WithoutCancel(ctx)
	var created []string
	for _, id := range ids {
		if id != "" {
			created = append(created, id)
		}
	}
	if len(created) > 0 {
		sctx, cancel := o.storeCtx(ctx)
		if err := o.store.DeleteSigners(sctx, created); err != nil {
			o.logger.WarnContext(ctx, "failed to roll back signers", "signers", created, "error", err)
		}
		cancel()
	}
	o.deleteBlob(ctx, draftURL)
}

// abandon withdraws a contract that was created but could not be handed out.
// Attached signers stay with the cancelled contract.
func (o *Orchestrator) abandon(ctx context.Context, contractID, draftURL string) {
	ctx = context.WithoutCancel(ctx)
	sctx, cancel := o.storeCtx(ctx)
	_, err := o.store.CancelContract(sctx, contractID)
	cancel()
	if err != nil {
		o.logger.WarnContext(ctx, "failed to withdraw contract", "contract_id", contractID, "error", err)
		return
	}
	o.deleteBlob(ctx, draftURL)
}

func (o *Orchestrator) invite(ctx context.Context, title string, ds DispatchedSigner) error {
	msg, err := notify.InvitationMessage(ds.Email, notify.Invitation{
		SignerName:    ds.Name,
		ContractTitle: title,
		SignURL:       ds.SignURL,
		ExpiresAt:     ds.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return o.mailer.Send(ctx, msg)
}

// normalizeSigners validates the signer list and returns a cleaned copy.
func normalizeSigners(in []SignerInput) ([]SignerInput, error) {
	if len(in) == 0 {
		return nil, errors.New("at least one signer is required")
	}
	if len(in) > MaxSigners {
		return nil, fmt.Errorf("at most %d signers are allowed, got %d", MaxSigners, len(in))
	}
	seen := make(map[string]int, len(in))
	out := make([]SignerInput, len(in))
	for i, s := range in {
		name := strings.TrimSpace(norm.NFC.String(s.Name))
		if name == "" {
			return nil, fmt.Errorf("signer %d: name is required", i)
		}
		addr, err := mail.ParseAddress(strings.TrimSpace(s.Email))
		if err != nil {
			return nil, fmt.Errorf("signer %d: invalid email %q", i, s.Email)
		}
		email := strings.ToLower(addr.Address)
		if j, dup := seen[email]; dup {
			return nil, fmt.Errorf("signer %d: email %s duplicates signer %d", i, email, j)
		}
		seen[email] = i
		if err := s.Placement.Validate(); err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		out[i] = SignerInput{Name: name, Email: email, Placement: s.Placement}
	}
	return out, nil
}
