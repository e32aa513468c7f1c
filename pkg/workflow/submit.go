package workflow

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/integrity"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/store"
)

// Result is the outcome of a successful Submit.
type Result struct {
	ContractID string `json:"contract_id"`
	SignerID   string `json:"signer_id"`
	// DocumentURL is the most complete document available to this signer:
	// the signed contract once finalized, otherwise their interim copy.
	DocumentURL string `json:"document_url"`
	// Digest is set when the contract is finalized.
	Digest    string `json:"digest,omitempty"`
	Finalized bool   `json:"finalized"`
	// Replay is true when the signer had already signed; nothing was written.
	Replay bool `json:"replay"`
}

// Submit records one signer's signature.
//
// Re-submitting with an already-consumed token succeeds without side effects
// and returns the same document as before. When this call completes the last
// outstanding signature the contract is finalized; under concurrent last
// signers exactly one finalization applies and every caller receives the
// winning document.
func (o *Orchestrator) Submit(ctx context.Context, token string, image []byte) (res *Result, err error) {
	const op = "workflow.submit"
	ctx, finish := o.obs.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	// 1. Verify the capability token.
	claims, err := o.codec.Verify(token)
	if err != nil {
		return nil, contract.Wrap(contract.KindTokenInvalid, op, err)
	}

	// 2. Load the signer scoped to the token's contract.
	sc, err := o.lookup(ctx, op, claims)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("contract_id", sc.Contract.ID, "signer_id", sc.Signer.ID)

	// 3. Already signed: replay the earlier outcome.
	if sc.Signer.Signed() {
		o.obs.CountSignature(ctx, true)
		log.InfoContext(ctx, "signature replayed")
		return o.resume(ctx, op, sc)
	}

	// 4. Only pending contracts accept signatures.
	if !sc.Contract.Status.Signable() {
		return nil, contract.Errorf(contract.KindContractNotSignable, op, "contract is %s", sc.Contract.Status)
	}
	if len(image) == 0 {
		return nil, contract.Errorf(contract.KindInvalidRequest, op, "signature image is empty")
	}

	// 5. Fetch the draft.
	draft, err := o.getBlob(ctx, op, sc.Contract.DraftURL)
	if err != nil {
		return nil, err
	}

	// 6. Compose every recorded signature plus this one.
	signers, err := o.listSigners(ctx, op, sc.Contract.ID)
	if err != nil {
		return nil, err
	}
	overlays, err := o.overlays(ctx, op, signers, sc.Signer.ID, image)
	if err != nil {
		return nil, err
	}
	doc, err := o.comp.Compose(draft, overlays)
	if err != nil {
		return nil, contract.Wrap(contract.KindCompositionError, op, err)
	}

	// 7. Persist the signature image and the interim document.
	digest := integrity.Digest(doc)
	ctype := http.DetectContentType(image)
	sigURL, err := o.putBlob(ctx, op, signatureKey(sc.Contract.ID, sc.Signer.ID, integrity.Digest(image), ctype), image, ctype)
	if err != nil {
		return nil, err
	}
	docURL, err := o.putBlob(ctx, op, interimKey(sc.Contract.ID, sc.Signer.ID, digest), doc, "application/pdf")
	if err != nil {
		o.deleteBlob(ctx, sigURL)
		return nil, err
	}

	// 8. Record the signature if nobody else has.
	sctx, cancel := o.storeCtx(ctx)
	applied, err := o.store.MarkSignerSigned(sctx, sc.Signer.ID, store.SignatureRecord{
		SignedAt:     o.now().UTC(),
		SignatureURL: sigURL,
		DocumentURL:  docURL,
	})
	cancel()
	if err != nil {
		if applied, err = o.settleMark(ctx, op, claims, sigURL, docURL, err); err != nil {
			return nil, err
		}
	}
	if !applied {
		// A concurrent submission with the same token won.
		return o.lostMark(ctx, op, claims, sigURL, docURL)
	}
	o.obs.CountSignature(ctx, false)
	log.InfoContext(ctx, "signature recorded", "digest", digest)

	res = &Result{ContractID: sc.Contract.ID, SignerID: sc.Signer.ID, DocumentURL: docURL}

	// 9. Count who is still outstanding.
	sctx, cancel = o.storeCtx(ctx)
	remaining, err := o.store.CountPendingSigners(sctx, sc.Contract.ID)
	cancel()
	if err != nil {
		return nil, storeErr(op, err)
	}
	if remaining > 0 {
		return res, nil
	}

	// 10. Last signer: finalize.
	var covered []byte
	if len(overlays) == len(signers) {
		covered = doc
	}
	fin, err := o.finalize(ctx, sc.Contract, covered)
	if err != nil {
		return nil, err
	}
	res.DocumentURL = fin.SignedURL
	res.Digest = fin.Digest
	res.Finalized = true
	return res, nil
}

// lookup loads the signer scoped to the token. A signer that does not exist
// or belongs to another contract is indistinguishable to the caller.
func (o *Orchestrator) lookup(ctx context.Context, op string, claims *capability.Claims) (*store.SignerContract, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	sc, err := o.store.GetSignerWithContract(sctx, claims.SignerID, claims.ContractID)
	if err != nil {
		return nil, contract.Wrap(contract.KindStoreUnavailable, op, err)
	}
	if sc == nil || sc.Signer == nil || sc.Contract == nil {
		return nil, contract.Errorf(contract.KindNotFound, op, "signer not found")
	}
	return sc, nil
}

func (o *Orchestrator) listSigners(ctx context.Context, op, contractID string) ([]contract.Signer, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	signers, err := o.store.ListSigners(sctx, contractID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	sortSigners(signers)
	return signers, nil
}

// replay reports the outcome of an earlier successful submission.
func (o *Orchestrator) replay(sc *store.SignerContract) *Result {
	res := &Result{
		ContractID: sc.Contract.ID,
		SignerID:   sc.Signer.ID,
		Replay:     true,
	}
	switch {
	case sc.Contract.Finalized():
		res.DocumentURL = sc.Contract.SignedURL
		res.Digest = sc.Contract.Digest
		res.Finalized = true
	case sc.Signer.DocumentURL != "":
		res.DocumentURL = sc.Signer.DocumentURL
	default:
		res.DocumentURL = sc.Contract.DraftURL
	}
	return res
}

// resume replays a recorded signature. A contract whose signers have all
// signed but which is still pending, because an earlier call failed after its
// mark was persisted, is finalized here.
func (o *Orchestrator) resume(ctx context.Context, op string, sc *store.SignerContract) (*Result, error) {
	res := o.replay(sc)
	if !sc.Contract.Status.Signable() {
		return res, nil
	}

	sctx, cancel := o.storeCtx(ctx)
	remaining, err := o.store.CountPendingSigners(sctx, sc.Contract.ID)
	cancel()
	if err != nil {
		return nil, storeErr(op, err)
	}
	if remaining > 0 {
		return res, nil
	}

	o.logger.WarnContext(ctx, "resuming interrupted finalization", "contract_id", sc.Contract.ID, "signer_id", sc.Signer.ID)
	fin, err := o.finalize(ctx, sc.Contract, nil)
	if err != nil {
		return nil, err
	}
	res.DocumentURL = fin.SignedURL
	res.Digest = fin.Digest
	res.Finalized = true
	return res, nil
}

// settleMark resolves a mark whose outcome is unknown because the store call
// failed. Artifacts are removed only once the stored signer shows nothing
// references them.
func (o *Orchestrator) settleMark(ctx context.Context, op string, claims *capability.Claims, sigURL, docURL string, markErr error) (bool, error) {
	sc, err := o.lookup(ctx, op, claims)
	if err != nil {
		o.logger.WarnContext(ctx, "signature outcome unknown, keeping artifacts",
			"signer_id", claims.SignerID, "error", markErr, "lookup_error", err)
		return false, storeErr(op, markErr)
	}
	switch {
	case !sc.Signer.Signed():
		o.deleteBlob(ctx, docURL)
		o.deleteBlob(ctx, sigURL)
		return false, storeErr(op, markErr)
	case sc.Signer.SignatureURL == sigURL && sc.Signer.DocumentURL == docURL:
		o.logger.WarnContext(ctx, "signature persisted despite store error", "signer_id", sc.Signer.ID, "error", markErr)
		return true, nil
	default:
		return false, nil
	}
}

// lostMark handles a mark that was refused: either a concurrent submission
// with the same token won, or the contract left pending state. Artifacts not
// referenced by the stored signer are removed.
func (o *Orchestrator) lostMark(ctx context.Context, op string, claims *capability.Claims, sigURL, docURL string) (*Result, error) {
	sc, err := o.lookup(ctx, op, claims)
	if err != nil {
		return nil, err
	}
	if sc.Signer.DocumentURL != docURL {
		o.deleteBlob(ctx, docURL)
	}
	if sc.Signer.SignatureURL != sigURL {
		o.deleteBlob(ctx, sigURL)
	}
	if !sc.Signer.Signed() {
		if !sc.Contract.Status.Signable() {
			return nil, contract.Errorf(contract.KindContractNotSignable, op, "contract is %s", sc.Contract.Status)
		}
		return nil, contract.Errorf(contract.KindInconsistentState, op, "signer %s not marked after conditional write was refused", sc.Signer.ID)
	}
	o.obs.CountSignature(ctx, true)
	return o.resume(ctx, op, sc)
}

// overlays collects the stored signatures of every signed signer and the
// current submission, ordered by signer id.
func (o *Orchestrator) overlays(ctx context.Context, op string, signers []contract.Signer, currentID string, current []byte) ([]compositor.Overlay, error) {
	out := make([]compositor.Overlay, 0, len(signers))
	found := false
	for i := range signers {
		s := &signers[i]
		switch {
		case s.ID == currentID:
			if current == nil {
				continue
			}
			found = true
			out = append(out, compositor.Overlay{Image: current, Placement: s.Placement})
		case s.Signed():
			if s.SignatureURL == "" {
				return nil, contract.Errorf(contract.KindInconsistentState, op, "signer %s is signed but has no signature image", s.ID)
			}
			img, err := o.getBlob(ctx, op, s.SignatureURL)
			if err != nil {
				return nil, err
			}
			out = append(out, compositor.Overlay{Image: img, Placement: s.Placement})
		}
	}
	if current != nil && !found {
		return nil, contract.Errorf(contract.KindInconsistentState, op, "signer %s missing from contract", currentID)
	}
	return out, nil
}

// finalization is the recorded outcome of finalize.
type finalization struct {
	SignedURL string
	Digest    string
	Applied   bool
}

// finalize produces the signed document from every stored signature and
// moves the contract to signed. covered, when non-nil, is a document already
// carrying every signature and is used as is.
func (o *Orchestrator) finalize(ctx context.Context, c *contract.Contract, covered []byte) (fin *finalization, err error) {
	const op = "workflow.finalize"
	ctx, finish := o.obs.TrackOperation(ctx, op, attribute.String("contract.id", c.ID))
	defer func() { finish(err) }()

	signers, err := o.listSigners(ctx, op, c.ID)
	if err != nil {
		return nil, err
	}

	doc := covered
	if doc == nil {
		doc, err = o.recompose(ctx, op, c, signers)
		if err != nil {
			// A concurrent finalizer may already have retired the draft.
			if winner, ok := o.finalized(ctx, c.ID); ok {
				return winner, nil
			}
			return nil, err
		}
	}

	digest := integrity.Digest(doc)
	url, err := o.putBlob(ctx, op, signedKey(c.ID, digest), doc, "application/pdf")
	if err != nil {
		return nil, err
	}

	sctx, cancel := o.storeCtx(ctx)
	applied, err := o.store.FinalizeContract(sctx, c.ID, store.Finalization{
		SignedURL: url,
		Digest:    digest,
		SignedAt:  o.now().UTC(),
	})
	cancel()
	if err != nil {
		return nil, storeErr(op, err)
	}
	o.obs.CountFinalization(ctx, applied)

	if !applied {
		winner, ok := o.finalized(ctx, c.ID)
		if !ok {
			o.deleteBlob(ctx, url)
			return nil, contract.Errorf(contract.KindContractNotSignable, op, "contract %s left pending state before finalization", c.ID)
		}
		if winner.SignedURL != url {
			o.deleteBlob(ctx, url)
		}
		o.logger.InfoContext(ctx, "finalization already applied by concurrent signer", "contract_id", c.ID)
		return winner, nil
	}

	o.logger.InfoContext(ctx, "contract finalized", "contract_id", c.ID, "digest", digest, "signed_url", url)
	o.afterFinalize(c, signers, url, digest)
	return &finalization{SignedURL: url, Digest: digest, Applied: true}, nil
}

// recompose composes the draft with every stored signature.
func (o *Orchestrator) recompose(ctx context.Context, op string, c *contract.Contract, signers []contract.Signer) ([]byte, error) {
	for i := range signers {
		if !signers[i].Signed() {
			return nil, contract.Errorf(contract.KindInconsistentState, op, "signer %s unsigned at finalization", signers[i].ID)
		}
	}
	draft, err := o.getBlob(ctx, op, c.DraftURL)
	if err != nil {
		return nil, err
	}
	overlays, err := o.overlays(ctx, op, signers, "", nil)
	if err != nil {
		return nil, err
	}
	doc, err := o.comp.Compose(draft, overlays)
	if err != nil {
		return nil, contract.Wrap(contract.KindCompositionError, op, err)
	}
	return doc, nil
}

// finalized returns the recorded finalization of a signed contract.
func (o *Orchestrator) finalized(ctx context.Context, contractID string) (*finalization, bool) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	c, err := o.store.GetContract(sctx, contractID)
	if err != nil || !c.Finalized() {
		return nil, false
	}
	return &finalization{SignedURL: c.SignedURL, Digest: c.Digest}, true
}

// afterFinalize retires superseded artifacts and notifies signers, off the
// request path.
func (o *Orchestrator) afterFinalize(c *contract.Contract, signers []contract.Signer, signedURL, digest string) {
	if o.cfg.RetireDraft {
		o.background("retire-artifacts", func(ctx context.Context) {
			o.deleteBlob(ctx, c.DraftURL)
			for i := range signers {
				if u := signers[i].DocumentURL; u != "" && u != signedURL {
					o.deleteBlob(ctx, u)
				}
			}
		})
	}
	o.background("completion-notices", func(ctx context.Context) {
		o.notifyCompletion(ctx, c, signers, digest)
	})
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, c *contract.Contract, signers []contract.Signer, digest string) {
	var errs []error
	for i := range signers {
		s := &signers[i]
		token, err := o.codec.Issue(c.ID, s.ID, s.Email, o.cfg.TokenTTL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg, err := notify.CompletionMessage(s.Email, notify.Completion{
			SignerName:    s.Name,
			ContractTitle: c.Title,
			DocumentURL:   o.documentLink(token),
			Digest:        digest,
		})
		if err == nil {
			err = o.mailer.Send(ctx, msg)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.WarnContext(ctx, "completion notices failed", "contract_id", c.ID, "error", err)
	}
}

// Artifact keys. Content-addressed names keep concurrent writers from
// overwriting each other.

func signatureKey(contractID, signerID, digest, contentType string) string {
	return "contracts/" + contractID + "/signatures/" + signerID + "-" + digest[:16] + imageExt(contentType)
}

func interimKey(contractID, signerID, digest string) string {
	return "contracts/" + contractID + "/signers/" + signerID + "-" + digest[:16] + ".pdf"
}

func signedKey(contractID, digest string) string {
	return "contracts/" + contractID + "/signed-" + digest[:16] + ".pdf"
}

func imageExt(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// sortSigners orders signers by id in place.
func sortSigners(signers []contract.Signer) {
	sort.Slice(signers, func(i, j int) bool { return signers[i].ID < signers[j].ID })
}
