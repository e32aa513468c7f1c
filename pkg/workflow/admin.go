package workflow

import (
	"context"
	"errors"

	"github.com/countersign/countersign/pkg/contract"
	"github.com/countersign/countersign/pkg/integrity"
	"github.com/countersign/countersign/pkg/store"
)

// Progress summarizes a contract and its signers.
type Progress struct {
	Contract *contract.Contract `json:"contract"`
	Signers  []contract.Signer  `json:"signers"`
	Signed   int                `json:"signed"`
	Total    int                `json:"total"`
}

// Verification compares the recorded digest to the stored document.
type Verification struct {
	ContractID string `json:"contract_id"`
	Algorithm  string `json:"algorithm"`
	Recorded   string `json:"recorded"`
	Actual     string `json:"actual"`
	Size       int    `json:"size"`
	Match      bool   `json:"match"`
}

func (o *Orchestrator) getContract(ctx context.Context, op, id string) (*contract.Contract, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	c, err := o.store.GetContract(sctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contract.Errorf(contract.KindNotFound, op, "contract %s not found", id)
	}
	if err != nil {
		return nil, contract.Wrap(contract.KindStoreUnavailable, op, err)
	}
	return c, nil
}

// Status reports signing progress.
func (o *Orchestrator) Status(ctx context.Context, contractID string) (*Progress, error) {
	const op = "workflow.status"
	c, err := o.getContract(ctx, op, contractID)
	if err != nil {
		return nil, err
	}
	signers, err := o.listSigners(ctx, op, contractID)
	if err != nil {
		return nil, err
	}
	p := &Progress{Contract: c, Signers: signers, Total: len(signers)}
	for i := range signers {
		if signers[i].Signed() {
			p.Signed++
		}
	}
	return p, nil
}

// Verify recomputes the digest of a signed contract's stored document.
func (o *Orchestrator) Verify(ctx context.Context, contractID string) (v *Verification, err error) {
	const op = "workflow.verify"
	ctx, finish := o.obs.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	c, err := o.getContract(ctx, op, contractID)
	if err != nil {
		return nil, err
	}
	if !c.Finalized() {
		return nil, contract.Errorf(contract.KindContractNotSignable, op, "contract is %s, not signed", c.Status)
	}
	doc, err := o.getBlob(ctx, op, c.SignedURL)
	if err != nil {
		return nil, err
	}
	stamp := integrity.NewStamp(doc)
	v = &Verification{
		ContractID: c.ID,
		Algorithm:  stamp.Algorithm,
		Recorded:   c.Digest,
		Actual:     stamp.Digest,
		Size:       stamp.Size,
		Match:      integrity.Verify(doc, c.Digest),
	}
	if !v.Match {
		o.logger.ErrorContext(ctx, "signed document digest mismatch",
			"contract_id", c.ID, "recorded", c.Digest, "actual", stamp.Digest, "alert", true)
	}
	return v, nil
}

// Cancel withdraws a pending contract.
func (o *Orchestrator) Cancel(ctx context.Context, contractID string) error {
	const op = "workflow.cancel"
	sctx, cancel := o.storeCtx(ctx)
	applied, err := o.store.CancelContract(sctx, contractID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return contract.Errorf(contract.KindNotFound, op, "contract %s not found", contractID)
	}
	if err != nil {
		return contract.Wrap(contract.KindStoreUnavailable, op, err)
	}
	if !applied {
		c, err := o.getContract(ctx, op, contractID)
		if err != nil {
			return err
		}
		return contract.Errorf(contract.KindContractNotSignable, op, "contract is %s", c.Status)
	}
	o.logger.InfoContext(ctx, "contract cancelled", "contract_id", contractID)
	return nil
}
