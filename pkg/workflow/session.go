package workflow

import (
	"context"
	"path"
	"time"

	"github.com/countersign/countersign/pkg/contract"
)

// Session is what a signer sees when opening their link.
type Session struct {
	ContractID    string             `json:"contract_id"`
	Title         string             `json:"title"`
	Status        contract.Status    `json:"status"`
	SignerID      string             `json:"signer_id"`
	SignerName    string             `json:"signer_name"`
	Email         string             `json:"email"`
	Placement     contract.Placement `json:"placement"`
	AlreadySigned bool               `json:"already_signed"`
	SignedAt      *time.Time         `json:"signed_at,omitempty"`
	CanSign       bool               `json:"can_sign"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

// Inspect resolves a token to the signer's session without changing state.
func (o *Orchestrator) Inspect(ctx context.Context, token string) (sess *Session, err error) {
	const op = "workflow.inspect"
	ctx, finish := o.obs.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	claims, err := o.codec.Verify(token)
	if err != nil {
		return nil, contract.Wrap(contract.KindTokenInvalid, op, err)
	}
	sc, err := o.lookup(ctx, op, claims)
	if err != nil {
		return nil, err
	}
	return &Session{
		ContractID:    sc.Contract.ID,
		Title:         sc.Contract.Title,
		Status:        sc.Contract.Status,
		SignerID:      sc.Signer.ID,
		SignerName:    sc.Signer.Name,
		Email:         sc.Signer.Email,
		Placement:     sc.Signer.Placement,
		AlreadySigned: sc.Signer.Signed(),
		SignedAt:      sc.Signer.SignedAt,
		CanSign:       !sc.Signer.Signed() && sc.Contract.Status.Signable(),
		ExpiresAt:     claims.ExpiresAt,
	}, nil
}

// Download is a document body with its suggested file name.
type Download struct {
	Name string
	Data []byte
}

// Document returns the most complete document the token holder may read:
// the signed contract, their interim copy, or the draft.
func (o *Orchestrator) Document(ctx context.Context, token string) (dl *Download, err error) {
	const op = "workflow.document"
	ctx, finish := o.obs.TrackOperation(ctx, op)
	defer func() { finish(err) }()

	claims, err := o.codec.Verify(token)
	if err != nil {
		return nil, contract.Wrap(contract.KindTokenInvalid, op, err)
	}
	sc, err := o.lookup(ctx, op, claims)
	if err != nil {
		return nil, err
	}
	if sc.Contract.Status == contract.StatusCancelled {
		return nil, contract.Errorf(contract.KindContractNotSignable, op, "contract is cancelled")
	}

	url := o.replay(sc).DocumentURL
	data, err := o.getBlob(ctx, op, url)
	if err != nil {
		return nil, err
	}
	return &Download{Name: path.Base(url), Data: data}, nil
}
