// Package store is the typed persistence boundary for contracts and signers.
//
// Every state transition the signing workflow depends on is a conditional
// write here: a signer is marked signed only while unsigned, and a contract
// is finalized or cancelled only while pending. Callers learn whether their
// write applied instead of racing on read-then-write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/countersign/countersign/pkg/contract"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// SignerContract is a signer together with the contract it belongs to.
type SignerContract struct {
	Signer   *contract.Signer
	Contract *contract.Contract
}

// NewSigner is the dispatch-time input for CreateSigner.
type NewSigner struct {
	Name      string
	Email     string
	Placement contract.Placement
	CreatedAt time.Time
}

// NewContract is the dispatch-time input for CreateContract.
type NewContract struct {
	Title     string
	DraftURL  string
	Status    contract.Status
	CreatedAt time.Time
}

// SignatureRecord is written once when a signer completes.
type SignatureRecord struct {
	SignedAt     time.Time
	SignatureURL string
	DocumentURL  string
}

// Finalization is written once when the last signer completes.
type Finalization struct {
	SignedURL string
	Digest    string
	SignedAt  time.Time
}

// Store persists contracts and signers.
type Store interface {
	// GetSignerWithContract returns nil without error when the signer does
	// not exist or does not belong to contractID.
	GetSignerWithContract(ctx context.Context, signerID, contractID string) (*SignerContract, error)
	// MarkSignerSigned records the signature only if the signer is unsigned
	// and its contract is pending. applied is false when another writer got
	// there first or the contract left pending state.
	MarkSignerSigned(ctx context.Context, signerID string, rec SignatureRecord) (applied bool, err error)
	// CountPendingSigners counts signers of contractID with no signed timestamp.
	CountPendingSigners(ctx context.Context, contractID string) (int, error)
	// FinalizeContract moves a pending contract to signed and records the
	// signed document. applied is false when the contract is no longer pending.
	FinalizeContract(ctx context.Context, contractID string, fin Finalization) (applied bool, err error)

	CreateSigner(ctx context.Context, s NewSigner) (string, error)
	// CreateContract creates the contract and attaches every signer atomically.
	CreateContract(ctx context.Context, c NewContract, signerIDs []string) (string, error)
	GetContract(ctx context.Context, contractID string) (*contract.Contract, error)
	// ListSigners returns the contract's signers ordered by id.
	ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error)
	// CancelContract moves a pending contract to cancelled.
	CancelContract(ctx context.Context, contractID string) (applied bool, err error)
	// DeleteSigners removes signers not yet attached to a contract.
	DeleteSigners(ctx context.Context, signerIDs []string) error

	Close() error
}

const (
	signerIDPrefix   = "sgn_"
	contractIDPrefix = "ctr_"
)
