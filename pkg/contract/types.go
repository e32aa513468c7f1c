// Package contract defines the records shared by the signing workflow:
// contracts, their signers, signature placements, and the error taxonomy
// every workflow boundary maps failures into.
package contract

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a Contract.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingSignature Status = "pending_signature"
	StatusSigned           Status = "signed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// Signable reports whether signatures may still be captured.
func (s Status) Signable() bool {
	return s == StatusPendingSignature
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingSignature, StatusSigned, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Placement locates a signature box on a page of the draft document.
//
// Page is 0-indexed. X and Y are the top-left corner of the box, measured in
// PDF points from the top-left corner of the page. Width and Height are in
// points. Only the compositor translates this into the document's native
// bottom-left origin.
type Placement struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate checks the placement independent of any document.
func (p Placement) Validate() error {
	if p.Page < 0 {
		return fmt.Errorf("page must be >= 0, got %d", p.Page)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("width and height must be positive, got %gx%g", p.Width, p.Height)
	}
	if p.X < 0 || p.Y < 0 {
		return fmt.Errorf("x and y must be >= 0, got (%g, %g)", p.X, p.Y)
	}
	return nil
}

// Signer is one required signatory on one contract.
type Signer struct {
	ID           string     `json:"id"`
	ContractID   string     `json:"contract_id,omitempty"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	Placement    Placement  `json:"placement"`
	SignatureURL string     `json:"signature_url,omitempty"`
	DocumentURL  string     `json:"document_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Signed reports whether the signer has completed.
func (s *Signer) Signed() bool {
	return s.SignedAt != nil
}

// Contract is the document under signature.
type Contract struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	DraftURL  string     `json:"draft_url"`
	SignedURL string     `json:"signed_url,omitempty"`
	Digest    string     `json:"digest,omitempty"`
	SignedAt  *time.Time `json:"signed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SignerIDs []string   `json:"signer_ids"`
}

// Finalized reports whether the signed document and digest have been recorded.
func (c *Contract) Finalized() bool {
	return c.Status == StatusSigned && c.SignedURL != ""
}
