package contract

import (
	"errors"
	"fmt"
)

// Kind classifies a workflow failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTokenInvalid
	KindTokenExpired
	KindNotFound
	KindContractNotSignable
	KindSourceUnavailable
	KindStoreUnavailable
	KindCompositionError
	KindInvalidPlacement
	KindInconsistentState
	KindInvalidRequest
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindTokenInvalid:        "token_invalid",
	KindTokenExpired:        "token_expired",
	KindNotFound:            "not_found",
	KindContractNotSignable: "contract_not_signable",
	KindSourceUnavailable:   "source_unavailable",
	KindStoreUnavailable:    "store_unavailable",
	KindCompositionError:    "composition_error",
	KindInvalidPlacement:    "invalid_placement",
	KindInconsistentState:   "inconsistent_state",
	KindInvalidRequest:      "invalid_request",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the caller may retry the same request.
func (k Kind) Retryable() bool {
	return k == KindSourceUnavailable || k == KindStoreUnavailable
}

// Alert reports whether the failure indicates a bug or broken invariant.
func (k Kind) Alert() bool {
	switch k {
	case KindCompositionError, KindInvalidPlacement, KindInconsistentState, KindUnknown:
		return true
	}
	return false
}

// PublicMessage is the non-technical text shown to the person holding the link.
func (k Kind) PublicMessage() string {
	switch k {
	case KindTokenExpired:
		return "This signing link has expired. Please request a new link from the sender."
	case KindTokenInvalid:
		return "This signing link is not valid. Please contact the sender of the document."
	case KindNotFound:
		return "This signing link is not valid."
	case KindContractNotSignable:
		return "This document can no longer be signed. It has already been completed or was cancelled."
	case KindSourceUnavailable, KindStoreUnavailable:
		return "The service is temporarily unavailable. Please try again in a moment."
	case KindInvalidRequest:
		return "The request could not be processed. Please check the submitted data."
	default:
		return "Something went wrong while processing the document. The team has been notified."
	}
}

// Error is the typed failure returned across the workflow boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so callers can test with sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Sentinels for errors.Is.
var (
	ErrTokenInvalid        = &Error{Kind: KindTokenInvalid}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrContractNotSignable = &Error{Kind: KindContractNotSignable}
	ErrSourceUnavailable   = &Error{Kind: KindSourceUnavailable}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable}
	ErrCompositionError    = &Error{Kind: KindCompositionError}
	ErrInvalidPlacement    = &Error{Kind: KindInvalidPlacement}
	ErrInconsistentState   = &Error{Kind: KindInconsistentState}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
)
