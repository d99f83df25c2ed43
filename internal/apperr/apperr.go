// Package apperr defines the structured failures returned to callers of the
// dispatch core. Every failure carries a Kind that survives wrapping and maps
// onto the {kind, detail} wire shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthorized       Kind = "Unauthorized"
	KindNotEligible        Kind = "NotEligible"
	KindAlreadyResolved    Kind = "AlreadyResolved"
	KindInvalidTransition  Kind = "InvalidTransition"
	KindDuplicateActiveBid Kind = "DuplicateActiveBid"
	KindStaleUpdate        Kind = "StaleUpdate"
	KindSessionGone        Kind = "SessionGone"
	KindConcurrentConflict Kind = "ConcurrentConflict"
	KindBidNotFound        Kind = "BidNotFound"
	KindNotFound           Kind = "NotFound"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindInternal           Kind = "Internal"
)

type Error struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Is matches any *Error of the same kind, so sentinels compare by kind
// regardless of detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrNotEligible        = &Error{Kind: KindNotEligible}
	ErrAlreadyResolved    = &Error{Kind: KindAlreadyResolved}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrDuplicateActiveBid = &Error{Kind: KindDuplicateActiveBid}
	ErrStaleUpdate        = &Error{Kind: KindStaleUpdate}
	ErrSessionGone        = &Error{Kind: KindSessionGone}
	ErrConcurrentConflict = &Error{Kind: KindConcurrentConflict}
	ErrBidNotFound        = &Error{Kind: KindBidNotFound}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrInternal           = &Error{Kind: KindInternal}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// From converts any error into a structured failure. Errors without a kind
// are reported as Internal without leaking their text.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Detail: "internal error"}
}

func KindOf(err error) Kind {
	if e := From(err); e != nil {
		return e.Kind
	}
	return ""
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotEligible:
		return http.StatusForbidden
	case KindNotFound, KindBidNotFound:
		return http.StatusNotFound
	case KindAlreadyResolved, KindInvalidTransition, KindDuplicateActiveBid, KindConcurrentConflict, KindStaleUpdate:
		return http.StatusConflict
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindSessionGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
