package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindReplay       Kind = "replay"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindInvalidState Kind = "invalid_state"
	KindLedger       Kind = "ledger"
	KindDecryption   Kind = "decryption"
)

// Error is the single error value crossing service boundaries. Kind is the
// machine-readable discriminant; Details carries diagnostic values such as
// the expected/actual amounts of a voucher mismatch.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

// KindOf returns the Kind of err, or "" when err is nil or not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
