// Package apperr carries the typed error taxonomy shared by the settlement engines
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindValidation    Kind = "validation"
	KindExternal      Kind = "external"
	KindConsistency   Kind = "consistency"
)

type Code string

const (
	// Authorization
	CodeNotOwner  Code = "NotOwner"
	CodeNotBuyer  Code = "NotBuyer"
	CodeNotSeller Code = "NotSeller"
	CodeNotParty  Code = "NotParty"

	// State
	CodeInvalidTransition     Code = "InvalidTransition"
	CodeDealExists            Code = "DealExists"
	CodeAlreadyListed         Code = "AlreadyListed"
	CodeConflictingSettlement Code = "ConflictingSettlement"
	CodeOperationPending      Code = "OperationPending"
	CodeNotFound              Code = "NotFound"

	// Validation
	CodeSelfPurchase         Code = "SelfPurchase"
	CodeSelfInterest         Code = "SelfInterest"
	CodeDuplicateInterest    Code = "DuplicateInterest"
	CodeWrongAmount          Code = "WrongAmount"
	CodeCannotRemoveApproved Code = "CannotRemoveApproved"
	CodeInvalidInput         Code = "InvalidInput"

	// External
	CodeLedgerRejected Code = "LedgerRejected"
	CodeUserCancelled  Code = "UserCancelled"
	CodeKycRequired    Code = "KycRequired"
	CodeTimeout        Code = "Timeout"

	// Consistency
	CodeDuplicateRecord Code = "DuplicateRecord"
)

var codeKinds = map[Code]Kind{
	CodeNotOwner:  KindAuthorization,
	CodeNotBuyer:  KindAuthorization,
	CodeNotSeller: KindAuthorization,
	CodeNotParty:  KindAuthorization,

	CodeInvalidTransition:     KindState,
	CodeDealExists:            KindState,
	CodeAlreadyListed:         KindState,
	CodeConflictingSettlement: KindState,
	CodeOperationPending:      KindState,
	CodeNotFound:              KindState,

	CodeSelfPurchase:         KindValidation,
	CodeSelfInterest:         KindValidation,
	CodeDuplicateInterest:    KindValidation,
	CodeWrongAmount:          KindValidation,
	CodeCannotRemoveApproved: KindValidation,
	CodeInvalidInput:         KindValidation,

	CodeLedgerRejected: KindExternal,
	CodeUserCancelled:  KindExternal,
	CodeKycRequired:    KindExternal,
	CodeTimeout:        KindExternal,

	CodeDuplicateRecord: KindConsistency,
}

// Kind returns the taxonomy bucket of the code. Unknown codes are external.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindExternal
}

// Error is a domain error. State carries the current recorded state for State errors,
// TxRef the ledger reference when one exists.
type Error struct {
	Code    Code
	Message string
	State   string
	TxRef   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Kind() Kind { return e.Code.Kind() }

// Retryable reports whether the caller may retry the whole operation unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeUserCancelled || e.Code == CodeTimeout
}

func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

func (e *Error) WithTxRef(ref string) *Error {
	cp := *e
	cp.TxRef = ref
	return &cp
}

func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is checks.
var (
	ErrNotOwner              = &Error{Code: CodeNotOwner}
	ErrNotBuyer              = &Error{Code: CodeNotBuyer}
	ErrNotSeller             = &Error{Code: CodeNotSeller}
	ErrNotParty              = &Error{Code: CodeNotParty}
	ErrInvalidTransition     = &Error{Code: CodeInvalidTransition}
	ErrDealExists            = &Error{Code: CodeDealExists}
	ErrAlreadyListed         = &Error{Code: CodeAlreadyListed}
	ErrConflictingSettlement = &Error{Code: CodeConflictingSettlement}
	ErrOperationPending      = &Error{Code: CodeOperationPending}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrSelfPurchase          = &Error{Code: CodeSelfPurchase}
	ErrSelfInterest          = &Error{Code: CodeSelfInterest}
	ErrDuplicateInterest     = &Error{Code: CodeDuplicateInterest}
	ErrWrongAmount           = &Error{Code: CodeWrongAmount}
	ErrCannotRemoveApproved  = &Error{Code: CodeCannotRemoveApproved}
	ErrInvalidInput          = &Error{Code: CodeInvalidInput}
	ErrLedgerRejected        = &Error{Code: CodeLedgerRejected}
	ErrUserCancelled         = &Error{Code: CodeUserCancelled}
	ErrKycRequired           = &Error{Code: CodeKycRequired}
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrDuplicateRecord       = &Error{Code: CodeDuplicateRecord}
)
