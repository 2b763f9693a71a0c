package service

import (
	"errors"
	"fmt"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// Code is the stable, transport-independent identifier of a failure.
type Code string

const (
	CodeInvalidSession     Code = "INVALID_SESSION"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeUnallowedUnlock    Code = "UNALLOWED_UNLOCK"
	CodeNotEnoughTickets   Code = "NOT_ENOUGH_TICKETS"
	CodeNotKeyOwner        Code = "NOT_KEY_OWNER"
	CodeKeyNotFound        Code = "KEY_NOT_FOUND"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeGrantNotFound      Code = "GRANT_NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeValidation         Code = "VALIDATION"
	CodeStorage            Code = "STORAGE_ERROR"
	CodeActuatorTimeout    Code = "ACTUATOR_TIMEOUT"
	CodeActuatorFault      Code = "ACTUATOR_FAULT"
)

// Error is returned by every service operation.  errors.Is matches on Code,
// so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidSession     = &Error{Code: CodeInvalidSession, Message: "invalid or expired session"}
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: "invalid username or password"}
	ErrUnallowedUnlock    = &Error{Code: CodeUnallowedUnlock, Message: "no access to this key"}
	ErrNotEnoughTickets   = &Error{Code: CodeNotEnoughTickets, Message: "no tickets left for this key"}
	ErrNotKeyOwner        = &Error{Code: CodeNotKeyOwner, Message: "only the key owner may do this"}
	ErrKeyNotFound        = &Error{Code: CodeKeyNotFound, Message: "key not found"}
	ErrUserNotFound       = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrGrantNotFound      = &Error{Code: CodeGrantNotFound, Message: "key is not shared with this user"}
	ErrConflict           = &Error{Code: CodeConflict, Message: "already exists"}
	ErrValidation         = &Error{Code: CodeValidation, Message: "invalid request"}
	ErrStorage            = &Error{Code: CodeStorage, Message: "storage failure"}
	ErrActuatorTimeout    = &Error{Code: CodeActuatorTimeout, Message: "door actuator timed out"}
	ErrActuatorFault      = &Error{Code: CodeActuatorFault, Message: "door actuator failed"}
)

func validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

func storageError(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op, Cause: err}
}

// CodeOf extracts the Code from err, or CodeStorage for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeStorage
}

// fromStore translates store sentinels.  notFound is the error to report
// for store.ErrNotFound in the caller's context.
func fromStore(op string, err error, notFound *Error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return &Error{Code: CodeConflict, Message: op + ": already exists", Cause: err}
	case errors.Is(err, store.ErrNotFound) && notFound != nil:
		return notFound
	}
	return storageError(op, err)
}
