/**
 * @description
 * Error kinds shared by every layer of the stokvel service. Stores, services and
 * workers return *Error values so callers can branch on the kind (retry, surface
 * to the user, halt) without string matching.
 */
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindUnauthorized     Kind = "unauthorized"
	KindValidation       Kind = "validation"
	KindExpired          Kind = "expired"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
)

// Error carries a Kind plus a message that is safe to show to end users.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind and message so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Msg == t.Msg
}

// Wrap returns a copy of the sentinel annotated with the failing operation and cause.
func (e *Error) Wrap(op string, err error) *Error {
	return &Error{Kind: e.Kind, Op: op, Msg: e.Msg, Err: err}
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func NotFound(msg string) *Error         { return newError(KindNotFound, msg) }
func Conflict(msg string) *Error         { return newError(KindConflict, msg) }
func CapacityExceeded(msg string) *Error { return newError(KindCapacityExceeded, msg) }
func Unauthorized(msg string) *Error     { return newError(KindUnauthorized, msg) }
func Validation(msg string) *Error       { return newError(KindValidation, msg) }
func Expired(msg string) *Error          { return newError(KindExpired, msg) }
func Transient(msg string) *Error        { return newError(KindTransient, msg) }
func Fatal(msg string) *Error            { return newError(KindFatal, msg) }

// Upstream wraps a PaymentGateway failure.
func Upstream(op string, err error) *Error {
	return &Error{Kind: KindUpstreamFailure, Op: op, Msg: "payment gateway request failed", Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" when none is present.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// UserMessage returns the user-facing message of the first *Error in the chain.
func UserMessage(err error) (string, bool) {
	var de *Error
	if errors.As(err, &de) && de.Msg != "" {
		return de.Msg, true
	}
	return "", false
}

var (
	ErrUserNotFound          = NotFound("This number is not registered with us.")
	ErrStokvelNotFound       = NotFound("Stokvel not found.")
	ErrMemberNotFound        = NotFound("You are not a member of this stokvel.")
	ErrApplicationNotFound   = NotFound("Application not found.")
	ErrScheduleNotFound      = NotFound("Schedule not found.")
	ErrOTPNotFound           = NotFound("No OTP has been requested for this number.")
	ErrStokvelNameTaken      = Conflict("A stokvel with this name already exists.")
	ErrUserExists            = Conflict("This number is already registered.")
	ErrAlreadyMember         = Conflict("You are already a member of this stokvel.")
	ErrDuplicateApplication  = Conflict("You have already applied to join this stokvel.")
	ErrApplicationClosed     = Conflict("This application has already been processed.")
	ErrGrantConflict         = Conflict("payment grant was rotated concurrently")
	ErrScheduleConflict      = Conflict("schedule was advanced concurrently")
	ErrStokvelFull           = CapacityExceeded("This stokvel is full. Please contact the admin or apply for another stokvel.")
	ErrCapacityBelowMembers  = CapacityExceeded("The maximum number of members cannot be lower than the current number of members.")
	ErrNotAdmin              = Unauthorized("Only an admin of this stokvel can perform this action.")
	ErrOTPNotVerified        = Unauthorized("Please verify your number with an OTP first.")
	ErrContributionTooLow    = Validation("Your contribution is below the stokvel's minimum contribution.")
	ErrInvalidPeriod         = Validation("Invalid period specified.")
	ErrInvalidDates          = Validation("The end date must be after the start date.")
	ErrPayoutShorterPeriod   = Validation("The payout period cannot be shorter than the contribution period.")
	ErrInvalidInput          = Validation("Invalid input.")
	ErrNoStokvelSelected     = Validation("Please select a stokvel first.")
	ErrOTPExpired            = Expired("The OTP has expired.")
	ErrScheduleLeaseExpired  = Expired("schedule tick exceeded its budget")
	ErrGrantNotAccepted      = Conflict("The payment grant has not been accepted yet.")
	ErrMemberNotActive       = Conflict("This membership is not active.")
	ErrInvalidPhoneNumber    = Validation("Invalid phone number.")
	ErrInvalidWalletAddress  = Validation("Invalid wallet address.")
	ErrMaxMembersNotPositive = Validation("Please make sure the number of members is numeric and greater than 0.")
)
