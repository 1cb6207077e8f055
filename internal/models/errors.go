package models

import "errors"

var ErrNotFound = errors.New("not found")

// Reason identifies an expected, user facing rejection.
type Reason string

const (
	ReasonNotAuthenticated      Reason = "not-authenticated"
	ReasonNotParticipant        Reason = "not-participant"
	ReasonNotAdmin              Reason = "not-admin"
	ReasonNotSender             Reason = "not-sender"
	ReasonExpired               Reason = "expired"
	ReasonNotFound              Reason = "not-found"
	ReasonAlreadyExists         Reason = "already-exists"
	ReasonLastAdmin             Reason = "last-admin"
	ReasonDeleted               Reason = "deleted"
	ReasonBlocked               Reason = "blocked"
	ReasonInvalid               Reason = "invalid"
	ReasonEncryptionUnavailable Reason = "encryption-unavailable"
)

// PolicyError is returned for policy rejections. Two PolicyErrors match
// under errors.Is when their reasons are equal.
type PolicyError struct {
	Reason Reason
	Detail string
}

func (e *PolicyError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

func (e *PolicyError) Is(target error) bool {
	var pe *PolicyError
	if !errors.As(target, &pe) {
		return target == ErrNotFound && e.Reason == ReasonNotFound
	}
	return pe.Reason == e.Reason
}

var (
	ErrNotAuthenticated      = &PolicyError{Reason: ReasonNotAuthenticated}
	ErrNotParticipant        = &PolicyError{Reason: ReasonNotParticipant}
	ErrNotAdmin              = &PolicyError{Reason: ReasonNotAdmin}
	ErrNotSender             = &PolicyError{Reason: ReasonNotSender}
	ErrExpired               = &PolicyError{Reason: ReasonExpired}
	ErrMissing               = &PolicyError{Reason: ReasonNotFound}
	ErrAlreadyExists         = &PolicyError{Reason: ReasonAlreadyExists}
	ErrLastAdmin             = &PolicyError{Reason: ReasonLastAdmin}
	ErrDeleted               = &PolicyError{Reason: ReasonDeleted}
	ErrBlocked               = &PolicyError{Reason: ReasonBlocked}
	ErrEncryptionUnavailable = &PolicyError{Reason: ReasonEncryptionUnavailable}
)

// Reject builds a PolicyError with a detail message.
func Reject(reason Reason, detail string) error {
	return &PolicyError{Reason: reason, Detail: detail}
}

// Invalid is a shortcut for input validation rejections.
func Invalid(detail string) error {
	return Reject(ReasonInvalid, detail)
}

// IsPolicy reports whether err is an expected rejection.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// Outcome is the wire form of an operation result.
type Outcome struct {
	Success bool   `json:"success"`
	Error   Reason `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

const genericFailure = "something went wrong"

// OutcomeOf renders err for the UI. Infrastructure failures are reported
// generically.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Success: true}
	}
	var pe *PolicyError
	if errors.As(err, &pe) {
		return Outcome{Error: pe.Reason, Message: pe.Error()}
	}
	return Outcome{Message: genericFailure}
}
