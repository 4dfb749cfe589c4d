package core

import (
	"errors"
	"fmt"
)

// Error is the single error shape shared by the voice ordering subsystem.
// Kind decides how the error propagates: validation kinds go back to the
// remote AI, fatal kinds end the session, everything else is handled locally.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Param     string `json:"param,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Param != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Param)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by kind so callers can compare against the
// package-level sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind categorizes errors.
type Kind string

const (
	// Transport negotiation.
	KindAuthRejected       Kind = "auth_rejected"
	KindNetworkUnreachable Kind = "network_unreachable"
	KindNegotiationFailed  Kind = "negotiation_failed"

	// Credential issuance.
	KindAuthDenied Kind = "auth_denied"

	// Session lifecycle.
	KindSessionAlreadyActive Kind = "session_already_active"
	KindProtocolViolation    Kind = "protocol_violation"
	KindConnectTimeout       Kind = "connect_timeout"
	KindHandshakeTimeout     Kind = "handshake_timeout"
	KindCommitTimeout        Kind = "commit_timeout"
	KindTranscriptTimeout    Kind = "transcript_timeout"
	KindResponseTimeout      Kind = "response_timeout"
	KindReconnectFailed      Kind = "reconnect_failed"
	KindTransportLost        Kind = "transport_lost"
	KindSessionClosed        Kind = "session_closed"
	KindInvalidPhase         Kind = "invalid_phase"

	// Function-call validation.
	KindUnknownMenuItem  Kind = "unknown_menu_item"
	KindInvalidModifier  Kind = "invalid_modifier"
	KindLineNotFound     Kind = "line_not_found"
	KindInvalidQuantity  Kind = "invalid_quantity"
	KindEmptyOrder       Kind = "empty_order"
	KindOrderFrozen      Kind = "order_frozen"
	KindInvalidArguments Kind = "invalid_arguments"

	// Order submission.
	KindSubmissionFailed Kind = "submission_failed"

	KindInternal Kind = "internal"
)

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrAuthRejected         = &Error{Kind: KindAuthRejected}
	ErrNetworkUnreachable   = &Error{Kind: KindNetworkUnreachable}
	ErrNegotiationFailed    = &Error{Kind: KindNegotiationFailed}
	ErrAuthDenied           = &Error{Kind: KindAuthDenied}
	ErrSessionAlreadyActive = &Error{Kind: KindSessionAlreadyActive}
	ErrProtocolViolation    = &Error{Kind: KindProtocolViolation}
	ErrSessionClosed        = &Error{Kind: KindSessionClosed}
	ErrInvalidPhase         = &Error{Kind: KindInvalidPhase}
	ErrUnknownMenuItem      = &Error{Kind: KindUnknownMenuItem}
	ErrInvalidModifier      = &Error{Kind: KindInvalidModifier}
	ErrLineNotFound         = &Error{Kind: KindLineNotFound}
	ErrInvalidQuantity      = &Error{Kind: KindInvalidQuantity}
	ErrEmptyOrder           = &Error{Kind: KindEmptyOrder}
	ErrOrderFrozen          = &Error{Kind: KindOrderFrozen}
	ErrInvalidArguments     = &Error{Kind: KindInvalidArguments}
	ErrSubmissionFailed     = &Error{Kind: KindSubmissionFailed}
)

// New creates an error of the given kind with its default classification.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind.defaultRetryable(),
		Fatal:     kind.defaultFatal(),
	}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithReason returns a copy of e carrying a coarse machine-readable reason.
func (e *Error) WithReason(reason string) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Reason = reason
	return &out
}

// WithParam returns a copy of e naming the offending argument.
func (e *Error) WithParam(param string) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Param = param
	return &out
}

// IsRetryable reports whether the operation may be attempted again unchanged.
func (e *Error) IsRetryable() bool {
	return e != nil && e.Retryable
}

// IsFatal reports whether the error terminates the session.
func (e *Error) IsFatal() bool {
	return e != nil && e.Fatal
}

// IsValidation reports whether the error is a function-call validation error
// that belongs in a Function Call Response.
func (e *Error) IsValidation() bool {
	return e != nil && e.Kind.IsValidation()
}

// IsValidation reports whether k is a function-call validation kind.
func (k Kind) IsValidation() bool {
	switch k {
	case KindUnknownMenuItem, KindInvalidModifier, KindLineNotFound,
		KindInvalidQuantity, KindEmptyOrder, KindOrderFrozen, KindInvalidArguments:
		return true
	default:
		return false
	}
}

func (k Kind) defaultFatal() bool {
	switch k {
	case KindConnectTimeout, KindHandshakeTimeout, KindReconnectFailed,
		KindProtocolViolation, KindAuthDenied, KindAuthRejected:
		return true
	default:
		return false
	}
}

func (k Kind) defaultRetryable() bool {
	switch k {
	case KindSubmissionFailed, KindNetworkUnreachable, KindNegotiationFailed,
		KindCommitTimeout, KindTranscriptTimeout, KindResponseTimeout, KindTransportLost:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind of err through wrapping. Unknown errors are
// KindInternal; nil is the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AsError returns err as *Error, converting unknown errors to KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	return Wrap(KindInternal, "internal error", err)
}
