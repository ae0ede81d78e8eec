package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// AMQP 0.9.1 reply codes the engine reasons about.
const (
	ContentTooLarge    = 311
	NoRoute            = 312
	NoConsumers        = 313
	ConnectionForced   = 320
	InvalidPath        = 402
	AccessRefused      = 403
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	FrameError         = 501
	SyntaxError        = 502
	CommandInvalid     = 503
	ChannelError       = 504
	UnexpectedFrame    = 505
	ResourceError      = 506
	NotAllowed         = 530
	NotImplemented     = 540
	InternalError      = 541
)

// ErrorClass discriminates channel-level from connection-level failures.
type ErrorClass int

const (
	// ClassSoft errors close only the channel they occurred on.
	ClassSoft ErrorClass = iota + 1
	// ClassHard errors invalidate the whole connection.
	ClassHard
)

// String implements fmt.Stringer.
func (class ErrorClass) String() string {
	switch class {
	case ClassSoft:
		return "soft"
	case ClassHard:
		return "hard"
	default:
		return "unknown"
	}
}

// Initiator records which side of the connection raised an error.
type Initiator int

const (
	// InitiatorBroker is used for errors reported by the broker.
	InitiatorBroker Initiator = iota + 1
	// InitiatorApplication is used for errors raised locally by the client.
	InitiatorApplication
)

// String implements fmt.Stringer.
func (initiator Initiator) String() string {
	switch initiator {
	case InitiatorBroker:
		return "broker"
	case InitiatorApplication:
		return "application"
	default:
		return "unknown"
	}
}

// ClassOf returns the class AMQP 0.9.1 assigns to a reply code.
func ClassOf(code int) ErrorClass {
	switch code {
	case ContentTooLarge, NoRoute, NoConsumers,
		AccessRefused, NotFound, ResourceLocked, PreconditionFailed:
		return ClassSoft
	default:
		return ClassHard
	}
}

// Error is a broker or transport failure tagged with its class, reply code, initiator
// and the connection, channel and entity it occurred on.
//
// Origin fields are filled in by the engine as the error travels upwards; adapters
// only need to set Code, Reason and Initiator.
type Error struct {
	Class     ErrorClass
	Code      int
	Reason    string
	Initiator Initiator

	// ConnectionID is the id of the robust connection the error occurred on.
	ConnectionID string
	// ChannelID is the channel number the error occurred on, 0 for connection-level
	// errors.
	ChannelID uint16
	// Entity is the name of the exchange, queue or consumer the failed operation
	// targeted, if any.
	Entity string
}

// NewError creates an Error, deriving its class from the reply code.
func NewError(code int, reason string, initiator Initiator) *Error {
	return &Error{
		Class:     ClassOf(code),
		Code:      code,
		Reason:    reason,
		Initiator: initiator,
	}
}

// ErrClosed is returned when an operation is attempted on a closed channel or
// connection.
var ErrClosed = &Error{
	Class:     ClassHard,
	Code:      ChannelError,
	Reason:    "channel/connection is not open",
	Initiator: InitiatorApplication,
}

// Error implements builtins.error.
func (err *Error) Error() string {
	if err == nil {
		return ""
	}

	builder := new(strings.Builder)
	_, _ = fmt.Fprintf(
		builder,
		"%v error %d (%v) raised by %v",
		err.Class,
		err.Code,
		err.Reason,
		err.Initiator,
	)
	if err.ChannelID != 0 {
		_, _ = fmt.Fprintf(builder, " on channel %d", err.ChannelID)
	}
	if err.Entity != "" {
		_, _ = fmt.Fprintf(builder, " for '%v'", err.Entity)
	}
	return builder.String()
}

// Is reports two errors as equal when their class and code match, so callers can write
// errors.Is(err, transport.ErrClosed).
func (err *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || err == nil {
		return false
	}
	return err.Class == other.Class && err.Code == other.Code
}

// IsSoft returns true if the error is channel-level.
func (err *Error) IsSoft() bool {
	return err != nil && err.Class == ClassSoft
}

// IsHard returns true if the error is connection-level.
func (err *Error) IsHard() bool {
	return err != nil && err.Class == ClassHard
}

// WithOrigin returns a copy of err annotated with where it occurred. Fields that are
// already set are kept.
func (err *Error) WithOrigin(connectionID string, channelID uint16, entity string) *Error {
	if err == nil {
		return nil
	}

	annotated := *err
	if annotated.ConnectionID == "" {
		annotated.ConnectionID = connectionID
	}
	if annotated.ChannelID == 0 {
		annotated.ChannelID = channelID
	}
	if annotated.Entity == "" {
		annotated.Entity = entity
	}
	return &annotated
}

// AsError extracts a *Error from err's chain. Errors that are not a *Error are treated as
// hard failures raised by the application side of the connection.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr
	}

	return &Error{
		Class:     ClassHard,
		Code:      InternalError,
		Reason:    err.Error(),
		Initiator: InitiatorApplication,
	}
}

// DialFailure discriminates why an initial connection attempt failed.
type DialFailure int

const (
	// DialOther is any failure not covered below.
	DialOther DialFailure = iota
	// DialUnreachable means the endpoint refused or timed out the connection.
	DialUnreachable
	// DialUnresolvable means the endpoint host name could not be resolved.
	DialUnresolvable
	// DialAuthentication means the broker rejected the credentials or vhost.
	DialAuthentication
	// DialInvalidURI means the endpoint URI could not be parsed.
	DialInvalidURI
)

// String implements fmt.Stringer.
func (failure DialFailure) String() string {
	switch failure {
	case DialUnreachable:
		return "endpoint unreachable"
	case DialUnresolvable:
		return "host unresolvable"
	case DialAuthentication:
		return "authentication rejected"
	case DialInvalidURI:
		return "invalid uri"
	default:
		return "dial failed"
	}
}

// DialError is returned when a physical connection could not be opened.
type DialError struct {
	Failure  DialFailure
	Endpoint string
	Err      error
}

// Error implements builtins.error.
func (err *DialError) Error() string {
	return fmt.Sprintf("%v dialing '%v': %v", err.Failure, err.Endpoint, err.Err)
}

// Unwrap returns the underlying dial error.
func (err *DialError) Unwrap() error {
	return err.Err
}

// DialErrorRules tells ClassifyDialError which library-specific errors mean what.
type DialErrorRules struct {
	// Authentication errors are returned by the library when SASL or vhost access is
	// refused.
	Authentication []error
	// InvalidURI errors are returned by the library when the URI is malformed.
	InvalidURI []error
}

// ClassifyDialError wraps err in a *DialError with the matching DialFailure. A nil err
// returns nil.
func ClassifyDialError(endpoint string, err error, rules DialErrorRules) error {
	if err == nil {
		return nil
	}

	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return dialErr
	}

	result := &DialError{
		Failure:  DialOther,
		Endpoint: endpoint,
		Err:      err,
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError

	switch {
	case matchesAny(err, rules.Authentication):
		result.Failure = DialAuthentication
	case matchesAny(err, rules.InvalidURI):
		result.Failure = DialInvalidURI
	case errors.As(err, &dnsErr):
		result.Failure = DialUnresolvable
	case errors.As(err, &opErr):
		result.Failure = DialUnreachable
	}

	return result
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
