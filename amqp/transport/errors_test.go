package transport

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	testCases := []struct {
		code     int
		expected ErrorClass
	}{
		{ContentTooLarge, ClassSoft},
		{NoRoute, ClassSoft},
		{NoConsumers, ClassSoft},
		{AccessRefused, ClassSoft},
		{NotFound, ClassSoft},
		{ResourceLocked, ClassSoft},
		{PreconditionFailed, ClassSoft},
		{ConnectionForced, ClassHard},
		{InvalidPath, ClassHard},
		{FrameError, ClassHard},
		{ChannelError, ClassHard},
		{NotAllowed, ClassHard},
		{InternalError, ClassHard},
		{999, ClassHard},
	}

	for _, thisCase := range testCases {
		t.Run(fmt.Sprint(thisCase.code), func(t *testing.T) {
			assert.Equal(t, thisCase.expected, ClassOf(thisCase.code))
		})
	}
}

func TestError_Is(t *testing.T) {
	assert := assert.New(t)

	closed := NewError(ChannelError, "channel closed by broker", InitiatorBroker)
	assert.ErrorIs(closed, ErrClosed, "same class and code")

	wrapped := fmt.Errorf("publish: %w", closed)
	assert.ErrorIs(wrapped, ErrClosed, "wrapped error matches")

	notFound := NewError(NotFound, "no queue 'orders'", InitiatorBroker)
	assert.False(errors.Is(notFound, ErrClosed), "different code")

	var nilErr *Error
	assert.False(nilErr.Is(ErrClosed), "nil error")
	assert.False(nilErr.IsSoft())
	assert.False(nilErr.IsHard())
	assert.Equal("", nilErr.Error())
}

func TestError_Text(t *testing.T) {
	assert := assert.New(t)

	err := NewError(PreconditionFailed, "inequivalent arg 'durable'", InitiatorBroker)
	assert.Equal(
		"soft error 406 (inequivalent arg 'durable') raised by broker",
		err.Error(),
	)

	annotated := err.WithOrigin("conn-1", 4, "orders")
	assert.Equal(
		"soft error 406 (inequivalent arg 'durable') raised by broker"+
			" on channel 4 for 'orders'",
		annotated.Error(),
	)
}

func TestError_WithOrigin(t *testing.T) {
	assert := assert.New(t)

	err := NewError(NotFound, "no exchange", InitiatorBroker)
	annotated := err.WithOrigin("conn-1", 2, "events")

	assert.NotSame(err, annotated, "copy returned")
	assert.Equal("", err.ConnectionID, "original untouched")
	assert.Equal("conn-1", annotated.ConnectionID)
	assert.Equal(uint16(2), annotated.ChannelID)
	assert.Equal("events", annotated.Entity)

	again := annotated.WithOrigin("conn-2", 7, "other")
	assert.Equal("conn-1", again.ConnectionID, "connection kept")
	assert.Equal(uint16(2), again.ChannelID, "channel kept")
	assert.Equal("events", again.Entity, "entity kept")

	var nilErr *Error
	assert.Nil(nilErr.WithOrigin("conn-1", 1, ""))
}

func TestAsError(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(AsError(nil), "nil")

	plain := AsError(errors.New("socket reset"))
	assert.True(plain.IsHard(), "plain errors are hard")
	assert.Equal(InternalError, plain.Code)
	assert.Equal(InitiatorApplication, plain.Initiator)
	assert.Equal("socket reset", plain.Reason)

	brokerErr := NewError(ResourceLocked, "exclusive queue", InitiatorBroker)
	extracted := AsError(fmt.Errorf("declare: %w", brokerErr))
	assert.Same(brokerErr, extracted, "wrapped error extracted")
	assert.True(extracted.IsSoft())
}

func TestClassifyDialError(t *testing.T) {
	errAuth := errors.New("username or password not allowed")
	errSyntax := errors.New("invalid URI")
	rules := DialErrorRules{
		Authentication: []error{errAuth},
		InvalidURI:     []error{errSyntax},
	}

	testCases := []struct {
		name     string
		err      error
		expected DialFailure
	}{
		{
			name:     "refused",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")},
			expected: DialUnreachable,
		},
		{
			name:     "dns",
			err:      &net.DNSError{Err: "no such host", Name: "rabbit"},
			expected: DialUnresolvable,
		},
		{
			name:     "dns inside op",
			err:      &net.OpError{Op: "dial", Err: &net.DNSError{Name: "rabbit"}},
			expected: DialUnresolvable,
		},
		{
			name:     "authentication",
			err:      fmt.Errorf("handshake: %w", errAuth),
			expected: DialAuthentication,
		},
		{
			name:     "uri",
			err:      errSyntax,
			expected: DialInvalidURI,
		},
		{
			name:     "other",
			err:      errors.New("frame too large"),
			expected: DialOther,
		},
	}

	for _, thisCase := range testCases {
		t.Run(thisCase.name, func(t *testing.T) {
			assert := assert.New(t)

			err := ClassifyDialError("amqp://rabbit/", thisCase.err, rules)

			var dialErr *DialError
			if !assert.ErrorAs(err, &dialErr, "dial error returned") {
				t.FailNow()
			}
			assert.Equal(thisCase.expected, dialErr.Failure, "failure")
			assert.Equal("amqp://rabbit/", dialErr.Endpoint, "endpoint")
			assert.ErrorIs(err, thisCase.err, "cause unwrapped")
		})
	}
}

func TestClassifyDialError_Passthrough(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ClassifyDialError("amqp://rabbit/", nil, DialErrorRules{}))

	existing := &DialError{Failure: DialInvalidURI, Endpoint: "x", Err: errors.New("bad")}
	err := ClassifyDialError("amqp://rabbit/", fmt.Errorf("dial: %w", existing), DialErrorRules{})
	assert.Same(existing, err, "existing dial error returned")
	assert.Equal("invalid uri dialing 'x': bad", err.Error())
}
