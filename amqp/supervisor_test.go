package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// stubConnection is a transport that does nothing.
type stubConnection struct{}

func (stubConnection) Channel() (transport.Channel, error) {
	return nil, transport.ErrClosed
}

func (stubConnection) NotifyClose(receiver chan *transport.Error) chan *transport.Error {
	return receiver
}

func (stubConnection) Close() error {
	return nil
}

// stubDialer fails the first failures dials.
type stubDialer struct {
	lock     sync.Mutex
	failures int
	dials    int
}

func (dialer *stubDialer) Dial(ctx context.Context) (transport.Connection, error) {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()

	dialer.dials++
	if dialer.failures > 0 {
		dialer.failures--
		return nil, &transport.DialError{
			Failure:  transport.DialUnreachable,
			Endpoint: dialer.Endpoint(),
			Err:      errors.New("connection refused"),
		}
	}
	return stubConnection{}, nil
}

func (dialer *stubDialer) Endpoint() string {
	return "amqp://stub/"
}

func (dialer *stubDialer) dialCount() int {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	return dialer.dials
}

func newTestSupervisor(
	ctx context.Context, dialer transport.Dialer, maxAttempts int,
) (*supervisor, *[]SupervisorEvent) {
	events := new([]SupervisorEvent)
	return &supervisor{
		ctx:         ctx,
		dialer:      dialer,
		interval:    time.Millisecond,
		maxAttempts: maxAttempts,
		lossEvents:  make(chan sessionLoss, 1),
		publish: func(event SupervisorEvent) {
			*events = append(*events, event)
		},
		logger: zerolog.Nop(),
	}, events
}

func TestSupervisor_DialInitial_NoRetry(t *testing.T) {
	assert := assert.New(t)

	dialer := &stubDialer{failures: 1}
	sup, _ := newTestSupervisor(context.Background(), dialer, 0)

	session, err := sup.dialInitial(context.Background(), false)
	assert.Nil(session, "no session")

	var dialErr *transport.DialError
	assert.True(errors.As(err, &dialErr), "dial error returned")
	assert.Equal(1, dialer.dialCount(), "single attempt")
}

func TestSupervisor_DialInitial_Retry(t *testing.T) {
	assert := assert.New(t)

	dialer := &stubDialer{failures: 3}
	sup, events := newTestSupervisor(context.Background(), dialer, 0)

	session, err := sup.dialInitial(context.Background(), true)
	if !assert.NoError(err, "dial") {
		t.FailNow()
	}
	assert.Equal(uint64(1), session.number, "first session")
	assert.Equal(4, dialer.dialCount(), "dialed until success")
	assert.Empty(*events, "initial dial publishes nothing")
}

func TestSupervisor_Redial(t *testing.T) {
	assert := assert.New(t)

	dialer := &stubDialer{failures: 2}
	sup, events := newTestSupervisor(context.Background(), dialer, 0)
	sup.sessionCount = 1

	session, err := sup.redial(7)
	if !assert.NoError(err, "redial") {
		t.FailNow()
	}
	assert.Equal(uint64(2), session.number, "session number incremented")

	if !assert.Len(*events, 3, "events") {
		t.FailNow()
	}
	for i, kind := range []SupervisorEventKind{
		SupervisorDialFailed, SupervisorDialFailed, SupervisorConnected,
	} {
		assert.Equal(kind, (*events)[i].Kind, "event %v kind", i)
		assert.Equal(i+1, (*events)[i].Attempt, "event %v attempt", i)
		assert.Equal(uint64(7), (*events)[i].Cycle, "event %v cycle", i)
	}
}

func TestSupervisor_Redial_MaxAttempts(t *testing.T) {
	assert := assert.New(t)

	dialer := &stubDialer{failures: 100}
	sup, events := newTestSupervisor(context.Background(), dialer, 3)

	session, err := sup.redial(1)
	assert.Nil(session)
	assert.ErrorIs(err, ErrRecoveryAbandoned)
	assert.Equal(3, dialer.dialCount(), "attempts capped")
	assert.Len(*events, 3, "one event per failed attempt")
}

func TestSupervisor_Redial_Cancelled(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	dialer := &stubDialer{failures: 100}
	sup, _ := newTestSupervisor(ctx, dialer, 0)
	sup.interval = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	session, err := sup.redial(1)
	assert.Nil(session)
	assert.ErrorIs(err, context.Canceled)
	assert.Equal(0, dialer.dialCount(), "cancelled during the wait")
}

func TestSupervisor_ReportLostOnce(t *testing.T) {
	assert := assert.New(t)

	sup, _ := newTestSupervisor(context.Background(), new(stubDialer), 0)
	session := newSession(stubConnection{}, 1)
	assert.False(session.isLost())

	lossErr := transport.NewError(
		transport.ConnectionForced, "forced", transport.InitiatorBroker,
	)
	sup.reportLost(session, lossErr)
	sup.reportLost(session, transport.ErrClosed)

	assert.True(session.isLost(), "session marked lost")
	if !assert.Len(sup.lossEvents, 1, "one loss queued") {
		t.FailNow()
	}
	loss := <-sup.lossEvents
	assert.Same(session, loss.session)
	assert.Same(lossErr, loss.err, "first error reported")
}

func TestSession_ChannelIDs(t *testing.T) {
	assert := assert.New(t)

	session := newSession(stubConnection{}, 1)
	assert.Equal(uint16(1), session.nextChannelID())
	assert.Equal(uint16(2), session.nextChannelID())
}
