package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/rs/zerolog"
)

// supervisor owns the lifecycle of physical connections: it dials, watches for
// transport failure and redials on a fixed interval. It knows nothing about channels.
type supervisor struct {
	// ctx is the master context of the robust connection. Cancelling it stops any
	// redial in progress.
	ctx context.Context

	dialer      transport.Dialer
	interval    time.Duration
	maxAttempts int

	// sessionCount is the number of sessions dialed so far. Only touched by the
	// goroutine that is dialing.
	sessionCount uint64

	// lossEvents carries one value per lost session to the coordinator. A session is
	// reported at most once and a new session only exists after the previous loss was
	// received, so a buffer of one never blocks a reporter.
	lossEvents chan sessionLoss

	// publish sends lifecycle events to subscribers.
	publish func(event SupervisorEvent)

	logger zerolog.Logger
}

// sleep waits for the recovery interval or until ctx is cancelled.
func (sup *supervisor) sleep(ctx context.Context) error {
	timer := time.NewTimer(sup.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialOnce makes exactly one attempt at a new session.
func (sup *supervisor) dialOnce(ctx context.Context) (*session, error) {
	conn, err := sup.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	sup.sessionCount++
	return newSession(conn, sup.sessionCount), nil
}

// dialInitial makes the first connection. When retry is false a failure is returned
// as-is. Otherwise dialing is repeated on the recovery interval until ctx is
// cancelled.
func (sup *supervisor) dialInitial(ctx context.Context, retry bool) (*session, error) {
	for attempt := 1; ; attempt++ {
		session, err := sup.dialOnce(ctx)
		if err == nil {
			if sup.logger.Info().Enabled() {
				sup.logger.Info().Int("ATTEMPT", attempt).Msg("AMQP BROKER CONNECTED")
			}
			return session, nil
		}

		if !retry {
			sup.logger.Error().Err(err).Msg("initial dial failed")
			return nil, err
		}

		sup.logger.Warn().Err(err).Int("ATTEMPT", attempt).Msg("initial dial failed")
		if sleepErr := sup.sleep(ctx); sleepErr != nil {
			return nil, fmt.Errorf("%w: last dial error: %w", sleepErr, err)
		}
	}
}

// redial reconnects after a transport loss. Every attempt waits the recovery interval
// first and uses the same endpoint. Failed attempts are logged and published but never
// returned: redial only fails when the connection is closed or the attempt cap of the
// cycle is reached.
func (sup *supervisor) redial(cycle uint64) (*session, error) {
	for attempt := 1; ; attempt++ {
		if sup.maxAttempts > 0 && attempt > sup.maxAttempts {
			return nil, fmt.Errorf(
				"%w after %d attempts", ErrRecoveryAbandoned, sup.maxAttempts,
			)
		}

		if err := sup.sleep(sup.ctx); err != nil {
			return nil, err
		}

		if sup.logger.Debug().Enabled() {
			sup.logger.Debug().
				Uint64("RECONNECT_COUNT", sup.sessionCount).
				Int("ATTEMPT", attempt).
				Msg("attempting connection")
		}

		session, err := sup.dialOnce(sup.ctx)
		if err == nil {
			if sup.logger.Info().Enabled() {
				sup.logger.Info().
					Uint64("RECONNECT_COUNT", session.number-1).
					Int("ATTEMPT", attempt).
					Msg("AMQP BROKER CONNECTED")
			}
			sup.publish(SupervisorEvent{
				Kind:    SupervisorConnected,
				Attempt: attempt,
				Cycle:   cycle,
				Time:    time.Now(),
			})
			return session, nil
		}

		if sup.ctx.Err() != nil {
			return nil, sup.ctx.Err()
		}

		sup.logger.Warn().
			Err(err).
			Int("ATTEMPT", attempt).
			Msg("reconnect attempt failed")
		sup.publish(SupervisorEvent{
			Kind:    SupervisorDialFailed,
			Attempt: attempt,
			Err:     err,
			Cycle:   cycle,
			Time:    time.Now(),
		})
	}
}

// monitor watches a session for transport failure.
func (sup *supervisor) monitor(session *session) {
	closeEvents := session.transport.NotifyClose(make(chan *transport.Error, 1))
	go sup.listenForClose(session, closeEvents)
}

func (sup *supervisor) listenForClose(
	session *session, closeEvents <-chan *transport.Error,
) {
	select {
	case closeErr, ok := <-closeEvents:
		// A clean shutdown is only ever requested by the application.
		if !ok || closeErr == nil {
			return
		}
		if sup.logger.Info().Enabled() {
			sup.logger.Info().Msgf("AMQP BROKER DISCONNECTED: %v", closeErr)
		}
		sup.reportLost(session, closeErr)
	case <-session.lost:
	case <-sup.ctx.Done():
	}
}

// reportLost hands a session failure to the coordinator. Only the first report for a
// session has any effect.
func (sup *supervisor) reportLost(session *session, err *transport.Error) {
	session.lostOnce.Do(func() {
		close(session.lost)
		// The transport may already be gone, in which case this returns quickly with
		// an error. We don't want to hold up the caller either way.
		go func() {
			_ = session.transport.Close()
		}()

		select {
		case sup.lossEvents <- sessionLoss{session: session, err: err}:
		case <-sup.ctx.Done():
		}
	})
}
