package amqp

import (
	"errors"
	"fmt"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"golang.org/x/sync/errgroup"
)

// runCoordinator drives one recovery cycle per lost session until the connection
// reaches a terminal state.
func (conn *Connection) runCoordinator() {
	defer close(conn.coordinatorDone)

	for {
		select {
		case <-conn.ctx.Done():
			return
		case loss := <-conn.supervisor.lossEvents:
			if !conn.recoverFrom(loss) {
				return
			}
		}
	}
}

// recoverFrom runs a recovery cycle for a lost session. It returns false once the
// connection has reached a terminal state.
func (conn *Connection) recoverFrom(loss sessionLoss) bool {
	if loss.session != conn.currentSession() {
		return true
	}

	cycle := conn.status.startCycle()
	logger := conn.logger.With().Uint64("RECOVERY_CYCLE", cycle).Logger()

	conn.publishSupervisor(SupervisorEvent{
		Kind:  SupervisorLost,
		Err:   loss.err,
		Cycle: cycle,
		Time:  time.Now(),
	})

	// Hold every channel until it has been replayed on the new session.
	channels := conn.Channels()
	for _, channel := range channels {
		channel.markRecovering()
	}

	if conn.config.DisableAutomaticRecovery {
		logger.Error().
			Err(loss.err).
			Msg("transport lost and automatic recovery is disabled")
		conn.finalize(
			StateLost,
			fmt.Errorf("%w: %w", ErrRecoveryDisabled, loss.err),
			loss.err,
			nil,
		)
		return false
	}

	conn.status.set(StateReconnecting)
	conn.publishSupervisor(SupervisorEvent{
		Kind:  SupervisorReconnecting,
		Cycle: cycle,
		Time:  time.Now(),
	})

	session, err := conn.supervisor.redial(cycle)
	if err != nil {
		// Close() is responsible for everything else if we were cancelled.
		if conn.ctx.Err() != nil {
			return false
		}
		logger.Error().Err(err).Msg("reconnect abandoned")
		conn.finalize(
			StateLost,
			fmt.Errorf("%w: %w", err, loss.err),
			loss.err,
			&SupervisorEvent{Kind: SupervisorAbandoned, Err: err},
		)
		return false
	}

	if conn.ctx.Err() != nil {
		_ = session.transport.Close()
		return false
	}

	conn.installSession(session)
	conn.supervisor.monitor(session)

	if !conn.config.DisableTopologyRecovery {
		conn.status.set(StateChannelsRecovering)
	}

	results := conn.recoverChannels(session, channels, cycle)
	if conn.ctx.Err() != nil {
		return false
	}

	failed := 0
	for _, err := range results {
		if err == nil {
			continue
		}

		var replayErr *ReplayError
		if errors.As(err, &replayErr) && replayErr.interruptsCycle() {
			logger.Warn().
				Err(err).
				Msg("connection-level error during channel recovery, restarting cycle")
			conn.supervisor.reportLost(session, transport.AsError(replayErr.Err))
			return true
		}
		failed++
	}

	if failed > 0 {
		logger.Error().Int("FAILED_CHANNELS", failed).Msg("AMQP TOPOLOGY DEGRADED")
		conn.publishRecovery(RecoveryEvent{
			Kind:   RecoveryFailed,
			Failed: failed,
			Cycle:  cycle,
			Time:   time.Now(),
		})
	} else {
		if logger.Info().Enabled() {
			logger.Info().Int("CHANNELS", len(channels)).Msg("AMQP TOPOLOGY RECOVERED")
		}
		conn.publishRecovery(RecoveryEvent{
			Kind:  ConnectionRecovered,
			Cycle: cycle,
			Time:  time.Now(),
		})
	}
	conn.publishSupervisor(SupervisorEvent{
		Kind:  SupervisorRecovered,
		Cycle: cycle,
		Time:  time.Now(),
	})

	if failed > 0 {
		conn.status.set(StateDegraded)
	} else {
		conn.status.set(StateStable)
	}
	return true
}

// recoverChannels runs the executor for every channel concurrently and waits for all
// of them. The returned slice holds each channel's error in the order of channels.
func (conn *Connection) recoverChannels(
	session *session, channels []*Channel, cycle uint64,
) []error {
	results := make([]error, len(channels))

	group := new(errgroup.Group)
	if limit := conn.config.ChannelRecoveryConcurrency; limit > 0 {
		group.SetLimit(limit)
	}

	for i, channel := range channels {
		i, channel := i, channel
		// Channel failures are collected rather than returned so one failure does not
		// stop the group from waiting on the others.
		group.Go(func() error {
			_, results[i] = channel.recoverTopology(conn.ctx, session, cycle)
			return nil
		})
	}

	_ = group.Wait()
	return results
}
