package delivery

import (
	"context"
	"time"

	"github.com/jobwatch/notifier/internal/envelope"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is the keepalive cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// supervisor is the per-user liveness task handle. Exactly one supervisor
// runs per user while any of their connections is alive; cancellation is
// awaited through done before the handle is discarded.
type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Service) ensureSupervisor(userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.supervisors[userId]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := &supervisor{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.supervisors[userId] = sup

	go s.superviseLiveness(ctx, userId, sup)
}

// superviseLiveness wakes on the heartbeat cadence and sends a heartbeat
// envelope to all of the user's connections. It self-terminates when the
// user has no connections left. Connectivity is checked after waking, not
// mid-sleep, so one extra check after cancellation is possible; a send
// after an awaited cancellation is not.
func (s *Service) superviseLiveness(ctx context.Context, userId string, sup *supervisor) {
	defer close(sup.done)
	defer s.removeSupervisor(userId, sup)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// The ticker can win the select against an already-cancelled
		// context; never send a stray heartbeat in that case.
		if ctx.Err() != nil {
			return
		}

		if !s.registry.IsUserConnected(userId) {
			s.logger.Debug("liveness supervisor exiting, user disconnected",
				zap.String("userId", userId))

			return
		}

		s.registry.SendPersonal(userId, envelope.NewHeartbeat())
	}
}

// removeSupervisor clears the user's map entry when it still belongs to
// this supervisor; a reconnect may already have replaced it.
func (s *Service) removeSupervisor(userId string, sup *supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.supervisors[userId] == sup {
		delete(s.supervisors, userId)
	}
}

// stopSupervisor cancels the user's supervisor and waits for it to finish.
// A user who reconnected after the caller observed them as disconnected
// keeps their supervisor: the connectivity re-check and the map lookup
// happen under the same lock ensureSupervisor uses, so a new connection's
// supervisor can never be torn down by a stale disconnect. Safe to call
// when no supervisor is running.
func (s *Service) stopSupervisor(userId string) {
	s.mu.Lock()
	if s.registry.IsUserConnected(userId) {
		s.mu.Unlock()

		return
	}
	sup, ok := s.supervisors[userId]
	delete(s.supervisors, userId)
	s.mu.Unlock()

	if !ok {
		return
	}

	sup.cancel()
	<-sup.done
}
