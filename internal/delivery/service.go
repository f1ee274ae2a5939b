package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/offline"
	"github.com/jobwatch/notifier/internal/registry"
	"github.com/jobwatch/notifier/internal/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// Authenticator resolves a connection credential to a user id.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// policyCloser is implemented by transports that can signal a policy
// violation to the peer before closing, like a websocket close frame.
type policyCloser interface {
	ClosePolicyViolation(message string) error
}

// Service orchestrates notification delivery: it authenticates new
// connections, replays offline queues, supervises liveness, runs the
// receive loop for client control messages, and exposes the producer API
// (SendNotification / BroadcastNotification).
type Service struct {
	logger            *zap.Logger
	registry          *registry.Registry
	queue             *offline.Queue
	store             store.NotificationStore
	auth              Authenticator
	heartbeatInterval time.Duration

	mu          sync.Mutex
	supervisors map[string]*supervisor
}

func NewService(
	logger *zap.Logger,
	registry *registry.Registry,
	queue *offline.Queue,
	store store.NotificationStore,
	auth Authenticator,
	heartbeatInterval time.Duration,
) *Service {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	return &Service{
		logger:            logger,
		registry:          registry,
		queue:             queue,
		store:             store,
		auth:              auth,
		heartbeatInterval: heartbeatInterval,
		supervisors:       make(map[string]*supervisor),
	}
}

// HandleConnection drives one already-upgraded transport through its full
// lifecycle: authenticate, register, subscribe to the personal channel,
// replay queued notifications, then dispatch inbound frames until the
// transport disconnects. On authentication failure the transport is closed
// and never registered.
func (s *Service) HandleConnection(ctx context.Context, transport registry.Transport, credential string) error {
	userId, err := s.auth.Authenticate(credential)
	if err != nil {
		s.logger.Warn("connection authentication failed",
			zap.Error(err))

		if closer, ok := transport.(policyCloser); ok {
			closer.ClosePolicyViolation("authentication failed")
		} else {
			transport.Close()
		}

		return err
	}

	connection := s.registry.Connect(userId, transport)
	s.registry.Subscribe(userId, envelope.UserChannel(userId))

	s.replayQueued(userId)
	s.ensureSupervisor(userId)

	s.receiveLoop(ctx, connection)

	s.registry.Disconnect(userId, connection)
	if !s.registry.IsUserConnected(userId) {
		s.stopSupervisor(userId)
	}

	s.logger.Info("connection closed",
		zap.String("userId", userId),
		zap.String("connectionId", connection.Id))

	return nil
}

func (s *Service) replayQueued(userId string) {
	entries := s.queue.FlushAndClear(userId)
	if len(entries) == 0 {
		return
	}

	for _, entry := range entries {
		s.registry.SendPersonal(userId, entry.Envelope)
	}

	s.logger.Info("replayed queued notifications",
		zap.String("userId", userId),
		zap.Int("count", len(entries)))
}

// receiveLoop reads frames until the transport fails. A malformed frame is
// answered with an error envelope and never closes the connection; only
// transport-level errors end the loop.
func (s *Service) receiveLoop(ctx context.Context, connection *registry.Connection) {
	for {
		data, err := connection.Receive()
		if err != nil {
			s.logger.Debug("transport receive ended",
				zap.String("userId", connection.UserId),
				zap.String("connectionId", connection.Id),
				zap.Error(err))

			return
		}

		var frame envelope.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(connection, envelope.NewError(envelope.ErrorInvalidMessage, "message is not a valid envelope"))

			continue
		}

		s.dispatch(ctx, connection, frame)
	}
}

func (s *Service) dispatch(ctx context.Context, connection *registry.Connection, frame envelope.ClientFrame) {
	switch frame.Type {
	case envelope.TypePing:
		connection.TouchPing()
		s.reply(connection, envelope.NewPong())
	case envelope.TypeMarkRead:
		s.handleMarkRead(ctx, connection, frame.NotificationId)
	case envelope.TypeSubscribe:
		s.handleSubscription(connection, frame.NotificationTypes, true)
	case envelope.TypeUnsubscribe:
		s.handleSubscription(connection, frame.NotificationTypes, false)
	default:
		s.reply(connection, envelope.NewError(envelope.ErrorUnknownMessageType, "unknown message type: "+frame.Type))
	}
}

// handleMarkRead asks the store to flip read-state. The confirmation is
// only sent when the state actually changed; store failures are logged and
// silently unconfirmed.
func (s *Service) handleMarkRead(ctx context.Context, connection *registry.Connection, notificationId string) {
	if notificationId == "" {
		s.reply(connection, envelope.NewError(envelope.ErrorInvalidMessage, "notification_id is required"))

		return
	}

	changed, err := s.store.MarkRead(ctx, connection.UserId, notificationId)
	if err != nil {
		s.logger.Error("failed to mark notification read",
			zap.String("userId", connection.UserId),
			zap.String("notificationId", notificationId),
			zap.Error(err))

		return
	}

	if changed {
		s.reply(connection, envelope.NewNotificationMarkedRead(notificationId))
	}
}

func (s *Service) handleSubscription(connection *registry.Connection, notificationTypes []string, subscribe bool) {
	accepted := make([]string, 0, len(notificationTypes))
	for _, notificationType := range notificationTypes {
		if !envelope.ValidTypeName(notificationType) {
			s.logger.Warn("ignoring invalid notification type",
				zap.String("userId", connection.UserId),
				zap.String("notificationType", notificationType))

			continue
		}

		accepted = append(accepted, notificationType)
	}

	if len(accepted) == 0 {
		s.reply(connection, envelope.NewError(envelope.ErrorInvalidMessage, "notification_types is required"))

		return
	}

	for _, notificationType := range accepted {
		channel := envelope.TypeChannel(notificationType)
		if subscribe {
			s.registry.Subscribe(connection.UserId, channel)
		} else {
			s.registry.Unsubscribe(connection.UserId, channel)
		}
	}

	if subscribe {
		s.reply(connection, envelope.NewSubscribed(accepted))
	} else {
		s.reply(connection, envelope.NewUnsubscribed(accepted))
	}
}

// reply writes a direct response on a single connection. A failed write is
// only logged: the receive loop observes the dead transport on its next
// read and tears the connection down.
func (s *Service) reply(connection *registry.Connection, env any) {
	if err := connection.Send(env); err != nil {
		s.logger.Debug("failed to send reply",
			zap.String("userId", connection.UserId),
			zap.String("connectionId", connection.Id),
			zap.Error(err))
	}
}

// SendNotification pushes a record to a user's personal channel when the
// user is connected, and buffers it in the offline queue otherwise.
// Delivery is best-effort: failures never propagate to the producer.
func (s *Service) SendNotification(userId string, notification envelope.Notification) {
	env := envelope.NewNotification(notification)

	if !s.registry.IsUserConnected(userId) {
		s.queue.Enqueue(userId, env)

		s.logger.Debug("user offline, queued notification",
			zap.String("userId", userId),
			zap.String("notificationId", notification.Id))

		return
	}

	s.registry.BroadcastChannel(envelope.UserChannel(userId), env, nil)
}

// SendNotificationById resolves a record through the store before
// delivering it. Used by producers that only hold an id.
func (s *Service) SendNotificationById(ctx context.Context, userId string, notificationId string) error {
	notification, err := s.store.Get(ctx, notificationId)
	if err != nil {
		return err
	}

	s.SendNotification(userId, notification)

	return nil
}

// BroadcastNotification fans an ad-hoc event out to every connected user,
// or to the connected subset of userIds when given. Broadcast is
// fire-and-forget: offline users are never queued.
func (s *Service) BroadcastNotification(eventType string, payload map[string]any, userIds []string) {
	env := envelope.NewEvent(gonanoid.Must(), eventType, payload)

	if userIds == nil {
		s.registry.Broadcast(env, nil)

		return
	}

	for _, userId := range userIds {
		if s.registry.IsUserConnected(userId) {
			s.registry.SendPersonal(userId, env)
		}
	}
}

type ConnectionStats struct {
	ActiveConnections        int      `json:"active_connections"`
	OfflineQueueCount        int      `json:"offline_queue_count"`
	TotalQueuedNotifications int      `json:"total_queued_notifications"`
	Channels                 []string `json:"channels"`
}

// ConnectionStats reports the observability snapshot for the stats
// endpoint.
func (s *Service) ConnectionStats() ConnectionStats {
	queueUsers, queuedTotal := s.queue.Stats()

	return ConnectionStats{
		ActiveConnections:        s.registry.ConnectionCount(),
		OfflineQueueCount:        queueUsers,
		TotalQueuedNotifications: queuedTotal,
		Channels:                 s.registry.Channels(),
	}
}

// Shutdown stops every liveness supervisor, then disconnects every user and
// closes their transports. Supervisors go first so no heartbeat races a
// closing transport.
func (s *Service) Shutdown() {
	s.mu.Lock()
	supervisors := make([]*supervisor, 0, len(s.supervisors))
	for userId, sup := range s.supervisors {
		supervisors = append(supervisors, sup)
		delete(s.supervisors, userId)
	}
	s.mu.Unlock()

	for _, sup := range supervisors {
		sup.cancel()
		<-sup.done
	}

	s.registry.DisconnectAll()
}
