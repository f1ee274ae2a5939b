package registry

import (
	"sync"
	"time"

	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// Registry owns the mapping from user to live connections and from channel
// to subscribed users. Channel membership is per-user: a user stays in a
// channel while at least one of their connections is alive, and leaves only
// on explicit unsubscribe or when the last connection goes away.
//
// All mutation goes through the exported operations, each of which is a
// single critical section under one registry-wide lock. Transport writes
// and closes happen outside the lock.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	active   map[string][]*Connection
	channels map[string]map[string]struct{}
}

func NewRegistry(logger *zap.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		logger:   logger,
		metrics:  metrics,
		active:   make(map[string][]*Connection),
		channels: make(map[string]map[string]struct{}),
	}
}

// Connect registers an already-upgraded transport for a user and sends the
// connection-established envelope on the new connection only. A write
// failure on that envelope is logged and swallowed: the connection stays
// registered.
func (r *Registry) Connect(userId string, transport Transport) *Connection {
	connection := &Connection{
		Id:            gonanoid.Must(),
		UserId:        userId,
		ConnectTime:   time.Now(),
		transport:     transport,
		lastPing:      time.Now(),
		subscriptions: make(map[string]struct{}),
	}

	r.mu.Lock()

	for _, existing := range r.active[userId] {
		if existing.transport == transport {
			r.mu.Unlock()

			r.logger.Warn("transport already registered for user",
				zap.String("userId", userId),
				zap.String("connectionId", existing.Id))

			return existing
		}
	}

	r.active[userId] = append(r.active[userId], connection)

	r.mu.Unlock()

	r.metrics.ActiveConnections.Inc()

	if err := connection.Send(envelope.NewConnectionEstablished(userId)); err != nil {
		r.logger.Warn("failed to send connection established envelope",
			zap.String("userId", userId),
			zap.String("connectionId", connection.Id),
			zap.Error(err))
	}

	r.logger.Info("connection registered",
		zap.String("userId", userId),
		zap.String("connectionId", connection.Id))

	return connection
}

// Disconnect removes one connection, or all of the user's connections when
// connection is nil. Once the user has no connections left, the user's slot
// is deleted and the user is removed from every channel's subscriber set.
// Transport close is best-effort.
func (r *Registry) Disconnect(userId string, connection *Connection) {
	r.mu.Lock()

	connections, ok := r.active[userId]
	if !ok {
		r.mu.Unlock()

		return
	}

	var closing []*Connection

	if connection == nil {
		closing = connections
		connections = nil
	} else {
		remaining := connections[:0:0]
		for _, c := range connections {
			if c == connection {
				closing = append(closing, c)
			} else {
				remaining = append(remaining, c)
			}
		}
		connections = remaining
	}

	if len(connections) == 0 {
		delete(r.active, userId)
		for channel, subscribers := range r.channels {
			delete(subscribers, userId)
			if len(subscribers) == 0 {
				delete(r.channels, channel)
			}
		}
	} else {
		r.active[userId] = connections
	}

	r.mu.Unlock()

	for _, c := range closing {
		if err := c.transport.Close(); err != nil {
			r.logger.Debug("transport close failed",
				zap.String("userId", userId),
				zap.String("connectionId", c.Id),
				zap.Error(err))
		}

		r.metrics.ActiveConnections.Dec()

		r.logger.Info("connection removed",
			zap.String("userId", userId),
			zap.String("connectionId", c.Id))
	}
}

// DisconnectAll tears down every user's connections. Used on shutdown to
// drain the registry.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	userIds := make([]string, 0, len(r.active))
	for userId := range r.active {
		userIds = append(userIds, userId)
	}
	r.mu.RUnlock()

	for _, userId := range userIds {
		r.Disconnect(userId, nil)
	}
}

// SendPersonal delivers an envelope to every live connection of a user.
// Failed connections are disconnected after the iteration, never during it.
// An unknown user is a logged no-op.
func (r *Registry) SendPersonal(userId string, env any) {
	r.mu.RLock()
	connections := make([]*Connection, len(r.active[userId]))
	copy(connections, r.active[userId])
	r.mu.RUnlock()

	if len(connections) == 0 {
		r.logger.Debug("no active connections for user",
			zap.String("userId", userId))

		return
	}

	var failed []*Connection

	for _, c := range connections {
		if err := c.Send(env); err != nil {
			r.logger.Warn("send failed, disconnecting connection",
				zap.String("userId", userId),
				zap.String("connectionId", c.Id),
				zap.Error(err))

			r.metrics.FailedSends.Inc()
			failed = append(failed, c)

			continue
		}

		r.metrics.DeliveredEnvelopes.Inc()
	}

	for _, c := range failed {
		r.Disconnect(userId, c)
	}
}

// Broadcast fans an envelope out to every connected user not in exclude.
func (r *Registry) Broadcast(env any, exclude map[string]struct{}) {
	r.mu.RLock()
	userIds := make([]string, 0, len(r.active))
	for userId := range r.active {
		userIds = append(userIds, userId)
	}
	r.mu.RUnlock()

	for _, userId := range userIds {
		if _, skip := exclude[userId]; skip {
			continue
		}

		r.SendPersonal(userId, env)
	}
}

// Subscribe adds the user to a channel and marks every live connection. A
// user with no live connections cannot join a channel.
func (r *Registry) Subscribe(userId string, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connections, ok := r.active[userId]
	if !ok {
		r.logger.Debug("subscribe ignored for disconnected user",
			zap.String("userId", userId),
			zap.String("channel", channel))

		return
	}

	for _, c := range connections {
		c.subscribe(channel)
	}

	if _, ok := r.channels[channel]; !ok {
		r.channels[channel] = make(map[string]struct{})
	}

	r.channels[channel][userId] = struct{}{}
}

// Unsubscribe removes the user from a channel, deleting the channel entry
// entirely once its subscriber set is empty.
func (r *Registry) Unsubscribe(userId string, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.active[userId] {
		c.unsubscribe(channel)
	}

	subscribers, ok := r.channels[channel]
	if !ok {
		return
	}

	delete(subscribers, userId)
	if len(subscribers) == 0 {
		delete(r.channels, channel)
	}
}

// BroadcastChannel fans an envelope out to every subscriber of a channel.
// Delivery is per-user: all of a subscriber's connections receive it. An
// empty channel is a logged no-op.
func (r *Registry) BroadcastChannel(channel string, env any, exclude map[string]struct{}) {
	r.mu.RLock()
	subscribers := make([]string, 0, len(r.channels[channel]))
	for userId := range r.channels[channel] {
		subscribers = append(subscribers, userId)
	}
	r.mu.RUnlock()

	if len(subscribers) == 0 {
		r.logger.Debug("broadcast to empty channel",
			zap.String("channel", channel))

		return
	}

	for _, userId := range subscribers {
		if _, skip := exclude[userId]; skip {
			continue
		}

		r.SendPersonal(userId, env)
	}
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, connections := range r.active {
		count += len(connections)
	}

	return count
}

func (r *Registry) IsUserConnected(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.active[userId]

	return ok
}

// ChannelSubscribers returns a copy of the channel's subscriber set.
func (r *Registry) ChannelSubscribers(channel string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := make(map[string]struct{}, len(r.channels[channel]))
	for userId := range r.channels[channel] {
		subscribers[userId] = struct{}{}
	}

	return subscribers
}

// UserSubscriptions returns the union of channel subscriptions across all of
// the user's connections.
func (r *Registry) UserSubscriptions(userId string) map[string]struct{} {
	r.mu.RLock()
	connections := make([]*Connection, len(r.active[userId]))
	copy(connections, r.active[userId])
	r.mu.RUnlock()

	subscriptions := make(map[string]struct{})
	for _, c := range connections {
		for _, channel := range c.Subscriptions() {
			subscriptions[channel] = struct{}{}
		}
	}

	return subscriptions
}

// Channels returns the names of all channels with at least one subscriber.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.channels))
	for channel := range r.channels {
		channels = append(channels, channel)
	}

	return channels
}
