package registry

import (
	"sync"
	"time"
)

// Transport is the exclusively owned send/receive handle behind a
// Connection. One Connection owns exactly one Transport. WriteEnvelope must
// be safe for concurrent use: the registry fan-out and the liveness
// supervisor both write.
type Transport interface {
	WriteEnvelope(envelope any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Connection is one live transport session for a user.
type Connection struct {
	Id          string
	UserId      string
	ConnectTime time.Time

	transport Transport

	mu            sync.RWMutex
	lastPing      time.Time
	subscriptions map[string]struct{}
}

func (c *Connection) Send(envelope any) error {
	return c.transport.WriteEnvelope(envelope)
}

// Receive blocks on the next raw inbound frame. Only the owning receive
// loop may call it.
func (c *Connection) Receive() ([]byte, error) {
	return c.transport.ReadMessage()
}

// TouchPing records client liveness, refreshed on every inbound ping.
func (c *Connection) TouchPing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPing = time.Now()
}

func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastPing
}

func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}

	return channels
}

func (c *Connection) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscriptions[channel] = struct{}{}
}

func (c *Connection) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subscriptions, channel)
}
