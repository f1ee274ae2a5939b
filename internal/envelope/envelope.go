package envelope

import "time"

// Server to client envelope types.
const (
	TypeConnectionEstablished  = "connection_established"
	TypeNotification           = "notification"
	TypeHeartbeat              = "heartbeat"
	TypePong                   = "pong"
	TypeNotificationMarkedRead = "notification_marked_read"
	TypeSubscriptionUpdated    = "subscription_updated"
	TypeError                  = "error"
)

// Client to server frame types.
const (
	TypePing        = "ping"
	TypeMarkRead    = "mark_read"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Wire error codes carried in the error envelope.
const (
	ErrorUnknownMessageType = "unknown_message_type"
	ErrorInvalidMessage     = "invalid_message"
)

type ConnectionEstablished struct {
	Type      string    `json:"type"`
	UserId    string    `json:"user_id"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

func NewConnectionEstablished(userId string) ConnectionEstablished {
	return ConnectionEstablished{
		Type:      TypeConnectionEstablished,
		UserId:    userId,
		Channel:   UserChannel(userId),
		Timestamp: time.Now().UTC(),
	}
}

type NotificationEnvelope struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
	Timestamp    time.Time    `json:"timestamp"`
}

func NewNotification(notification Notification) NotificationEnvelope {
	return NotificationEnvelope{
		Type:         TypeNotification,
		Notification: notification,
		Timestamp:    time.Now().UTC(),
	}
}

type Heartbeat struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHeartbeat() Heartbeat {
	return Heartbeat{
		Type:      TypeHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}

type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPong() Pong {
	return Pong{
		Type:      TypePong,
		Timestamp: time.Now().UTC(),
	}
}

type NotificationMarkedRead struct {
	Type           string    `json:"type"`
	NotificationId string    `json:"notification_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewNotificationMarkedRead(notificationId string) NotificationMarkedRead {
	return NotificationMarkedRead{
		Type:           TypeNotificationMarkedRead,
		NotificationId: notificationId,
		Timestamp:      time.Now().UTC(),
	}
}

type SubscriptionUpdated struct {
	Type              string    `json:"type"`
	SubscribedTypes   []string  `json:"subscribed_types,omitempty"`
	UnsubscribedTypes []string  `json:"unsubscribed_types,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewSubscribed(notificationTypes []string) SubscriptionUpdated {
	return SubscriptionUpdated{
		Type:            TypeSubscriptionUpdated,
		SubscribedTypes: notificationTypes,
		Timestamp:       time.Now().UTC(),
	}
}

func NewUnsubscribed(notificationTypes []string) SubscriptionUpdated {
	return SubscriptionUpdated{
		Type:              TypeSubscriptionUpdated,
		UnsubscribedTypes: notificationTypes,
		Timestamp:         time.Now().UTC(),
	}
}

type ErrorEnvelope struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewError(code string, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:      TypeError,
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Event is the envelope produced by broadcast_notification: an ad-hoc typed
// payload that is not backed by a notification record.
type Event struct {
	Id        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewEvent(id string, eventType string, data map[string]any) Event {
	return Event{
		Id:        id,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ClientFrame is the inbound control message. Fields beyond Type are
// populated depending on the declared type.
type ClientFrame struct {
	Type              string   `json:"type"`
	NotificationId    string   `json:"notification_id,omitempty"`
	NotificationTypes []string `json:"notification_types,omitempty"`
}
