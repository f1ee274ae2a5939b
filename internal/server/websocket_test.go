package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jobwatch/notifier/internal/auth"
	"github.com/jobwatch/notifier/internal/delivery"
	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/ierr"
	"github.com/jobwatch/notifier/internal/metrics"
	"github.com/jobwatch/notifier/internal/offline"
	"github.com/jobwatch/notifier/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu            sync.Mutex
	notifications map[string]envelope.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: make(map[string]envelope.Notification),
	}
}

func (s *fakeStore) Setup(ctx context.Context) error {
	return nil
}

func (s *fakeStore) Get(ctx context.Context, notificationId string) (envelope.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notification, ok := s.notifications[notificationId]
	if !ok {
		return envelope.Notification{}, ierr.New(ierr.ErrorCodeNotFound, errors.New("notification not found"))
	}

	return notification, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, userId string, notificationId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notification, ok := s.notifications[notificationId]
	if !ok || notification.IsRead {
		return false, nil
	}

	notification.IsRead = true
	s.notifications[notificationId] = notification

	return true, nil
}

type testStack struct {
	promRegistry  *prometheus.Registry
	registry      *registry.Registry
	queue         *offline.Queue
	store         *fakeStore
	authenticator *auth.Authenticator
	service       *delivery.Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	connectionRegistry := registry.NewRegistry(logger, m)
	queue := offline.NewQueue(logger, m, 0)
	store := newFakeStore()
	authenticator := auth.NewAuthenticator("test-secret", []string{"test-api-key"})
	service := delivery.NewService(logger, connectionRegistry, queue, store, authenticator, time.Hour)

	return &testStack{
		promRegistry:  promRegistry,
		registry:      connectionRegistry,
		queue:         queue,
		store:         store,
		authenticator: authenticator,
		service:       service,
	}
}

func signConnectionToken(t *testing.T, userId string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": userId,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"aud": "notifier",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return tokenString
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	var env map[string]any
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&env))

	return env
}

func TestWebSocketServer(t *testing.T) {
	stack := newTestStack(t)

	logger, _ := zap.NewDevelopment()
	upgrader := &websocket.Upgrader{}
	wsServer := NewWebSocketServer(logger, upgrader, stack.service)

	mainRouter := mux.NewRouter()
	wsServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)
	defer server.Close()

	u, _ := url.Parse(server.URL)
	u.Scheme = "ws"
	u.Path = "/ws"

	dial := func(t *testing.T, token string) *websocket.Conn {
		t.Helper()

		conn, _, err := websocket.DefaultDialer.Dial(u.String()+"?token="+token, nil)
		require.NoError(t, err)

		return conn
	}

	t.Run("successful flow", func(t *testing.T) {
		conn := dial(t, signConnectionToken(t, "42"))
		defer conn.Close()

		established := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeConnectionEstablished, established["type"])
		assert.Equal(t, "42", established["user_id"])
		assert.Equal(t, "notifications:42", established["channel"])

		// Ping
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
		pong := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypePong, pong["type"])

		// Subscribe to a notification type channel
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":               "subscribe",
			"notification_types": []string{"interview_reminder"},
		}))
		updated := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeSubscriptionUpdated, updated["type"])
		assert.Equal(t, []any{"interview_reminder"}, updated["subscribed_types"])

		// Producer pushes a record
		stack.service.SendNotification("42", envelope.Notification{
			Id:       "n-1",
			Type:     "interview_reminder",
			Priority: envelope.PriorityHigh,
			Title:    "Interview tomorrow",
		})

		notification := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeNotification, notification["type"])
		record := notification["notification"].(map[string]any)
		assert.Equal(t, "n-1", record["id"])
		assert.Equal(t, "high", record["priority"])

		// Mark it read
		stack.store.notifications["n-1"] = envelope.Notification{Id: "n-1"}
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":            "mark_read",
			"notification_id": "n-1",
		}))
		marked := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeNotificationMarkedRead, marked["type"])
		assert.Equal(t, "n-1", marked["notification_id"])
	})

	t.Run("queued notifications are replayed on connect", func(t *testing.T) {
		stack.service.SendNotification("77", envelope.Notification{Id: "n-1"})
		stack.service.SendNotification("77", envelope.Notification{Id: "n-2"})

		conn := dial(t, signConnectionToken(t, "77"))
		defer conn.Close()

		established := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeConnectionEstablished, established["type"])

		first := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeNotification, first["type"])
		assert.Equal(t, "n-1", first["notification"].(map[string]any)["id"])

		second := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeNotification, second["type"])
		assert.Equal(t, "n-2", second["notification"].(map[string]any)["id"])
	})

	t.Run("invalid token closes the connection without registering", func(t *testing.T) {
		conn := dial(t, "invalid-token")
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()

		assert.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
		assert.Eventually(t, func() bool {
			return stack.registry.ConnectionCount() == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("malformed frame keeps the connection open", func(t *testing.T) {
		conn := dial(t, signConnectionToken(t, "88"))
		defer conn.Close()

		established := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeConnectionEstablished, established["type"])

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-json")))

		errorEnvelope := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeError, errorEnvelope["type"])
		assert.Equal(t, "invalid_message", errorEnvelope["error"])

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
		pong := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypePong, pong["type"])
	})

	t.Run("unknown message type gets an error envelope", func(t *testing.T) {
		conn := dial(t, signConnectionToken(t, "99"))
		defer conn.Close()

		established := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeConnectionEstablished, established["type"])

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))

		errorEnvelope := readEnvelope(t, conn)
		assert.Equal(t, envelope.TypeError, errorEnvelope["type"])
		assert.Equal(t, "unknown_message_type", errorEnvelope["error"])
	})
}
