package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jobwatch/notifier/internal/delivery"
	"go.uber.org/zap"
)

type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader
	service  *delivery.Service
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	service *delivery.Service,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		service,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		credential := extractCredential(r)

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed",
				zap.Error(err))

			return
		}

		conn.SetReadLimit(4096)

		s.logger.Info("websocket connection established",
			zap.String("remoteAddr", r.RemoteAddr))

		transport := NewWebSocketTransport(conn)

		// Blocks for the whole connection lifecycle; the service owns
		// authentication, registration and teardown from here.
		if err := s.service.HandleConnection(r.Context(), transport, credential); err != nil {
			s.logger.Info("websocket connection rejected",
				zap.String("remoteAddr", r.RemoteAddr),
				zap.Error(err))
		}
	})
}

func extractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authorization := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return after
	}

	return ""
}

// WebSocketTransport adapts a gorilla connection to the registry Transport.
// Writes are serialized: the fan-out path and the liveness supervisor both
// write, and gorilla allows only one concurrent writer.
type WebSocketTransport struct {
	connection *websocket.Conn

	writeMu sync.Mutex
}

func NewWebSocketTransport(connection *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		connection: connection,
	}
}

func (t *WebSocketTransport) WriteEnvelope(envelope any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return t.connection.WriteJSON(envelope)
}

func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.connection.ReadMessage()

	return data, err
}

func (t *WebSocketTransport) Close() error {
	return t.connection.Close()
}

// ClosePolicyViolation sends a policy-violation close frame so the client
// can distinguish a rejected credential from a dropped connection, then
// closes the underlying connection.
func (t *WebSocketTransport) ClosePolicyViolation(message string) error {
	t.writeMu.Lock()
	t.connection.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return t.connection.Close()
}
