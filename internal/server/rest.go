package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jobwatch/notifier/internal/auth"
	"github.com/jobwatch/notifier/internal/delivery"
	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/ierr"
	"go.uber.org/zap"
)

// RESTServer exposes the producer API (send/broadcast), the stats hook and
// the prometheus endpoint. Producer endpoints are API-key authenticated.
type RESTServer struct {
	logger         *zap.Logger
	service        *delivery.Service
	authenticator  *auth.Authenticator
	metricsHandler http.Handler
}

func NewRESTServer(
	logger *zap.Logger,
	service *delivery.Service,
	authenticator *auth.Authenticator,
	metricsHandler http.Handler,
) *RESTServer {
	return &RESTServer{
		logger,
		service,
		authenticator,
		metricsHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/notifications", s.requireAPIKey(s.handleSend)).Methods("POST")
	router.HandleFunc("/broadcast", s.requireAPIKey(s.handleBroadcast)).Methods("POST")
	router.HandleFunc("/stats", s.requireAPIKey(s.handleStats)).Methods("GET")
	router.Handle("/metrics", s.metricsHandler).Methods("GET")
}

func (s *RESTServer) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		if err := s.authenticator.AuthenticateAPIKey(apiKey); err != nil {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

type SendNotificationRequest struct {
	UserId         string                 `json:"user_id"`
	NotificationId string                 `json:"notification_id,omitempty"`
	Notification   *envelope.Notification `json:"notification,omitempty"`
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *RESTServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var request SendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if request.UserId == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	switch {
	case request.Notification != nil:
		s.service.SendNotification(request.UserId, *request.Notification)
	case request.NotificationId != "":
		err := s.service.SendNotificationById(r.Context(), request.UserId, request.NotificationId)
		if err != nil {
			s.writeError(w, err)
			return
		}
	default:
		http.Error(w, "notification or notification_id is required", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true})
}

type BroadcastRequest struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	UserIds []string       `json:"user_ids,omitempty"`
}

func (s *RESTServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var request BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if request.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	s.service.BroadcastNotification(request.Type, request.Data, request.UserIds)

	s.writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true})
}

func (s *RESTServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ConnectionStats())
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var coded ierr.Error
	if errors.As(err, &coded) {
		switch coded.Code {
		case ierr.ErrorCodeNotFound:
			http.Error(w, coded.Message, http.StatusNotFound)
			return
		case ierr.ErrorCodeInvalidArgument:
			http.Error(w, coded.Message, http.StatusBadRequest)
			return
		case ierr.ErrorCodeUnavailable:
			http.Error(w, coded.Message, http.StatusServiceUnavailable)
			return
		}
	}

	s.logger.Error("request failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
