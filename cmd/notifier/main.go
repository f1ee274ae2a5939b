package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jobwatch/notifier/internal/auth"
	"github.com/jobwatch/notifier/internal/delivery"
	"github.com/jobwatch/notifier/internal/metrics"
	"github.com/jobwatch/notifier/internal/offline"
	"github.com/jobwatch/notifier/internal/registry"
	"github.com/jobwatch/notifier/internal/server"
	"github.com/jobwatch/notifier/internal/store/mongodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	mongoClient     *mongo.Client
	service         *delivery.Service
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	originChecker := server.NewOriginChecker(settings.AllowedOrigins)
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.APIKeys)

	prometheusRegistry := prometheus.NewRegistry()
	notifierMetrics := metrics.New(prometheusRegistry)

	connectionRegistry := registry.NewRegistry(logger, notifierMetrics)
	offlineQueue := offline.NewQueue(logger, notifierMetrics, offline.DefaultCapacity)

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	notificationStore := mongodb.NewNotificationStore(mongoClient)

	setupCtx, setupCtxCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setupCtxCancel()

	if err := notificationStore.Setup(setupCtx); err != nil {
		return nil, fmt.Errorf("failed to setup notification store: %w", err)
	}

	service := delivery.NewService(
		logger,
		connectionRegistry,
		offlineQueue,
		notificationStore,
		authenticator,
		delivery.DefaultHeartbeatInterval,
	)

	websocketServer := server.NewWebSocketServer(logger, websocketUpgrader, service)
	restServer := server.NewRESTServer(
		logger,
		service,
		authenticator,
		promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}),
	)

	return &App{
		logger,
		settings,
		mongoClient,
		service,
		websocketServer,
		restServer,
	}, nil
}

func (a *App) run(ctx context.Context) {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	// Drain the delivery service first: websocket handlers only return once
	// their transports are closed, and http.Server.Shutdown waits for them.
	a.service.Shutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Fatal("http server shutdown failed",
			zap.Error(err))
	}

	if err := a.mongoClient.Disconnect(shutdownCtx); err != nil {
		a.logger.Warn("mongodb disconnect failed",
			zap.Error(err))
	}

	a.logger.Info("http server stopped")
}

func main() {
	ctx := context.Background()

	bootstrapLogger, _ := zap.NewDevelopment()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		bootstrapLogger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		bootstrapLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	app, err := NewApp(ctx, logger, settings)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	app.run(ctx)
}
