package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultsync-server/internal/config"
	"vaultsync-server/internal/handler"
	"vaultsync-server/internal/middleware"
	"vaultsync-server/internal/repository"
	"vaultsync-server/internal/service"
	"vaultsync-server/internal/websocket"
	"vaultsync-server/pkg/vault"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Server.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := log.Logger

	// The service must not start without a usable master key.
	masterKey, err := vault.ParseMasterKey(cfg.MasterKey.Hex)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid MASTER_KEY")
	}

	masterVault, err := vault.New(masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize master key vault")
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to CouchDB")
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to check database existence")
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatal().Err(err).Msg("Failed to create database")
		}
		logger.Info().Str("database", cfg.Database.Name).Msg("Created database")
	}

	userRepo := repository.NewUserRepository(client, cfg.Database.Name)
	deviceRepo := repository.NewDeviceRepository(client, cfg.Database.Name)
	sessionRepo := repository.NewSessionRepository(client, cfg.Database.Name)
	keyMaterialRepo := repository.NewKeyMaterialRepository(client, cfg.Database.Name)
	grantRepo := repository.NewDeviceGrantRepository(client, cfg.Database.Name)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)
	go wsManager.Run()

	keyMaterialService := service.NewKeyMaterialService(keyMaterialRepo, userRepo, masterVault, logger)
	deviceService := service.NewDeviceService(deviceRepo, wsManager, logger)
	wrappingService := service.NewWrappingService(sessionRepo, keyMaterialService, wsManager, logger)
	authService := service.NewAuthService(
		userRepo, sessionRepo, deviceService,
		cfg.JWT.Secret,
		cfg.JWT.AccessTokenExpiration,
		cfg.JWT.RefreshTokenExpiration,
		cfg.JWT.SessionMaxAge,
		logger,
	)
	grantService := service.NewDeviceGrantService(grantRepo, authService, deviceService, wrappingService, cfg.Grant.TTL, logger)
	userService := service.NewUserService(userRepo, deviceService, keyMaterialService, logger)

	authHandler := handler.NewAuthHandler(authService, grantService)
	deviceHandler := handler.NewDeviceHandler(deviceService)
	keysHandler := handler.NewKeysHandler(wrappingService)
	userHandler := handler.NewUserHandler(userService)
	wsHandler := handler.NewWebSocketHandler(wsManager, authService, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/device-token", authHandler.ExchangeDeviceToken).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(authService))

	protected.HandleFunc("/auth/logout", authHandler.Logout).Methods("POST", "OPTIONS")
	protected.HandleFunc("/auth/device-grant", authHandler.CreateDeviceGrant).Methods("POST", "OPTIONS")

	protected.HandleFunc("/users/me", userHandler.GetMe).Methods("GET", "OPTIONS")
	protected.HandleFunc("/users/me", userHandler.DeleteMe).Methods("DELETE", "OPTIONS")

	protected.HandleFunc("/devices", deviceHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/devices/revoke-others", deviceHandler.RevokeOthers).Methods("POST", "OPTIONS")
	protected.HandleFunc("/devices/{id}", deviceHandler.Delete).Methods("DELETE", "OPTIONS")

	protected.HandleFunc("/keys/wrap", keysHandler.Wrap).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)

	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("Starting Vaultsync server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"vaultsync-server"}`))
}
