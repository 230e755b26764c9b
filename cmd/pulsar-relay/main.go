// Command pulsar-relay runs the message relay service: HTTP publish/poll
// endpoints, the push-socket front end, and the background poll-waiter
// sweep, wired together per the initialisation order storage → auth →
// connection manager → poll manager → HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/config"
	"github.com/pulsar-relay/relay/internal/connmgr"
	httpapi "github.com/pulsar-relay/relay/internal/http"
	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/metrics"
	"github.com/pulsar-relay/relay/internal/pollmgr"
	"github.com/pulsar-relay/relay/internal/publish"
	"github.com/pulsar-relay/relay/internal/pushsocket"
	"github.com/pulsar-relay/relay/internal/storage"
	"github.com/pulsar-relay/relay/internal/topicstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialise logging:", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(log)
	defer log.Sync()

	if cfg.JWTSecretKey == "" {
		log.Fatal("PULSAR_JWT_SECRET_KEY must be set")
	}
	verifier, err := authtoken.NewVerifier(cfg.JWTSecretKey, 5*time.Second)
	if err != nil {
		log.Fatal("failed to construct JWT verifier", logging.Error(err))
	}

	registry := metrics.New()

	backend, readiness, closeStorage := buildStorage(cfg, log, registry)
	defer closeStorage()

	topics := topicstore.NewMemoryStore()
	oracle := authz.New(topics)

	conns := connmgr.New(log, connmgr.WithDropMetric(func(topic string) {
		registry.BroadcastDropped.WithLabelValues(topic).Inc()
	}))

	waiters := pollmgr.New(log,
		pollmgr.WithDropMetric(func(topic string) {
			registry.WaiterBufferDrops.WithLabelValues(topic).Inc()
		}),
		pollmgr.WithWaiterGauge(registry.SetPollWaiters),
	)
	defer waiters.Close()

	pipeline := publish.New(backend, oracle, conns, waiters, cfg.MaxPayloadBytes, publish.WithMetrics(registry))

	pushServer := pushsocket.New(verifier, oracle, conns, log,
		pushsocket.WithPingInterval(cfg.PingInterval),
		pushsocket.WithMaxConnections(int64(cfg.MaxClients)),
		pushsocket.WithMetrics(registry),
		pushsocket.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Verifier:          verifier,
		Oracle:            oracle,
		Pipeline:          pipeline,
		Waiters:           waiters,
		Storage:           backend,
		Topics:            topics,
		Metrics:           registry,
		Readiness:         readiness,
		Logger:            log,
		BulkLimiter:       httpapi.NewSlidingWindowLimiter(cfg.SensitiveOpWindow, cfg.SensitiveOpBurst, time.Now),
		PermissionLimiter: httpapi.NewSlidingWindowLimiter(cfg.SensitiveOpWindow, cfg.SensitiveOpBurst, time.Now),
	})

	router := mux.NewRouter()
	handlers.Register(router)
	router.Handle("/ws", pushServer)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(log)(router),
	}

	go func() {
		log.Info("pulsar-relay listening", logging.String("addr", cfg.Address), logging.String("storage_backend", string(cfg.StorageBackend)))
		var serveErr error
		if cfg.TLSCertPath != "" {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatal("http server exited", logging.Error(serveErr))
		}
	}()

	waitForShutdownSignal()
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", logging.Error(err))
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// buildStorage constructs the configured storage.Backend along with a
// readiness probe and a cleanup function for any backend-owned connection.
func buildStorage(cfg *config.Config, log *logging.Logger, registry *metrics.Registry) (storage.Backend, httpapi.ReadinessProvider, func()) {
	switch cfg.StorageBackend {
	case config.StorageBackendValkey:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Valkey.Addr(),
		})
		backend := storage.NewValkeyBackend(client, log, storage.WithFailureMetric(registry.ObserveStorageFailure))
		readiness := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(ctx).Err()
		}
		return backend, readiness, func() { client.Close() }
	default:
		backend := storage.NewMemoryBackend(cfg.MaxMessagesPerTopic, time.Now)
		return backend, func() error { return nil }, func() {}
	}
}
