package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	linkconfig "github.com/antinvestor/service-link/apps/link/config"
	"github.com/antinvestor/service-link/apps/link/service/business"
	"github.com/antinvestor/service-link/apps/link/service/handlers"
	"github.com/antinvestor/service-link/apps/link/service/queues"
	"github.com/antinvestor/service-link/internal/health"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	cacheCheckTimeout       = 5 * time.Second
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[linkconfig.LinkConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_link"
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg),
		frame.WithCache(cfg.CacheName, rawCache), frame.WithRegisterServerOauth2Client())
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qManager := svc.QueueManager()
	workMan := svc.WorkManager()

	forwarder := queues.NewCrossInstanceForwarder(&cfg, qManager)

	// Setup connection manager
	manager := business.NewManager(
		ctx,
		setupVerifier(svc, &cfg),
		rawCache,
		workMan,
		forwarder.Forward,
		business.Options{
			SingleSession:        cfg.SingleSessionPolicy,
			MaxConnections:       cfg.MaxConnections,
			MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
			ReadIdleInterval:     cfg.ReadIdleTimeout(),
			WriteIdleInterval:    cfg.WriteIdleTimeout(),
			ZombieInterval:       cfg.ZombieTimeout(),
			MissedHeartbeatLimit: cfg.MissedHeartbeatLimit,
			VerifyTimeout:        cfg.VerifyTimeout(),
		},
	)
	// Graceful shutdown: drain connections and stop background tasks.
	// Defers run LIFO: the manager shuts down before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		manager.DrainConnections(drainCtx)
		if shutdownErr := manager.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
	}()

	serviceOptions := buildQueueOptions(cfg, qManager, manager)

	// Setup health checks
	healthHandler := health.NewHandler()
	healthHandler.AddChecker(health.NewSessionChecker(manager))
	healthHandler.AddChecker(health.NewCacheChecker(rawCache, cacheCheckTimeout))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.Handle("/ws", handlers.NewLinkHandler(manager, cfg.OriginPatterns()...))

	serviceOptions = append(serviceOptions, frame.WithHTTPHandler(mux))

	// Initialize the service with all options
	svc.Init(ctx, serviceOptions...)

	log.WithFields(map[string]any{
		"instance_id":  manager.InstanceID(),
		"shard_id":     cfg.ShardID,
		"total_shards": cfg.TotalShards,
	}).Info("starting link service")

	// Start the service
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run Server")
	}
}

// buildQueueOptions wires the sharded delivery topics. This instance
// subscribes to its own shard's topic and publishes to every other shard's,
// plus the dead-letter topic for deliveries nobody could complete.
func buildQueueOptions(
	cfg linkconfig.LinkConfig,
	qManager queue.Manager,
	manager business.Manager,
) []frame.Option {
	options := []frame.Option{
		frame.WithRegisterPublisher(cfg.QueueUndeliverableName, cfg.QueueUndeliverableURI),
	}

	deliveryHandler := queues.NewLinkDeliveryQueueHandler(&cfg, qManager, manager.Router())

	for shard := range cfg.TotalShards {
		topicName := fmt.Sprintf(cfg.QueueLinkDeliveryName, shard)
		topicURI := fmt.Sprintf("%s.%d", cfg.QueueLinkDeliveryURI, shard)

		if shard == cfg.ShardID {
			options = append(options, frame.WithRegisterSubscriber(topicName, topicURI, deliveryHandler))
			continue
		}
		options = append(options, frame.WithRegisterPublisher(topicName, topicURI))
	}

	return options
}

// setupVerifier builds the handshake credential verifier over the service's
// OIDC token validation. When the service runs insecurely (local
// development), the raw credential is trusted as the user ID.
func setupVerifier(svc *frame.Service, cfg *linkconfig.LinkConfig) business.VerifierFunc {
	return func(ctx context.Context, credential string) (string, error) {
		if !cfg.IsRunSecurely() {
			return credential, nil
		}

		authCtx, err := svc.SecurityManager().GetAuthenticator(ctx).Authenticate(
			ctx, credential, security.WithAudience(cfg.TokenAudience), security.WithIssuer(cfg.TokenIssuer))
		if err != nil {
			return "", fmt.Errorf("%w: %w", business.ErrInvalidCredential, err)
		}

		claims := security.ClaimsFromContext(authCtx)
		if claims == nil {
			return "", fmt.Errorf("%w: token carries no claims", business.ErrInvalidCredential)
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return "", fmt.Errorf("%w: token carries no subject", business.ErrInvalidCredential)
		}
		return subject, nil
	}
}

func setupCache(_ context.Context, cfg linkconfig.LinkConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}
