// Command idsgate runs the anomaly-gated file transfer service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"idsgate/pkg/auth"
	"idsgate/pkg/gateway"
	"idsgate/pkg/handshake"
	"idsgate/pkg/mlmodel"
	"idsgate/pkg/ratelimit"
	"idsgate/pkg/scorer"
	"idsgate/pkg/upload"
)

func main() {
	var (
		addr          = flag.String("addr", envOr("IDSGATE_ADDR", ":8443"), "listen address")
		redisAddr     = flag.String("redis", envOr("REDIS_ADDR", ""), "redis address for distributed rate limiting (empty = local only)")
		overridesPath = flag.String("model-overrides", envOr("IDSGATE_MODEL_OVERRIDES", ""), "JSON file overriding model indicators")
		hybrid        = flag.Bool("hybrid-kem", envOr("IDSGATE_HYBRID_KEM", "true") == "true", "accept hybrid X25519+Kyber768 client keys")
		rlCapacity    = flag.Int("handshake-limit", envInt("IDSGATE_HANDSHAKE_LIMIT", 20), "handshake inits per client per window")
		rlWindow      = flag.Duration("handshake-window", envDuration("IDSGATE_HANDSHAKE_WINDOW", time.Minute), "handshake rate limit window")
		sessionTTL    = flag.Duration("session-ttl", envDuration("IDSGATE_SESSION_TTL", 5*time.Minute), "pending handshake lifetime")
		logLevel      = flag.String("log-level", envOr("IDSGATE_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	secret := os.Getenv("IDSGATE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("IDSGATE_AUTH_SECRET is required (min 32 bytes)")
	}

	authMgr, err := auth.NewManager(auth.Config{
		Secret:   []byte(secret),
		TokenTTL: time.Hour,
		Email:    envOr("IDSGATE_AUTH_EMAIL", "test@example.com"),
		Password: envOr("IDSGATE_AUTH_PASSWORD", "Test123!@#"),
	})
	if err != nil {
		log.WithError(err).Fatal("auth setup failed")
	}

	store, err := mlmodel.NewStore(mlmodel.StoreConfig{
		OverridesPath: *overridesPath,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("model store setup failed")
	}

	sc := scorer.New(store, scorer.Config{Logger: log, Registry: prometheus.DefaultRegisterer})
	engine := handshake.NewEngine(sc, handshake.Config{
		HybridKEM:  *hybrid,
		SessionTTL: *sessionTTL,
		Logger:     log,
	})
	gate := upload.NewGate(sc, upload.Config{
		Logger:   log,
		Registry: prometheus.DefaultRegisterer,
	})

	var rdb *redis.Client
	if *redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, rate limiting falls back to local")
		}
		cancel()
	}
	limiter := ratelimit.NewSlidingWindowLimiter(rdb, *rlCapacity, *rlWindow, *rlCapacity/4)

	srv := gateway.New(gateway.Config{
		Auth:    authMgr,
		Engine:  engine,
		Gate:    gate,
		Limiter: limiter,
		Logger:  log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Watch(ctx); err != nil {
			log.WithError(err).Warn("model overrides watcher stopped")
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := engine.CleanupExpired(); n > 0 {
					log.WithField("removed", n).Debug("expired handshake sessions cleaned")
				}
			}
		}
	}()

	if err := srv.Serve(ctx, *addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("gateway exited")
	}
	log.Info("gateway stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
