// Command server starts the lepko drop and pad HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"lepko/internal/accesskey"
	"lepko/internal/api"
	"lepko/internal/blob"
	"lepko/internal/drop"
	"lepko/internal/keyval"
	"lepko/internal/observability/logging"
	"lepko/internal/observability/metrics"
	"lepko/internal/pad"
	"lepko/internal/server"
)

func main() {
	// Missing .env files are fine; flags and the process environment win.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	recordsDriver := flag.String("records-driver", "", "expiring record store driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the record store")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the record store")
	redisUsername := flag.String("redis-username", "", "Redis username for the record store")
	redisPassword := flag.String("redis-password", "", "Redis password for the record store")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name for the record store")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the record store")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	linkTTL := flag.Duration("link-ttl", 0, "lifetime of a minted drop link")
	uploadMaxBytes := flag.Int64("upload-max-bytes", 0, "maximum accepted drop payload size in bytes")
	uploadAllowedTypes := flag.String("upload-allowed-types", "", "comma separated content type prefixes accepted for drops")
	blobDriver := flag.String("blob-driver", "", "blob storage driver (local or s3)")
	blobDir := flag.String("blob-dir", "", "directory for locally stored drop payloads")
	s3Endpoint := flag.String("s3-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	s3Region := flag.String("s3-region", "", "object storage region")
	s3AccessKey := flag.String("s3-access-key", "", "object storage access key")
	s3SecretKey := flag.String("s3-secret-key", "", "object storage secret key")
	s3Bucket := flag.String("s3-bucket", "", "object storage bucket name")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "enable TLS for object storage requests")
	s3Prefix := flag.String("s3-prefix", "", "object storage key prefix for drop payloads")
	s3PublicEndpoint := flag.String("s3-public-endpoint", "", "public endpoint used for redeem redirects")
	keysDriver := flag.String("keys-driver", "", "access key store driver (memory or postgres)")
	keysPostgresDSN := flag.String("keys-postgres-dsn", "", "Postgres DSN for the access key store")
	padRequireMarker := flag.Bool("pad-require-marker", false, "restrict pad joins to rooms registered via the API")
	padRoomTTL := flag.Duration("pad-room-ttl", 0, "lifetime of a registered pad room marker")
	padSendBuffer := flag.Int("pad-send-buffer", 0, "per-member pad outbound queue depth")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum drop uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting drop uploads")
	purgeInterval := flag.Duration("purge-interval", 0, "interval between expired record sweeps")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LEPKO_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LEPKO_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("LEPKO_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("LEPKO_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("LEPKO_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("LEPKO_TLS_KEY"))

	redisCfg := keyval.RedisConfig{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("LEPKO_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("LEPKO_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("LEPKO_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("LEPKO_REDIS_PASSWORD")),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("LEPKO_REDIS_MASTER_NAME")),
		DialTimeout:  resolveDuration(*redisTimeout, "LEPKO_REDIS_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*redisTimeout, "LEPKO_REDIS_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*redisTimeout, "LEPKO_REDIS_TIMEOUT", 0),
		PoolSize:     resolveInt(*redisPoolSize, "LEPKO_REDIS_POOL_SIZE"),
		TLS: keyval.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("LEPKO_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("LEPKO_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("LEPKO_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("LEPKO_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "LEPKO_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	redisConfigured := redisCfg.Addr != "" || len(redisCfg.Addrs) > 0

	driver, err := resolveRecordsDriver(*recordsDriver, os.Getenv("LEPKO_RECORDS_DRIVER"), redisConfigured)
	if err != nil {
		logger.Error("failed to resolve record store driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "redis" {
		logger.Error("production mode requires the redis record store driver", "driver", driver)
		os.Exit(1)
	}

	var (
		records     keyval.Store
		redisStore  *keyval.RedisStore
		memoryStore *keyval.MemoryStore
	)
	switch driver {
	case "memory":
		memoryStore = keyval.NewMemoryStore()
		records = memoryStore
	case "redis":
		redisStore, err = keyval.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to open record store", "error", err)
			os.Exit(1)
		}
		records = redisStore
	default:
		logger.Error("unsupported record store driver", "driver", driver)
		os.Exit(1)
	}

	drops, err := drop.NewService(drop.Config{
		Store:   records,
		LinkTTL: resolveDuration(*linkTTL, "LEPKO_LINK_TTL", 0),
	})
	if err != nil {
		logger.Error("failed to initialise drop service", "error", err)
		os.Exit(1)
	}

	s3Cfg := blob.S3Config{
		Endpoint:       firstNonEmpty(*s3Endpoint, os.Getenv("LEPKO_S3_ENDPOINT")),
		Region:         firstNonEmpty(*s3Region, os.Getenv("LEPKO_S3_REGION")),
		AccessKey:      firstNonEmpty(*s3AccessKey, os.Getenv("LEPKO_S3_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*s3SecretKey, os.Getenv("LEPKO_S3_SECRET_KEY")),
		Bucket:         firstNonEmpty(*s3Bucket, os.Getenv("LEPKO_S3_BUCKET")),
		UseSSL:         resolveBool(*s3UseSSL, "LEPKO_S3_USE_SSL"),
		Prefix:         firstNonEmpty(*s3Prefix, os.Getenv("LEPKO_S3_PREFIX")),
		PublicEndpoint: firstNonEmpty(*s3PublicEndpoint, os.Getenv("LEPKO_S3_PUBLIC_ENDPOINT")),
	}

	var (
		blobs     blob.Storage
		localBlob *blob.LocalStorage
	)
	switch resolveBlobDriver(*blobDriver, os.Getenv("LEPKO_BLOB_DRIVER"), s3Cfg) {
	case "s3":
		blobs, err = blob.NewS3Storage(s3Cfg)
	case "local":
		localBlob, err = blob.NewLocalStorage(resolveBlobDir(*blobDir, os.Getenv("LEPKO_BLOB_DIR")))
		blobs = localBlob
	default:
		logger.Error("unsupported blob storage driver", "driver", *blobDriver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open blob storage", "error", err)
		os.Exit(1)
	}

	keyStoreCfg, err := resolveKeyStoreConfig(
		*keysDriver,
		os.Getenv("LEPKO_KEYS_DRIVER"),
		*keysPostgresDSN,
		os.Getenv("LEPKO_KEYS_POSTGRES_DSN"),
		os.Getenv("DATABASE_URL"),
	)
	if err != nil {
		logger.Error("failed to resolve access key store", "error", err)
		os.Exit(1)
	}

	var (
		keyStore  accesskey.Store
		keyCloser func(context.Context) error
	)
	switch keyStoreCfg.Driver {
	case "memory":
		keyStore = accesskey.NewMemoryStore()
	case "postgres":
		pgStore, err := accesskey.NewPostgresStore(keyStoreCfg.DSN)
		if err != nil {
			logger.Error("failed to open access key store", "error", err)
			os.Exit(1)
		}
		keyStore = pgStore
		keyCloser = pgStore.Close
	default:
		logger.Error("unsupported access key store driver", "driver", keyStoreCfg.Driver)
		os.Exit(1)
	}
	keys := accesskey.NewManager(accesskey.WithStore(keyStore))

	hub, err := pad.NewHub(pad.HubConfig{
		Logger:        logging.WithComponent(logger, "pad"),
		Metrics:       recorder,
		Markers:       records,
		RequireMarker: resolveBool(*padRequireMarker, "LEPKO_PAD_REQUIRE_MARKER"),
		RoomTTL:       resolveDuration(*padRoomTTL, "LEPKO_PAD_ROOM_TTL", 0),
		SendBuffer:    resolveInt(*padSendBuffer, "LEPKO_PAD_SEND_BUFFER"),
	})
	if err != nil {
		logger.Error("failed to initialise pad hub", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Handler{
		Drops:          drops,
		Blobs:          blobs,
		Hub:            hub,
		Keys:           keys,
		Logger:         logging.WithComponent(logger, "api"),
		Metrics:        recorder,
		MaxUploadBytes: resolveInt64(*uploadMaxBytes, "LEPKO_UPLOAD_MAX_BYTES"),
		AllowedTypes:   splitAndTrim(firstNonEmpty(*uploadAllowedTypes, os.Getenv("LEPKO_UPLOAD_ALLOWED_TYPES"))),
	})
	if pinger, ok := records.(interface{ Ping(context.Context) error }); ok {
		handler.Pinger = pinger
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:    resolveFloat(*globalRPS, "LEPKO_RATE_GLOBAL_RPS"),
		GlobalBurst:  resolveInt(*globalBurst, "LEPKO_RATE_GLOBAL_BURST"),
		UploadLimit:  resolveInt(*uploadLimit, "LEPKO_RATE_UPLOAD_LIMIT"),
		UploadWindow: resolveDuration(*uploadWindow, "LEPKO_RATE_UPLOAD_WINDOW", time.Minute),
		RedisTimeout: resolveDuration(*redisTimeout, "LEPKO_REDIS_TIMEOUT", 2*time.Second),
	}
	if redisStore != nil {
		// Upload counters share the record store connection pool.
		rateCfg.Redis = redisStore.Client()
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       server.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepInterval := resolveDuration(*purgeInterval, "LEPKO_PURGE_INTERVAL", 15*time.Minute)
	keyPurgeStop := startPurgeWorker(workerCtx, logging.WithComponent(logger, "key-purger"), keys, sweepInterval)
	defer keyPurgeStop()
	recordPurgeStop := func() {}
	if memoryStore != nil {
		recordPurgeStop = startPurgeWorker(workerCtx, logging.WithComponent(logger, "record-purger"), purgeFunc(func() error {
			return memoryStore.PurgeExpired(time.Now())
		}), sweepInterval)
	}
	defer recordPurgeStop()
	blobPurgeStop := func() {}
	if localBlob != nil {
		// A payload older than its link plus staging slack is unreachable.
		staleAge := drops.LinkTTL() + drop.DefaultStagingTTL
		blobPurgeStop = startPurgeWorker(workerCtx, logging.WithComponent(logger, "blob-purger"), purgeFunc(func() error {
			return localBlob.PurgeStale(time.Now().Add(-staleAge))
		}), sweepInterval)
	}
	defer blobPurgeStop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("lepko listening", "addr", listenAddr, "mode", serverMode, "records_driver", driver)
		if tlsCertPath != "" && tlsKeyPath != "" {
			logger.Info("TLS enabled", "cert_file", tlsCertPath)
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	workerCancel()
	keyPurgeStop()
	recordPurgeStop()
	blobPurgeStop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if keyCloser != nil {
		if err := keyCloser(closeCtx); err != nil {
			logger.Warn("failed to close access key store", "error", err)
		}
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Warn("failed to close record store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type keyStoreConfig struct {
	Driver string
	DSN    string
}

func resolveKeyStoreConfig(flagDriver, envDriver, flagDSN, envDSN, fallbackDSN string) (keyStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	dsn := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN, fallbackDSN))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return keyStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if dsn == "" {
			return keyStoreConfig{}, fmt.Errorf("postgres access key store selected without DSN")
		}
		return keyStoreConfig{Driver: "postgres", DSN: dsn}, nil
	default:
		return keyStoreConfig{}, fmt.Errorf("unsupported access key store driver %q", driver)
	}
}

func resolveRecordsDriver(flagValue, envValue string, redisConfigured bool) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if redisConfigured {
		return "redis", nil
	}
	return "memory", nil
}

func resolveBlobDriver(flagValue, envValue string, s3Cfg blob.S3Config) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if s3Cfg.Endpoint != "" && s3Cfg.Bucket != "" {
		return "s3"
	}
	return "local"
}

func resolveBlobDir(flagValue, envValue string) string {
	if dir := strings.TrimSpace(flagValue); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(envValue); dir != "" {
		return dir
	}
	return "data/drops"
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
