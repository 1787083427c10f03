package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"vodpipeline/internal/encode"
	"vodpipeline/internal/history"
	"vodpipeline/internal/jobs"
	"vodpipeline/internal/observability/logging"
	"vodpipeline/internal/observability/metrics"
	"vodpipeline/internal/progress"
	"vodpipeline/internal/redisconn"
	"vodpipeline/internal/storage"
)

const envPrefix = "VODPIPE_"

const (
	driverMemory   = "memory"
	driverRedis    = "redis"
	driverS3       = "s3"
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// rootFlags holds the connection flags shared by every subcommand. Each one
// falls back to a VODPIPE_* environment variable when left unset.
type rootFlags struct {
	logLevel  string
	logFormat string

	queueDriver   string
	queuePrefix   string
	lease         time.Duration
	redisAddr     string
	redisAddrs    string
	redisUsername string
	redisPassword string
	redisMaster   string
	redisDB       int
	redisPoolSize int
	redisTimeout  time.Duration
	redisTLSCA    string
	redisTLSCert  string
	redisTLSKey   string
	redisTLSName  string
	redisTLSSkip  bool

	progressChannel string

	storageDriver        string
	objectEndpoint       string
	objectRegion         string
	objectAccessKey      string
	objectSecretKey      string
	objectBucket         string
	objectUseSSL         bool
	objectPrefix         string
	objectPublicEndpoint string
	objectTimeout        time.Duration

	historyDriver   string
	historyPath     string
	postgresDSN     string
	postgresMax     int
	postgresMin     int
	postgresIdle    time.Duration
	postgresTimeout time.Duration
	postgresAppName string
}

func (f *rootFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (json, text or auto)")

	fs.StringVar(&f.queueDriver, "queue-driver", "", "queue and progress driver (memory or redis)")
	fs.StringVar(&f.queuePrefix, "queue-prefix", "", "Redis key prefix for the job queue")
	fs.DurationVar(&f.lease, "lease", 0, "lease granted to a worker per claim")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address")
	fs.StringVar(&f.redisAddrs, "redis-addrs", "", "comma separated Redis addresses for cluster or sentinel deployments")
	fs.StringVar(&f.redisUsername, "redis-username", "", "Redis username")
	fs.StringVar(&f.redisPassword, "redis-password", "", "Redis password")
	fs.StringVar(&f.redisMaster, "redis-master-name", "", "Redis sentinel master name")
	fs.IntVar(&f.redisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&f.redisPoolSize, "redis-pool-size", 0, "maximum Redis connections")
	fs.DurationVar(&f.redisTimeout, "redis-timeout", 0, "timeout for Redis dials and commands")
	fs.StringVar(&f.redisTLSCA, "redis-tls-ca", "", "path to Redis TLS CA certificate")
	fs.StringVar(&f.redisTLSCert, "redis-tls-cert", "", "path to Redis TLS client certificate")
	fs.StringVar(&f.redisTLSKey, "redis-tls-key", "", "path to Redis TLS client key")
	fs.StringVar(&f.redisTLSName, "redis-tls-server-name", "", "override Redis TLS server name")
	fs.BoolVar(&f.redisTLSSkip, "redis-tls-skip-verify", false, "skip Redis TLS verification")

	fs.StringVar(&f.progressChannel, "progress-channel", "", "Redis Pub/Sub channel for progress events")

	fs.StringVar(&f.storageDriver, "storage-driver", "", "object storage driver (memory or s3)")
	fs.StringVar(&f.objectEndpoint, "object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	fs.StringVar(&f.objectRegion, "object-region", "", "object storage region")
	fs.StringVar(&f.objectAccessKey, "object-access-key", "", "object storage access key")
	fs.StringVar(&f.objectSecretKey, "object-secret-key", "", "object storage secret key")
	fs.StringVar(&f.objectBucket, "object-bucket", "", "object storage bucket name")
	fs.BoolVar(&f.objectUseSSL, "object-use-ssl", false, "enable TLS for object storage requests")
	fs.StringVar(&f.objectPrefix, "object-prefix", "", "key prefix applied to every object")
	fs.StringVar(&f.objectPublicEndpoint, "object-public-endpoint", "", "public endpoint used for playback URLs")
	fs.DurationVar(&f.objectTimeout, "object-timeout", 0, "timeout for a single object storage request")

	fs.StringVar(&f.historyDriver, "history-driver", "", "job history driver (memory, sqlite or postgres)")
	fs.StringVar(&f.historyPath, "history-path", "", "SQLite database path for job history")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", "", "Postgres connection string for job history")
	fs.IntVar(&f.postgresMax, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	fs.IntVar(&f.postgresMin, "postgres-min-conns", 0, "minimum idle connections kept by the Postgres pool")
	fs.DurationVar(&f.postgresIdle, "postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	fs.DurationVar(&f.postgresTimeout, "postgres-connect-timeout", 0, "timeout when connecting to Postgres")
	fs.StringVar(&f.postgresAppName, "postgres-app-name", "", "application_name reported to Postgres")
}

// settings is the resolved configuration after env fallbacks and driver
// inference have been applied.
type settings struct {
	LogLevel  string
	LogFormat string

	QueueDriver     string
	QueuePrefix     string
	Lease           time.Duration
	Redis           redisconn.Config
	ProgressChannel string

	StorageDriver string
	S3            storage.S3Config

	HistoryDriver string
	HistoryPath   string
	Postgres      history.PostgresConfig
}

func (f *rootFlags) resolve() (settings, error) {
	var s settings
	s.LogLevel = firstNonEmpty(f.logLevel, env("LOG_LEVEL"), "info")
	s.LogFormat = firstNonEmpty(f.logFormat, env("LOG_FORMAT"), "auto")

	redisTimeout := resolveDuration(f.redisTimeout, envPrefix+"REDIS_TIMEOUT", 5*time.Second)
	s.Redis = redisconn.Config{
		Addr:         firstNonEmpty(f.redisAddr, env("REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(f.redisAddrs, env("REDIS_ADDRS"))),
		Username:     firstNonEmpty(f.redisUsername, env("REDIS_USERNAME")),
		Password:     firstNonEmpty(f.redisPassword, env("REDIS_PASSWORD")),
		MasterName:   firstNonEmpty(f.redisMaster, env("REDIS_MASTER_NAME")),
		DB:           resolveInt(f.redisDB, envPrefix+"REDIS_DB"),
		PoolSize:     resolveInt(f.redisPoolSize, envPrefix+"REDIS_POOL_SIZE"),
		DialTimeout:  redisTimeout,
		ReadTimeout:  redisTimeout,
		WriteTimeout: redisTimeout,
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(f.redisTLSCA, env("REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(f.redisTLSCert, env("REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(f.redisTLSKey, env("REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(f.redisTLSName, env("REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(f.redisTLSSkip, envPrefix+"REDIS_TLS_SKIP_VERIFY"),
		},
	}
	hasRedis := s.Redis.Addr != "" || len(s.Redis.Addrs) > 0

	s.QueueDriver = strings.ToLower(firstNonEmpty(f.queueDriver, env("QUEUE_DRIVER")))
	if s.QueueDriver == "" {
		s.QueueDriver = driverMemory
		if hasRedis {
			s.QueueDriver = driverRedis
		}
	}
	switch s.QueueDriver {
	case driverMemory:
	case driverRedis:
		if !hasRedis {
			return s, fmt.Errorf("queue driver redis requires --redis-addr or %sREDIS_ADDR", envPrefix)
		}
	default:
		return s, fmt.Errorf("unsupported queue driver %q", s.QueueDriver)
	}
	s.QueuePrefix = firstNonEmpty(f.queuePrefix, env("QUEUE_PREFIX"))
	s.Lease = resolveDuration(f.lease, envPrefix+"LEASE", jobs.DefaultLease)
	s.ProgressChannel = firstNonEmpty(f.progressChannel, env("PROGRESS_CHANNEL"), progress.DefaultChannel)

	s.S3 = storage.S3Config{
		Endpoint:       firstNonEmpty(f.objectEndpoint, env("OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(f.objectRegion, env("OBJECT_REGION")),
		AccessKey:      firstNonEmpty(f.objectAccessKey, env("OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(f.objectSecretKey, env("OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(f.objectBucket, env("OBJECT_BUCKET")),
		UseSSL:         resolveBool(f.objectUseSSL, envPrefix+"OBJECT_USE_SSL"),
		Prefix:         firstNonEmpty(f.objectPrefix, env("OBJECT_PREFIX")),
		PublicEndpoint: firstNonEmpty(f.objectPublicEndpoint, env("OBJECT_PUBLIC_ENDPOINT")),
		RequestTimeout: resolveDuration(f.objectTimeout, envPrefix+"OBJECT_TIMEOUT", 0),
	}
	s.StorageDriver = strings.ToLower(firstNonEmpty(f.storageDriver, env("STORAGE_DRIVER")))
	if s.StorageDriver == "" {
		s.StorageDriver = driverMemory
		if s.S3.Bucket != "" {
			s.StorageDriver = driverS3
		}
	}
	switch s.StorageDriver {
	case driverMemory:
	case driverS3:
		if s.S3.Bucket == "" {
			return s, fmt.Errorf("storage driver s3 requires --object-bucket or %sOBJECT_BUCKET", envPrefix)
		}
	default:
		return s, fmt.Errorf("unsupported storage driver %q", s.StorageDriver)
	}

	s.HistoryPath = firstNonEmpty(f.historyPath, env("HISTORY_PATH"))
	s.Postgres = history.PostgresConfig{
		DSN:             firstNonEmpty(f.postgresDSN, env("POSTGRES_DSN")),
		MaxConnections:  int32(resolveInt(f.postgresMax, envPrefix+"POSTGRES_MAX_CONNS")),
		MinConnections:  int32(resolveInt(f.postgresMin, envPrefix+"POSTGRES_MIN_CONNS")),
		MaxConnIdleTime: resolveDuration(f.postgresIdle, envPrefix+"POSTGRES_MAX_CONN_IDLE", 0),
		ConnectTimeout:  resolveDuration(f.postgresTimeout, envPrefix+"POSTGRES_CONNECT_TIMEOUT", 0),
		ApplicationName: firstNonEmpty(f.postgresAppName, env("POSTGRES_APP_NAME"), "vodpipeline"),
	}
	s.HistoryDriver = strings.ToLower(firstNonEmpty(f.historyDriver, env("HISTORY_DRIVER")))
	if s.HistoryDriver == "" {
		switch {
		case s.Postgres.DSN != "":
			s.HistoryDriver = driverPostgres
		case s.HistoryPath != "":
			s.HistoryDriver = driverSQLite
		default:
			s.HistoryDriver = driverMemory
		}
	}
	switch s.HistoryDriver {
	case driverMemory:
	case driverSQLite:
		if s.HistoryPath == "" {
			return s, fmt.Errorf("history driver sqlite requires --history-path or %sHISTORY_PATH", envPrefix)
		}
	case driverPostgres:
		if s.Postgres.DSN == "" {
			return s, fmt.Errorf("history driver postgres requires --postgres-dsn or %sPOSTGRES_DSN", envPrefix)
		}
	default:
		return s, fmt.Errorf("unsupported history driver %q", s.HistoryDriver)
	}
	return s, nil
}

// backends are the process-wide clients shared by the queue, the progress bus
// and the control server. Close releases them in reverse dependency order.
type backends struct {
	redis   redis.UniversalClient
	queue   jobs.Queue
	bus     progress.Bus
	store   storage.ObjectStore
	history history.Store
}

func openBackends(ctx context.Context, s settings, logger *slog.Logger, recorder *metrics.Recorder) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		b.Close(logger)
		return nil, err
	}

	historyStore, err := openHistory(ctx, s)
	if err != nil {
		return fail(fmt.Errorf("open history: %w", err))
	}
	b.history = historyStore

	store, err := openStore(ctx, s)
	if err != nil {
		return fail(fmt.Errorf("open object storage: %w", err))
	}
	b.store = store

	opts := jobs.Options{
		Lease:    s.Lease,
		Logger:   logging.WithComponent(logger, "queue"),
		Observer: history.NewRecorder(historyStore, logging.WithComponent(logger, "history")),
	}
	if s.QueueDriver == driverRedis {
		client, err := redisconn.New(ctx, s.Redis)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		b.redis = client
		queue, err := jobs.NewRedisQueue(client, s.QueuePrefix, opts)
		if err != nil {
			return fail(err)
		}
		b.queue = queue
		bus, err := progress.NewRedisBus(client, progress.RedisBusConfig{
			Channel: s.ProgressChannel,
			Logger:  logging.WithComponent(logger, "progress"),
			Metrics: recorder,
		})
		if err != nil {
			return fail(err)
		}
		b.bus = bus
		return b, nil
	}
	b.queue = jobs.NewMemoryQueue(opts)
	b.bus = progress.NewMemoryBus(0, recorder)
	return b, nil
}

func openHistory(ctx context.Context, s settings) (history.Store, error) {
	switch s.HistoryDriver {
	case driverSQLite:
		return history.OpenSQLite(s.HistoryPath)
	case driverPostgres:
		return history.NewPostgresStore(ctx, s.Postgres)
	default:
		return history.NewMemoryStore(), nil
	}
}

func openStore(ctx context.Context, s settings) (storage.ObjectStore, error) {
	if s.StorageDriver == driverS3 {
		return storage.NewS3Store(ctx, s.S3)
	}
	return storage.NewMemoryStore(s.S3.PublicEndpoint), nil
}

// Close is safe on a partially opened set.
func (b *backends) Close(logger *slog.Logger) {
	if b == nil {
		return
	}
	if b.bus != nil {
		if err := b.bus.Close(); err != nil {
			logger.Warn("failed to close progress bus", "error", err)
		}
	}
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	if b.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.history.Close(ctx); err != nil {
			logger.Warn("failed to close history store", "error", err)
		}
	}
}

// loadLadder prefers a TOML ladder file, then the compact env form, then the
// built-in ladder.
func loadLadder(file string) (encode.Ladder, error) {
	if path := firstNonEmpty(file, env("LADDER_FILE")); path != "" {
		return encode.LoadLadderFile(path)
	}
	if raw := env("LADDER"); raw != "" {
		return encode.ParseLadder(raw)
	}
	return encode.DefaultLadder(), nil
}

func env(key string) string {
	return os.Getenv(envPrefix + key)
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

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
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
