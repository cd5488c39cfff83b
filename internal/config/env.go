package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

func Load() *Config {
	return &Config{
		Service: &ServiceConfig{
			Name:   getEnv("SERVICE_NAME", "social-hub"),
			Env:    getEnv("SERVICE_ENV", "development"),
			Addr:   getEnv("SERVICE_ADDR", ":8080"),
			NodeID: getEnv("NODE_ID", uuid.NewString()),
		},
		Database: &DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "pgx"),
			DSN:             getEnv("DB_DSN", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getEnvDuration("DB_CONN_LIFETIME", 5*time.Minute),
			PingTimeout:     getEnvDuration("DB_PING_TIMEOUT", 5*time.Second),
		},
		Redis: &RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE", 2),
			PingTimeout:  getEnvDuration("REDIS_PING_TIMEOUT", 2*time.Second),
			RelayChannel: getEnv("REDIS_RELAY_CHANNEL", "hub-relay"),
			PresenceKey:  getEnv("REDIS_PRESENCE_KEY", "presence:users"),
			PresenceTTL:  getEnvDuration("PRESENCE_TTL", 60*time.Second),
			InboxPrefix:  getEnv("REDIS_INBOX_PREFIX", "inbox:"),
			InboxMaxLen:  int64(getEnvInt("REDIS_INBOX_MAXLEN", 1000)),
		},
		Logger: &LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "JSON"),
		},
		Tracer: &TracerConfig{
			Address: getEnv("OTEL_EXPORTER_ADDR", ""),
		},
		Hub: &HubConfig{
			WriteWait:      getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
			PongWait:       getEnvDuration("WS_PONG_WAIT", 50*time.Second),
			PingPeriod:     getEnvDuration("WS_PING_PERIOD", 20*time.Second),
			MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
			SendBuffer:     getEnvInt("WS_SEND_BUFFER", 256),
			LedgerCap:      getEnvInt("DEDUP_LEDGER_CAP", 1000),
			TypingTimeout:  getEnvDuration("TYPING_TIMEOUT", 3*time.Second),
			PairBase:       int64(getEnvInt("DIRECTORY_PAIR_BASE", 1_000_000)),
			HistoryLimit:   getEnvInt("HISTORY_LIMIT", 50),
		},
		Connector: &ConnectorConfig{
			HandshakeTimeout:  getEnvDuration("CLIENT_HANDSHAKE_TIMEOUT", 5*time.Second),
			HeartbeatInterval: getEnvDuration("CLIENT_HEARTBEAT_INTERVAL", 20*time.Second),
			MissedHeartbeats:  getEnvInt("CLIENT_MISSED_HEARTBEATS", 2),
			InitialBackoff:    getEnvDuration("CLIENT_BACKOFF_INITIAL", time.Second),
			BackoffMultiplier: getEnvFloat("CLIENT_BACKOFF_MULTIPLIER", 1.5),
			MaxBackoff:        getEnvDuration("CLIENT_BACKOFF_MAX", 30*time.Second),
			Jitter:            getEnvFloat("CLIENT_BACKOFF_JITTER", 0.2),
			MaxAttempts:       getEnvInt("CLIENT_MAX_ATTEMPTS", 5),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
