package config

import "time"

type Config struct {
	Service   *ServiceConfig
	Database  *DatabaseConfig
	Redis     *RedisConfig
	Logger    *LoggerConfig
	Tracer    *TracerConfig
	Hub       *HubConfig
	Connector *ConnectorConfig
	JWTSecret string
}

type ServiceConfig struct {
	Name string
	Env  string
	Addr string
	// identifies this instance on the relay channel
	NodeID string
}

type DatabaseConfig struct {
	Driver          string // pgx or sqlite3
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
	RelayChannel string
	PresenceKey  string
	PresenceTTL  time.Duration
	InboxPrefix  string
	InboxMaxLen  int64
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TracerConfig struct {
	// empty disables export
	Address string
}

type HubConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	LedgerCap      int
	TypingTimeout  time.Duration
	PairBase       int64
	HistoryLimit   int
}

type ConnectorConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            float64
	MaxAttempts       int
}
