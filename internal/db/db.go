package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"social-hub/internal/config"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Database wraps the pool and knows which placeholder style its driver
// speaks. Queries are written with ? and rebound for postgres.
type Database struct {
	Conn   *sql.DB
	Driver string
}

func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if cfg.Driver == DriverSQLite {
		// one connection, otherwise every :memory: connection is its own database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Database{Conn: conn, Driver: cfg.Driver}, nil
}

// OpenMemory is an in-memory sqlite database with the schema applied.
func OpenMemory() (*Database, error) {
	d, err := NewDatabase(&config.DatabaseConfig{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		return nil, err
	}
	if err := d.AutoMigrate(); err != nil {
		_ = d.Conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Rebind rewrites ? placeholders to $n for postgres.
func (d *Database) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGINT PRIMARY KEY,
            username VARCHAR(50) NOT NULL DEFAULT '',
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            avatar TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS group_members (
            group_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (group_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGINT PRIMARY KEY,
            conversation_id BIGINT NOT NULL,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            sender_id BIGINT NOT NULL,
            recipient_id BIGINT NOT NULL DEFAULT 0,
            content TEXT NOT NULL,
            client_msg_id VARCHAR(64) NOT NULL DEFAULT '',
            status SMALLINT NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, is_group, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages (sender_id, client_msg_id) WHERE client_msg_id <> ''`,

		`CREATE TABLE IF NOT EXISTS notifications (
            id BIGINT PRIMARY KEY,
            user_id BIGINT NOT NULL,
            type VARCHAR(32) NOT NULL,
            content TEXT NOT NULL,
            link TEXT NOT NULL DEFAULT '',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            conversation_id BIGINT NOT NULL DEFAULT 0,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            from_user_id BIGINT NOT NULL DEFAULT 0,
            group_id BIGINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, id)`,

		// read watermark per user and conversation
		`CREATE TABLE IF NOT EXISTS conversation_reads (
            user_id BIGINT NOT NULL,
            conversation_id BIGINT NOT NULL,
            is_group BOOLEAN NOT NULL,
            last_read_id BIGINT NOT NULL DEFAULT 0,
            PRIMARY KEY (user_id, conversation_id, is_group)
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
