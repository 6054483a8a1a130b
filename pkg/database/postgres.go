package database

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/docvault-api/pkg/config"
)

// NewPostgres returns a configured PostgreSQL client.
func NewPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// NewListener returns a pq listener subscribed to channel. Used by the OCR
// dispatcher so enqueued jobs wake idle workers without waiting for the poll
// tick. Connection drops are recovered by pq's reconnect loop and reported
// through onEvent.
func NewListener(cfg config.DatabaseConfig, channel string, onEvent func(ev pq.ListenerEventType, err error)) (*pq.Listener, error) {
	listener := pq.NewListener(cfg.DSN(), 10*time.Second, time.Minute, onEvent)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	return listener, nil
}
