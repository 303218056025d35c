package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Record maps one row of the external token table. The table itself is
// owned by the account service; the core only reads it.
type Record struct {
	bun.BaseModel `bun:"table:tokens"`

	Token     string    `bun:"token,pk"`
	UserID    uuid.UUID `bun:"user_id,type:uuid"`
	ExpiresAt time.Time `bun:"expires_at"`
	CreatedAt time.Time `bun:"created_at"`
}

// Store validates tokens against the relational store.
type Store struct {
	db *bun.DB
}

// NewStore opens the token store from a Postgres DSN, typically the
// DATABASE_URL environment value.
func NewStore(dsn string) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("token store ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Validate implements Validator. Unknown tokens map to ErrNotFound,
// known-but-stale ones to ErrExpired.
func (s *Store) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	var rec Record
	err := s.db.NewSelect().
		Model(&rec).
		Where("token = ?", token).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("token lookup: %w", err)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return uuid.Nil, ErrExpired
	}
	return rec.UserID, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
