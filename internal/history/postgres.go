package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "pushgate_notifications"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists notifications via lib/pq. The table is assumed to
// be owned by the wider platform; CREATE IF NOT EXISTS only covers fresh
// development environments.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Append(ctx context.Context, notification Notification) error {
	if notification.ID == "" || notification.UserID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, type, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
	data := notification.Data
	if data == nil {
		data = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, query,
		notification.ID,
		notification.UserID,
		notification.Type,
		string(data),
		notification.Read,
		notification.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultSinceLimit
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, type, data, read, created_at
		FROM %s
		WHERE user_id = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, userID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var notification Notification
		var data string
		if err := rows.Scan(
			&notification.ID,
			&notification.UserID,
			&notification.Type,
			&data,
			&notification.Read,
			&notification.CreatedAt,
		); err != nil {
			return nil, err
		}
		notification.Data = []byte(data)
		notifications = append(notifications, notification)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET read = TRUE
		WHERE id = $1 AND user_id = $2`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET read = TRUE
		WHERE user_id = $1 AND read = FALSE`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				type TEXT NOT NULL,
				data TEXT NOT NULL DEFAULT '{}',
				read BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		index := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s ON %s (user_id, created_at)`,
			postgresQuoteIdentifier(s.tableName+"_user_created_idx"),
			postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, index); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	if s.initErr != nil {
		return s.initErr
	}
	if s.db == nil {
		return errors.New("postgres store not initialized")
	}
	return nil
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
