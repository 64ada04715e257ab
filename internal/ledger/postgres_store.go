package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Archive persists query records outside the in-memory ledger. The
// mirror is best effort: the core never depends on it.
type Archive interface {
	LogRecord(ctx context.Context, r *Record) error
	GetRecords(ctx context.Context, from, to time.Time) ([]*Record, error)
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Archive {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogRecord(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO query_records (provider, query, response, model, tokens_used, error, queried_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		r.Provider, r.Query, r.ResponseText, r.ModelLabel,
		r.TokensUsed, r.Error, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to archive query record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecords(ctx context.Context, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT provider, query, response, model, tokens_used, error, queried_at
		FROM query_records
		WHERE queried_at BETWEEN $1 AND $2
		ORDER BY queried_at DESC
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.Provider, &r.Query, &r.ResponseText, &r.ModelLabel,
			&r.TokensUsed, &r.Error, &r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived records: %w", err)
	}

	return records, nil
}
