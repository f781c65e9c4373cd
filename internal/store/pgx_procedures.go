package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var procedureName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PgxProcedures runs stored procedures directly on PostgreSQL. Each
// procedure takes one json argument and returns a set of rows.
type PgxProcedures struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgxProcedures opens a pool on dsn and checks connectivity.
func NewPgxProcedures(ctx context.Context, dsn string, logger *zap.Logger) (*PgxProcedures, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating procedure pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging procedure database: %w", err)
	}
	logger.Info("Stored procedures routed to PostgreSQL")
	return &PgxProcedures{pool: pool, logger: logger}, nil
}

// Call implements ProcedureBackend.
func (p *PgxProcedures) Call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	if !procedureName.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid procedure name %q", ErrStoreRequest, name)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding procedure parameters: %w", err)
	}

	sql := fmt.Sprintf("SELECT coalesce(json_agg(r), '[]'::json) FROM %s($1::json) r", name)
	var raw []byte
	if err := p.pool.QueryRow(ctx, sql, string(payload)).Scan(&raw); err != nil {
		return nil, classifyPgError(err)
	}
	return decodeRows(raw)
}

// Close releases the pool.
func (p *PgxProcedures) Close() {
	p.pool.Close()
}

// classifyPgError maps connection-class and cancellation failures to the
// retryable sentinel.
func classifyPgError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrStoreRequest, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
}
