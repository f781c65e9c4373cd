package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
)

// TableBackend reads and writes rows of the store's tables.
type TableBackend interface {
	Insert(ctx context.Context, table string, row map[string]interface{}) (map[string]interface{}, error)
	Update(ctx context.Context, table string, q *Query, values map[string]interface{}) error
	Select(ctx context.Context, table string, q *Query) ([]map[string]interface{}, error)
}

// ProcedureBackend runs stored procedures taking one JSON object.
type ProcedureBackend interface {
	Call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error)
}

// StatusListener is notified after every recorded status change.
type StatusListener interface {
	StatusChanged(ctx context.Context, change StatusEvent)
}

// Options tunes request timeouts and retries.
type Options struct {
	RequestTimeout   time.Duration
	ProcedureTimeout time.Duration
	ProcedureRetries uint64
	RetryWait        time.Duration
	ParallelRequests int
	Clock            clock.Clock
}

// DefaultOptions returns the production timeouts.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:   requestTimeout,
		ProcedureTimeout: 60 * time.Second,
		ProcedureRetries: 5,
		RetryWait:        2 * time.Second,
		ParallelRequests: 4,
		Clock:            clock.C,
	}
}

func (o *Options) applyDefaults() {
	defaults := DefaultOptions()
	if o.RequestTimeout == 0 {
		o.RequestTimeout = defaults.RequestTimeout
	}
	if o.ProcedureTimeout == 0 {
		o.ProcedureTimeout = defaults.ProcedureTimeout
	}
	if o.RetryWait == 0 {
		o.RetryWait = defaults.RetryWait
	}
	if o.ParallelRequests <= 0 {
		o.ParallelRequests = defaults.ParallelRequests
	}
	if o.Clock == nil {
		o.Clock = defaults.Clock
	}
}

// Store is the persistence layer shared by every service.
type Store struct {
	tables     TableBackend
	procedures ProcedureBackend
	opts       Options
	logger     *zap.Logger
	listener   StatusListener
}

// New assembles a store from its backends.
func New(tables TableBackend, procedures ProcedureBackend, opts Options, logger *zap.Logger) *Store {
	opts.applyDefaults()
	return &Store{
		tables:     tables,
		procedures: procedures,
		opts:       opts,
		logger:     logger,
	}
}

// NewHTTPStore addresses the store at baseURL for tables and procedures.
func NewHTTPStore(baseURL string, opts Options, logger *zap.Logger) *Store {
	client := NewRESTClient(baseURL)
	return New(client, client, opts, logger)
}

// SetStatusListener registers l for status change notifications.
func (s *Store) SetStatusListener(l StatusListener) {
	s.listener = l
}

// SetParallelRequests updates the fan-out bound, typically from the system
// parameters row.
func (s *Store) SetParallelRequests(n int) {
	if n > 0 {
		s.opts.ParallelRequests = n
	}
}

// ParallelRequests returns the current fan-out bound.
func (s *Store) ParallelRequests() int {
	return s.opts.ParallelRequests
}

// Now returns the store clock's current time in UTC.
func (s *Store) Now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func (s *Store) insert(ctx context.Context, table string, row map[string]interface{}) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.tables.Insert(ctx, table, row)
}

func (s *Store) update(ctx context.Context, table string, q *Query, values map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.tables.Update(ctx, table, q, values)
}

func (s *Store) selectRows(ctx context.Context, table string, q *Query) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.tables.Select(ctx, table, q)
}

// rowID extracts the integer id column of a stored row.
func rowID(row map[string]interface{}, column string) (int64, error) {
	switch v := row[column].(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("row has no usable %q column: %v", column, row[column])
	}
}

// Listeners fans a status change out to several listeners.
type Listeners []StatusListener

// StatusChanged implements StatusListener.
func (ls Listeners) StatusChanged(ctx context.Context, change StatusEvent) {
	for _, l := range ls {
		if l != nil {
			l.StatusChanged(ctx, change)
		}
	}
}
