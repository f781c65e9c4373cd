package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect establishes a connection to the NATS server with reconnect logic
// suited to a long-running loop service.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(time.Second*5),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently. Will not attempt to reconnect.")
		}),
	)
	if err != nil {
		logger.Error("Failed to connect to NATS after retries", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// StatusPublisher forwards status changes to NATS as JSON events on
// "<prefix>.<job_type>".
type StatusPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// NewStatusPublisher creates a publisher on conn.
func NewStatusPublisher(conn Conn, prefix string, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject events of jobType are published on.
func (p *StatusPublisher) Subject(jobType string) string {
	return p.prefix + "." + jobType
}

// StatusChanged implements store.StatusListener. Failures are logged only.
func (p *StatusPublisher) StatusChanged(_ context.Context, change store.StatusEvent) {
	data, err := json.Marshal(change)
	if err != nil {
		p.logger.Warn("Failed to encode status event", zap.Int64("job_id", change.JobID), zap.Error(err))
		return
	}
	subject := p.Subject(string(change.JobType))
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish status event",
			zap.String("subject", subject),
			zap.Int64("job_id", change.JobID),
			zap.Error(err))
	}
}
