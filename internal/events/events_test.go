package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/events"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return c.err
}

func TestStatusPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := events.NewStatusPublisher(conn, "jobs.status", zap.NewNop())

	p.StatusChanged(context.Background(), store.StatusEvent{
		JobID:       3,
		ParentJobID: 7,
		JobType:     models.JobTypeFscRlie,
		Status:      models.StatusReady,
		Time:        time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "jobs.status.fsc_rlie", conn.subjects[0])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "ready", decoded["status"])
	assert.EqualValues(t, 7, decoded["parent_job_id"])
}

func TestStatusPublisherSwallowsErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := events.NewStatusPublisher(conn, "jobs.status", zap.NewNop())
	assert.NotPanics(t, func() {
		p.StatusChanged(context.Background(), store.StatusEvent{JobType: models.JobTypeGfsc, Status: models.StatusDone})
	})
	assert.Equal(t, []string{"jobs.status.gfsc"}, conn.subjects)
}
