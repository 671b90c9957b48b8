package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

// Publisher is the subset of *nats.Conn used by the mirror
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSMirror copies every task change event onto a NATS subject for out-of-process
// observers (audit, analytics). It never feeds state back into the registry and
// mirror failures never reach the task producer.
type NATSMirror struct {
	publisher Publisher
	conn      *nats.Conn
	subject   string
	logger    arbor.ILogger
	subID     interfaces.SubscriptionID
	bus       interfaces.EventService
}

// ConnectNATSMirror dials NATS with automatic reconnects and returns a mirror bound to subject
func ConnectNATSMirror(url, subject string, logger arbor.ILogger) (*NATSMirror, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	m := NewNATSMirror(nc, subject, logger)
	m.conn = nc
	return m, nil
}

// NewNATSMirror creates a mirror over an existing publisher
func NewNATSMirror(publisher Publisher, subject string, logger arbor.ILogger) *NATSMirror {
	return &NATSMirror{
		publisher: publisher,
		subject:   subject,
		logger:    logger,
	}
}

// Attach subscribes the mirror to task change events
func (m *NATSMirror) Attach(bus interfaces.EventService) error {
	id, err := bus.Subscribe(interfaces.EventTaskChanged, m.handleTaskChanged)
	if err != nil {
		return fmt.Errorf("failed to subscribe nats mirror: %w", err)
	}
	m.bus = bus
	m.subID = id

	m.logger.Info().Str("subject", m.subject).Msg("NATS event mirror attached")
	return nil
}

func (m *NATSMirror) handleTaskChanged(ctx context.Context, event interfaces.Event) error {
	change, ok := event.Payload.(models.TaskChangeEvent)
	if !ok {
		m.logger.Warn().Msg("Invalid task change payload type for nats mirror")
		return nil
	}

	data, err := json.Marshal(change)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", change.JobID).Msg("Failed to marshal task change for nats mirror")
		return nil
	}

	if err := m.publisher.Publish(m.subject, data); err != nil {
		m.logger.Warn().Err(err).Str("job_id", change.JobID).Msg("Failed to mirror task change to nats")
	}
	return nil
}

// Close detaches from the bus and drains the NATS connection if the mirror owns it
func (m *NATSMirror) Close() error {
	if m.bus != nil {
		_ = m.bus.Unsubscribe(interfaces.EventTaskChanged, m.subID)
		m.bus = nil
	}
	if m.conn != nil {
		return m.conn.Drain()
	}
	return nil
}
