package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fulcrumdata/entitystore/internal/config"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/model"
)

// NATSEmitter publishes change signals as JSON over JetStream. Subjects are
// <prefix>.entities.upserted, <prefix>.entities.deleted,
// <prefix>.entityset.deleted and <prefix>.linking.cluster_deleted.
type NATSEmitter struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	prefix  string
	ackWait time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewNATSEmitter connects to NATS and prepares the JetStream publisher.
func NewNATSEmitter(cfg config.NATSConfig, m *metrics.Metrics, logger *zap.Logger) (*NATSEmitter, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("entitystore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("NATS emitter ready", zap.String("url", cfg.URL), zap.String("subject_prefix", cfg.SubjectPrefix))

	return &NATSEmitter{
		conn:    conn,
		js:      js,
		prefix:  cfg.SubjectPrefix,
		ackWait: cfg.PublishAckWait,
		logger:  logger,
		metrics: m,
	}, nil
}

func (e *NATSEmitter) EntitiesUpserted(ctx context.Context, event model.EntitiesUpsertedEvent) error {
	return e.publish(ctx, "entities.upserted", event)
}

func (e *NATSEmitter) EntitiesDeleted(ctx context.Context, event model.EntitiesDeletedEvent) error {
	return e.publish(ctx, "entities.deleted", event)
}

func (e *NATSEmitter) EntitySetDataDeleted(ctx context.Context, event model.EntitySetDataDeletedEvent) error {
	return e.publish(ctx, "entityset.deleted", event)
}

func (e *NATSEmitter) LinkingClusterDeleted(ctx context.Context, event model.LinkingClusterDeletedEvent) error {
	return e.publish(ctx, "linking.cluster_deleted", event)
}

func (e *NATSEmitter) publish(ctx context.Context, suffix string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", suffix, err)
	}

	subject := e.prefix + "." + suffix
	if e.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ackWait)
		defer cancel()
	}

	if _, err := e.js.Publish(ctx, subject, data); err != nil {
		e.logger.Error("Failed to publish change signal",
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(suffix).Inc()
	}
	return nil
}

// Ping verifies connectivity for readiness checks.
func (e *NATSEmitter) Ping() error {
	if !e.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	return nil
}

// Close drains the connection.
func (e *NATSEmitter) Close() {
	if err := e.conn.Drain(); err != nil {
		e.logger.Warn("NATS drain failed", zap.Error(err))
	}
}
