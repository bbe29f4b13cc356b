// Package events publishes run reports to NATS so pack operators can watch
// fleet-wide synchronization outcomes without scraping logs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/modsync/internal/config"
	"git.home.luguber.info/inful/modsync/internal/reconcile"
)

// Publisher manages the NATS connection for run reports.
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewPublisher connects to NATS using the events configuration. Returns an
// error when events are not configured.
func NewPublisher(cfg config.EventsConfig, logger *slog.Logger) (*Publisher, error) {
	if cfg.NATSURL == "" {
		return nil, fmt.Errorf("events require a NATS URL")
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", cfg.NATSURL, "subject", cfg.Subject)

	return &Publisher{
		conn:    conn,
		js:      js,
		subject: cfg.Subject,
		logger:  logger,
	}, nil
}

// PublishRunReport publishes one reconciliation report.
func (p *Publisher) PublishRunReport(report *reconcile.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
		return fmt.Errorf("failed to publish run report: %w", err)
	}

	p.logger.Debug("Published run report",
		"run_id", report.RunID,
		"subject", p.subject,
		"mutations", report.Mutations(),
		"errors", report.Errors)
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
