// Package worker contains the outbound notification transports and the
// periodic reconciliation & dispatch job.
package worker

import (
	"context"

	"go.uber.org/zap"
)

// Email is one outbound notification. The transport is called once per
// recipient and each result is captured individually.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Sender is the unified interface over notification transports.
// Implementations: SES email, SNS topic publish, log (development).
type Sender interface {
	Send(ctx context.Context, msg Email) error
}

// LogSender writes notifications to the log instead of sending them.
// Used in development and tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Email) error {
	s.logger.Info("notification logged (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
