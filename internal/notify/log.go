package notify

import (
	"context"

	logx "dosewatch/pkg/logx"
)

// logGateway writes notifications to the log instead of delivering them.
// Useful for dry runs and local development.
type logGateway struct {
	log logx.Logger
}

func NewLog(log logx.Logger) Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &logGateway{log: log}
}

func (g *logGateway) Name() string { return "log" }

func (g *logGateway) Send(_ context.Context, msg Message) error {
	g.log.Info("notification",
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.Any("data", msg.Data),
	)
	return nil
}
