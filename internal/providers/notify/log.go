package notify

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// LogProvider writes alerts to the structured log, where the on-call review
// queue is built from.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) ReviewAlert(ctx context.Context, subject string, message string) error {
	p.log.Warn("manual review required",
		zap.String("subject", subject),
		zap.String("message", message),
	)
	return nil
}

func (p *LogProvider) Notify(ctx context.Context, accountID snowflake.ID, message string) error {
	p.log.Info("account notification",
		zap.Int64("account_id", int64(accountID)),
		zap.String("message", message),
	)
	return nil
}
