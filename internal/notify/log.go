package notify

import (
	"context"

	"github.com/ipsix/avsweep/internal/logging"
)

type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, alert Alert) error {
	l.logger.Warn("infected file",
		logging.Field{Key: "id", Value: alert.ID},
		logging.Field{Key: "run_id", Value: alert.RunID},
		logging.Field{Key: "backend", Value: alert.Backend},
		logging.Field{Key: "path", Value: alert.Path},
		logging.Field{Key: "signature", Value: alert.Signature},
	)
	return nil
}
