package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every message to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each message.
func (s *LogSink) Consume(_ context.Context, batch []Message) error {
	for _, msg := range batch {
		s.logger.Info("notification",
			zap.String("run_id", msg.RunID),
			zap.String("target", msg.Target),
			zap.String("stage", msg.Stage),
			zap.String("text", msg.Text),
			zap.Int("image_bytes", len(msg.Image)),
		)
	}
	return nil
}

// Close implements Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
