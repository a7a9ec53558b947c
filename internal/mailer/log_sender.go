package mailer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender accepts every message and logs it. Development driver.
type LogSender struct {
	Logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	id := uuid.NewString()
	s.Logger.Info("mail accepted",
		zap.String("to", RedactEmail(msg.To)),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id))
	return SendResult{Success: true, ID: id}, nil
}

var _ Sender = (*LogSender)(nil)
