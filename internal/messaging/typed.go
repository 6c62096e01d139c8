package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// Typed adapts a handler that works on a decoded payload. A payload that does
// not decode can never succeed, so it is logged and acknowledged.
func Typed[T any](logger *zap.Logger, h func(ctx context.Context, env events.Envelope, data T) error) HandlerFunc {
	return func(ctx context.Context, env events.Envelope) error {
		var data T
		if err := env.Decode(&data); err != nil {
			logger.Error("dropping event with undecodable payload",
				zap.String("eventType", env.EventType.String()),
				zap.String("eventId", env.EventID),
				zap.String("sagaId", env.SagaID),
				zap.Error(err))
			return nil
		}
		return h(ctx, env, data)
	}
}
