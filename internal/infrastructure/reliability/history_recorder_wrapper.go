package reliability

import (
	"context"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// HistoryRecorderWrapper guards the meeting-history recorder with a circuit
// breaker. History is fire-and-forget: when the backend is down the breaker
// sheds calls instead of letting every join pay the timeout.
type HistoryRecorderWrapper struct {
	recorder ports.HistoryRecorder
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

func NewHistoryRecorderWrapper(
	recorder ports.HistoryRecorder,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *HistoryRecorderWrapper {
	wrapper := &HistoryRecorderWrapper{
		recorder: recorder,
		breaker:  circuitbreaker.New(cbConfig),
		logger:   logger,
	}

	wrapper.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("history recorder circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

var _ ports.HistoryRecorder = (*HistoryRecorderWrapper)(nil)

func (w *HistoryRecorderWrapper) RecordJoin(ctx context.Context, user domain.UserID, room domain.RoomCode) error {
	return w.breaker.Execute(func() error {
		return w.recorder.RecordJoin(ctx, user, room)
	})
}
