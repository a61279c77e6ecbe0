package storage

import (
	"context"
	"time"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"go.uber.org/zap"
)

// Recorder is the persistence-owning sink consumer: it subscribes to the
// watchdog's message stream and writes limit events and measurement sets to
// the history tables. Like every sink consumer it is lossy by contract - the
// core never blocks on it, and a full buffer drops messages.
type Recorder struct {
	db     *PostgresClient
	logger *zap.Logger
	ch     chan watchdog.Message
}

func NewRecorder(db *PostgresClient, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:     db,
		logger: logger,
		ch:     make(chan watchdog.Message, 1024),
	}
}

// Publish implements watchdog.Sink. Never blocks.
func (r *Recorder) Publish(msg watchdog.Message) {
	select {
	case r.ch <- msg:
	default:
		r.logger.Warn("Recorder buffer full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Run drains the buffer and persists until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info("History recorder started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("History recorder stopped")
			return
		case msg := <-r.ch:
			r.persist(ctx, msg)
		}
	}
}

func (r *Recorder) persist(ctx context.Context, msg watchdog.Message) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch data := msg.Data.(type) {
	case watchdog.EventData:
		if err := r.db.InsertLimitEvent(writeCtx, msg.Timestamp, data); err != nil {
			r.logger.Error("Failed to persist limit event",
				zap.String("event", data.Event), zap.Error(err))
		}
	case watchdog.MeasurementData:
		if err := r.db.InsertMeasurements(writeCtx, msg.Timestamp, data); err != nil {
			r.logger.Error("Failed to persist measurements", zap.Error(err))
		}
	default:
		// Status and lifecycle notices are not persisted.
	}
}
