package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
)

// LimitEventRecord is one persisted limit-crossing event.
type LimitEventRecord struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ElapsedS   float64   `json:"elapsed_s"`
	Channel    int       `json:"channel"`
	Event      string    `json:"event"`
	Kind       string    `json:"kind"`
	Voltage    float64   `json:"voltage"`
	Current    float64   `json:"current"`
	Power      float64   `json:"power"`
}

func (p *PostgresClient) InsertLimitEvent(ctx context.Context, occurredAt time.Time, ev watchdog.EventData) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO limit_events (occurred_at, elapsed_s, channel, event, kind, voltage, current, power)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, occurredAt, ev.Elapsed, ev.Channel, ev.Event, ev.Kind, ev.Voltage, ev.Current, ev.Power)

	if err != nil {
		return fmt.Errorf("failed to insert limit event: %w", err)
	}
	return nil
}

// InsertMeasurements stores one row per channel of a measurement set.
func (p *PostgresClient) InsertMeasurements(ctx context.Context, sampledAt time.Time, m watchdog.MeasurementData) error {
	for key, reading := range m.Data {
		var ch int
		if _, err := fmt.Sscanf(key, "CH%d", &ch); err != nil {
			continue
		}

		_, err := p.pool.Exec(ctx, `
			INSERT INTO measurements (sampled_at, elapsed_s, channel, voltage, current, power)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sampledAt, m.Elapsed, ch, reading.Voltage, reading.Current, reading.Power)

		if err != nil {
			return fmt.Errorf("failed to insert measurement for CH%d: %w", ch, err)
		}
	}
	return nil
}

// ListEvents returns the most recent limit events, newest first.
func (p *PostgresClient) ListEvents(ctx context.Context, limit int) ([]LimitEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, occurred_at, elapsed_s, channel, event, kind, voltage, current, power
		FROM limit_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]LimitEventRecord, 0)
	for rows.Next() {
		var ev LimitEventRecord
		err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.ElapsedS, &ev.Channel,
			&ev.Event, &ev.Kind, &ev.Voltage, &ev.Current, &ev.Power)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
