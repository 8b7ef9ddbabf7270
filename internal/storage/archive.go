// Package storage keeps a local archive of polled samples in SQLite so
// readings survive middleware outages and can be served over the REST API.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Schwaneberg/metercore/internal/types"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sampled_at INTEGER NOT NULL,
	meter_id   TEXT    NOT NULL,
	channel    TEXT    NOT NULL,
	value      REAL    NOT NULL,
	unit       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_meter_time ON readings (meter_id, sampled_at);
`

// Reading is one numeric channel value as stored in the archive.
type Reading struct {
	Time    time.Time `json:"time"`
	MeterID string    `json:"meter_id"`
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
	Unit    string    `json:"unit"`
}

type Archive struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenArchive(path string, logger *zap.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	// SQLite handles one writer; more connections only produce lock errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

// StoreSample persists the numeric channels of a sample in one transaction.
// Non-numeric channels (raw octets, status words) are not archived.
func (a *Archive) StoreSample(ctx context.Context, sample *types.Sample) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (sampled_at, meter_id, channel, value, unit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, channel := range sample.Channels {
		var value float64
		switch v := channel.Value.(type) {
		case float64:
			value = v
		case int64:
			value = float64(v)
		default:
			continue
		}
		if _, err := stmt.ExecContext(ctx, sample.Time.UnixMilli(), sample.MeterID, channel.Name, value, channel.Unit); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings: %w", err)
	}
	return nil
}

// RecentReadings returns the newest readings for a meter, newest first. An
// empty meter id returns readings across all meters.
func (a *Archive) RecentReadings(ctx context.Context, meterID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT sampled_at, meter_id, channel, value, unit FROM readings`
	args := []any{}
	if meterID != "" {
		query += ` WHERE meter_id = ?`
		args = append(args, meterID)
	}
	query += ` ORDER BY sampled_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var reading Reading
		var sampledAt int64
		if err := rows.Scan(&sampledAt, &reading.MeterID, &reading.Channel, &reading.Value, &reading.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		reading.Time = time.UnixMilli(sampledAt).UTC()
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// Prune drops readings older than the retention window.
func (a *Archive) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := a.db.ExecContext(ctx, `DELETE FROM readings WHERE sampled_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune archive: %w", err)
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		a.logger.Info("Pruned archived readings", zap.Int64("deleted", deleted))
	}
	return nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
