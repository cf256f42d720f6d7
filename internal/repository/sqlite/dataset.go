// Package sqlite reads the sensor dataset produced by the detection pipeline.
// The dataset is a single SQLite file with four tables:
//
//	anomalies_consolidated  consolidated anomaly events
//	results_agg             per-second out-of-range flags per analog sensor
//	train_data              raw digital sensor signals
//	train_data_processed    processed signals joined with anomaly flags
//	results                 per-sensor reconstruction bands
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/domain/repositories/dataset"
	"anomalygpt/internal/sensorcat"
)

// DatasetReader implements dataset.Reader over a SQLite file.
type DatasetReader struct {
	db      *sql.DB
	catalog *sensorcat.Catalog
	logger  *slog.Logger
}

// NewDatasetReader opens the dataset read-only.
func NewDatasetReader(path string, catalog *sensorcat.Catalog, logger *slog.Logger) (dataset.Reader, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping dataset: %w", err)
	}

	return &DatasetReader{db: db, catalog: catalog, logger: logger}, nil
}

// NewDatasetReaderFromDB wraps an existing database handle. The caller keeps
// ownership of schema setup; Close still closes the handle.
func NewDatasetReaderFromDB(db *sql.DB, catalog *sensorcat.Catalog, logger *slog.Logger) dataset.Reader {
	return &DatasetReader{db: db, catalog: catalog, logger: logger}
}

// Close releases the underlying store
func (r *DatasetReader) Close() error {
	return r.db.Close()
}

// QueryAnomalies returns consolidated anomaly events overlapping the range.
// An event counts as overlapping when either endpoint falls inside the range,
// and only events longer than the noise floor are returned.
func (r *DatasetReader) QueryAnomalies(ctx context.Context, tr sensor.TimeRange) ([]sensor.AnomalyEvent, error) {
	query := `
		SELECT event_id, start_ts, end_ts, event_duration_in_secs
		FROM anomalies_consolidated
		WHERE event_duration_in_secs > ?
			AND (
				(? <= start_ts AND start_ts <= ?)
				OR (? <= end_ts AND end_ts <= ?)
			)
		ORDER BY start_ts ASC
	`

	start, end := tr.StartString(), tr.EndString()
	rows, err := r.db.QueryContext(ctx, query, sensor.MinAnomalyDurationSecs, start, end, start, end)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	events := []sensor.AnomalyEvent{}
	for rows.Next() {
		var ev sensor.AnomalyEvent
		if err := rows.Scan(&ev.EventID, &ev.AnomalyStartTS, &ev.AnomalyEndTS, &ev.EventDurationInSecs); err != nil {
			return nil, fmt.Errorf("scan anomaly event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomaly events: %w", err)
	}

	return events, nil
}

// QueryAnalogImportances sums the per-sensor out-of-range seconds over the
// range. The detector flags a second as out-of-range per sensor; the sum is a
// proxy for how much each sensor drove the anomaly signal.
func (r *DatasetReader) QueryAnalogImportances(ctx context.Context, tr sensor.TimeRange) (sensor.ImportanceScores, error) {
	names := r.catalog.AnalogNames()
	query := "SELECT"
	for i, name := range names {
		if i > 0 {
			query += ","
		}
		// catalog names are a closed vocabulary, safe to interpolate
		query += fmt.Sprintf(" SUM(%s_pred)", name)
	}
	query += " FROM results_agg WHERE ? <= ts AND ts <= ?"

	row := r.db.QueryRowContext(ctx, query, tr.StartString(), tr.EndString())

	sums := make([]sql.NullFloat64, len(names))
	dests := make([]interface{}, len(names))
	for i := range sums {
		dests[i] = &sums[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("query analog importances: %w", err)
	}

	scores := make(sensor.ImportanceScores, len(names))
	for i, name := range names {
		scores[name] = sums[i].Float64
	}
	return scores, nil
}

// QueryDigitalActivations counts the seconds each digital sensor was active
// over the range. Digital signals are 0/1, so a plain sum is the count.
func (r *DatasetReader) QueryDigitalActivations(ctx context.Context, tr sensor.TimeRange) (sensor.ActivationCounts, error) {
	names := r.catalog.DigitalNames()
	query := "SELECT"
	for i, name := range names {
		if i > 0 {
			query += ","
		}
		query += fmt.Sprintf(" SUM(%s)", name)
	}
	query += " FROM train_data WHERE ? <= ts AND ts <= ?"

	row := r.db.QueryRowContext(ctx, query, tr.StartString(), tr.EndString())

	sums := make([]sql.NullInt64, len(names))
	dests := make([]interface{}, len(names))
	for i := range sums {
		dests[i] = &sums[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("query digital activations: %w", err)
	}

	counts := make(sensor.ActivationCounts, len(names))
	for i, name := range names {
		counts[name] = sums[i].Int64
	}
	return counts, nil
}

// QueryAnalogSeries returns the plot series for one analog sensor: the
// processed signal, the reconstruction band, and the anomaly flag per sample.
func (r *DatasetReader) QueryAnalogSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	if !r.catalog.IsAnalog(sensorName) {
		return nil, fmt.Errorf("unknown analog sensor: %s", sensorName)
	}

	query := fmt.Sprintf(`
		SELECT t.ts, t.%s, t.pred_filtered, r.yhat_lower_with_buffer, r.yhat_upper_with_buffer
		FROM train_data_processed AS t
			LEFT JOIN results AS r
				ON r.ts = t.ts
				AND r.sensor = ?
		WHERE ? <= t.ts AND t.ts <= ?
		ORDER BY t.ts ASC
	`, sensorName)

	rows, err := r.db.QueryContext(ctx, query, sensorName, tr.StartString(), tr.EndString())
	if err != nil {
		return nil, fmt.Errorf("query analog series: %w", err)
	}
	defer rows.Close()

	points := []sensor.SeriesPoint{}
	for rows.Next() {
		var p sensor.SeriesPoint
		var low, high sql.NullFloat64
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.AnomalyFlag, &low, &high); err != nil {
			return nil, fmt.Errorf("scan analog sample: %w", err)
		}
		p.BandLow = low.Float64
		p.BandHigh = high.Float64
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analog samples: %w", err)
	}

	return points, nil
}

// QueryDigitalSeries returns the plot series for one digital sensor: the
// signal level and the anomaly flag per sample.
func (r *DatasetReader) QueryDigitalSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	if !r.catalog.IsDigital(sensorName) {
		return nil, fmt.Errorf("unknown digital sensor: %s", sensorName)
	}

	query := fmt.Sprintf(`
		SELECT t.ts, t.%s, t.pred_filtered
		FROM train_data_processed AS t
		WHERE ? <= t.ts AND t.ts <= ?
		ORDER BY t.ts ASC
	`, sensorName)

	rows, err := r.db.QueryContext(ctx, query, tr.StartString(), tr.EndString())
	if err != nil {
		return nil, fmt.Errorf("query digital series: %w", err)
	}
	defer rows.Close()

	points := []sensor.SeriesPoint{}
	for rows.Next() {
		var p sensor.SeriesPoint
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.AnomalyFlag); err != nil {
			return nil, fmt.Errorf("scan digital sample: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digital samples: %w", err)
	}

	return points, nil
}
