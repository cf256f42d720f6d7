package dataset

import (
	"context"

	"anomalygpt/internal/domain/models/sensor"
)

// Reader defines read access to the sensor dataset backing the tools.
// All queries take a validated TimeRange; implementations treat both bounds
// as inclusive.
type Reader interface {
	// QueryAnomalies returns consolidated anomaly events overlapping the
	// range, filtered to events longer than the noise floor, ordered by start
	QueryAnomalies(ctx context.Context, tr sensor.TimeRange) ([]sensor.AnomalyEvent, error)

	// QueryAnalogImportances returns summed anomaly-attribution scores per
	// analog sensor over the range
	QueryAnalogImportances(ctx context.Context, tr sensor.TimeRange) (sensor.ImportanceScores, error)

	// QueryDigitalActivations returns active-sample counts per digital sensor
	// over the range
	QueryDigitalActivations(ctx context.Context, tr sensor.TimeRange) (sensor.ActivationCounts, error)

	// QueryAnalogSeries returns the plot series for one analog sensor:
	// value, reconstruction band, and anomaly flag per sample
	QueryAnalogSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error)

	// QueryDigitalSeries returns the plot series for one digital sensor:
	// signal level and anomaly flag per sample
	QueryDigitalSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error)

	// Close releases the underlying store
	Close() error
}
