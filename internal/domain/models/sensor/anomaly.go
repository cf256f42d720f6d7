package sensor

// AnomalyEvent is one consolidated anomaly from the detection pipeline.
// Only events longer than MinAnomalyDurationSecs are surfaced; shorter runs
// are treated as detector noise.
type AnomalyEvent struct {
	EventID             int     `json:"event_id"`
	AnomalyStartTS      string  `json:"anomaly_start_timestamp"`
	AnomalyEndTS        string  `json:"anomaly_end_timestamp"`
	EventDurationInSecs float64 `json:"event_duration_in_seconds"`
}

// MinAnomalyDurationSecs is the noise floor for consolidated anomaly events.
const MinAnomalyDurationSecs = 300

// ImportanceScores maps analog sensor name to its summed anomaly-attribution
// score over a window. Higher means the sensor contributed more to the
// detector's anomaly signal.
type ImportanceScores map[string]float64

// ActivationCounts maps digital sensor name to the number of samples in a
// window where the sensor was active.
type ActivationCounts map[string]int64

// SeriesPoint is one timestamped reading used for plotting: the raw sensor
// value plus the detector's reconstruction band and anomaly flag.
type SeriesPoint struct {
	Timestamp string
	Value     float64
	// Reconstruction band (analog sensors only)
	BandLow  float64
	BandHigh float64
	// 1 when the detector flagged this sample as anomalous
	AnomalyFlag int
}
