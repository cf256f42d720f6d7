package tools

import (
	services "anomalygpt/internal/domain/services/chat"
	"anomalygpt/internal/sensorcat"
)

const timestampArgDescription = "Timestamp in 'YYYY-MM-DD HH:MM:SS' (24H - Military Time) format. Must be between 2022-01-01 and 2022-06-02."

// Definitions returns the provider-facing schemas for the fixed tool set, in
// Kind order.
func Definitions(catalog *sensorcat.Catalog) []services.ToolDefinition {
	return []services.ToolDefinition{
		{
			Name:        NameQueryAnomalies,
			Description: "Queries the database for anomalies within a specified time range. Returns a list of anomalous events with their start timestamp, end timestamp, and duration in seconds.",
			Properties: map[string]interface{}{
				"start_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
				"end_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
			},
			Required: []string{"start_ts", "end_ts"},
		},
		{
			Name:        NameQueryAnalogImportances,
			Description: "Returns the number of seconds each analog sensor was out of its expected range within the specified time range. This serves as a proxy for how much each sensor contributed to detected anomalies.",
			Properties: map[string]interface{}{
				"start_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
				"end_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
			},
			Required: []string{"start_ts", "end_ts"},
		},
		{
			Name:        NameQueryDigitalActivations,
			Description: "Returns the number of seconds each digital sensor was activated within the specified time range. Digital sensors are binary: 1 indicates the sensor is activated, 0 indicates it is not.",
			Properties: map[string]interface{}{
				"start_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
				"end_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
			},
			Required: []string{"start_ts", "end_ts"},
		},
		{
			Name:        NamePlotAnalogSensor,
			Description: "Plots analog sensor data for the user, including the sensor's expected range and shaded anomaly regions. The plot is displayed to the user automatically after the response completes.",
			Properties: map[string]interface{}{
				"sensor_name": map[string]interface{}{
					"type":        "string",
					"enum":        catalog.AnalogNames(),
					"description": "Name of the analog sensor to plot.",
				},
				"start_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
				"end_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
			},
			Required: []string{"sensor_name", "start_ts", "end_ts"},
		},
		{
			Name:        NamePlotDigitalSensor,
			Description: "Plots digital sensor data for the user with shaded anomaly regions. The plot is displayed to the user automatically after the response completes.",
			Properties: map[string]interface{}{
				"sensor_name": map[string]interface{}{
					"type":        "string",
					"enum":        catalog.DigitalNames(),
					"description": "Name of the digital sensor to plot.",
				},
				"start_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
				"end_ts": map[string]interface{}{
					"type":        "string",
					"description": timestampArgDescription,
				},
			},
			Required: []string{"sensor_name", "start_ts", "end_ts"},
		},
	}
}
