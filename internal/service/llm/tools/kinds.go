// Package tools implements the fixed set of dataset tools the assistant can
// call. The tool vocabulary is closed: every call is resolved to a Kind
// before execution, and unknown names fail at the boundary instead of deep in
// the executor.
package tools

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/sensorcat"
)

// Kind identifies one of the fixed tools.
type Kind int

const (
	KindQueryAnomalies Kind = iota
	KindQueryAnalogImportances
	KindQueryDigitalActivations
	KindPlotAnalogSensor
	KindPlotDigitalSensor
)

const (
	NameQueryAnomalies          = "query_anomalies"
	NameQueryAnalogImportances  = "query_analog_sensor_importances"
	NameQueryDigitalActivations = "query_digital_sensor_activations"
	NamePlotAnalogSensor        = "update_analog_sensor_plot_for_user"
	NamePlotDigitalSensor       = "update_digital_sensor_plot_for_user"
)

// KindFromName resolves a tool name to its Kind. Unknown names are an error:
// the registry never dispatches a call it cannot type.
func KindFromName(name string) (Kind, error) {
	switch name {
	case NameQueryAnomalies:
		return KindQueryAnomalies, nil
	case NameQueryAnalogImportances:
		return KindQueryAnalogImportances, nil
	case NameQueryDigitalActivations:
		return KindQueryDigitalActivations, nil
	case NamePlotAnalogSensor:
		return KindPlotAnalogSensor, nil
	case NamePlotDigitalSensor:
		return KindPlotDigitalSensor, nil
	default:
		return 0, fmt.Errorf("unknown tool: %s", name)
	}
}

// Name returns the wire name of the Kind.
func (k Kind) Name() string {
	switch k {
	case KindQueryAnomalies:
		return NameQueryAnomalies
	case KindQueryAnalogImportances:
		return NameQueryAnalogImportances
	case KindQueryDigitalActivations:
		return NameQueryDigitalActivations
	case KindPlotAnalogSensor:
		return NamePlotAnalogSensor
	case KindPlotDigitalSensor:
		return NamePlotDigitalSensor
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsPlot reports whether the Kind renders an image.
func (k Kind) IsPlot() bool {
	return k == KindPlotAnalogSensor || k == KindPlotDigitalSensor
}

// RangeArgs are the arguments of the three query tools.
type RangeArgs struct {
	StartTS string `json:"start_ts"`
	EndTS   string `json:"end_ts"`
}

// Validate checks presence; range semantics are checked by ParseTimeRange.
func (a RangeArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.StartTS, validation.Required),
		validation.Field(&a.EndTS, validation.Required),
	)
}

// TimeRange parses and validates the argument pair against the dataset
// coverage window.
func (a RangeArgs) TimeRange() (sensor.TimeRange, error) {
	if err := a.Validate(); err != nil {
		return sensor.TimeRange{}, err
	}
	return sensor.ParseTimeRange(a.StartTS, a.EndTS)
}

// PlotArgs are the arguments of the two plot tools.
type PlotArgs struct {
	SensorName string `json:"sensor_name"`
	StartTS    string `json:"start_ts"`
	EndTS      string `json:"end_ts"`
}

// Validate checks presence; sensor membership is checked against the catalog
// by the executor.
func (a PlotArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SensorName, validation.Required),
		validation.Field(&a.StartTS, validation.Required),
		validation.Field(&a.EndTS, validation.Required),
	)
}

// TimeRange parses and validates the argument pair against the dataset
// coverage window.
func (a PlotArgs) TimeRange() (sensor.TimeRange, error) {
	if err := a.Validate(); err != nil {
		return sensor.TimeRange{}, err
	}
	return sensor.ParseTimeRange(a.StartTS, a.EndTS)
}

// ValidateSensor checks the sensor name against the catalog for the plot kind.
func (a PlotArgs) ValidateSensor(kind Kind, catalog *sensorcat.Catalog) error {
	switch kind {
	case KindPlotAnalogSensor:
		if !catalog.IsAnalog(a.SensorName) {
			return fmt.Errorf("sensor_name must be one of the analog sensors %v, got %q", catalog.AnalogNames(), a.SensorName)
		}
	case KindPlotDigitalSensor:
		if !catalog.IsDigital(a.SensorName) {
			return fmt.Errorf("sensor_name must be one of the digital sensors %v, got %q", catalog.DigitalNames(), a.SensorName)
		}
	default:
		return fmt.Errorf("tool %s does not plot", kind.Name())
	}
	return nil
}

// decodeArgs converts the model's raw input map into a typed argument struct.
func decodeArgs(input map[string]interface{}, target interface{}) error {
	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal tool input: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("unmarshal tool input: %w", err)
	}
	return nil
}
