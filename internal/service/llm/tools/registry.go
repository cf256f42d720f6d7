package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/domain/repositories/dataset"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/plot"
)

// ToolCall represents a single tool invocation request.
type ToolCall struct {
	ID    string                 `json:"id"`    // tool_use_id from LLM
	Name  string                 `json:"name"`  // tool name
	Input map[string]interface{} `json:"input"` // tool parameters
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	ID      string `json:"id"`       // tool_use_id (matches ToolCall.ID)
	Name    string `json:"name"`     // tool name (matches ToolCall.Name)
	Content string `json:"content"`  // JSON payload or error text returned to the model
	IsError bool   `json:"is_error"` // whether execution failed

	// ImageFile is set by plot tools: the rendered PNG filename
	ImageFile string `json:"image_file,omitempty"`
}

// Registry dispatches tool calls over the closed tool vocabulary.
// It is thread-safe and can be used concurrently.
type Registry struct {
	reader   dataset.Reader
	renderer *plot.Renderer
	catalog  *sensorcat.Catalog
	logger   *slog.Logger
}

// NewRegistry creates a registry over the dataset reader and plot renderer.
func NewRegistry(reader dataset.Reader, renderer *plot.Renderer, catalog *sensorcat.Catalog, logger *slog.Logger) *Registry {
	return &Registry{
		reader:   reader,
		renderer: renderer,
		catalog:  catalog,
		logger:   logger,
	}
}

// Execute runs a single tool call. Argument and execution failures come back
// as error results addressed to the model, never as Go errors: every call the
// model makes gets a correlated result. A name outside the closed vocabulary
// is different: the registry was asked for a tool that does not exist, which
// is a configuration fault returned as an error.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	kind, err := KindFromName(call.Name)
	if err != nil {
		return ToolResult{}, fmt.Errorf("tool %q: %w", call.Name, err)
	}
	return r.dispatch(ctx, kind, call), nil
}

func (r *Registry) dispatch(ctx context.Context, kind Kind, call ToolCall) ToolResult {
	var content string
	var imageFile string
	var err error
	switch kind {
	case KindQueryAnomalies:
		content, err = r.executeQueryAnomalies(ctx, call.Input)
	case KindQueryAnalogImportances:
		content, err = r.executeAnalogImportances(ctx, call.Input)
	case KindQueryDigitalActivations:
		content, err = r.executeDigitalActivations(ctx, call.Input)
	case KindPlotAnalogSensor, KindPlotDigitalSensor:
		content, imageFile, err = r.executePlot(ctx, kind, call.Input)
	}
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", call.Name, "tool_use_id", call.ID, "error", err)
		return errorResult(call, err)
	}

	return ToolResult{ID: call.ID, Name: call.Name, Content: content, ImageFile: imageFile}
}

// ExecuteParallel runs multiple tool calls concurrently and returns results
// in call order. Context cancellation marks unstarted calls as errors so the
// result set always matches the call set one-to-one. Every name is resolved
// before anything runs: one unknown tool fails the whole batch.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	if len(calls) == 0 {
		return []ToolResult{}, nil
	}

	kinds := make([]Kind, len(calls))
	for i, call := range calls {
		kind, err := KindFromName(call.Name)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", call.Name, err)
		}
		kinds[i] = kind
	}

	// Pre-allocate results slice with correct length
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(index int, toolCall ToolCall) {
			defer wg.Done()

			// Check context before executing
			select {
			case <-ctx.Done():
				results[index] = errorResult(toolCall, ctx.Err())
				return
			default:
			}

			results[index] = r.dispatch(ctx, kinds[index], toolCall)
		}(i, call)
	}

	wg.Wait()

	return results, nil
}

func (r *Registry) executeQueryAnomalies(ctx context.Context, input map[string]interface{}) (string, error) {
	tr, err := rangeFromInput(input)
	if err != nil {
		return "", err
	}

	events, err := r.reader.QueryAnomalies(ctx, tr)
	if err != nil {
		return "", fmt.Errorf("query anomalies: %w", err)
	}
	return marshalContent(events)
}

func (r *Registry) executeAnalogImportances(ctx context.Context, input map[string]interface{}) (string, error) {
	tr, err := rangeFromInput(input)
	if err != nil {
		return "", err
	}

	scores, err := r.reader.QueryAnalogImportances(ctx, tr)
	if err != nil {
		return "", fmt.Errorf("query analog importances: %w", err)
	}
	return marshalContent(scores)
}

func (r *Registry) executeDigitalActivations(ctx context.Context, input map[string]interface{}) (string, error) {
	tr, err := rangeFromInput(input)
	if err != nil {
		return "", err
	}

	counts, err := r.reader.QueryDigitalActivations(ctx, tr)
	if err != nil {
		return "", fmt.Errorf("query digital activations: %w", err)
	}
	return marshalContent(counts)
}

func (r *Registry) executePlot(ctx context.Context, kind Kind, input map[string]interface{}) (string, string, error) {
	var args PlotArgs
	if err := decodeArgs(input, &args); err != nil {
		return "", "", err
	}
	tr, err := args.TimeRange()
	if err != nil {
		return "", "", err
	}
	if err := args.ValidateSensor(kind, r.catalog); err != nil {
		return "", "", err
	}

	var points []sensor.SeriesPoint
	var filename string
	if kind == KindPlotAnalogSensor {
		points, err = r.reader.QueryAnalogSeries(ctx, args.SensorName, tr)
		if err != nil {
			return "", "", fmt.Errorf("query analog series: %w", err)
		}
		filename, err = r.renderer.RenderAnalog(args.SensorName, tr, points)
	} else {
		points, err = r.reader.QueryDigitalSeries(ctx, args.SensorName, tr)
		if err != nil {
			return "", "", fmt.Errorf("query digital series: %w", err)
		}
		filename, err = r.renderer.RenderDigital(args.SensorName, tr, points)
	}
	if err != nil {
		return "", "", fmt.Errorf("render plot: %w", err)
	}

	content := fmt.Sprintf("Plotted %s from %s to %s. The plot is displayed to the user automatically.",
		args.SensorName, args.StartTS, args.EndTS)
	return content, filename, nil
}

func rangeFromInput(input map[string]interface{}) (sensor.TimeRange, error) {
	var args RangeArgs
	if err := decodeArgs(input, &args); err != nil {
		return sensor.TimeRange{}, err
	}
	return args.TimeRange()
}

func marshalContent(v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(jsonBytes), nil
}

func errorResult(call ToolCall, err error) ToolResult {
	return ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: err.Error(),
		IsError: true,
	}
}
