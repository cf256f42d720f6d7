package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/plot"
)

type fakeReader struct {
	mu      sync.Mutex
	calls   []string
	events  []sensor.AnomalyEvent
	scores  sensor.ImportanceScores
	counts  sensor.ActivationCounts
	series  []sensor.SeriesPoint
	err     error
	blockCh chan struct{} // when set, QueryAnomalies blocks until closed
}

func (f *fakeReader) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeReader) QueryAnomalies(ctx context.Context, tr sensor.TimeRange) ([]sensor.AnomalyEvent, error) {
	f.record("anomalies")
	if f.blockCh != nil {
		<-f.blockCh
	}
	return f.events, f.err
}

func (f *fakeReader) QueryAnalogImportances(ctx context.Context, tr sensor.TimeRange) (sensor.ImportanceScores, error) {
	f.record("importances")
	return f.scores, f.err
}

func (f *fakeReader) QueryDigitalActivations(ctx context.Context, tr sensor.TimeRange) (sensor.ActivationCounts, error) {
	f.record("activations")
	return f.counts, f.err
}

func (f *fakeReader) QueryAnalogSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	f.record("analog_series")
	return f.series, f.err
}

func (f *fakeReader) QueryDigitalSeries(ctx context.Context, sensorName string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	f.record("digital_series")
	return f.series, f.err
}

func (f *fakeReader) Close() error { return nil }

func testRegistry(t *testing.T, reader *fakeReader) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	catalog, err := sensorcat.Load()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	renderer, err := plot.NewRenderer(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("create renderer: %v", err)
	}
	return NewRegistry(reader, renderer, catalog, logger)
}

func rangeInput() map[string]interface{} {
	return map[string]interface{}{
		"start_ts": "2022-02-01 00:00:00",
		"end_ts":   "2022-02-02 00:00:00",
	}
}

func TestKindFromName(t *testing.T) {
	for _, name := range []string{
		NameQueryAnomalies,
		NameQueryAnalogImportances,
		NameQueryDigitalActivations,
		NamePlotAnalogSensor,
		NamePlotDigitalSensor,
	} {
		kind, err := KindFromName(name)
		if err != nil {
			t.Errorf("expected %s to resolve, got %v", name, err)
		}
		if kind.Name() != name {
			t.Errorf("round-trip failed: %s -> %s", name, kind.Name())
		}
	}

	if _, err := KindFromName("delete_all_data"); err == nil {
		t.Error("unknown tool name should not resolve")
	}
}

func TestExecuteQueryAnomalies(t *testing.T) {
	reader := &fakeReader{events: []sensor.AnomalyEvent{
		{EventID: 7, AnomalyStartTS: "2022-02-01 10:00:00", AnomalyEndTS: "2022-02-01 10:06:40", EventDurationInSecs: 400},
	}}
	r := testRegistry(t, reader)

	result, err := r.Execute(context.Background(), ToolCall{ID: "t1", Name: NameQueryAnomalies, Input: rangeInput()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.ID != "t1" || result.Name != NameQueryAnomalies {
		t.Errorf("result not correlated to call: %+v", result)
	}

	var events []sensor.AnomalyEvent
	if err := json.Unmarshal([]byte(result.Content), &events); err != nil {
		t.Fatalf("result content is not JSON: %v", err)
	}
	if len(events) != 1 || events[0].EventID != 7 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestExecuteRejectsBadArguments(t *testing.T) {
	r := testRegistry(t, &fakeReader{})

	cases := []struct {
		name  string
		call  ToolCall
		wants string
	}{
		{
			name:  "missing end_ts",
			call:  ToolCall{ID: "t2", Name: NameQueryAnomalies, Input: map[string]interface{}{"start_ts": "2022-02-01 00:00:00"}},
			wants: "end_ts",
		},
		{
			name: "out of coverage",
			call: ToolCall{ID: "t3", Name: NameQueryAnomalies, Input: map[string]interface{}{
				"start_ts": "2023-01-01 00:00:00",
				"end_ts":   "2023-01-02 00:00:00",
			}},
			wants: "coverage",
		},
		{
			name: "inverted range",
			call: ToolCall{ID: "t4", Name: NameQueryAnalogImportances, Input: map[string]interface{}{
				"start_ts": "2022-02-02 00:00:00",
				"end_ts":   "2022-02-01 00:00:00",
			}},
			wants: "before",
		},
		{
			name: "digital sensor to analog plot",
			call: ToolCall{ID: "t5", Name: NamePlotAnalogSensor, Input: map[string]interface{}{
				"sensor_name": "lps",
				"start_ts":    "2022-02-01 00:00:00",
				"end_ts":      "2022-02-02 00:00:00",
			}},
			wants: "analog",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := r.Execute(context.Background(), tc.call)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got %+v", result)
			}
			if result.ID != tc.call.ID {
				t.Errorf("error result must keep the call's tool_use_id")
			}
			if !strings.Contains(result.Content, tc.wants) {
				t.Errorf("expected error mentioning %q, got %q", tc.wants, result.Content)
			}
		})
	}
}

func TestExecuteUnknownToolIsDispatchFault(t *testing.T) {
	r := testRegistry(t, &fakeReader{})

	if _, err := r.Execute(context.Background(), ToolCall{ID: "t1", Name: "drop_tables", Input: rangeInput()}); err == nil {
		t.Error("unknown tool name must fail dispatch, not produce a result")
	}

	results, err := r.ExecuteParallel(context.Background(), []ToolCall{
		{ID: "a", Name: NameQueryAnomalies, Input: rangeInput()},
		{ID: "b", Name: "drop_tables", Input: rangeInput()},
	})
	if err == nil {
		t.Error("unknown tool in a batch must fail the batch")
	}
	if results != nil {
		t.Errorf("failed batch must not return partial results: %+v", results)
	}
	if !strings.Contains(err.Error(), "drop_tables") {
		t.Errorf("dispatch error should name the tool, got %q", err.Error())
	}
}

func TestExecuteReaderFailureBecomesErrorResult(t *testing.T) {
	reader := &fakeReader{err: errors.New("disk corrupted")}
	r := testRegistry(t, reader)

	result, err := r.Execute(context.Background(), ToolCall{ID: "t1", Name: NameQueryDigitalActivations, Input: rangeInput()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "disk corrupted") {
		t.Errorf("expected underlying error in content, got %q", result.Content)
	}
}

func TestExecutePlotProducesImage(t *testing.T) {
	reader := &fakeReader{series: []sensor.SeriesPoint{
		{Timestamp: "2022-02-01 10:00:00", Value: 8.1, BandLow: 7, BandHigh: 9},
		{Timestamp: "2022-02-01 10:00:01", Value: 9.4, BandLow: 7, BandHigh: 9, AnomalyFlag: 1},
	}}
	r := testRegistry(t, reader)

	result, err := r.Execute(context.Background(), ToolCall{ID: "t1", Name: NamePlotAnalogSensor, Input: map[string]interface{}{
		"sensor_name": "tp2",
		"start_ts":    "2022-02-01 00:00:00",
		"end_ts":      "2022-02-02 00:00:00",
	}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.ImageFile == "" {
		t.Error("plot result should carry the rendered filename")
	}
	if !strings.HasSuffix(result.ImageFile, ".png") {
		t.Errorf("expected png filename, got %s", result.ImageFile)
	}
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	reader := &fakeReader{
		events: []sensor.AnomalyEvent{},
		scores: sensor.ImportanceScores{"tp2": 10},
		counts: sensor.ActivationCounts{"lps": 5},
	}
	r := testRegistry(t, reader)

	calls := []ToolCall{
		{ID: "a", Name: NameQueryAnomalies, Input: rangeInput()},
		{ID: "b", Name: NameQueryAnalogImportances, Input: rangeInput()},
		{ID: "c", Name: NameQueryDigitalActivations, Input: rangeInput()},
	}

	results, err := r.ExecuteParallel(context.Background(), calls)
	if err != nil {
		t.Fatalf("execute parallel: %v", err)
	}
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	for i, call := range calls {
		if results[i].ID != call.ID {
			t.Errorf("result %d: expected id %s, got %s", i, call.ID, results[i].ID)
		}
	}
}

func TestExecuteParallelCancelledContext(t *testing.T) {
	r := testRegistry(t, &fakeReader{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := r.ExecuteParallel(ctx, []ToolCall{
		{ID: "a", Name: NameQueryAnomalies, Input: rangeInput()},
		{ID: "b", Name: NameQueryAnalogImportances, Input: rangeInput()},
	})
	if err != nil {
		t.Fatalf("execute parallel: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if !res.IsError {
			t.Errorf("cancelled call %s should be an error result", res.ID)
		}
	}
}

func TestExecuteParallelRunsConcurrently(t *testing.T) {
	block := make(chan struct{})
	reader := &fakeReader{blockCh: block, scores: sensor.ImportanceScores{}}
	r := testRegistry(t, reader)

	done := make(chan []ToolResult)
	go func() {
		results, err := r.ExecuteParallel(context.Background(), []ToolCall{
			{ID: "a", Name: NameQueryAnomalies, Input: rangeInput()},
			{ID: "b", Name: NameQueryAnalogImportances, Input: rangeInput()},
		})
		if err != nil {
			t.Errorf("execute parallel: %v", err)
		}
		done <- results
	}()

	// The importances call must complete even while anomalies blocks
	deadline := time.After(2 * time.Second)
	for {
		reader.mu.Lock()
		n := len(reader.calls)
		reader.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("calls did not run concurrently")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(block)
	results := <-done
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("results out of order: %+v", results)
	}
}

func TestDefinitionsCoverClosedVocabulary(t *testing.T) {
	catalog, err := sensorcat.Load()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	defs := Definitions(catalog)
	if len(defs) != 5 {
		t.Fatalf("expected 5 tool definitions, got %d", len(defs))
	}
	for _, def := range defs {
		if _, err := KindFromName(def.Name); err != nil {
			t.Errorf("definition %s is outside the closed vocabulary", def.Name)
		}
		if len(def.Required) == 0 {
			t.Errorf("definition %s has no required arguments", def.Name)
		}
	}
}
