package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"anomalygpt/internal/domain"
	chatModels "anomalygpt/internal/domain/models/chat"
	"anomalygpt/internal/domain/models/knowledge"
	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/domain/repositories"
	services "anomalygpt/internal/domain/services/chat"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/llm"
	"anomalygpt/internal/service/llm/tools"
	"anomalygpt/internal/service/plot"
	"anomalygpt/internal/service/retrieval"
)

// --- in-memory stores ---

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]chatModels.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]chatModels.Session)}
}

func (r *memSessionRepo) CreateSession(ctx context.Context, s *chatModels.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memSessionRepo) GetSession(ctx context.Context, id string) (*chatModels.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r *memSessionRepo) ListSessions(ctx context.Context) ([]chatModels.Session, error) {
	return nil, nil
}

func (r *memSessionRepo) TouchSession(ctx context.Context, id string) error { return nil }

func (r *memSessionRepo) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

type memMessageRepo struct {
	mu       sync.Mutex
	messages map[string]*chatModels.Message
	blocks   map[string][]chatModels.MessageBlock
	order    []string
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{
		messages: make(map[string]*chatModels.Message),
		blocks:   make(map[string][]chatModels.MessageBlock),
	}
}

func (r *memMessageRepo) CreateMessage(ctx context.Context, m *chatModels.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Seq = len(r.order) + 1
	cp := *m
	r.messages[m.ID] = &cp
	r.order = append(r.order, m.ID)
	return nil
}

func (r *memMessageRepo) GetMessage(ctx context.Context, id string) (*chatModels.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memMessageRepo) ListSessionMessages(ctx context.Context, sessionID string) ([]chatModels.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chatModels.Message
	for _, id := range r.order {
		m := r.messages[id]
		if m.SessionID != sessionID {
			continue
		}
		cp := *m
		cp.Blocks = append([]chatModels.MessageBlock(nil), r.blocks[id]...)
		out = append(out, cp)
	}
	return out, nil
}

func (r *memMessageRepo) UpdateMessageStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	m.CompletedAt = completedAt
	return nil
}

func (r *memMessageRepo) UpdateMessageError(ctx context.Context, id, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = chatModels.StatusError
	m.Error = &errorMsg
	return nil
}

func (r *memMessageRepo) UpdateMessageMetadata(ctx context.Context, id string, model string, inputTokens, outputTokens int, stopReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Model = &model
	m.InputTokens = &inputTokens
	m.OutputTokens = &outputTokens
	m.StopReason = &stopReason
	return nil
}

func (r *memMessageRepo) CreateMessageBlock(ctx context.Context, b *chatModels.MessageBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[b.MessageID] = append(r.blocks[b.MessageID], *b)
	sort.SliceStable(r.blocks[b.MessageID], func(i, j int) bool {
		return r.blocks[b.MessageID][i].Sequence < r.blocks[b.MessageID][j].Sequence
	})
	return nil
}

func (r *memMessageRepo) CreateMessageBlocks(ctx context.Context, blocks []chatModels.MessageBlock) error {
	for i := range blocks {
		if err := r.CreateMessageBlock(ctx, &blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memMessageRepo) GetMessageBlocks(ctx context.Context, messageID string) ([]chatModels.MessageBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatModels.MessageBlock(nil), r.blocks[messageID]...), nil
}

func (r *memMessageRepo) bySession(sessionID string) []chatModels.Message {
	msgs, _ := r.ListSessionMessages(context.Background(), sessionID)
	return msgs
}

// passthroughTx runs the function directly; the in-memory stores have no
// transactions.
type passthroughTx struct{}

func (passthroughTx) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	return fn(ctx)
}

// --- fakes for retrieval ---

type memDocRepo struct{ docs []knowledge.Document }

func (r *memDocRepo) CreateDocument(ctx context.Context, doc *knowledge.Document) error { return nil }

func (r *memDocRepo) SearchSimilar(ctx context.Context, embedding []float32, topK int) ([]knowledge.Document, error) {
	return r.docs, nil
}

func (r *memDocRepo) CountDocuments(ctx context.Context) (int, error) { return len(r.docs), nil }

type memEmbedder struct{}

func (memEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (memEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{1, 0}}, nil
}

// --- scripted provider ---

type providerRound struct {
	deltas       []chatModels.BlockDelta
	metadata     services.StreamMetadata
	err          error
	blockForever bool // after deltas, wait for cancellation
}

type scriptedProvider struct {
	mu       sync.Mutex
	rounds   []providerRound
	calls    int
	requests [][]chatModels.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StreamGenerate(ctx context.Context, req *services.GenerateRequest, onDelta func(*chatModels.BlockDelta)) (*services.StreamMetadata, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, append([]chatModels.Message(nil), req.Messages...))
	if idx >= len(p.rounds) {
		idx = len(p.rounds) - 1
	}
	round := p.rounds[idx]
	p.mu.Unlock()

	for i := range round.deltas {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d := round.deltas[i]
		onDelta(&d)
	}
	if round.blockForever {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if round.err != nil {
		return nil, round.err
	}
	md := round.metadata
	return &md, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) requestMessages(i int) []chatModels.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		return nil
	}
	return p.requests[i]
}

// --- dataset fake ---

type memReader struct{}

func (memReader) QueryAnomalies(ctx context.Context, tr sensor.TimeRange) ([]sensor.AnomalyEvent, error) {
	return []sensor.AnomalyEvent{{EventID: 1, AnomalyStartTS: "2022-02-01 10:00:00", AnomalyEndTS: "2022-02-01 10:06:40", EventDurationInSecs: 400}}, nil
}

func (memReader) QueryAnalogImportances(ctx context.Context, tr sensor.TimeRange) (sensor.ImportanceScores, error) {
	return sensor.ImportanceScores{"tp2": 120}, nil
}

func (memReader) QueryDigitalActivations(ctx context.Context, tr sensor.TimeRange) (sensor.ActivationCounts, error) {
	return sensor.ActivationCounts{"lps": 30}, nil
}

func (memReader) QueryAnalogSeries(ctx context.Context, name string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	return []sensor.SeriesPoint{
		{Timestamp: "2022-02-01 10:00:00", Value: 8.0, BandLow: 7, BandHigh: 9},
		{Timestamp: "2022-02-01 10:00:01", Value: 9.5, BandLow: 7, BandHigh: 9, AnomalyFlag: 1},
	}, nil
}

func (memReader) QueryDigitalSeries(ctx context.Context, name string, tr sensor.TimeRange) ([]sensor.SeriesPoint, error) {
	return []sensor.SeriesPoint{{Timestamp: "2022-02-01 10:00:00", Value: 1}}, nil
}

func (memReader) Close() error { return nil }

// --- helpers ---

type fixture struct {
	orch     *Orchestrator
	sessions *memSessionRepo
	messages *memMessageRepo
	registry *llm.ExecutorRegistry
	provider *scriptedProvider
}

func newFixture(t *testing.T, provider *scriptedProvider) *fixture {
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

	sessions := newMemSessionRepo()
	messages := newMemMessageRepo()
	registry := llm.NewExecutorRegistry()
	retriever := retrieval.NewRetriever(
		&memDocRepo{docs: []knowledge.Document{{ID: "d1", Content: "tp2 is the compressor outlet pressure"}}},
		memEmbedder{},
		retrieval.NewAuditWriter(nil),
		4,
		logger,
	)
	toolRegistry := tools.NewRegistry(memReader{}, renderer, catalog, logger)

	orch := New(sessions, messages, passthroughTx{}, provider, retriever, toolRegistry, registry, catalog,
		"claude-sonnet-4-20250514", 4096, logger)

	return &fixture{orch: orch, sessions: sessions, messages: messages, registry: registry, provider: provider}
}

func (f *fixture) submit(t *testing.T, content string) (sessionID string, turn *chatModels.Message, executor *llm.TurnExecutor) {
	t.Helper()
	session, err := f.orch.CreateSession(context.Background(), "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	turn, err = f.orch.SubmitMessage(context.Background(), session.ID, content)
	if err != nil {
		t.Fatalf("submit message: %v", err)
	}
	executor = f.registry.Get(turn.ID)
	if executor == nil {
		t.Fatal("executor not registered")
	}
	return session.ID, turn, executor
}

func waitForStatus(t *testing.T, executor *llm.TurnExecutor, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if executor.Status() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("executor never reached %s, stuck at %s (err=%v)", want, executor.Status(), executor.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func textRound(text string) providerRound {
	return providerRound{
		deltas: []chatModels.BlockDelta{
			{BlockIndex: 0, BlockType: chatModels.BlockTypeText},
			{BlockIndex: 0, DeltaType: chatModels.DeltaTypeTextDelta, TextDelta: strPtr(text)},
		},
		metadata: services.StreamMetadata{Model: "claude-sonnet-4-20250514", InputTokens: 10, OutputTokens: 5, StopReason: "end_turn"},
	}
}

func toolUseRound(toolUseID, toolName, inputJSON string) providerRound {
	return providerRound{
		deltas: []chatModels.BlockDelta{
			{BlockIndex: 0, BlockType: chatModels.BlockTypeToolUse, ToolUseID: strPtr(toolUseID), ToolName: strPtr(toolName)},
			{BlockIndex: 0, DeltaType: chatModels.DeltaTypeInputJSONDelta, InputJSONDelta: strPtr(inputJSON)},
		},
		metadata: services.StreamMetadata{Model: "claude-sonnet-4-20250514", InputTokens: 20, OutputTokens: 8, StopReason: "tool_use"},
	}
}

func strPtr(s string) *string { return &s }

const rangeJSON = `{"start_ts": "2022-02-01 00:00:00", "end_ts": "2022-02-02 00:00:00"}`

// --- tests ---

func TestCreateSessionSeedsGreeting(t *testing.T) {
	f := newFixture(t, &scriptedProvider{rounds: []providerRound{textRound("hi")}})

	session, err := f.orch.CreateSession(context.Background(), "my session")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	msgs := f.messages.bySession(session.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected greeting message, got %d messages", len(msgs))
	}
	if msgs[0].Role != chatModels.RoleAssistant || len(msgs[0].Blocks) != 1 {
		t.Fatalf("unexpected greeting: %+v", msgs[0])
	}
	if msgs[0].Blocks[0].Text() != chatModels.Greeting {
		t.Errorf("expected greeting text, got %q", msgs[0].Blocks[0].Text())
	}
}

func TestTurnWithoutTools(t *testing.T) {
	f := newFixture(t, &scriptedProvider{rounds: []providerRound{textRound("All clear that day.")}})

	sessionID, turn, executor := f.submit(t, "any anomalies on Feb 1?")
	waitForStatus(t, executor, llm.StatusComplete)

	msgs := f.messages.bySession(sessionID)
	// greeting, user, assistant
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	assistant := msgs[2]
	if assistant.ID != turn.ID {
		t.Errorf("turn ID should be the assistant message ID")
	}
	if assistant.Status != chatModels.StatusComplete {
		t.Errorf("assistant message not complete: %s", assistant.Status)
	}
	if len(assistant.Blocks) != 1 || assistant.Blocks[0].Text() != "All clear that day." {
		t.Errorf("unexpected assistant blocks: %+v", assistant.Blocks)
	}
	if assistant.StopReason == nil || *assistant.StopReason != "end_turn" {
		t.Errorf("expected end_turn stop reason, got %v", assistant.StopReason)
	}

	// A client attaching after completion gets the terminal event via catchup
	events := catchupEvents(t, executor)
	if !containsEvent(events, chatModels.SSEEventTurnComplete) {
		t.Error("catchup never delivered turn_complete")
	}
}

func TestTurnWithToolRound(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		toolUseRound("toolu_1", tools.NameQueryAnomalies, rangeJSON),
		textRound("Found one anomaly lasting 400 seconds."),
	}}
	f := newFixture(t, provider)

	sessionID, _, executor := f.submit(t, "anomalies on Feb 1?")
	waitForStatus(t, executor, llm.StatusComplete)

	msgs := f.messages.bySession(sessionID)
	// greeting, user, assistant(tool_use), tool, assistant(text)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	toolMsg := msgs[3]
	if toolMsg.Role != chatModels.RoleTool {
		t.Fatalf("expected tool message, got role %s", toolMsg.Role)
	}
	if len(toolMsg.Blocks) != 1 {
		t.Fatalf("expected 1 tool_result block, got %d", len(toolMsg.Blocks))
	}
	result := toolMsg.Blocks[0]
	if result.BlockType != chatModels.BlockTypeToolResult {
		t.Errorf("expected tool_result block, got %s", result.BlockType)
	}
	if result.ToolUseID() != "toolu_1" {
		t.Errorf("tool_result not correlated: %s", result.ToolUseID())
	}
	if !strings.Contains(result.Text(), "400") {
		t.Errorf("tool_result missing payload: %q", result.Text())
	}

	if provider.callCount() != 2 {
		t.Errorf("expected 2 generation rounds, got %d", provider.callCount())
	}
}

func TestTurnParallelToolsWithPlot(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		{
			deltas: []chatModels.BlockDelta{
				{BlockIndex: 0, BlockType: chatModels.BlockTypeToolUse, ToolUseID: strPtr("toolu_1"), ToolName: strPtr(tools.NameQueryAnalogImportances)},
				{BlockIndex: 0, DeltaType: chatModels.DeltaTypeInputJSONDelta, InputJSONDelta: strPtr(rangeJSON)},
				{BlockIndex: 1, BlockType: chatModels.BlockTypeToolUse, ToolUseID: strPtr("toolu_2"), ToolName: strPtr(tools.NamePlotAnalogSensor)},
				{BlockIndex: 1, DeltaType: chatModels.DeltaTypeInputJSONDelta, InputJSONDelta: strPtr(`{"sensor_name": "tp2", "start_ts": "2022-02-01 00:00:00", "end_ts": "2022-02-02 00:00:00"}`)},
			},
			metadata: services.StreamMetadata{Model: "m", InputTokens: 1, OutputTokens: 1, StopReason: "tool_use"},
		},
		textRound("tp2 drove the anomaly; plot attached."),
	}}
	f := newFixture(t, provider)

	sessionID, _, executor := f.submit(t, "which sensor caused it? plot it")
	waitForStatus(t, executor, llm.StatusComplete)

	msgs := f.messages.bySession(sessionID)
	toolMsg := msgs[3]
	// tool_result, tool_result, image
	if len(toolMsg.Blocks) != 3 {
		t.Fatalf("expected 3 blocks on tool message, got %d", len(toolMsg.Blocks))
	}
	if toolMsg.Blocks[0].ToolUseID() != "toolu_1" || toolMsg.Blocks[1].ToolUseID() != "toolu_2" {
		t.Errorf("results must keep call order: %+v", toolMsg.Blocks)
	}
	image := toolMsg.Blocks[2]
	if image.BlockType != chatModels.BlockTypeImage {
		t.Fatalf("expected image block, got %s", image.BlockType)
	}
	url, _ := image.Content["url"].(string)
	if !strings.HasPrefix(url, "/api/images/") || !strings.HasSuffix(url, ".png") {
		t.Errorf("unexpected image url: %q", url)
	}

	// Catchup must replay the image block for reconnecting clients
	events := catchupEvents(t, executor)
	var sawImageBlock bool
	for _, event := range events {
		if strings.Contains(event, chatModels.SSEEventBlockCatchup) && strings.Contains(event, `"block_type":"image"`) {
			sawImageBlock = true
		}
	}
	if !sawImageBlock {
		t.Error("catchup never replayed the image block")
	}
}

func TestTurnToolRoundBound(t *testing.T) {
	// Provider requests tools forever; the last scripted round repeats
	provider := &scriptedProvider{rounds: []providerRound{
		toolUseRound("toolu_loop", tools.NameQueryAnomalies, rangeJSON),
	}}
	f := newFixture(t, provider)

	sessionID, _, executor := f.submit(t, "loop forever")
	waitForStatus(t, executor, llm.StatusComplete)

	metadata := executor.Metadata()
	if metadata == nil || metadata.StopReason != chatModels.StopReasonMaxToolRounds {
		t.Fatalf("expected max_tool_rounds stop reason, got %+v", metadata)
	}

	// Every tool_use across the session must have a matching tool_result
	assertNoUnmatchedToolCalls(t, f.messages.bySession(sessionID))
}

func TestTurnCancellation(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		{
			deltas: []chatModels.BlockDelta{
				{BlockIndex: 0, BlockType: chatModels.BlockTypeToolUse, ToolUseID: strPtr("toolu_1"), ToolName: strPtr(tools.NameQueryAnomalies)},
				{BlockIndex: 0, DeltaType: chatModels.DeltaTypeInputJSONDelta, InputJSONDelta: strPtr(rangeJSON)},
			},
			blockForever: true,
		},
	}}
	f := newFixture(t, provider)

	sessionID, turn, executor := f.submit(t, "never finishes")

	// Give the provider a moment to emit the tool_use deltas
	time.Sleep(50 * time.Millisecond)
	if err := f.orch.Interrupt(turn.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	waitForStatus(t, executor, llm.StatusCancelled)

	// Poll until the cancellation settlement lands
	deadline := time.After(2 * time.Second)
	for {
		msg, err := f.messages.GetMessage(context.Background(), turn.ID)
		if err == nil && msg.Status == chatModels.StatusCancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("assistant message never marked cancelled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	waitForSettledCalls(t, f.messages, sessionID)
}

func TestTurnResumesAfterInterruption(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		{
			deltas: []chatModels.BlockDelta{
				{BlockIndex: 0, BlockType: chatModels.BlockTypeToolUse, ToolUseID: strPtr("toolu_1"), ToolName: strPtr(tools.NameQueryAnomalies)},
				{BlockIndex: 0, DeltaType: chatModels.DeltaTypeInputJSONDelta, InputJSONDelta: strPtr(rangeJSON)},
			},
			blockForever: true,
		},
		textRound("Picking up where we left off."),
	}}
	f := newFixture(t, provider)

	sessionID, turn, executor := f.submit(t, "never finishes")
	time.Sleep(50 * time.Millisecond)
	if err := f.orch.Interrupt(turn.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	waitForStatus(t, executor, llm.StatusCancelled)
	waitForSettledCalls(t, f.messages, sessionID)

	turn2, err := f.orch.SubmitMessage(context.Background(), sessionID, "continue")
	if err != nil {
		t.Fatalf("submit after interrupt: %v", err)
	}
	executor2 := f.registry.Get(turn2.ID)
	waitForStatus(t, executor2, llm.StatusComplete)

	// The resumed request must carry the interrupted call and its settlement
	// as a matched pair
	req := provider.requestMessages(1)
	if req == nil {
		t.Fatal("second generation never reached the provider")
	}
	assertRequestToolPairsMatched(t, req)

	var sawInterruptedCall bool
	for _, msg := range req {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolUse && block.ToolUseID() == "toolu_1" {
				sawInterruptedCall = true
			}
		}
	}
	if !sawInterruptedCall {
		t.Error("resumed request dropped the interrupted call")
	}
}

func TestCancelSettlementSkipsSettledCalls(t *testing.T) {
	f := newFixture(t, &scriptedProvider{rounds: []providerRound{textRound("x")}})
	ctx := context.Background()

	session, err := f.orch.CreateSession(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}

	// A tool round whose result already landed before the interrupt
	now := time.Now().UTC()
	assistant := &chatModels.Message{ID: "a1", SessionID: session.ID, Role: chatModels.RoleAssistant, Status: chatModels.StatusComplete, CreatedAt: now, CompletedAt: &now}
	if err := f.messages.CreateMessage(ctx, assistant); err != nil {
		t.Fatal(err)
	}
	if err := f.messages.CreateMessageBlock(ctx, &chatModels.MessageBlock{
		ID: "b1", MessageID: "a1", BlockType: chatModels.BlockTypeToolUse, Sequence: 0,
		Content:   map[string]interface{}{"tool_use_id": "toolu_9", "tool_name": tools.NameQueryAnomalies, "input": map[string]interface{}{}},
		CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	toolMsg := &chatModels.Message{ID: "t1", SessionID: session.ID, Role: chatModels.RoleTool, Status: chatModels.StatusComplete, CreatedAt: now, CompletedAt: &now}
	if err := f.messages.CreateMessage(ctx, toolMsg); err != nil {
		t.Fatal(err)
	}
	if err := f.messages.CreateMessageBlock(ctx, &chatModels.MessageBlock{
		ID: "b2", MessageID: "t1", BlockType: chatModels.BlockTypeToolResult, Sequence: 0,
		TextContent: strPtr("[]"),
		Content:     map[string]interface{}{"tool_use_id": "toolu_9", "is_error": false},
		CreatedAt:   now,
	}); err != nil {
		t.Fatal(err)
	}

	executor := llm.NewTurnExecutor(context.Background(), "a1", session.ID, "m", f.messages)
	f.orch.finishCancelled(executor, "a1")

	count := 0
	for _, msg := range f.messages.bySession(session.ID) {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolResult && block.ToolUseID() == "toolu_9" {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one result for toolu_9, got %d", count)
	}

	// A round that finished before the interrupt keeps its completed status
	msg, err := f.messages.GetMessage(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != chatModels.StatusComplete {
		t.Errorf("completed round must not be rewritten to %s", msg.Status)
	}
}

func TestPromptHistoryKeepsCancelledAndDropsOrphans(t *testing.T) {
	history := []chatModels.Message{
		{ID: "u1", Role: chatModels.RoleUser, Status: chatModels.StatusComplete, Blocks: []chatModels.MessageBlock{
			{BlockType: chatModels.BlockTypeText, TextContent: strPtr("hi")},
		}},
		{ID: "a1", Role: chatModels.RoleAssistant, Status: chatModels.StatusCancelled, Blocks: []chatModels.MessageBlock{
			{BlockType: chatModels.BlockTypeToolUse, Content: map[string]interface{}{"tool_use_id": "settled", "tool_name": tools.NameQueryAnomalies}},
			{BlockType: chatModels.BlockTypeToolUse, Content: map[string]interface{}{"tool_use_id": "orphan_use", "tool_name": tools.NameQueryAnomalies}},
		}},
		{ID: "t1", Role: chatModels.RoleTool, Status: chatModels.StatusComplete, Blocks: []chatModels.MessageBlock{
			{BlockType: chatModels.BlockTypeToolResult, TextContent: strPtr("cancelled by user"), Content: map[string]interface{}{"tool_use_id": "settled", "is_error": true}},
			{BlockType: chatModels.BlockTypeToolResult, TextContent: strPtr("late"), Content: map[string]interface{}{"tool_use_id": "orphan_result", "is_error": false}},
		}},
		{ID: "a2", Role: chatModels.RoleAssistant, Status: chatModels.StatusStreaming},
	}

	out := promptHistory(history, "a2")
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if len(out[1].Blocks) != 1 || out[1].Blocks[0].ToolUseID() != "settled" {
		t.Errorf("cancelled assistant must keep only the settled call: %+v", out[1].Blocks)
	}
	if len(out[2].Blocks) != 1 || out[2].Blocks[0].ToolUseID() != "settled" {
		t.Errorf("tool message must keep only the matched result: %+v", out[2].Blocks)
	}
	assertRequestToolPairsMatched(t, out)
}

func TestTurnUnknownToolFailsTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		toolUseRound("toolu_x", "reboot_train", `{}`),
	}}
	f := newFixture(t, provider)

	_, turn, executor := f.submit(t, "do something impossible")
	waitForStatus(t, executor, llm.StatusError)

	if executor.Err() == nil || !strings.Contains(executor.Err().Error(), "unavailable tool") {
		t.Errorf("expected unavailable-tool failure, got %v", executor.Err())
	}

	deadline := time.After(2 * time.Second)
	for {
		msg, err := f.messages.GetMessage(context.Background(), turn.ID)
		if err == nil && msg.Status == chatModels.StatusError {
			return
		}
		select {
		case <-deadline:
			t.Fatal("assistant message never marked errored")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTurnSendsFullHistory(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{textRound("Yes, the same event.")}}
	f := newFixture(t, provider)
	ctx := context.Background()

	session, err := f.orch.CreateSession(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}

	// An exchange from much earlier in the conversation
	old := time.Now().UTC().Add(-48 * time.Hour)
	oldMsg := &chatModels.Message{ID: "old1", SessionID: session.ID, Role: chatModels.RoleUser, Status: chatModels.StatusComplete, CreatedAt: old, CompletedAt: &old}
	if err := f.messages.CreateMessage(ctx, oldMsg); err != nil {
		t.Fatal(err)
	}
	if err := f.messages.CreateMessageBlock(ctx, &chatModels.MessageBlock{
		ID: "oldb", MessageID: "old1", BlockType: chatModels.BlockTypeText,
		TextContent: strPtr("the February 1st event"), CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}

	turn, err := f.orch.SubmitMessage(ctx, session.ID, "was that the same one?")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.registry.Get(turn.ID), llm.StatusComplete)

	var sawOld bool
	for _, msg := range provider.requestMessages(0) {
		for _, block := range msg.Blocks {
			if block.Text() == "the February 1st event" {
				sawOld = true
			}
		}
	}
	if !sawOld {
		t.Error("history sent to the provider dropped an old message")
	}
}

func TestTurnProviderError(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{
		{err: errors.New("api exploded")},
	}}
	f := newFixture(t, provider)

	_, turn, executor := f.submit(t, "boom")
	waitForStatus(t, executor, llm.StatusError)

	deadline := time.After(2 * time.Second)
	for {
		msg, err := f.messages.GetMessage(context.Background(), turn.ID)
		if err == nil && msg.Status == chatModels.StatusError {
			if msg.Error == nil || !strings.Contains(*msg.Error, "api exploded") {
				t.Errorf("error not recorded on message: %v", msg.Error)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("assistant message never marked errored")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitRejectsConcurrentTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: []providerRound{{blockForever: true}}}
	f := newFixture(t, provider)

	sessionID, _, _ := f.submit(t, "first")

	_, err := f.orch.SubmitMessage(context.Background(), sessionID, "second")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for concurrent turn, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &scriptedProvider{rounds: []providerRound{textRound("x")}})

	if _, err := f.orch.SubmitMessage(context.Background(), "missing-session", "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found for unknown session, got %v", err)
	}

	session, err := f.orch.CreateSession(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.SubmitMessage(context.Background(), session.ID, ""); err == nil {
		t.Error("expected validation error for empty content")
	}
}

// catchupEvents attaches a late client and collects the replayed events.
func catchupEvents(t *testing.T, executor *llm.TurnExecutor) []string {
	t.Helper()

	executor.AddClient("late-client")
	defer executor.RemoveClient("late-client")
	clientChan := executor.GetClientChannel("late-client")

	done := make(chan error, 1)
	go func() {
		done <- executor.HandleReconnection(context.Background(), clientChan)
	}()

	var events []string
	for event := range clientChan {
		events = append(events, event)
	}
	if err := <-done; err != nil {
		t.Fatalf("catchup failed: %v", err)
	}
	return events
}

func containsEvent(events []string, eventType string) bool {
	for _, event := range events {
		if strings.Contains(event, "event: "+eventType+"\n") {
			return true
		}
	}
	return false
}

// assertNoUnmatchedToolCalls verifies every tool_use block in the log has a
// matching tool_result block.
func assertNoUnmatchedToolCalls(t *testing.T, msgs []chatModels.Message) {
	t.Helper()

	resultIDs := make(map[string]bool)
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolResult {
				resultIDs[block.ToolUseID()] = true
			}
		}
	}
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolUse && !resultIDs[block.ToolUseID()] {
				t.Errorf("tool_use %s has no matching tool_result", block.ToolUseID())
			}
		}
	}
}

func hasUnmatchedToolCalls(msgs []chatModels.Message) bool {
	resultIDs := make(map[string]bool)
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolResult {
				resultIDs[block.ToolUseID()] = true
			}
		}
	}
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolUse && !resultIDs[block.ToolUseID()] {
				return true
			}
		}
	}
	return false
}

// waitForSettledCalls polls until every tool_use in the session log has a
// matching tool_result; settlement runs asynchronously after an interrupt.
func waitForSettledCalls(t *testing.T, repo *memMessageRepo, sessionID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if !hasUnmatchedToolCalls(repo.bySession(sessionID)) {
			return
		}
		select {
		case <-deadline:
			assertNoUnmatchedToolCalls(t, repo.bySession(sessionID))
			t.Fatal("tool calls never settled")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// assertRequestToolPairsMatched verifies a provider request carries only
// matched tool_use/tool_result pairs.
func assertRequestToolPairsMatched(t *testing.T, msgs []chatModels.Message) {
	t.Helper()

	uses := make(map[string]bool)
	results := make(map[string]bool)
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			switch block.BlockType {
			case chatModels.BlockTypeToolUse:
				uses[block.ToolUseID()] = true
			case chatModels.BlockTypeToolResult:
				if !uses[block.ToolUseID()] {
					t.Errorf("request carries tool_result %s with no prior tool_use", block.ToolUseID())
				}
				results[block.ToolUseID()] = true
			}
		}
	}
	for id := range uses {
		if !results[id] {
			t.Errorf("request carries tool_use %s with no tool_result", id)
		}
	}
}
