package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

type fakeRunRepo struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*types.GenerationRun
	byReq   map[string]*types.GenerationRun
	updates []map[string]interface{}

	// simulate a concurrent duplicate: Create fails, and from then on the
	// winner is visible through GetByRequestID
	createErr   error
	raceWinner  *types.GenerationRun
	createTried bool
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:  make(map[uuid.UUID]*types.GenerationRun),
		byReq: make(map[string]*types.GenerationRun),
	}
}

func (f *fakeRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.GenerationRun) ([]*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		f.createTried = true
		return nil, f.createErr
	}
	for _, r := range runs {
		f.runs[r.ID] = r
		f.byReq[r.RequestID] = r
	}
	return runs, nil
}

func (f *fakeRunRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.GenerationRun
	for _, id := range ids {
		if r, ok := f.runs[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*types.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.byReq[requestID]; r != nil {
		return r, nil
	}
	if f.createTried && f.raceWinner != nil && f.raceWinner.RequestID == requestID {
		return f.raceWinner, nil
	}
	return nil, nil
}

func (f *fakeRunRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay, staleRunning time.Duration) (*types.GenerationRun, error) {
	return nil, nil
}

func (f *fakeRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates)
	return nil
}

func (f *fakeRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

func (f *fakeRunRepo) lastUpdateWith(key string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.updates) - 1; i >= 0; i-- {
		if _, ok := f.updates[i][key]; ok {
			return f.updates[i]
		}
	}
	return nil
}

type terminalCall struct {
	id      uuid.UUID
	status  string
	content string
}

type fakeMsgRepo struct {
	mu        sync.Mutex
	appended  []*types.ConversationMessage
	terminals []terminalCall
	nextSeq   int64
}

func (f *fakeMsgRepo) Append(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) (*types.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	msg.ID = uuid.New()
	msg.SequenceNumber = f.nextSeq
	f.appended = append(f.appended, msg)
	return msg, nil
}

func (f *fakeMsgRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ConversationMessage, error) {
	return nil, nil
}

func (f *fakeMsgRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error) {
	return nil, nil
}

func (f *fakeMsgRepo) MarkTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, terminalCall{id: id, status: status, content: content})
	return nil
}

type fakeMemoryRepo struct {
	mu       sync.Mutex
	upserted []*types.MemoryRecord
}

func (f *fakeMemoryRepo) Upsert(ctx context.Context, tx *gorm.DB, rec *types.MemoryRecord) (*types.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, rec)
	return rec, nil
}

func (f *fakeMemoryRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.MemoryRecord, error) {
	return nil, nil
}

type fakeBuilder struct {
	packet *ContextPacket
}

func (f *fakeBuilder) Build(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*ContextPacket, error) {
	return f.packet, nil
}

type fakeResolver struct {
	decision *types.ToolDecision
	memories []*types.MemoryRecord
	err      error
	calls    int
}

func (f *fakeResolver) Resolve(ctx context.Context, packet *ContextPacket, prompt string) (*types.ToolDecision, []*types.MemoryRecord, error) {
	f.calls++
	return f.decision, f.memories, f.err
}

type fakeTools struct {
	outcome *ToolOutcome
	err     error
	cycles  int
}

func (f *fakeTools) Dispatch(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	cycles := f.cycles
	if cycles == 0 {
		cycles = 1
	}
	for i := 0; i < cycles; i++ {
		progress(sse.SSEEventRunGenerating, StageCompile)
		progress(sse.SSEEventRunValidating, StageValidate)
	}
	return f.outcome, nil
}

type runEvent struct {
	event sse.SSEEvent
	data  RunEventData
}

type fakeSync struct {
	mu        sync.Mutex
	events    []sse.SSEEvent
	runEvents []runEvent
}

func (f *fakeSync) PublishRun(ctx context.Context, event sse.SSEEvent, data RunEventData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.runEvents = append(f.runEvents, runEvent{event: event, data: data})
}

func (f *fakeSync) Publish(ctx context.Context, channel string, event sse.SSEEvent, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSync) Flush(ctx context.Context) {}

func (f *fakeSync) snapshot() []sse.SSEEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sse.SSEEvent, len(f.events))
	copy(out, f.events)
	return out
}

type genFixture struct {
	svc      *generationService
	runs     *fakeRunRepo
	msgs     *fakeMsgRepo
	memory   *fakeMemoryRepo
	resolver *fakeResolver
	tools    *fakeTools
	sync     *fakeSync
}

func newGenFixture(t *testing.T, resolver *fakeResolver, tools *fakeTools) *genFixture {
	t.Helper()
	f := &genFixture{
		runs:     newFakeRunRepo(),
		msgs:     &fakeMsgRepo{},
		memory:   &fakeMemoryRepo{},
		resolver: resolver,
		tools:    tools,
		sync:     &fakeSync{},
	}
	genCfg := config.GenerationConfig{FPS: 30, MaxFixAttempts: 3, ConversationWindow: 20, DefaultDurationInFrames: 150}
	wrkCfg := config.WorkerConfig{PollInterval: time.Second, MaxAttempts: 5, RetryDelay: 30 * time.Second, StaleRunning: 2 * time.Minute, Concurrency: 2}
	// rolls appended messages back on error, like the real transaction does
	txn := func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		f.msgs.mu.Lock()
		before := len(f.msgs.appended)
		f.msgs.mu.Unlock()
		if err := fn(nil); err != nil {
			f.msgs.mu.Lock()
			f.msgs.appended = f.msgs.appended[:before]
			f.msgs.mu.Unlock()
			return err
		}
		return nil
	}
	f.svc = NewGenerationService(
		testLogger(t), genCfg, wrkCfg, txn,
		f.runs, f.msgs, f.memory,
		&fakeBuilder{packet: testPacket(nil, nil)},
		resolver, tools, f.sync,
	).(*generationService)
	return f
}

func TestEnqueueCreatesRunAndMessages(t *testing.T) {
	f := newGenFixture(t, &fakeResolver{}, &fakeTools{})
	projectID := uuid.New()

	run, deduped, err := f.svc.Enqueue(context.Background(), projectID, "req-1", "add an intro")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if deduped {
		t.Fatalf("fresh request reported deduped")
	}
	if run.Status != types.RunStatusQueued {
		t.Fatalf("status = %q, want queued", run.Status)
	}
	if len(f.msgs.appended) != 2 {
		t.Fatalf("appended %d messages, want 2", len(f.msgs.appended))
	}
	user, assistant := f.msgs.appended[0], f.msgs.appended[1]
	if user.Role != types.MessageRoleUser || user.Status != types.MessageStatusSuccess {
		t.Fatalf("user message = %+v", user)
	}
	if assistant.Role != types.MessageRoleAssistant || assistant.Status != types.MessageStatusPending {
		t.Fatalf("assistant message = %+v", assistant)
	}
	if run.MessageID != assistant.ID {
		t.Fatalf("run.MessageID = %s, want assistant message %s", run.MessageID, assistant.ID)
	}
}

func TestEnqueueDedupesByRequestID(t *testing.T) {
	f := newGenFixture(t, &fakeResolver{}, &fakeTools{})
	projectID := uuid.New()

	first, _, err := f.svc.Enqueue(context.Background(), projectID, "req-dup", "add an intro")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	appendedBefore := len(f.msgs.appended)

	second, deduped, err := f.svc.Enqueue(context.Background(), projectID, "req-dup", "add an intro")
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if !deduped {
		t.Fatalf("replay not reported deduped")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different run")
	}
	if len(f.msgs.appended) != appendedBefore {
		t.Fatalf("replay appended messages")
	}
}

func TestEnqueueRaceLoserLeavesNoOrphans(t *testing.T) {
	f := newGenFixture(t, &fakeResolver{}, &fakeTools{})
	projectID := uuid.New()

	winner := &types.GenerationRun{
		ID:        uuid.New(),
		ProjectID: projectID,
		RequestID: "req-race",
		Status:    types.RunStatusQueued,
	}
	f.runs.createErr = errors.New(`duplicate key value violates unique constraint "idx_generation_run_request_id"`)
	f.runs.raceWinner = winner

	run, deduped, err := f.svc.Enqueue(context.Background(), projectID, "req-race", "add an intro")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !deduped {
		t.Fatalf("race loser not reported deduped")
	}
	if run.ID != winner.ID {
		t.Fatalf("race loser returned run %s, want winner %s", run.ID, winner.ID)
	}
	if len(f.msgs.appended) != 0 {
		t.Fatalf("race loser left %d messages behind", len(f.msgs.appended))
	}
	if events := f.sync.snapshot(); len(events) != 0 {
		t.Fatalf("race loser published events: %v", events)
	}
}

func TestProcessRunEventsCarryTargetVersion(t *testing.T) {
	sceneID := uuid.New()
	scenes := []types.SceneMeta{
		{ID: sceneID, Name: "Intro", Order: 0, DurationInFrames: 90, Version: 4},
	}
	decision := &types.ToolDecision{
		Operation:     types.OpEdit,
		TargetSceneID: &sceneID,
		Edit:          &types.EditParams{Prompt: "tweak it"},
	}
	outcome := &ToolOutcome{
		Scene: &types.Scene{ID: sceneID, Name: "Intro", Code: "code", Version: 5, DurationInFrames: 90},
	}
	f := newGenFixture(t, &fakeResolver{decision: decision}, &fakeTools{outcome: outcome})
	f.svc.builder = &fakeBuilder{packet: testPacket(scenes, nil)}

	run := &types.GenerationRun{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		MessageID: uuid.New(),
		RequestID: "req-ver",
		Prompt:    "tweak it",
		Status:    types.RunStatusRunning,
	}
	f.svc.processRun(context.Background(), run)

	f.sync.mu.Lock()
	recorded := append([]runEvent(nil), f.sync.runEvents...)
	f.sync.mu.Unlock()
	if len(recorded) == 0 {
		t.Fatalf("no run events published")
	}
	// editing a version-4 scene targets version 5 on every event, so a
	// consumer holding version 4 can apply each one as it arrives
	for _, re := range recorded {
		if re.data.Version != 5 {
			t.Fatalf("%s carried version %d, want 5", re.event, re.data.Version)
		}
	}
	if last := recorded[len(recorded)-1]; last.event != sse.SSEEventRunSucceeded {
		t.Fatalf("last event = %q, want %q", last.event, sse.SSEEventRunSucceeded)
	}
}

func TestProcessRunSuccessEventOrder(t *testing.T) {
	sceneID := uuid.New()
	decision := &types.ToolDecision{
		Operation:     types.OpEdit,
		TargetSceneID: &sceneID,
		Edit:          &types.EditParams{Prompt: "tweak it"},
	}
	outcome := &ToolOutcome{
		Scene: &types.Scene{ID: sceneID, Name: "Intro", Code: "code", Version: 3, DurationInFrames: 90},
	}
	// two generate/validate cycles, as if one repair happened
	f := newGenFixture(t, &fakeResolver{decision: decision}, &fakeTools{outcome: outcome, cycles: 2})

	run := &types.GenerationRun{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		MessageID: uuid.New(),
		RequestID: "req-ev",
		Prompt:    "tweak it",
		Status:    types.RunStatusRunning,
	}
	f.svc.processRun(context.Background(), run)

	want := []sse.SSEEvent{
		sse.SSEEventRunStarted,
		sse.SSEEventRunGenerating,
		sse.SSEEventRunValidating,
		sse.SSEEventRunGenerating,
		sse.SSEEventRunValidating,
		sse.SSEEventRunSucceeded,
	}
	got := f.sync.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	if u := f.runs.lastUpdateWith("status"); u == nil || u["status"] != types.RunStatusSucceeded {
		t.Fatalf("final status update = %v, want succeeded", u)
	}
	if u := f.runs.lastUpdateWith("decision"); u == nil {
		t.Fatalf("decision was never recorded")
	}
	if len(f.msgs.terminals) != 1 || f.msgs.terminals[0].status != types.MessageStatusSuccess {
		t.Fatalf("terminals = %+v, want one success", f.msgs.terminals)
	}
}

func TestProcessRunAmbiguousFailsPermanently(t *testing.T) {
	f := newGenFixture(t, &fakeResolver{err: ErrAmbiguous}, &fakeTools{})

	run := &types.GenerationRun{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		MessageID: uuid.New(),
		RequestID: "req-amb",
		Prompt:    "???",
		Status:    types.RunStatusRunning,
		Attempts:  1,
	}
	f.svc.processRun(context.Background(), run)

	events := f.sync.snapshot()
	if len(events) == 0 || events[len(events)-1] != sse.SSEEventRunFailed {
		t.Fatalf("events = %v, want trailing RunFailed", events)
	}
	u := f.runs.lastUpdateWith("status")
	if u == nil || u["status"] != types.RunStatusFailed {
		t.Fatalf("final status update = %v, want failed", u)
	}
	// an ambiguous request can never succeed on retry
	if u["attempts"] != 5 {
		t.Fatalf("attempts = %v, want burned to 5", u["attempts"])
	}
	if len(f.msgs.terminals) != 1 || f.msgs.terminals[0].status != types.MessageStatusError {
		t.Fatalf("terminals = %+v, want one error", f.msgs.terminals)
	}
}

func TestProcessRunReplaysRecordedDecision(t *testing.T) {
	sceneID := uuid.New()
	resolver := &fakeResolver{}
	outcome := &ToolOutcome{Scene: &types.Scene{ID: sceneID, Version: 2}}
	f := newGenFixture(t, resolver, &fakeTools{outcome: outcome})

	run := &types.GenerationRun{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		MessageID: uuid.New(),
		RequestID: "req-replay",
		Prompt:    "tweak it",
		Status:    types.RunStatusRunning,
		Operation: string(types.OpEdit),
		SceneID:   &sceneID,
		Decision:  datatypes.JSON([]byte(`{"operation":"edit","target_scene_id":"` + sceneID.String() + `","edit":{"prompt":"tweak it"}}`)),
	}
	f.svc.processRun(context.Background(), run)

	if resolver.calls != 0 {
		t.Fatalf("resolver called %d times on replay, want 0", resolver.calls)
	}
	if u := f.runs.lastUpdateWith("status"); u == nil || u["status"] != types.RunStatusSucceeded {
		t.Fatalf("final status update = %v, want succeeded", u)
	}
}
