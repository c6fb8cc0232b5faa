package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// Run stages, in the order a run moves through them.
const (
	StageContext  = "context"
	StageResolve  = "resolve"
	StageBrief    = "brief"
	StageCompile  = "compile"
	StageValidate = "validate"
	StagePersist  = "persist"
	StageDone     = "done"
)

// TxRunner executes fn inside one database transaction; every repo call made
// with the given tx commits or rolls back together.
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

func GormTxRunner(db *gorm.DB) TxRunner {
	return func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return db.WithContext(ctx).Transaction(fn)
	}
}

// GenerationService owns the run lifecycle: enqueueing user requests as runs,
// claiming and processing them on a worker loop, and reporting progress over
// the project's event channel.
type GenerationService interface {
	// Enqueue records the request and queues a run. Re-submitting an already
	// seen requestID returns the existing run with deduped=true and causes no
	// new work.
	Enqueue(ctx context.Context, projectID uuid.UUID, requestID, prompt string) (run *types.GenerationRun, deduped bool, err error)
	GetRun(ctx context.Context, id uuid.UUID) (*types.GenerationRun, error)
	// StartWorker blocks, polling for claimable runs until ctx is done.
	StartWorker(ctx context.Context)
}

type generationService struct {
	log     *logger.Logger
	genCfg  config.GenerationConfig
	wrkCfg  config.WorkerConfig
	txn     TxRunner
	runs    repos.GenerationRunRepo
	msgs    repos.MessageRepo
	memory  repos.MemoryRepo
	builder ContextBuilder
	intents IntentResolver
	tools   SceneTools
	sync    Synchronizer
}

func NewGenerationService(
	log *logger.Logger,
	genCfg config.GenerationConfig,
	wrkCfg config.WorkerConfig,
	txn TxRunner,
	runs repos.GenerationRunRepo,
	msgs repos.MessageRepo,
	memory repos.MemoryRepo,
	builder ContextBuilder,
	intents IntentResolver,
	tools SceneTools,
	synchronizer Synchronizer,
) GenerationService {
	return &generationService{
		log:     log.With("service", "GenerationService"),
		genCfg:  genCfg,
		wrkCfg:  wrkCfg,
		txn:     txn,
		runs:    runs,
		msgs:    msgs,
		memory:  memory,
		builder: builder,
		intents: intents,
		tools:   tools,
		sync:    synchronizer,
	}
}

func (s *generationService) Enqueue(ctx context.Context, projectID uuid.UUID, requestID, prompt string) (*types.GenerationRun, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, false, fmt.Errorf("requestID required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, false, fmt.Errorf("prompt required")
	}

	if existing, err := s.runs.GetByRequestID(ctx, nil, requestID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, true, nil
	}

	// Messages and run commit together: a failure anywhere leaves neither a
	// stray user message nor a forever-pending assistant placeholder behind.
	var userMsg *types.ConversationMessage
	var created *types.GenerationRun
	err := s.txn(ctx, func(tx *gorm.DB) error {
		var txErr error
		userMsg, txErr = s.msgs.Append(ctx, tx, &types.ConversationMessage{
			ProjectID: projectID,
			Role:      types.MessageRoleUser,
			Content:   prompt,
			Status:    types.MessageStatusSuccess,
		})
		if txErr != nil {
			return txErr
		}

		// Placeholder the run resolves to success or error when it finishes.
		assistantMsg, txErr := s.msgs.Append(ctx, tx, &types.ConversationMessage{
			ProjectID: projectID,
			Role:      types.MessageRoleAssistant,
			Content:   "",
			Status:    types.MessageStatusPending,
		})
		if txErr != nil {
			return txErr
		}

		run := &types.GenerationRun{
			ID:        uuid.New(),
			ProjectID: projectID,
			MessageID: assistantMsg.ID,
			RequestID: requestID,
			Prompt:    prompt,
			Status:    types.RunStatusQueued,
			Stage:     StageContext,
		}
		rows, txErr := s.runs.Create(ctx, tx, []*types.GenerationRun{run})
		if txErr != nil {
			return txErr
		}
		created = rows[0]
		return nil
	})
	if err != nil {
		// A concurrent duplicate hits the unique index on request_id; the
		// transaction rolls the loser's messages back and the winner is surfaced
		// instead of an error.
		if existing, dErr := s.runs.GetByRequestID(ctx, nil, requestID); dErr == nil && existing != nil {
			return existing, true, nil
		}
		return nil, false, err
	}
	s.sync.Publish(ctx, ProjectChannel(projectID), sse.SSEEventMessageAppended, userMsg)
	return created, false, nil
}

func (s *generationService) GetRun(ctx context.Context, id uuid.UUID) (*types.GenerationRun, error) {
	runs, err := s.runs.GetByIDs(ctx, nil, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return runs[0], nil
}

func (s *generationService) StartWorker(ctx context.Context) {
	s.log.Info("generation worker starting",
		"poll_interval", s.wrkCfg.PollInterval.String(),
		"concurrency", s.wrkCfg.Concurrency,
	)

	sem := make(chan struct{}, s.wrkCfg.Concurrency)
	ticker := time.NewTicker(s.wrkCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("generation worker stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
		}

		// Drain claimable runs up to the concurrency limit.
		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			run, err := s.runs.ClaimNextRunnable(ctx, nil, s.wrkCfg.MaxAttempts, s.wrkCfg.RetryDelay, s.wrkCfg.StaleRunning)
			if err != nil {
				s.log.Error("claim failed", "error", err)
				<-sem
				break
			}
			if run == nil {
				<-sem
				break
			}

			go func(r *types.GenerationRun) {
				defer func() { <-sem }()
				s.processRun(ctx, r)
			}(run)
		}
	}
}

func (s *generationService) processRun(ctx context.Context, run *types.GenerationRun) {
	log := s.log.With("run_id", run.ID, "project_id", run.ProjectID, "request_id", run.RequestID)
	log.Info("processing run", "attempt", run.Attempts)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, run.ID)

	outcome, decision, err := s.executeRun(ctx, run, log)
	if err != nil {
		s.failRun(ctx, run, decision, err, log)
		return
	}
	s.finishRun(ctx, run, decision, outcome, log)
}

func (s *generationService) heartbeatLoop(ctx context.Context, runID uuid.UUID) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runs.Heartbeat(ctx, nil, runID); err != nil && ctx.Err() == nil {
				s.log.Warn("heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

func (s *generationService) executeRun(ctx context.Context, run *types.GenerationRun, log *logger.Logger) (*ToolOutcome, *types.ToolDecision, error) {
	s.setStage(ctx, run, StageContext)
	packet, err := s.builder.Build(ctx, nil, run.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build context: %w", err)
	}

	s.setStage(ctx, run, StageResolve)
	var decision *types.ToolDecision
	var memories []*types.MemoryRecord
	if len(run.Decision) > 0 {
		// A retried run replays its recorded decision rather than re-resolving
		// against state its own earlier attempt may have changed.
		decision = &types.ToolDecision{}
		if err := json.Unmarshal(run.Decision, decision); err != nil {
			return nil, nil, fmt.Errorf("decode recorded decision: %w", err)
		}
	} else {
		decision, memories, err = s.intents.Resolve(ctx, packet, run.Prompt)
		if err != nil {
			return nil, nil, err
		}
		raw, mErr := json.Marshal(decision)
		if mErr != nil {
			return nil, decision, mErr
		}
		updates := map[string]interface{}{
			"decision":  datatypes.JSON(raw),
			"operation": string(decision.Operation),
		}
		if decision.TargetSceneID != nil {
			updates["scene_id"] = *decision.TargetSceneID
		}
		if uErr := s.runs.UpdateFields(ctx, nil, run.ID, updates); uErr != nil {
			return nil, decision, uErr
		}
		run.Decision = datatypes.JSON(raw)
		run.Operation = string(decision.Operation)
		run.SceneID = decision.TargetSceneID
	}

	for _, m := range memories {
		if _, mErr := s.memory.Upsert(ctx, nil, m); mErr != nil {
			log.Warn("memory upsert failed", "key", m.Key, "error", mErr)
		}
	}

	// Every progress event carries the version this run's mutation will write,
	// so a consumer can tell whether the event is exactly one past what it holds.
	targetVersion := targetSceneVersion(packet, decision)

	s.setStage(ctx, run, StageBrief)
	s.publishRun(ctx, sse.SSEEventRunStarted, run, RunEventData{Stage: StageBrief, Version: targetVersion})
	progress := func(event sse.SSEEvent, stage string) {
		s.setStage(ctx, run, stage)
		s.publishRun(ctx, event, run, RunEventData{Stage: stage, Version: targetVersion})
	}

	outcome, err := s.tools.Dispatch(ctx, run.ID, packet, decision, progress)
	if err != nil {
		return nil, decision, err
	}
	return outcome, decision, nil
}

func (s *generationService) finishRun(ctx context.Context, run *types.GenerationRun, decision *types.ToolDecision, outcome *ToolOutcome, log *logger.Logger) {
	s.setStage(ctx, run, StagePersist)

	updates := map[string]interface{}{
		"status":       types.RunStatusSucceeded,
		"stage":        StageDone,
		"error":        "",
		"fix_attempts": outcome.FixRetries,
	}
	if outcome.SceneID != uuid.Nil {
		updates["scene_id"] = outcome.SceneID
	}
	if err := s.runs.UpdateFields(ctx, nil, run.ID, updates); err != nil {
		log.Error("failed to mark run succeeded", "error", err)
	}

	summary := runSummary(decision, outcome)
	if err := s.msgs.MarkTerminal(ctx, nil, run.MessageID, types.MessageStatusSuccess, summary); err != nil {
		log.Warn("failed to resolve assistant message", "error", err)
	}

	data := RunEventData{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Operation: run.Operation,
		Stage:     StageDone,
	}
	if outcome.Scene != nil {
		data.SceneID = &outcome.Scene.ID
		data.Version = outcome.Scene.Version
		data.Code = outcome.Scene.Code
		data.Name = outcome.Scene.Name
		data.Duration = outcome.Scene.DurationInFrames
	} else if outcome.SceneID != uuid.Nil {
		data.SceneID = &outcome.SceneID
	}
	s.sync.PublishRun(ctx, sse.SSEEventRunSucceeded, data)
	log.Info("run succeeded", "operation", run.Operation, "fix_retries", outcome.FixRetries)
}

// failRun marks the run failed. Transient failures stay retryable through the
// claim query's attempt budget; failures that cannot change on retry burn the
// remaining attempts so the run stays down.
func (s *generationService) failRun(ctx context.Context, run *types.GenerationRun, decision *types.ToolDecision, runErr error, log *logger.Logger) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":        types.RunStatusFailed,
		"error":         runErr.Error(),
		"last_error_at": now,
	}
	if isPermanentErr(runErr) {
		updates["attempts"] = s.wrkCfg.MaxAttempts
	}
	if err := s.runs.UpdateFields(ctx, nil, run.ID, updates); err != nil {
		log.Error("failed to mark run failed", "error", err)
	}

	// Only resolve the placeholder once the run is truly done.
	if isPermanentErr(runErr) || run.Attempts >= s.wrkCfg.MaxAttempts {
		if err := s.msgs.MarkTerminal(ctx, nil, run.MessageID, types.MessageStatusError, userFacingError(runErr)); err != nil {
			log.Warn("failed to resolve assistant message", "error", err)
		}
	}

	data := RunEventData{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Operation: run.Operation,
		Error:     userFacingError(runErr),
	}
	if decision != nil && decision.TargetSceneID != nil {
		data.SceneID = decision.TargetSceneID
	}
	s.sync.PublishRun(ctx, sse.SSEEventRunFailed, data)
	log.Error("run failed", "error", runErr)
}

func (s *generationService) setStage(ctx context.Context, run *types.GenerationRun, stage string) {
	run.Stage = stage
	if err := s.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{"stage": stage}); err != nil {
		s.log.Warn("failed to update run stage", "run_id", run.ID, "stage", stage, "error", err)
	}
}

func (s *generationService) publishRun(ctx context.Context, event sse.SSEEvent, run *types.GenerationRun, data RunEventData) {
	data.RunID = run.ID
	data.ProjectID = run.ProjectID
	data.Operation = run.Operation
	if data.SceneID == nil && run.SceneID != nil {
		data.SceneID = run.SceneID
	}
	s.sync.PublishRun(ctx, event, data)
}

// targetSceneVersion is the version the run's mutation will produce: 1 for a
// new scene, one past the target's current version otherwise, and 0 when the
// target is unknown.
func targetSceneVersion(packet *ContextPacket, decision *types.ToolDecision) int {
	if decision == nil {
		return 0
	}
	if decision.Operation == types.OpCreate {
		return 1
	}
	if decision.TargetSceneID == nil {
		return 0
	}
	for _, sc := range packet.Scenes {
		if sc.ID == *decision.TargetSceneID {
			return sc.Version + 1
		}
	}
	return 0
}

// isPermanentErr reports whether retrying the run could possibly change the
// outcome. Ambiguity and an exhausted repair budget are properties of the
// request, not of the moment.
func isPermanentErr(err error) bool {
	return errors.Is(err, ErrAmbiguous) ||
		errors.Is(err, ErrRetryBudgetExhausted) ||
		errors.Is(err, ErrNotFound)
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrAmbiguous):
		return "I couldn't tell what change you wanted. Try naming the scene, e.g. \"edit scene 2\"."
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "Generation kept failing validation. The scene was left unchanged; try rephrasing the request."
	case errors.Is(err, ErrGenerationTimeout):
		return "Generation timed out. Please try again."
	case errors.Is(err, ErrRateLimited):
		return "The generator is overloaded right now. Please try again shortly."
	default:
		return "Generation failed. The scene was left unchanged."
	}
}

func runSummary(decision *types.ToolDecision, outcome *ToolOutcome) string {
	if decision == nil {
		return "Done."
	}
	switch decision.Operation {
	case types.OpCreate:
		if outcome.Scene != nil {
			return fmt.Sprintf("Created scene %q (%d frames).", outcome.Scene.Name, outcome.Scene.DurationInFrames)
		}
		return "Created the scene."
	case types.OpEdit:
		if outcome.Scene != nil {
			return fmt.Sprintf("Updated scene %q.", outcome.Scene.Name)
		}
		return "Updated the scene."
	case types.OpDelete:
		return "Deleted the scene."
	case types.OpRetime:
		if outcome.Scene != nil {
			return fmt.Sprintf("Retimed scene %q to %d frames.", outcome.Scene.Name, outcome.Scene.DurationInFrames)
		}
		return "Retimed the scene."
	default:
		return "Done."
	}
}
