package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// ToolOutcome is what a dispatched operation produced. Scene carries the
// post-mutation row (version already bumped); Deleted is set for deletes.
type ToolOutcome struct {
	Scene      *types.Scene
	Deleted    bool
	SceneID    uuid.UUID
	FixRetries int
}

// ProgressFunc lets a tool surface stage transitions while it works so the
// run's event stream reflects each generate/validate cycle.
type ProgressFunc func(event sse.SSEEvent, stage string)

// SceneTools executes a resolved ToolDecision. Every mutating path holds the
// scene's lock for its full duration; concurrent requests against the same
// scene queue behind the holder.
type SceneTools interface {
	Dispatch(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error)
}

type sceneTools struct {
	log       *logger.Logger
	cfg       config.GenerationConfig
	scenes    repos.SceneRepo
	assets    repos.AssetRepo
	pipeline  Pipeline
	validator CodeValidator
	locks     *SceneLocks
}

func NewSceneTools(
	log *logger.Logger,
	cfg config.GenerationConfig,
	scenes repos.SceneRepo,
	assets repos.AssetRepo,
	pipeline Pipeline,
	validator CodeValidator,
	locks *SceneLocks,
) SceneTools {
	return &sceneTools{
		log:       log.With("service", "SceneTools"),
		cfg:       cfg,
		scenes:    scenes,
		assets:    assets,
		pipeline:  pipeline,
		validator: validator,
		locks:     locks,
	}
}

func (t *sceneTools) Dispatch(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error) {
	if decision == nil {
		return nil, fmt.Errorf("decision required")
	}
	if progress == nil {
		progress = func(sse.SSEEvent, string) {}
	}

	switch decision.Operation {
	case types.OpCreate:
		return t.executeCreate(ctx, runID, packet, decision, progress)
	case types.OpEdit:
		return t.executeEdit(ctx, runID, packet, decision, progress)
	case types.OpDelete:
		return t.executeDelete(ctx, runID, packet, decision, progress)
	case types.OpRetime:
		return t.executeRetime(ctx, runID, packet, decision, progress)
	default:
		return nil, fmt.Errorf("unknown operation %q", decision.Operation)
	}
}

func (t *sceneTools) executeCreate(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error) {
	if decision.Create == nil {
		return nil, fmt.Errorf("create params required")
	}

	sceneID := uuid.New()
	if err := t.locks.Acquire(ctx, sceneID); err != nil {
		return nil, err
	}
	defer t.locks.Release(sceneID)

	suffix := SceneSuffix(sceneID)

	brief, err := t.pipeline.DraftBrief(ctx, BriefInput{
		Packet:           packet,
		Prompt:           decision.Create.Prompt,
		Refs:             decision.ContextRefs,
		DurationInFrames: decision.Create.DurationInFrames,
		ProjectID:        packet.ProjectID,
		RunID:            runID,
	})
	if err != nil {
		return nil, err
	}

	existing, err := t.otherSceneIdents(ctx, packet.ProjectID, uuid.Nil)
	if err != nil {
		return nil, err
	}

	code, retries, err := t.compileValidated(ctx, runID, packet.ProjectID, brief, decision.ContextRefs, suffix, existing, progress)
	if err != nil {
		return nil, err
	}

	order, err := t.scenes.NextOrder(ctx, nil, packet.ProjectID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(brief.SceneName)
	if name == "" {
		name = fmt.Sprintf("Scene %d", order+1)
	}

	scene := &types.Scene{
		ID:               sceneID,
		ProjectID:        packet.ProjectID,
		Name:             name,
		Code:             code,
		DurationInFrames: brief.DurationInFrames,
		FormatWidth:      packet.FormatWidth,
		FormatHeight:     packet.FormatHeight,
		Order:            order,
		Version:          1,
	}
	if _, err := t.scenes.Create(ctx, nil, []*types.Scene{scene}); err != nil {
		return nil, err
	}
	t.bumpAssetUsage(ctx, decision.ContextRefs)

	return &ToolOutcome{Scene: scene, SceneID: sceneID, FixRetries: retries}, nil
}

func (t *sceneTools) executeEdit(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error) {
	if decision.Edit == nil || decision.TargetSceneID == nil {
		return nil, fmt.Errorf("edit params and target required")
	}
	sceneID := *decision.TargetSceneID

	if err := t.locks.Acquire(ctx, sceneID); err != nil {
		return nil, err
	}
	defer t.locks.Release(sceneID)

	scene, err := t.loadScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	suffix := SceneSuffix(sceneID)

	brief, err := t.pipeline.DraftBrief(ctx, BriefInput{
		Packet:           packet,
		Prompt:           decision.Edit.Prompt,
		Refs:             decision.ContextRefs,
		ExistingCode:     scene.Code,
		DurationInFrames: scene.DurationInFrames,
		ProjectID:        packet.ProjectID,
		RunID:            runID,
	})
	if err != nil {
		return nil, err
	}
	// an edit never silently changes duration
	brief.DurationInFrames = scene.DurationInFrames

	existing, err := t.otherSceneIdents(ctx, packet.ProjectID, sceneID)
	if err != nil {
		return nil, err
	}

	code, retries, err := t.compileValidated(ctx, runID, packet.ProjectID, brief, decision.ContextRefs, suffix, existing, progress)
	if err != nil {
		return nil, err
	}

	name := scene.Name
	if n := strings.TrimSpace(brief.SceneName); n != "" {
		name = n
	}

	if err := t.scenes.UpdateVersioned(ctx, nil, sceneID, scene.Version, map[string]interface{}{
		"code":       code,
		"name":       name,
		"updated_at": time.Now(),
	}); err != nil {
		return nil, err
	}
	t.bumpAssetUsage(ctx, decision.ContextRefs)

	scene.Code = code
	scene.Name = name
	scene.Version++
	return &ToolOutcome{Scene: scene, SceneID: sceneID, FixRetries: retries}, nil
}

func (t *sceneTools) executeDelete(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, _ ProgressFunc) (*ToolOutcome, error) {
	if decision.TargetSceneID == nil {
		return nil, fmt.Errorf("delete target required")
	}
	sceneID := *decision.TargetSceneID

	if err := t.locks.Acquire(ctx, sceneID); err != nil {
		return nil, err
	}
	defer t.locks.Release(sceneID)

	if _, err := t.loadScene(ctx, sceneID); err != nil {
		return nil, err
	}
	if err := t.scenes.FullDelete(ctx, nil, sceneID); err != nil {
		return nil, err
	}
	return &ToolOutcome{Deleted: true, SceneID: sceneID}, nil
}

func (t *sceneTools) executeRetime(ctx context.Context, runID uuid.UUID, packet *ContextPacket, decision *types.ToolDecision, progress ProgressFunc) (*ToolOutcome, error) {
	if decision.Retime == nil || decision.TargetSceneID == nil {
		return nil, fmt.Errorf("retime params and target required")
	}
	if decision.Retime.DurationInFrames <= 0 {
		return nil, fmt.Errorf("retime duration must be positive")
	}
	sceneID := *decision.TargetSceneID

	if err := t.locks.Acquire(ctx, sceneID); err != nil {
		return nil, err
	}
	defer t.locks.Release(sceneID)

	scene, err := t.loadScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	suffix := SceneSuffix(sceneID)
	newDuration := decision.Retime.DurationInFrames

	// Fast path: rewrite the duration constant in place, no model call.
	code, rewrote := rewriteDurationConst(scene.Code, suffix, newDuration)
	if !rewrote {
		progress(sse.SSEEventRunGenerating, StageCompile)
		code, err = t.pipeline.RetimeCode(ctx, RetimeInput{
			Code:             scene.Code,
			DurationInFrames: newDuration,
			SceneSuffix:      suffix,
			ProjectID:        packet.ProjectID,
			RunID:            runID,
		})
		if err != nil {
			return nil, err
		}
		progress(sse.SSEEventRunValidating, StageValidate)
		existing, idErr := t.otherSceneIdents(ctx, packet.ProjectID, sceneID)
		if idErr != nil {
			return nil, idErr
		}
		if vErr := t.validator.Validate(code, ValidationRequest{
			SceneSuffix:    suffix,
			ExistingIdents: existing,
		}); vErr != nil {
			return nil, vErr
		}
	}

	if err := t.scenes.UpdateVersioned(ctx, nil, sceneID, scene.Version, map[string]interface{}{
		"code":               code,
		"duration_in_frames": newDuration,
		"updated_at":         time.Now(),
	}); err != nil {
		return nil, err
	}

	scene.Code = code
	scene.DurationInFrames = newDuration
	scene.Version++
	return &ToolOutcome{Scene: scene, SceneID: sceneID}, nil
}

// compileValidated runs stage B, validates, and on failure re-invokes stage B
// with the findings, up to MaxFixAttempts repairs. The brief never changes
// inside this loop. On budget exhaustion the caller's stored code is left
// untouched because nothing was persisted yet.
func (t *sceneTools) compileValidated(
	ctx context.Context,
	runID uuid.UUID,
	projectID uuid.UUID,
	brief *types.DesignBriefV1,
	refs []types.AssetRef,
	suffix string,
	existingIdents map[string]bool,
	progress ProgressFunc,
) (string, int, error) {
	requiredURLs := make([]string, 0, len(refs))
	for _, ref := range refs {
		requiredURLs = append(requiredURLs, ref.URL)
	}

	var (
		code        string
		prevCode    string
		priorErrors []string
	)

	maxFix := t.cfg.MaxFixAttempts
	for attempt := 0; ; attempt++ {
		progress(sse.SSEEventRunGenerating, StageCompile)
		var err error
		code, err = t.pipeline.CompileBrief(ctx, CompileInput{
			Brief:        brief,
			Refs:         refs,
			SceneSuffix:  suffix,
			PreviousCode: prevCode,
			PriorErrors:  priorErrors,
			ProjectID:    projectID,
			RunID:        runID,
		})
		if err != nil {
			return "", attempt, err
		}

		progress(sse.SSEEventRunValidating, StageValidate)
		vErr := t.validator.Validate(code, ValidationRequest{
			SceneSuffix:    suffix,
			RequiredURLs:   requiredURLs,
			ExistingIdents: existingIdents,
		})
		if vErr == nil {
			return code, attempt, nil
		}

		var ve *ValidationError
		if !errors.As(vErr, &ve) {
			return "", attempt, vErr
		}
		if attempt >= maxFix {
			return "", attempt, fmt.Errorf("%w after %d repairs: %v", ErrRetryBudgetExhausted, attempt, ve)
		}

		t.log.Warn("scene code failed validation; repairing",
			"run_id", runID, "attempt", attempt+1, "findings", len(ve.Findings))
		prevCode = code
		priorErrors = ve.Findings
	}
}

func (t *sceneTools) loadScene(ctx context.Context, sceneID uuid.UUID) (*types.Scene, error) {
	scenes, err := t.scenes.GetByIDs(ctx, nil, []uuid.UUID{sceneID})
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	return scenes[0], nil
}

// otherSceneIdents collects every top-level identifier declared by the
// project's OTHER scenes, for the cross-scene collision check.
func (t *sceneTools) otherSceneIdents(ctx context.Context, projectID, excludeSceneID uuid.UUID) (map[string]bool, error) {
	scenes, err := t.scenes.GetByProjectID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	idents := make(map[string]bool)
	for _, s := range scenes {
		if s.ID == excludeSceneID {
			continue
		}
		for _, id := range TopLevelIdentifiers(s.Code) {
			idents[id] = true
		}
	}
	return idents, nil
}

func (t *sceneTools) bumpAssetUsage(ctx context.Context, refs []types.AssetRef) {
	if len(refs) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.AssetID)
	}
	if err := t.assets.IncrementUsage(ctx, nil, ids); err != nil {
		t.log.Warn("failed to bump asset usage", "error", err)
	}
}

// rewriteDurationConst swaps the value of the scene's duration constant. The
// compile prompt requires the constant, so most scenes take this path and
// retime without a model call.
func rewriteDurationConst(code, suffix string, newDuration int) (string, bool) {
	pat := regexp.MustCompile(`(const\s+` + regexp.QuoteMeta(DurationConstName(suffix)) + `\s*=\s*)\d+`)
	if !pat.MatchString(code) {
		return code, false
	}
	return pat.ReplaceAllString(code, fmt.Sprintf("${1}%d", newDuration)), true
}
