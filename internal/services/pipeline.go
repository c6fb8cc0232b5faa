package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// Pipeline is the two-stage generator. Stage A drafts a DesignBriefV1 (pure
// layout/timing JSON, no code); stage B compiles a brief into scene code.
// Repair re-runs stage B only: the brief is already settled by then, so the
// model fixes code against the same design instead of redesigning.
type Pipeline interface {
	DraftBrief(ctx context.Context, in BriefInput) (*types.DesignBriefV1, error)
	CompileBrief(ctx context.Context, in CompileInput) (string, error)
	RetimeCode(ctx context.Context, in RetimeInput) (string, error)
}

type BriefInput struct {
	Packet           *ContextPacket
	Prompt           string
	Refs             []types.AssetRef
	ExistingCode     string // populated for edits; the brief must stay recognizable
	DurationInFrames int
	ProjectID        uuid.UUID
	RunID            uuid.UUID
}

type CompileInput struct {
	Brief        *types.DesignBriefV1
	Refs         []types.AssetRef
	SceneSuffix  string
	PreviousCode string   // last attempt, present on repair calls
	PriorErrors  []string // validator findings from the failed attempt
	ProjectID    uuid.UUID
	RunID        uuid.UUID
}

type RetimeInput struct {
	Code             string
	DurationInFrames int
	SceneSuffix      string
	ProjectID        uuid.UUID
	RunID            uuid.UUID
}

type pipeline struct {
	log     *logger.Logger
	cfg     config.GenerationConfig
	ai      OpenAIClient
	callLog repos.AICallLogRepo
}

func NewPipeline(log *logger.Logger, cfg config.GenerationConfig, ai OpenAIClient, callLog repos.AICallLogRepo) Pipeline {
	return &pipeline{
		log:     log.With("service", "Pipeline"),
		cfg:     cfg,
		ai:      ai,
		callLog: callLog,
	}
}

// SceneSuffix derives the identifier suffix every top-level declaration in a
// scene's code must carry. Derived from the scene id so it is stable across
// regenerations and unique within a project.
func SceneSuffix(sceneID uuid.UUID) string {
	hex := strings.ReplaceAll(sceneID.String(), "-", "")
	return "S" + hex[:8]
}

// DurationConstName is the timing constant scene code must declare; the
// retime tool rewrites it in place without a model call.
func DurationConstName(sceneSuffix string) string {
	return "DURATION_IN_FRAMES_" + sceneSuffix
}

const briefSystemPrompt = `You are a motion design planner for short video scenes.
You produce a design brief as JSON: background, elements, layout and animation timing.
Rules:
- All layout values are fractions of the scene format (x/y/width/height in 0..1).
- Animation frames are absolute within the scene and must fit inside duration_in_frames.
- When an asset URL is provided, put it in the matching element's asset_url EXACTLY as given.
- Never invent asset URLs. Elements without a provided asset use kind "text" or "shape".
- Keep element names short and descriptive.`

const compileSystemPrompt = `You write self-contained React video scene components rendered frame by frame.
Output JSON with a single "code" field containing the complete module source.
Hard rules:
- Declare const %[2]s = %[3]d and use it as the scene duration.
- EVERY top-level identifier (components, constants, helpers) must end with the suffix %[1]s.
- Export the main scene component.
- Asset URLs from the brief must appear in the code verbatim, character for character.
- No DOM access (document, window), no network calls (fetch, XMLHttpRequest), no eval,
  no dynamic import(), no storage APIs.
- The component receives a "frame" number prop and derives all animation from it.`

const retimeSystemPrompt = `You adjust ONLY the timing of an existing React video scene component.
Output JSON with a single "code" field containing the full updated module source.
Change the duration constant and rescale frame ranges proportionally.
Do not change visual content, structure, identifiers, or asset URLs.`

func briefSchema() map[string]any {
	layout := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"x", "y", "width", "height", "opacity", "rotation"},
		"properties": map[string]any{
			"x":        map[string]any{"type": "number"},
			"y":        map[string]any{"type": "number"},
			"width":    map[string]any{"type": "number"},
			"height":   map[string]any{"type": "number"},
			"opacity":  map[string]any{"type": "number"},
			"rotation": map[string]any{"type": "number"},
		},
	}
	animation := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"type", "start_frame", "duration_frames", "easing", "properties"},
		"properties": map[string]any{
			"type":            map[string]any{"type": "string", "enum": []string{"interpolate", "spring"}},
			"start_frame":     map[string]any{"type": "integer"},
			"duration_frames": map[string]any{"type": "integer"},
			"easing":          map[string]any{"type": "string", "enum": []string{"linear", "ease-in", "ease-out", "ease-in-out"}},
			"properties": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"name", "value"},
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"value": map[string]any{"type": "number"},
					},
				},
			},
		},
	}
	element := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"name", "kind", "text", "asset_url", "color", "layout", "animations"},
		"properties": map[string]any{
			"name":       map[string]any{"type": "string"},
			"kind":       map[string]any{"type": "string", "enum": []string{"text", "shape", "image", "video", "audio"}},
			"text":       map[string]any{"type": "string"},
			"asset_url":  map[string]any{"type": "string"},
			"color":      map[string]any{"type": "string"},
			"layout":     layout,
			"animations": map[string]any{"type": "array", "items": animation},
		},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"version", "scene_name", "duration_in_frames", "format_width", "format_height", "background", "elements"},
		"properties": map[string]any{
			"version":            map[string]any{"type": "integer"},
			"scene_name":         map[string]any{"type": "string"},
			"duration_in_frames": map[string]any{"type": "integer"},
			"format_width":       map[string]any{"type": "integer"},
			"format_height":      map[string]any{"type": "integer"},
			"background":         map[string]any{"type": "string"},
			"elements":           map[string]any{"type": "array", "items": element},
		},
	}
}

func codeSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"code"},
		"properties": map[string]any{
			"code": map[string]any{"type": "string"},
		},
	}
}

func (p *pipeline) DraftBrief(ctx context.Context, in BriefInput) (*types.DesignBriefV1, error) {
	if in.Packet == nil {
		return nil, fmt.Errorf("context packet required")
	}
	duration := in.DurationInFrames
	if duration <= 0 {
		duration = p.cfg.DefaultDurationInFrames
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scene format: %dx%d at %d fps. Target duration: %d frames.\n\n",
		in.Packet.FormatWidth, in.Packet.FormatHeight, in.Packet.FPS, duration)
	fmt.Fprintf(&sb, "Request: %s\n", in.Prompt)

	if len(in.Refs) > 0 {
		sb.WriteString("\nAssets to use (copy URLs exactly):\n")
		for _, ref := range in.Refs {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", ref.Name, ref.Type, ref.URL)
		}
	}
	if len(in.Packet.Memory) > 0 {
		sb.WriteString("\nStanding preferences:\n")
		for _, m := range in.Packet.Memory {
			fmt.Fprintf(&sb, "- %s\n", m.Value)
		}
	}
	if in.Packet.OlderSummary != "" {
		sb.WriteString("\n" + in.Packet.OlderSummary)
	}
	if len(in.Packet.Messages) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, m := range in.Packet.Messages {
			fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		}
	}
	if in.ExistingCode != "" {
		sb.WriteString("\nThis is an EDIT. Current scene code, whose visual structure the brief must preserve except where the request says otherwise:\n")
		sb.WriteString(in.ExistingCode)
	}

	userPrompt := sb.String()
	obj, usage, err := p.ai.GenerateJSON(ctx, briefSystemPrompt, userPrompt, "design_brief_v1", briefSchema())
	p.recordCall(ctx, in.ProjectID, in.RunID, types.CallTypeBrief, userPrompt, obj, usage, err)
	if err != nil {
		return nil, fmt.Errorf("draft brief: %w", err)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var brief types.DesignBriefV1
	if err := json.Unmarshal(raw, &brief); err != nil {
		return nil, fmt.Errorf("decode brief: %w", err)
	}
	if brief.Version == 0 {
		brief.Version = 1
	}
	if brief.DurationInFrames <= 0 {
		brief.DurationInFrames = duration
	}
	if brief.FormatWidth <= 0 {
		brief.FormatWidth = in.Packet.FormatWidth
	}
	if brief.FormatHeight <= 0 {
		brief.FormatHeight = in.Packet.FormatHeight
	}
	return &brief, nil
}

func (p *pipeline) CompileBrief(ctx context.Context, in CompileInput) (string, error) {
	if in.Brief == nil {
		return "", fmt.Errorf("brief required")
	}
	if in.SceneSuffix == "" {
		return "", fmt.Errorf("scene suffix required")
	}

	briefJSON, err := json.MarshalIndent(in.Brief, "", "  ")
	if err != nil {
		return "", err
	}

	system := fmt.Sprintf(compileSystemPrompt, in.SceneSuffix, DurationConstName(in.SceneSuffix), in.Brief.DurationInFrames)

	var sb strings.Builder
	sb.WriteString("Design brief:\n")
	sb.Write(briefJSON)
	sb.WriteString("\n")
	if len(in.Refs) > 0 {
		sb.WriteString("\nAsset URLs that must appear verbatim:\n")
		for _, ref := range in.Refs {
			fmt.Fprintf(&sb, "- %s\n", ref.URL)
		}
	}

	callType := types.CallTypeCompile
	if len(in.PriorErrors) > 0 {
		callType = types.CallTypeFix
		sb.WriteString("\nThe previous attempt failed validation. Fix ALL of these and change nothing else:\n")
		for _, f := range in.PriorErrors {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		if in.PreviousCode != "" {
			sb.WriteString("\nPrevious attempt:\n")
			sb.WriteString(in.PreviousCode)
		}
	}

	userPrompt := sb.String()
	obj, usage, err := p.ai.GenerateJSON(ctx, system, userPrompt, "scene_code", codeSchema())
	p.recordCall(ctx, in.ProjectID, in.RunID, callType, userPrompt, obj, usage, err)
	if err != nil {
		return "", fmt.Errorf("compile brief: %w", err)
	}

	code, _ := obj["code"].(string)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("compile brief: empty code in response")
	}
	return code, nil
}

// RetimeCode is the fallback for scenes whose duration constant cannot be
// rewritten in place: a narrow stage-B call that touches timing only.
func (p *pipeline) RetimeCode(ctx context.Context, in RetimeInput) (string, error) {
	if strings.TrimSpace(in.Code) == "" {
		return "", fmt.Errorf("code required")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "New duration: %d frames. Duration constant name: %s.\n\nCurrent code:\n%s",
		in.DurationInFrames, DurationConstName(in.SceneSuffix), in.Code)

	userPrompt := sb.String()
	obj, usage, err := p.ai.GenerateJSON(ctx, retimeSystemPrompt, userPrompt, "scene_code", codeSchema())
	p.recordCall(ctx, in.ProjectID, in.RunID, types.CallTypeRetime, userPrompt, obj, usage, err)
	if err != nil {
		return "", fmt.Errorf("retime code: %w", err)
	}

	code, _ := obj["code"].(string)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("retime code: empty code in response")
	}
	return code, nil
}

// recordCall persists one ai_call_log row per model invocation, success or
// not. Logging failures never fail the run.
func (p *pipeline) recordCall(ctx context.Context, projectID, runID uuid.UUID, callType, prompt string, obj map[string]any, usage *TokenUsage, callErr error) {
	row := &types.AICallLog{
		ID:       uuid.New(),
		CallType: callType,
		Model:    p.ai.Model(),
		Prompt:   prompt,
		Success:  callErr == nil,
	}
	if projectID != uuid.Nil {
		row.ProjectID = &projectID
	}
	if runID != uuid.Nil {
		row.RunID = &runID
	}
	if callErr != nil {
		row.Error = callErr.Error()
	}
	if obj != nil {
		if raw, err := json.Marshal(obj); err == nil {
			row.Response = string(raw)
		}
	}
	if usage != nil {
		if raw, err := json.Marshal(usage); err == nil {
			row.Usage = datatypes.JSON(raw)
		}
	}
	if _, err := p.callLog.Create(ctx, nil, []*types.AICallLog{row}); err != nil {
		p.log.Warn("failed to persist ai call log", "call_type", callType, "error", err)
	}
}
