package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// fakePipeline returns canned code per compile attempt so the repair loop can
// be driven deterministically.
type fakePipeline struct {
	codes        []string
	compileCalls int
	briefCalls   int
	lastInput    CompileInput
}

func (f *fakePipeline) DraftBrief(ctx context.Context, in BriefInput) (*types.DesignBriefV1, error) {
	f.briefCalls++
	return &types.DesignBriefV1{
		Version:          1,
		SceneName:        "Test",
		DurationInFrames: 90,
	}, nil
}

func (f *fakePipeline) CompileBrief(ctx context.Context, in CompileInput) (string, error) {
	f.lastInput = in
	idx := f.compileCalls
	f.compileCalls++
	if idx >= len(f.codes) {
		idx = len(f.codes) - 1
	}
	return f.codes[idx], nil
}

func (f *fakePipeline) RetimeCode(ctx context.Context, in RetimeInput) (string, error) {
	return in.Code, nil
}

var nopProgress = func(sse.SSEEvent, string) {}

func badCode(suffix string) string {
	// missing export and missing the scene suffix on one identifier
	return fmt.Sprintf("const DURATION_IN_FRAMES_%s = 90;\nconst style = {};\n", suffix)
}

func validCode(suffix string) string {
	return fmt.Sprintf("const DURATION_IN_FRAMES_%s = 90;\nexport const Scene_%s = ({ frame }) => null;\n", suffix, suffix)
}

func newTestTools(t *testing.T, pipe Pipeline, maxFix int) *sceneTools {
	t.Helper()
	log := testLogger(t)
	cfg := config.GenerationConfig{
		FPS:                     30,
		MaxFixAttempts:          maxFix,
		ConversationWindow:      20,
		DefaultDurationInFrames: 150,
	}
	return &sceneTools{
		log:       log,
		cfg:       cfg,
		pipeline:  pipe,
		validator: NewCodeValidator(log),
		locks:     NewSceneLocks(),
	}
}

func TestCompileValidatedRepairsThenSucceeds(t *testing.T) {
	suffix := "Sdeadbeef"
	pipe := &fakePipeline{codes: []string{badCode(suffix), badCode(suffix), validCode(suffix)}}
	tools := newTestTools(t, pipe, 3)

	code, retries, err := tools.compileValidated(context.Background(), uuid.New(), uuid.New(), &types.DesignBriefV1{DurationInFrames: 90}, nil, suffix, nil, nopProgress)
	if err != nil {
		t.Fatalf("compileValidated: %v", err)
	}
	if retries != 2 {
		t.Fatalf("retries = %d, want 2", retries)
	}
	if pipe.compileCalls != 3 {
		t.Fatalf("compile calls = %d, want 3", pipe.compileCalls)
	}
	if !strings.Contains(code, "export const Scene_"+suffix) {
		t.Fatalf("unexpected final code: %s", code)
	}
	// repair calls must carry the findings and the failed attempt
	if len(pipe.lastInput.PriorErrors) == 0 {
		t.Fatalf("final compile carried no prior errors")
	}
	if pipe.lastInput.PreviousCode == "" {
		t.Fatalf("final compile carried no previous code")
	}
}

func TestCompileValidatedExhaustsBudget(t *testing.T) {
	suffix := "Sdeadbeef"
	pipe := &fakePipeline{codes: []string{badCode(suffix)}}
	tools := newTestTools(t, pipe, 3)

	_, retries, err := tools.compileValidated(context.Background(), uuid.New(), uuid.New(), &types.DesignBriefV1{DurationInFrames: 90}, nil, suffix, nil, nopProgress)
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("err = %v, want ErrRetryBudgetExhausted", err)
	}
	if retries != 3 {
		t.Fatalf("retries = %d, want 3", retries)
	}
	// initial attempt plus exactly MaxFixAttempts repairs
	if pipe.compileCalls != 4 {
		t.Fatalf("compile calls = %d, want 4", pipe.compileCalls)
	}
}

func TestCompileValidatedZeroBudgetFailsImmediately(t *testing.T) {
	suffix := "Sdeadbeef"
	pipe := &fakePipeline{codes: []string{badCode(suffix)}}
	tools := newTestTools(t, pipe, 0)

	_, _, err := tools.compileValidated(context.Background(), uuid.New(), uuid.New(), &types.DesignBriefV1{DurationInFrames: 90}, nil, suffix, nil, nopProgress)
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("err = %v, want ErrRetryBudgetExhausted", err)
	}
	if pipe.compileCalls != 1 {
		t.Fatalf("compile calls = %d, want 1", pipe.compileCalls)
	}
}

func TestRewriteDurationConst(t *testing.T) {
	suffix := "S1a2b3c4"
	code := validCode(suffix)

	rewritten, ok := rewriteDurationConst(code, suffix, 240)
	if !ok {
		t.Fatalf("rewriteDurationConst did not match")
	}
	if !strings.Contains(rewritten, "DURATION_IN_FRAMES_"+suffix+" = 240") {
		t.Fatalf("constant not rewritten: %s", rewritten)
	}
	if strings.Contains(rewritten, "= 90") {
		t.Fatalf("old duration survived: %s", rewritten)
	}
}

func TestRewriteDurationConstMissing(t *testing.T) {
	code := "export const Scene_Sx = () => null;"
	if _, ok := rewriteDurationConst(code, "Sx", 240); ok {
		t.Fatalf("rewriteDurationConst matched code without the constant")
	}
}
