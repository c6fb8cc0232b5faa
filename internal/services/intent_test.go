package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func testPacket(scenes []types.SceneMeta, assets map[string][]*types.Asset) *ContextPacket {
	if assets == nil {
		assets = map[string][]*types.Asset{}
	}
	return &ContextPacket{
		ProjectID:    uuid.New(),
		FPS:          30,
		FormatWidth:  1920,
		FormatHeight: 1080,
		AssetsByType: assets,
		Scenes:       scenes,
	}
}

func twoScenes() []types.SceneMeta {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []types.SceneMeta{
		{ID: uuid.New(), Name: "Intro", Order: 0, DurationInFrames: 90, Version: 2, UpdatedAt: base},
		{ID: uuid.New(), Name: "Outro", Order: 1, DurationInFrames: 150, Version: 1, UpdatedAt: base.Add(time.Hour)},
	}
}

func TestResolveRetimeFromSeconds(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	scenes := twoScenes()
	packet := testPacket(scenes, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "make it 3 seconds")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpRetime {
		t.Fatalf("operation = %q, want retime", decision.Operation)
	}
	if decision.Retime == nil || decision.Retime.DurationInFrames != 90 {
		t.Fatalf("retime params = %+v, want 90 frames", decision.Retime)
	}
	// "it" refers to the most recently updated scene
	if decision.TargetSceneID == nil || *decision.TargetSceneID != scenes[1].ID {
		t.Fatalf("target = %v, want %s", decision.TargetSceneID, scenes[1].ID)
	}
}

func TestResolveDeleteByOrdinal(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	scenes := twoScenes()
	packet := testPacket(scenes, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "delete scene 2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpDelete {
		t.Fatalf("operation = %q, want delete", decision.Operation)
	}
	if decision.TargetSceneID == nil || *decision.TargetSceneID != scenes[1].ID {
		t.Fatalf("target = %v, want scene 2 (%s)", decision.TargetSceneID, scenes[1].ID)
	}
}

func TestResolveCreateWithDuration(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	packet := testPacket(nil, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "add a title scene that lasts 5 seconds")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpCreate {
		t.Fatalf("operation = %q, want create", decision.Operation)
	}
	if decision.Create == nil || decision.Create.DurationInFrames != 150 {
		t.Fatalf("create params = %+v, want 150 frames", decision.Create)
	}
	if decision.TargetSceneID != nil {
		t.Fatalf("create must not carry a target, got %v", decision.TargetSceneID)
	}
}

func TestResolveEditSingleSceneImplicitTarget(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	scenes := twoScenes()[:1]
	packet := testPacket(scenes, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "change the background to navy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpEdit {
		t.Fatalf("operation = %q, want edit", decision.Operation)
	}
	if decision.TargetSceneID == nil || *decision.TargetSceneID != scenes[0].ID {
		t.Fatalf("target = %v, want the only scene", decision.TargetSceneID)
	}
}

func TestResolveShortFollowupEditsMostRecent(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	scenes := twoScenes()
	packet := testPacket(scenes, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "bigger")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpEdit {
		t.Fatalf("operation = %q, want edit", decision.Operation)
	}
	if decision.TargetSceneID == nil || *decision.TargetSceneID != scenes[1].ID {
		t.Fatalf("target = %v, want most recently updated scene", decision.TargetSceneID)
	}
}

func TestResolveAmbiguousFailsClosed(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	scenes := twoScenes()
	packet := testPacket(scenes, nil)

	cases := []string{
		"change the background to navy", // edit verb, two scenes, no reference
		"what do you think about penguins and the weather",
	}
	for _, prompt := range cases {
		if _, _, err := r.Resolve(context.Background(), packet, prompt); !errors.Is(err, ErrAmbiguous) {
			t.Fatalf("Resolve(%q) err = %v, want ErrAmbiguous", prompt, err)
		}
	}
}

func TestResolveLogoReference(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	logo := &types.Asset{
		ID:           uuid.New(),
		URL:          "https://cdn.reelsmith.io/assets/acme-logo.png",
		Type:         types.AssetTypeLogo,
		OriginalName: "acme-logo.png",
	}
	packet := testPacket(nil, map[string][]*types.Asset{
		types.AssetTypeLogo: {logo},
	})

	decision, _, err := r.Resolve(context.Background(), packet, "add the logo in the top right corner")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpCreate {
		t.Fatalf("operation = %q, want create", decision.Operation)
	}
	if len(decision.ContextRefs) != 1 || decision.ContextRefs[0].URL != logo.URL {
		t.Fatalf("context refs = %+v, want the logo URL", decision.ContextRefs)
	}
}

func TestResolveLogoFallsBackToTaggedImage(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	tagged := &types.Asset{
		ID:           uuid.New(),
		URL:          "https://cdn.reelsmith.io/assets/brandmark.png",
		Type:         types.AssetTypeImage,
		OriginalName: "brandmark.png",
		Tags:         datatypes.JSON([]byte(`["logo","brand"]`)),
	}
	packet := testPacket(nil, map[string][]*types.Asset{
		types.AssetTypeImage: {tagged},
	})

	decision, _, err := r.Resolve(context.Background(), packet, "add the logo at the bottom")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(decision.ContextRefs) != 1 || decision.ContextRefs[0].URL != tagged.URL {
		t.Fatalf("context refs = %+v, want the tagged image", decision.ContextRefs)
	}
}

func TestResolveMissingAssetFallsBackToNewContent(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	packet := testPacket(nil, nil)

	decision, _, err := r.Resolve(context.Background(), packet, "add the logo to the intro")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Operation != types.OpCreate {
		t.Fatalf("operation = %q, want create", decision.Operation)
	}
	// no matching asset means no ref: the generator draws the content fresh
	if len(decision.ContextRefs) != 0 {
		t.Fatalf("context refs = %+v, want none", decision.ContextRefs)
	}
}

func TestResolveInfersPreferenceMemory(t *testing.T) {
	r := NewIntentResolver(testLogger(t), 30)
	packet := testPacket(nil, nil)

	_, memories, err := r.Resolve(context.Background(), packet, "Always use dark backgrounds. Add an intro scene")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(memories))
	}
	m := memories[0]
	if m.Kind != types.MemoryKindPreference {
		t.Fatalf("kind = %q, want preference", m.Kind)
	}
	if m.Key == "" || m.Value == "" {
		t.Fatalf("memory missing key/value: %+v", m)
	}
}

func TestParseDurationFrames(t *testing.T) {
	cases := []struct {
		prompt string
		fps    int
		want   int
	}{
		{"make it 3 seconds", 30, 90},
		{"make it 2.5 seconds", 30, 75},
		{"set it to 120 frames", 30, 120},
		{"make it pop", 30, 0},
	}
	for _, tc := range cases {
		if got := parseDurationFrames(tc.prompt, tc.fps); got != tc.want {
			t.Fatalf("parseDurationFrames(%q, %d) = %d, want %d", tc.prompt, tc.fps, got, tc.want)
		}
	}
}

func TestIsPureRetime(t *testing.T) {
	cases := []struct {
		prompt string
		want   bool
	}{
		{"make it 3 seconds", true},
		{"make it 3 seconds long", true},
		{"shorten that to 2 seconds", true},
		{"add a 3 second intro with the title", false},
		{"make it 3 seconds and change the color", false},
	}
	for _, tc := range cases {
		if got := isPureRetime(tc.prompt); got != tc.want {
			t.Fatalf("isPureRetime(%q) = %v, want %v", tc.prompt, got, tc.want)
		}
	}
}
