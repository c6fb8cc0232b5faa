package services

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

type cbProjectRepo struct {
	project *types.Project
}

func (f *cbProjectRepo) Create(ctx context.Context, tx *gorm.DB, projects []*types.Project) ([]*types.Project, error) {
	return projects, nil
}

func (f *cbProjectRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Project, error) {
	if f.project == nil {
		return nil, nil
	}
	return []*types.Project{f.project}, nil
}

func (f *cbProjectRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.Project, error) {
	return nil, nil
}

func (f *cbProjectRepo) FullDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

type cbMsgRepo struct {
	msgs []*types.ConversationMessage
}

func (f *cbMsgRepo) Append(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) (*types.ConversationMessage, error) {
	return msg, nil
}

func (f *cbMsgRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ConversationMessage, error) {
	return nil, nil
}

func (f *cbMsgRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error) {
	return f.msgs, nil
}

func (f *cbMsgRepo) MarkTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, content string) error {
	return nil
}

type cbAssetRepo struct {
	assets []*types.Asset
}

func (f *cbAssetRepo) Create(ctx context.Context, tx *gorm.DB, assets []*types.Asset) ([]*types.Asset, error) {
	return assets, nil
}

func (f *cbAssetRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Asset, error) {
	return nil, nil
}

func (f *cbAssetRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Asset, error) {
	return f.assets, nil
}

func (f *cbAssetRepo) IncrementUsage(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	return nil
}

type cbMemoryRepo struct {
	records []*types.MemoryRecord
}

func (f *cbMemoryRepo) Upsert(ctx context.Context, tx *gorm.DB, rec *types.MemoryRecord) (*types.MemoryRecord, error) {
	return rec, nil
}

func (f *cbMemoryRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.MemoryRecord, error) {
	return f.records, nil
}

type cbSceneRepo struct {
	scenes []*types.Scene
}

func (f *cbSceneRepo) Create(ctx context.Context, tx *gorm.DB, scenes []*types.Scene) ([]*types.Scene, error) {
	return scenes, nil
}

func (f *cbSceneRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Scene, error) {
	return nil, nil
}

func (f *cbSceneRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Scene, error) {
	return f.scenes, nil
}

func (f *cbSceneRepo) UpdateVersioned(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedVersion int, updates map[string]interface{}) error {
	return nil
}

func (f *cbSceneRepo) FullDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

func (f *cbSceneRepo) NextOrder(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (int, error) {
	return len(f.scenes), nil
}

func newTestBuilder(t *testing.T, project *types.Project, msgs []*types.ConversationMessage, assets []*types.Asset, records []*types.MemoryRecord, scenes []*types.Scene) ContextBuilder {
	t.Helper()
	cfg := config.GenerationConfig{FPS: 30, MaxFixAttempts: 3, ConversationWindow: 5, DefaultDurationInFrames: 150}
	return NewContextBuilder(
		testLogger(t), cfg,
		&cbProjectRepo{project: project},
		&cbMsgRepo{msgs: msgs},
		&cbAssetRepo{assets: assets},
		&cbMemoryRepo{records: records},
		&cbSceneRepo{scenes: scenes},
	)
}

func testProject() *types.Project {
	return &types.Project{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		Title:        "Launch promo",
		FPS:          30,
		FormatWidth:  1920,
		FormatHeight: 1080,
	}
}

func TestBuildEmptyProject(t *testing.T) {
	project := testProject()
	b := newTestBuilder(t, project, nil, nil, nil, nil)

	packet, err := b.Build(context.Background(), nil, project.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if packet.ProjectID != project.ID || packet.FPS != 30 {
		t.Fatalf("packet header = %+v", packet)
	}
	if len(packet.Messages) != 0 || packet.OlderSummary != "" {
		t.Fatalf("messages = %v / %q, want empty", packet.Messages, packet.OlderSummary)
	}
	if len(packet.AssetsByType) != 0 || len(packet.Memory) != 0 || len(packet.Scenes) != 0 {
		t.Fatalf("collections not empty: %+v", packet)
	}
}

func TestBuildMissingProject(t *testing.T) {
	b := newTestBuilder(t, nil, nil, nil, nil, nil)
	if _, err := b.Build(context.Background(), nil, uuid.New()); err == nil {
		t.Fatalf("Build on missing project succeeded")
	}
}

func TestBuildWindowsConversation(t *testing.T) {
	project := testProject()
	var msgs []*types.ConversationMessage
	for i := 1; i <= 8; i++ {
		msgs = append(msgs, &types.ConversationMessage{
			ID:             uuid.New(),
			ProjectID:      project.ID,
			Role:           types.MessageRoleUser,
			Content:        fmt.Sprintf("request number %d", i),
			SequenceNumber: int64(i),
		})
	}
	b := newTestBuilder(t, project, msgs, nil, nil, nil)

	packet, err := b.Build(context.Background(), nil, project.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// window of 5: last five verbatim, first three compacted
	if len(packet.Messages) != 5 {
		t.Fatalf("window = %d messages, want 5", len(packet.Messages))
	}
	if packet.Messages[0].SequenceNumber != 4 || packet.Messages[4].SequenceNumber != 8 {
		t.Fatalf("window covers %d..%d, want 4..8",
			packet.Messages[0].SequenceNumber, packet.Messages[4].SequenceNumber)
	}
	if packet.OlderSummary == "" {
		t.Fatalf("older summary empty with history beyond the window")
	}
	for _, frag := range []string{"3 messages", "request number 1", "request number 3"} {
		if !strings.Contains(packet.OlderSummary, frag) {
			t.Fatalf("older summary missing %q:\n%s", frag, packet.OlderSummary)
		}
	}
}

func TestBuildGroupsAssetsAndProjectsScenes(t *testing.T) {
	project := testProject()
	assets := []*types.Asset{
		{ID: uuid.New(), ProjectID: project.ID, URL: "https://cdn.reelsmith.io/a.png", Type: types.AssetTypeImage},
		{ID: uuid.New(), ProjectID: project.ID, URL: "https://cdn.reelsmith.io/b.mp3", Type: types.AssetTypeAudio},
		{ID: uuid.New(), ProjectID: project.ID, URL: "https://cdn.reelsmith.io/c.png", Type: types.AssetTypeImage},
	}
	scenes := []*types.Scene{
		{ID: uuid.New(), ProjectID: project.ID, Name: "Intro", Code: "secret code", Order: 0, Version: 1, UpdatedAt: time.Now()},
	}
	b := newTestBuilder(t, project, nil, assets, nil, scenes)

	packet, err := b.Build(context.Background(), nil, project.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(packet.AssetsByType[types.AssetTypeImage]) != 2 || len(packet.AssetsByType[types.AssetTypeAudio]) != 1 {
		t.Fatalf("assets by type = %+v", packet.AssetsByType)
	}
	if len(packet.Scenes) != 1 {
		t.Fatalf("scenes = %d, want 1", len(packet.Scenes))
	}
	// scene metas never carry code
	if packet.Scenes[0].Name != "Intro" || packet.Scenes[0].Version != 1 {
		t.Fatalf("scene meta = %+v", packet.Scenes[0])
	}
}

func TestBuildDeterministic(t *testing.T) {
	project := testProject()
	records := []*types.MemoryRecord{
		{ID: uuid.New(), ProjectID: project.ID, Kind: types.MemoryKindPreference, Key: "dark-backgrounds", Value: "always use dark backgrounds"},
		{ID: uuid.New(), ProjectID: project.ID, Kind: types.MemoryKindContext, Key: "brand", Value: "acme corp promo"},
	}
	b := newTestBuilder(t, project, nil, nil, records, nil)

	first, err := b.Build(context.Background(), nil, project.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(context.Background(), nil, project.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !reflect.DeepEqual(first.Memory, second.Memory) {
		t.Fatalf("memory order not deterministic:\n%+v\n%+v", first.Memory, second.Memory)
	}
	// memory sorts by kind then key
	if first.Memory[0].Kind != types.MemoryKindContext {
		t.Fatalf("memory[0].Kind = %q, want context first", first.Memory[0].Kind)
	}
}

func TestCompactMessagesTruncatesOnRuneBoundary(t *testing.T) {
	// 120 two-byte runes; a byte-offset cut would land mid-rune
	long := strings.Repeat("é", 120)
	msgs := []*types.ConversationMessage{
		{Role: types.MessageRoleUser, Content: long},
		{Role: types.MessageRoleAssistant, Content: "ok"},
	}

	summary := compactMessages(msgs)
	if !utf8.ValidString(summary) {
		t.Fatalf("summary is not valid UTF-8: %q", summary)
	}
	if !strings.Contains(summary, "...") {
		t.Fatalf("long message not truncated: %q", summary)
	}
}
