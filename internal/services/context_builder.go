package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// ContextPacket is everything a single generation run knows about its
// project: deterministic given the same stored state, so re-running a request
// against unchanged data resolves identically.
type ContextPacket struct {
	ProjectID    uuid.UUID `json:"project_id"`
	FPS          int       `json:"fps"`
	FormatWidth  int       `json:"format_width"`
	FormatHeight int       `json:"format_height"`

	// Messages is the recent window, oldest first. OlderSummary compacts
	// everything before the window; empty when the window covers it all.
	Messages     []*types.ConversationMessage `json:"messages"`
	OlderSummary string                       `json:"older_summary,omitempty"`

	AssetsByType map[string][]*types.Asset `json:"assets_by_type"`
	Memory       []*types.MemoryRecord     `json:"memory"`
	Scenes       []types.SceneMeta         `json:"scenes"`
}

type ContextBuilder interface {
	Build(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*ContextPacket, error)
}

type contextBuilder struct {
	log      *logger.Logger
	cfg      config.GenerationConfig
	projects repos.ProjectRepo
	messages repos.MessageRepo
	assets   repos.AssetRepo
	memory   repos.MemoryRepo
	scenes   repos.SceneRepo
}

func NewContextBuilder(
	log *logger.Logger,
	cfg config.GenerationConfig,
	projects repos.ProjectRepo,
	messages repos.MessageRepo,
	assets repos.AssetRepo,
	memory repos.MemoryRepo,
	scenes repos.SceneRepo,
) ContextBuilder {
	return &contextBuilder{
		log:      log.With("service", "ContextBuilder"),
		cfg:      cfg,
		projects: projects,
		messages: messages,
		assets:   assets,
		memory:   memory,
		scenes:   scenes,
	}
}

func (b *contextBuilder) Build(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*ContextPacket, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("projectID required")
	}

	found, err := b.projects.GetByIDs(ctx, tx, []uuid.UUID{projectID})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	project := found[0]

	packet := &ContextPacket{
		ProjectID:    project.ID,
		FPS:          project.FPS,
		FormatWidth:  project.FormatWidth,
		FormatHeight: project.FormatHeight,
		Messages:     []*types.ConversationMessage{},
		AssetsByType: map[string][]*types.Asset{},
		Memory:       []*types.MemoryRecord{},
		Scenes:       []types.SceneMeta{},
	}

	var (
		msgs     []*types.ConversationMessage
		assets   []*types.Asset
		memories []*types.MemoryRecord
		scenes   []*types.Scene
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var gErr error
		msgs, gErr = b.messages.GetByProjectID(gctx, tx, projectID, 0)
		return gErr
	})
	g.Go(func() error {
		var gErr error
		assets, gErr = b.assets.GetByProjectID(gctx, tx, projectID)
		return gErr
	})
	g.Go(func() error {
		var gErr error
		memories, gErr = b.memory.GetByProjectID(gctx, tx, projectID)
		return gErr
	})
	g.Go(func() error {
		var gErr error
		scenes, gErr = b.scenes.GetByProjectID(gctx, tx, projectID)
		return gErr
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	window := b.cfg.ConversationWindow
	if window <= 0 {
		window = 20
	}
	if len(msgs) > window {
		older := msgs[:len(msgs)-window]
		packet.Messages = msgs[len(msgs)-window:]
		packet.OlderSummary = compactMessages(older)
	} else {
		packet.Messages = msgs
	}

	for _, a := range assets {
		packet.AssetsByType[a.Type] = append(packet.AssetsByType[a.Type], a)
	}
	// GetByProjectID orders by uploaded_at DESC; keep that within each type.

	packet.Memory = memories
	sort.SliceStable(packet.Memory, func(i, j int) bool {
		if packet.Memory[i].Kind != packet.Memory[j].Kind {
			return packet.Memory[i].Kind < packet.Memory[j].Kind
		}
		return packet.Memory[i].Key < packet.Memory[j].Key
	})

	for _, s := range scenes {
		packet.Scenes = append(packet.Scenes, s.Meta())
	}

	return packet, nil
}

// compactMessages folds older history into a short transcript digest. This is
// deterministic on purpose: no model call, so identical history always yields
// an identical packet.
func compactMessages(msgs []*types.ConversationMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Earlier conversation (%d messages, oldest first):\n", len(msgs)))
	for _, m := range msgs {
		content := m.Content
		if len(content) > 160 {
			// back off to a rune boundary so the cut never splits a multibyte char
			cut := 157
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "..."
		}
		content = strings.ReplaceAll(content, "\n", " ")
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", m.Role, content))
	}
	return sb.String()
}

// MostRecentlyUpdatedScene is the pronoun target ("it", "that scene"): the
// scene whose last successful mutation is newest. Ties break by position.
func MostRecentlyUpdatedScene(scenes []types.SceneMeta) *types.SceneMeta {
	if len(scenes) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(scenes); i++ {
		if scenes[i].UpdatedAt.After(scenes[best].UpdatedAt) {
			best = i
		} else if scenes[i].UpdatedAt.Equal(scenes[best].UpdatedAt) && scenes[i].Order < scenes[best].Order {
			best = i
		}
	}
	return &scenes[best]
}
