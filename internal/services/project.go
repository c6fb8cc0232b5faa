package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

type ProjectService interface {
	Create(ctx context.Context, userID uuid.UUID, title string, fps, formatWidth, formatHeight int) (*types.Project, error)
	Get(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error)
	GetScenes(ctx context.Context, userID, projectID uuid.UUID) ([]*types.Scene, error)
	GetMessages(ctx context.Context, userID, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error)
	List(ctx context.Context, userID uuid.UUID) ([]*types.Project, error)
	// Delete cascades to scenes, messages, assets and memory. It refuses when
	// any scene has a run in flight, so a delete never races a mutation.
	Delete(ctx context.Context, userID, projectID uuid.UUID) error
}

type projectService struct {
	log      *logger.Logger
	projects repos.ProjectRepo
	scenes   repos.SceneRepo
	msgs     repos.MessageRepo
	locks    *SceneLocks
	sync     Synchronizer
}

func NewProjectService(
	log *logger.Logger,
	projects repos.ProjectRepo,
	scenes repos.SceneRepo,
	msgs repos.MessageRepo,
	locks *SceneLocks,
	synchronizer Synchronizer,
) ProjectService {
	return &projectService{
		log:      log.With("service", "ProjectService"),
		projects: projects,
		scenes:   scenes,
		msgs:     msgs,
		locks:    locks,
		sync:     synchronizer,
	}
}

func (s *projectService) Create(ctx context.Context, userID uuid.UUID, title string, fps, formatWidth, formatHeight int) (*types.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled project"
	}
	if fps <= 0 {
		fps = 30
	}
	if formatWidth <= 0 {
		formatWidth = 1920
	}
	if formatHeight <= 0 {
		formatHeight = 1080
	}

	project := &types.Project{
		ID:           uuid.New(),
		UserID:       userID,
		Title:        title,
		FPS:          fps,
		FormatWidth:  formatWidth,
		FormatHeight: formatHeight,
	}
	created, err := s.projects.Create(ctx, nil, []*types.Project{project})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

func (s *projectService) Get(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	return s.authorize(ctx, userID, projectID)
}

func (s *projectService) GetScenes(ctx context.Context, userID, projectID uuid.UUID) ([]*types.Scene, error) {
	if _, err := s.authorize(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.scenes.GetByProjectID(ctx, nil, projectID)
}

func (s *projectService) GetMessages(ctx context.Context, userID, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error) {
	if _, err := s.authorize(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.msgs.GetByProjectID(ctx, nil, projectID, limit)
}

func (s *projectService) List(ctx context.Context, userID uuid.UUID) ([]*types.Project, error) {
	return s.projects.GetByUserID(ctx, nil, userID)
}

func (s *projectService) Delete(ctx context.Context, userID, projectID uuid.UUID) error {
	if _, err := s.authorize(ctx, userID, projectID); err != nil {
		return err
	}

	scenes, err := s.scenes.GetByProjectID(ctx, nil, projectID)
	if err != nil {
		return err
	}

	// Take every scene lock non-blocking; one busy scene aborts the delete.
	var held []uuid.UUID
	release := func() {
		for _, id := range held {
			s.locks.Release(id)
		}
	}
	for _, sc := range scenes {
		if err := s.locks.TryAcquire(sc.ID); err != nil {
			release()
			return fmt.Errorf("%w: scene %s", ErrCascadeIntegrityViolation, sc.ID)
		}
		held = append(held, sc.ID)
	}
	defer release()

	if err := s.projects.FullDelete(ctx, nil, projectID); err != nil {
		return err
	}

	s.sync.Publish(ctx, ProjectChannel(projectID), sse.SSEEventProjectDeleted, map[string]any{
		"project_id": projectID,
	})
	s.log.Info("project deleted", "project_id", projectID, "scenes", len(scenes))
	return nil
}

func (s *projectService) authorize(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	found, err := s.projects.GetByIDs(ctx, nil, []uuid.UUID{projectID})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if found[0].UserID != userID {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrForbidden)
	}
	return found[0], nil
}
