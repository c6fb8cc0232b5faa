package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

var ErrVersionConflict = errors.New("scene version conflict")

type SceneRepo interface {
	Create(ctx context.Context, tx *gorm.DB, scenes []*types.Scene) ([]*types.Scene, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Scene, error)
	GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Scene, error)
	// UpdateVersioned applies updates only when the row is still at
	// expectedVersion, bumping version to expectedVersion+1 in the same
	// statement. Lost or out-of-order updates surface as ErrVersionConflict.
	UpdateVersioned(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedVersion int, updates map[string]interface{}) error
	FullDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	NextOrder(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (int, error)
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	repoLog := baseLog.With("repo", "SceneRepo")
	return &sceneRepo{db: db, log: repoLog}
}

func (r *sceneRepo) Create(ctx context.Context, tx *gorm.DB, scenes []*types.Scene) ([]*types.Scene, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(scenes) == 0 {
		return []*types.Scene{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&scenes).Error; err != nil {
		return nil, err
	}
	return scenes, nil
}

func (r *sceneRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Scene, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Scene
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sceneRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.Scene, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Scene
	if projectID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sceneRepo) UpdateVersioned(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedVersion int, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["version"] = expectedVersion + 1
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.Scene{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *sceneRepo) FullDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Unscoped().
		Where("id = ?", id).
		Delete(&types.Scene{}).Error
}

func (r *sceneRepo) NextOrder(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var next int
	if err := transaction.WithContext(ctx).
		Raw(`SELECT COALESCE(MAX(position), -1) + 1 FROM scene WHERE project_id = ? AND deleted_at IS NULL`, projectID).
		Scan(&next).Error; err != nil {
		return 0, err
	}
	return next, nil
}
