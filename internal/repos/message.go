package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

type MessageRepo interface {
	// Append assigns the message its sequence number atomically: the project
	// row is locked for the duration of the insert so concurrent appends are
	// serialized and the numbers stay strictly increasing and gap-free.
	Append(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) (*types.ConversationMessage, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ConversationMessage, error)
	GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error)
	// MarkTerminal performs the one allowed transition pending -> success|error.
	MarkTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, content string) error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	repoLog := baseLog.With("repo", "MessageRepo")
	return &messageRepo{db: db, log: repoLog}
}

func (r *messageRepo) Append(ctx context.Context, tx *gorm.DB, msg *types.ConversationMessage) (*types.ConversationMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if msg == nil {
		return nil, nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Exec(`SELECT id FROM project WHERE id = ? FOR UPDATE`, msg.ProjectID).Error; err != nil {
			return err
		}
		var next int64
		if err := txx.
			Raw(`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM conversation_message WHERE project_id = ?`, msg.ProjectID).
			Scan(&next).Error; err != nil {
			return err
		}
		msg.SequenceNumber = next
		return txx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *messageRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ConversationMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ConversationMessage
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

func (r *messageRepo) GetByProjectID(ctx context.Context, tx *gorm.DB, projectID uuid.UUID, limit int) ([]*types.ConversationMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ConversationMessage
	if projectID == uuid.Nil {
		return results, nil
	}
	q := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("sequence_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *messageRepo) MarkTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, content string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if content != "" {
		updates["content"] = content
	}
	return transaction.WithContext(ctx).
		Model(&types.ConversationMessage{}).
		Where("id = ? AND status = ?", id, types.MessageStatusPending).
		Updates(updates).Error
}
