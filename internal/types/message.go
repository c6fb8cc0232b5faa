package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"

	MessageStatusPending = "pending"
	MessageStatusSuccess = "success"
	MessageStatusError   = "error"
)

// ConversationMessage is ordered by SequenceNumber, assigned atomically at
// write time. Wall-clock timestamps can collide under fast concurrent writes,
// so they are never used for ordering.
type ConversationMessage struct {
	gorm.Model
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID      uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_message_project_seq,priority:1" json:"project_id"`
	Project        *Project  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ProjectID;references:ID" json:"project,omitempty"`
	Role           string    `gorm:"column:role;not null" json:"role"`
	Content        string    `gorm:"column:content;not null" json:"content"`
	Status         string    `gorm:"column:status;not null;default:'pending'" json:"status"`
	SequenceNumber int64     `gorm:"column:sequence_number;not null;uniqueIndex:idx_message_project_seq,priority:2" json:"sequence_number"`
	CreatedAt      time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (ConversationMessage) TableName() string {
	return "conversation_message"
}
