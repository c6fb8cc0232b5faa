package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Project struct {
	gorm.Model
	ID            uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	Title         string          `gorm:"column:title;not null" json:"title"`
	FPS           int             `gorm:"column:fps;not null;default:30" json:"fps"`
	FormatWidth   int             `gorm:"column:format_width;not null;default:1920" json:"format_width"`
	FormatHeight  int             `gorm:"column:format_height;not null;default:1080" json:"format_height"`
	CreatedAt     time.Time       `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;default:now()" json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}
