package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Scene struct {
	gorm.Model
	ID               uuid.UUID   `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID        uuid.UUID   `gorm:"type:uuid;not null;index" json:"project_id"`
	Project          *Project    `gorm:"constraint:OnDelete:CASCADE;foreignKey:ProjectID;references:ID" json:"project,omitempty"`
	Name             string      `gorm:"column:name;not null" json:"name"`
	Code             string      `gorm:"column:code;not null" json:"code"`
	DurationInFrames int         `gorm:"column:duration_in_frames;not null" json:"duration_in_frames"`
	FormatWidth      int         `gorm:"column:format_width;not null" json:"format_width"`
	FormatHeight     int         `gorm:"column:format_height;not null" json:"format_height"`
	Order            int         `gorm:"column:position;not null" json:"order"`
	// Version increments on every successful mutation; streamed events carry
	// the target version so stale updates can be rejected by the client store.
	Version          int         `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt        time.Time   `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"not null;default:now()" json:"updated_at"`
}

func (Scene) TableName() string {
	return "scene"
}

// SceneMeta is the lightweight projection included in context packets.
// Code is deliberately excluded to bound packet size.
type SceneMeta struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Order            int       `json:"order"`
	DurationInFrames int       `json:"duration_in_frames"`
	Version          int       `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Scene) Meta() SceneMeta {
	return SceneMeta{
		ID:               s.ID,
		Name:             s.Name,
		Order:            s.Order,
		DurationInFrames: s.DurationInFrames,
		Version:          s.Version,
		UpdatedAt:        s.UpdatedAt,
	}
}
