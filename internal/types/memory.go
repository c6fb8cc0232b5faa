package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MemoryKindPreference   = "preference"
	MemoryKindRelationship = "relationship"
	MemoryKindContext      = "context"
)

// MemoryRecord is a durable inferred fact about a project, upserted on
// (project_id, kind, key). The closed kind set keeps unrelated concerns out
// of each other's rows.
type MemoryRecord struct {
	gorm.Model
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_memory_project_kind_key,priority:1" json:"project_id"`
	Project       *Project  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ProjectID;references:ID" json:"project,omitempty"`
	Kind          string    `gorm:"column:kind;not null;uniqueIndex:idx_memory_project_kind_key,priority:2" json:"kind"`
	Key           string    `gorm:"column:key;not null;uniqueIndex:idx_memory_project_kind_key,priority:3" json:"key"`
	Value         string    `gorm:"column:value;not null" json:"value"`
	Confidence    float64   `gorm:"column:confidence;not null;default:0.5" json:"confidence"`
	SourceRequest string    `gorm:"column:source_request" json:"source_request"`
	CreatedAt     time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (MemoryRecord) TableName() string {
	return "memory_record"
}
