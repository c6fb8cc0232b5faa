package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AssetTypeImage = "image"
	AssetTypeVideo = "video"
	AssetTypeAudio = "audio"
	AssetTypeLogo  = "logo"
)

// Asset is persisted once when the upload service notifies us; generation
// requests reference it by URL and never copy the bytes.
type Asset struct {
	gorm.Model
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Project      *Project       `gorm:"constraint:OnDelete:CASCADE;foreignKey:ProjectID;references:ID" json:"project,omitempty"`
	URL          string         `gorm:"column:url;not null" json:"url"`
	Type         string         `gorm:"column:type;not null;index" json:"type"`
	OriginalName string         `gorm:"column:original_name" json:"original_name"`
	Hash         string         `gorm:"column:hash;index" json:"hash"`
	Tags         datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags"`
	UsageCount   int            `gorm:"column:usage_count;not null;default:0" json:"usage_count"`
	UploadedAt   time.Time      `gorm:"column:uploaded_at;not null;default:now()" json:"uploaded_at"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Asset) TableName() string {
	return "asset"
}
