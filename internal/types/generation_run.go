package types

import (
	"time"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// GenerationRun is one queued unit of generation work: a user request that
// resolves to a tool invocation. RequestID is the transport-level dedupe
// hook: re-submitting the same request id returns the existing run.
type GenerationRun struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	SceneID   *uuid.UUID `gorm:"type:uuid;index" json:"scene_id,omitempty"`
	MessageID uuid.UUID  `gorm:"type:uuid;not null" json:"message_id"`
	RequestID string     `gorm:"column:request_id;uniqueIndex" json:"request_id"`

	Prompt    string `gorm:"column:prompt;not null" json:"prompt"`
	Operation string `gorm:"column:operation" json:"operation"` // resolved during the run
	Status    string `gorm:"column:status;not null;index" json:"status"`
	Stage     string `gorm:"column:stage;not null;index" json:"stage"` // context|resolve|brief|compile|validate|persist|done

	Attempts    int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	FixAttempts int        `gorm:"column:fix_attempts;not null;default:0" json:"fix_attempts"`
	Error       string     `gorm:"column:error" json:"error"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	// Locking/health for workers
	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`

	// Decision is the immutable ToolDecision record, written once after
	// intent resolution for auditability.
	Decision datatypes.JSON `gorm:"type:jsonb;column:decision" json:"decision,omitempty"`

	CreatedAt time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationRun) TableName() string {
	return "generation_run"
}
