package types

import (
	"github.com/google/uuid"
)

// Operation is the closed set of scene mutations. Dispatch is an exhaustive
// switch over these values; adding one is a compile-visible change.
type Operation string

const (
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpRetime Operation = "retime"
)

// AssetRef is an asset the resolver matched against the request text. The
// URL must appear verbatim in compiled code.
type AssetRef struct {
	AssetID uuid.UUID `json:"asset_id"`
	URL     string    `json:"url"`
	Type    string    `json:"type"`
	Name    string    `json:"name,omitempty"`
}

type CreateParams struct {
	Prompt           string `json:"prompt"`
	DurationInFrames int    `json:"duration_in_frames,omitempty"`
}

type EditParams struct {
	Prompt string `json:"prompt"`
}

type DeleteParams struct{}

type RetimeParams struct {
	DurationInFrames int `json:"duration_in_frames"`
}

// ToolDecision is the resolver's output: one operation variant populated,
// immutable once produced, consumed exactly once by the matching tool.
type ToolDecision struct {
	Operation     Operation  `json:"operation"`
	TargetSceneID *uuid.UUID `json:"target_scene_id,omitempty"`

	Create *CreateParams `json:"create,omitempty"`
	Edit   *EditParams   `json:"edit,omitempty"`
	Delete *DeleteParams `json:"delete,omitempty"`
	Retime *RetimeParams `json:"retime,omitempty"`

	ContextRefs []AssetRef `json:"context_refs,omitempty"`
}
