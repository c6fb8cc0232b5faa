package types

// Pure JSON contract for the stage-A design brief. Not a DB model: briefs are
// transient handoff objects between the brief and compile stages, logged to
// ai_call_log but never persisted as rows.

type ElementLayout struct {
	// Fractions of the scene format, so a brief stays valid across aspect
	// ratios: x/y in [0,1] of width/height, width/height in (0,1].
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Opacity  float64 `json:"opacity"`
	Rotation float64 `json:"rotation"`
}

// PropertyTarget is one animated property and its end value. A pair list
// instead of a map keeps the brief schema strict-mode friendly.
type PropertyTarget struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type AnimationStep struct {
	Type           string           `json:"type"` // interpolate|spring
	StartFrame     int              `json:"start_frame"`
	DurationFrames int              `json:"duration_frames"`
	Easing         string           `json:"easing,omitempty"` // linear|ease-in|ease-out|ease-in-out
	Properties     []PropertyTarget `json:"properties"`       // end values by property
}

type BriefElement struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"` // text|shape|image|video|audio
	Text       string          `json:"text,omitempty"`
	AssetURL   string          `json:"asset_url,omitempty"` // verbatim context ref, when one applies
	Color      string          `json:"color,omitempty"`
	Layout     ElementLayout   `json:"layout"`
	Animations []AnimationStep `json:"animations"`
}

type DesignBriefV1 struct {
	Version          int            `json:"version"`
	SceneName        string         `json:"scene_name"`
	DurationInFrames int            `json:"duration_in_frames"`
	FormatWidth      int            `json:"format_width"`
	FormatHeight     int            `json:"format_height"`
	Background       string         `json:"background"`
	Elements         []BriefElement `json:"elements"`
}
