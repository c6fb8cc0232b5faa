package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// IntentResolver turns a raw request plus a context packet into exactly one
// ToolDecision. Resolution is rule-ordered and deterministic; when no rule
// fires it fails closed with ErrAmbiguous rather than guessing a mutation.
//
// Rule order:
//  1. delete verbs            -> delete (target required)
//  2. pure duration change    -> retime (target required)
//  3. edit verbs              -> edit   (target required)
//  4. create verbs            -> create
//  5. short prompt, has scenes-> edit of the most recently updated scene
type IntentResolver interface {
	Resolve(ctx context.Context, packet *ContextPacket, prompt string) (*types.ToolDecision, []*types.MemoryRecord, error)
}

type intentResolver struct {
	log *logger.Logger
	fps int
}

func NewIntentResolver(log *logger.Logger, fps int) IntentResolver {
	if fps <= 0 {
		fps = 30
	}
	return &intentResolver{
		log: log.With("service", "IntentResolver"),
		fps: fps,
	}
}

var (
	uuidPattern     = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	sceneOrdinalPat = regexp.MustCompile(`\bscene\s+(\d+)\b`)
	secondsPat      = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(?:seconds|second|secs|sec)\b`)
	framesPat       = regexp.MustCompile(`\b(\d+)\s*frames?\b`)

	deleteVerbs = []string{"delete", "remove", "get rid of", "drop the scene", "drop scene"}
	editVerbs   = []string{"change", "replace", "fix", "adjust", "update", "edit", "move", "recolor", "swap", "tweak", "rewrite", "modify", "rework"}
	createVerbs = []string{"add", "create", "make", "build", "new scene", "generate", "insert"}

	pronounRefs = []string{"it", "that", "this", "the scene", "that scene", "this scene", "the last one", "that one"}

	// asset phrases keyed by the asset type they imply
	assetPhrases = map[string]string{
		"the logo":    types.AssetTypeLogo,
		"my logo":     types.AssetTypeLogo,
		"our logo":    types.AssetTypeLogo,
		"that image":  types.AssetTypeImage,
		"the image":   types.AssetTypeImage,
		"the picture": types.AssetTypeImage,
		"that photo":  types.AssetTypeImage,
		"the photo":   types.AssetTypeImage,
		"the video":   types.AssetTypeVideo,
		"that video":  types.AssetTypeVideo,
		"the clip":    types.AssetTypeVideo,
		"the audio":   types.AssetTypeAudio,
		"the music":   types.AssetTypeAudio,
		"the song":    types.AssetTypeAudio,
		"that track":  types.AssetTypeAudio,
	}
)

func (r *intentResolver) Resolve(ctx context.Context, packet *ContextPacket, prompt string) (*types.ToolDecision, []*types.MemoryRecord, error) {
	if packet == nil {
		return nil, nil, fmt.Errorf("context packet required")
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("%w: empty request", ErrAmbiguous)
	}
	lower := strings.ToLower(trimmed)

	refs := r.resolveAssetRefs(packet, lower)
	memories := inferMemories(packet.ProjectID, trimmed, lower)

	target := r.resolveTarget(packet, lower)
	fps := packet.FPS
	if fps <= 0 {
		fps = r.fps
	}
	duration := parseDurationFrames(lower, fps)

	decision := &types.ToolDecision{ContextRefs: refs}

	switch {
	case containsAny(lower, deleteVerbs):
		if target == nil {
			return nil, nil, fmt.Errorf("%w: delete without a resolvable scene", ErrAmbiguous)
		}
		decision.Operation = types.OpDelete
		decision.TargetSceneID = &target.ID
		decision.Delete = &types.DeleteParams{}
		return decision, memories, nil

	case duration > 0 && isPureRetime(lower):
		if target == nil {
			return nil, nil, fmt.Errorf("%w: duration change without a resolvable scene", ErrAmbiguous)
		}
		decision.Operation = types.OpRetime
		decision.TargetSceneID = &target.ID
		decision.Retime = &types.RetimeParams{DurationInFrames: duration}
		return decision, memories, nil

	case containsAny(lower, editVerbs):
		if target == nil {
			return nil, nil, fmt.Errorf("%w: edit without a resolvable scene", ErrAmbiguous)
		}
		decision.Operation = types.OpEdit
		decision.TargetSceneID = &target.ID
		decision.Edit = &types.EditParams{Prompt: trimmed}
		return decision, memories, nil

	case containsAny(lower, createVerbs):
		decision.Operation = types.OpCreate
		decision.Create = &types.CreateParams{Prompt: trimmed, DurationInFrames: duration}
		return decision, memories, nil
	}

	// Terse follow-up ("bigger", "more blue") against an existing scene reads
	// as a refinement of the last touched scene.
	if len(strings.Fields(lower)) <= 3 && len(packet.Scenes) > 0 {
		if target == nil {
			target = MostRecentlyUpdatedScene(packet.Scenes)
		}
		decision.Operation = types.OpEdit
		decision.TargetSceneID = &target.ID
		decision.Edit = &types.EditParams{Prompt: trimmed}
		return decision, memories, nil
	}

	return nil, nil, fmt.Errorf("%w: could not classify %q", ErrAmbiguous, trimmed)
}

// resolveTarget picks the scene a request is about: explicit UUID, then
// "scene N" by position (1-based), then a pronoun against the most recently
// updated scene, then the only scene if the project has exactly one.
func (r *intentResolver) resolveTarget(packet *ContextPacket, lower string) *types.SceneMeta {
	if raw := uuidPattern.FindString(lower); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			for i := range packet.Scenes {
				if packet.Scenes[i].ID == id {
					return &packet.Scenes[i]
				}
			}
		}
	}

	if m := sceneOrdinalPat.FindStringSubmatch(lower); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(packet.Scenes) {
			// Scenes come ordered by position.
			return &packet.Scenes[n-1]
		}
	}

	for _, pr := range pronounRefs {
		if containsWordPhrase(lower, pr) {
			return MostRecentlyUpdatedScene(packet.Scenes)
		}
	}

	if len(packet.Scenes) == 1 {
		return &packet.Scenes[0]
	}
	return nil
}

// resolveAssetRefs matches asset-referencing phrases against the project
// library. A phrase that implies an asset type with nothing of that type
// uploaded resolves to no ref: the generator creates new content instead,
// and the validator still rejects any placeholder URL it invents.
func (r *intentResolver) resolveAssetRefs(packet *ContextPacket, lower string) []types.AssetRef {
	var refs []types.AssetRef
	seen := map[uuid.UUID]bool{}

	phrases := make([]string, 0, len(assetPhrases))
	for p := range assetPhrases {
		phrases = append(phrases, p)
	}
	sort.Strings(phrases)

	for _, phrase := range phrases {
		assetType := assetPhrases[phrase]
		if !strings.Contains(lower, phrase) {
			continue
		}
		candidates := packet.AssetsByType[assetType]
		if assetType == types.AssetTypeLogo && len(candidates) == 0 {
			// a tagged image can stand in for a missing logo-typed asset
			for _, a := range packet.AssetsByType[types.AssetTypeImage] {
				if assetHasTag(a, "logo") {
					candidates = append(candidates, a)
				}
			}
		}
		if len(candidates) == 0 {
			r.log.Debug("Asset phrase has no match in project library", "phrase", phrase, "asset_type", assetType)
			continue
		}
		// newest upload wins; the repo orders by uploaded_at DESC
		a := candidates[0]
		if !seen[a.ID] {
			seen[a.ID] = true
			refs = append(refs, types.AssetRef{
				AssetID: a.ID,
				URL:     a.URL,
				Type:    a.Type,
				Name:    a.OriginalName,
			})
		}
	}

	// Direct mentions of an uploaded file name.
	typeKeys := make([]string, 0, len(packet.AssetsByType))
	for t := range packet.AssetsByType {
		typeKeys = append(typeKeys, t)
	}
	sort.Strings(typeKeys)
	for _, t := range typeKeys {
		for _, a := range packet.AssetsByType[t] {
			name := strings.ToLower(strings.TrimSpace(a.OriginalName))
			if name == "" || seen[a.ID] {
				continue
			}
			if strings.Contains(lower, name) {
				seen[a.ID] = true
				refs = append(refs, types.AssetRef{
					AssetID: a.ID,
					URL:     a.URL,
					Type:    a.Type,
					Name:    a.OriginalName,
				})
			}
		}
	}

	return refs
}

func assetHasTag(a *types.Asset, tag string) bool {
	if a == nil || len(a.Tags) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(string(a.Tags)), `"`+tag+`"`)
}

// parseDurationFrames extracts an explicit duration. Seconds convert at the
// project frame rate; frame counts pass through.
func parseDurationFrames(lower string, fps int) int {
	if m := framesPat.FindStringSubmatch(lower); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	if m := secondsPat.FindStringSubmatch(lower); len(m) == 2 {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return int(secs * float64(fps))
		}
	}
	return 0
}

// isPureRetime reports whether a request that mentions a duration asks ONLY
// for a duration change. "make it 3 seconds" retimes; "add a 3 second intro"
// creates content that happens to carry a duration.
func isPureRetime(lower string) bool {
	stripped := secondsPat.ReplaceAllString(lower, "")
	stripped = framesPat.ReplaceAllString(stripped, "")

	for _, w := range strings.Fields(stripped) {
		switch strings.Trim(w, ".,!?") {
		case "make", "set", "to", "it", "that", "this", "the", "scene", "be",
			"should", "last", "long", "longer", "shorter", "shorten", "extend",
			"lengthen", "retime", "duration", "length", "change", "only", "just",
			"instead", "now", "please", "a", "an", "of", "":
			// timing vocabulary and filler
		default:
			return false
		}
	}
	return true
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if containsWordPhrase(lower, p) {
			return true
		}
	}
	return false
}

// containsWordPhrase is strings.Contains with word boundaries, so "it" does
// not match inside "title".
func containsWordPhrase(s, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordChar(s[start-1])
		afterOK := end == len(s) || !isWordChar(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

// inferMemories lifts durable preferences out of a request. Only sentences
// that announce a standing rule ("always ...", "I prefer ...") qualify; the
// record is upserted so restating a preference refreshes it in place.
func inferMemories(projectID uuid.UUID, original, lower string) []*types.MemoryRecord {
	var out []*types.MemoryRecord
	for _, sentence := range splitSentences(original) {
		ls := strings.ToLower(sentence)
		if !strings.Contains(ls, "always") &&
			!strings.Contains(ls, "never") &&
			!strings.Contains(ls, "i prefer") &&
			!strings.Contains(ls, "i like") &&
			!strings.Contains(ls, "from now on") {
			continue
		}
		out = append(out, &types.MemoryRecord{
			ProjectID:     projectID,
			Kind:          types.MemoryKindPreference,
			Key:           memoryKey(ls),
			Value:         strings.TrimSpace(sentence),
			Confidence:    0.6,
			SourceRequest: original,
		})
	}
	return out
}

func splitSentences(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == '\n'
	})
}

// memoryKey normalizes a preference sentence into a stable upsert key so
// reworded restatements of the same rule collapse onto one row.
func memoryKey(lower string) string {
	fields := strings.Fields(lower)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		switch f {
		case "i", "we", "you", "the", "a", "an", "to", "of", "in", "on", "for",
			"please", "my", "our", "it", "that", "this", "from", "now", "and", "":
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) > 6 {
		kept = kept[:6]
	}
	return strings.Join(kept, "-")
}
