package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/clients/redis"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/ssedata"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// ErrVersionGap means an event arrived whose version is not exactly one past
// the version a consumer holds. The consumer must refetch instead of applying.
var ErrVersionGap = errors.New("scene version gap")

// ProjectChannel is the SSE channel all events for a project flow on.
func ProjectChannel(projectID uuid.UUID) string {
	return fmt.Sprintf("project:%s", projectID)
}

// RunEventData is the payload attached to every scene-run SSE event. Version
// is the scene version the event's code belongs to; consumers apply an event
// only when it is exactly their current version + 1.
type RunEventData struct {
	RunID     uuid.UUID  `json:"run_id"`
	ProjectID uuid.UUID  `json:"project_id"`
	SceneID   *uuid.UUID `json:"scene_id,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	Version   int        `json:"version,omitempty"`
	Code      string     `json:"code,omitempty"`
	Name      string     `json:"name,omitempty"`
	Duration  int        `json:"duration_in_frames,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Synchronizer fans project events out to connected editors. With a redis bus
// configured, events go through the bus and every instance's forwarder feeds
// its local hub; without one, events go straight to the local hub.
type Synchronizer interface {
	PublishRun(ctx context.Context, event sse.SSEEvent, data RunEventData)
	Publish(ctx context.Context, channel string, event sse.SSEEvent, data any)
	// Flush delivers messages buffered on the request context. Contexts without
	// a buffer (the worker's) publish immediately, so Flush is a no-op there.
	Flush(ctx context.Context)
}

type synchronizer struct {
	log      *logger.Logger
	hub      *sse.SSEHub
	bus      redis.SSEBus
	versions *SceneVersionStore
}

func NewSynchronizer(log *logger.Logger, hub *sse.SSEHub, bus redis.SSEBus) Synchronizer {
	return &synchronizer{
		log:      log.With("service", "Synchronizer"),
		hub:      hub,
		bus:      bus,
		versions: NewSceneVersionStore(),
	}
}

func (s *synchronizer) PublishRun(ctx context.Context, event sse.SSEEvent, data RunEventData) {
	s.trackVersion(event, data)
	s.Publish(ctx, ProjectChannel(data.ProjectID), event, data)
}

// trackVersion mirrors the store every consumer keeps, so an out-of-order
// publish is flagged at the source instead of surfacing as client refetches.
func (s *synchronizer) trackVersion(event sse.SSEEvent, data RunEventData) {
	if event != sse.SSEEventRunSucceeded || data.SceneID == nil {
		return
	}
	if data.Operation == string(types.OpDelete) {
		s.versions.Forget(*data.SceneID)
		return
	}
	if data.Version <= 0 {
		return
	}
	if s.versions.Current(*data.SceneID) == 0 && data.Version > 1 {
		// first sighting since boot; seed instead of flagging
		s.versions.Reset(*data.SceneID, data.Version)
		return
	}
	if err := s.versions.Apply(*data.SceneID, data.Version); err != nil {
		s.log.Warn("scene version advanced out of order",
			"scene_id", data.SceneID, "version", data.Version, "error", err)
		s.versions.Reset(*data.SceneID, data.Version)
	}
}

func (s *synchronizer) Publish(ctx context.Context, channel string, event sse.SSEEvent, data any) {
	msg := sse.SSEMessage{
		Channel: channel,
		Event:   event,
		Data:    data,
	}
	// Inside a request the message is held until the handler finishes, so
	// nothing is streamed for work a failed transaction rolled back.
	if sd := ssedata.GetSSEData(ctx); sd != nil {
		sd.AppendMessage(msg)
		return
	}
	s.publishNow(ctx, msg)
}

func (s *synchronizer) Flush(ctx context.Context) {
	sd := ssedata.GetSSEData(ctx)
	if sd == nil {
		return
	}
	for _, msg := range sd.Messages {
		s.publishNow(ctx, msg)
	}
	sd.Messages = sd.Messages[:0]
}

func (s *synchronizer) publishNow(ctx context.Context, msg sse.SSEMessage) {
	if s.bus != nil {
		if err := s.bus.Publish(ctx, msg); err == nil {
			return
		} else {
			s.log.Warn("redis publish failed; falling back to local broadcast",
				"channel", msg.Channel, "event", msg.Event, "error", err)
		}
	}
	s.hub.Broadcast(msg)
}

// SceneVersionStore tracks the last applied version per scene the way a
// client-side store does. The synchronizer keeps one to catch out-of-order
// publishes before they leave the server. Events must arrive gap-free and
// in order; anything else returns ErrVersionGap and the caller refetches.
type SceneVersionStore struct {
	mu       sync.Mutex
	versions map[uuid.UUID]int
}

func NewSceneVersionStore() *SceneVersionStore {
	return &SceneVersionStore{versions: make(map[uuid.UUID]int)}
}

// Apply accepts version only when it is exactly current+1. A scene never seen
// before starts at 0, so its first applicable version is 1.
func (st *SceneVersionStore) Apply(sceneID uuid.UUID, version int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	current := st.versions[sceneID]
	if version != current+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrVersionGap, current, version)
	}
	st.versions[sceneID] = version
	return nil
}

// Reset pins a scene to an authoritative version after a refetch.
func (st *SceneVersionStore) Reset(sceneID uuid.UUID, version int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.versions[sceneID] = version
}

func (st *SceneVersionStore) Forget(sceneID uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.versions, sceneID)
}

func (st *SceneVersionStore) Current(sceneID uuid.UUID) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.versions[sceneID]
}
