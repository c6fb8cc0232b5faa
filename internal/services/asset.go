package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/types"
)

// AssetService receives upload notifications from the upload pipeline and
// exposes the project library. Bytes never pass through here: the upload
// service stores the file and tells us the URL.
type AssetService interface {
	Register(ctx context.Context, in RegisterAssetInput) (*types.Asset, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*types.Asset, error)
}

type RegisterAssetInput struct {
	ProjectID    uuid.UUID
	URL          string
	Type         string
	OriginalName string
	Hash         string
	Tags         []string
}

type assetService struct {
	log    *logger.Logger
	assets repos.AssetRepo
	sync   Synchronizer
}

func NewAssetService(log *logger.Logger, assets repos.AssetRepo, synchronizer Synchronizer) AssetService {
	return &assetService{
		log:    log.With("service", "AssetService"),
		assets: assets,
		sync:   synchronizer,
	}
}

func validAssetType(t string) bool {
	switch t {
	case types.AssetTypeImage, types.AssetTypeVideo, types.AssetTypeAudio, types.AssetTypeLogo:
		return true
	}
	return false
}

func (s *assetService) Register(ctx context.Context, in RegisterAssetInput) (*types.Asset, error) {
	if in.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("projectID required")
	}
	url := strings.TrimSpace(in.URL)
	if url == "" {
		return nil, fmt.Errorf("url required")
	}
	if !validAssetType(in.Type) {
		return nil, fmt.Errorf("unknown asset type %q", in.Type)
	}

	asset := &types.Asset{
		ID:           uuid.New(),
		ProjectID:    in.ProjectID,
		URL:          url,
		Type:         in.Type,
		OriginalName: strings.TrimSpace(in.OriginalName),
		Hash:         in.Hash,
	}
	if len(in.Tags) > 0 {
		if raw, err := json.Marshal(in.Tags); err == nil {
			asset.Tags = datatypes.JSON(raw)
		}
	}

	created, err := s.assets.Create(ctx, nil, []*types.Asset{asset})
	if err != nil {
		return nil, err
	}

	s.sync.Publish(ctx, ProjectChannel(in.ProjectID), sse.SSEEventAssetRegistered, created[0])
	return created[0], nil
}

func (s *assetService) List(ctx context.Context, projectID uuid.UUID) ([]*types.Asset, error) {
	return s.assets.GetByProjectID(ctx, nil, projectID)
}
