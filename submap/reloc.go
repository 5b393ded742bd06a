package submap

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// RelocRequest asks where a pose (and optional scan) sits in the map.
type RelocRequest struct {
	Stamp time.Time
	// TWorldLMBaselink is the query pose in the landmark (requesting) frame.
	TWorldLMBaselink spatialmath.Pose
	// Cloud optionally carries a lidar measurement refined against the
	// candidate submap.
	Cloud pointcloud.PointCloud
}

// RelocResult reports the matched submap and the refined pose of the query
// in that submap's frame.
type RelocResult struct {
	Submap *Submap
	// TSubmapQuery is the refined pose of the query in the submap frame.
	TSubmapQuery spatialmath.Pose
	// Offline reports whether the match came from the offline map.
	Offline bool
}

// RelocEngine answers relocalization requests against the offline map first,
// then the online submaps.
type RelocEngine struct {
	cfg      config.Config
	searcher CandidateSearcher
	refiner  Refiner
	logger   golog.Logger

	offline []*Submap
	online  func() []*Submap
	// active is the submap currently being built; an identical match returns
	// no update.
	active func() *Submap

	// tWorldLMWorldOFF aligns the offline coordinate frame to the request
	// frame, computed from the first successful offline refinement.
	tWorldLMWorldOFF spatialmath.Pose
}

// NewRelocEngine creates a reloc engine. online and active are read each
// request so the engine always sees the live submap set.
func NewRelocEngine(cfg config.Config, offline []*Submap, online func() []*Submap,
	active func() *Submap, logger golog.Logger,
) (*RelocEngine, error) {
	searcher, err := NewCandidateSearcher(cfg)
	if err != nil {
		return nil, err
	}
	refiner, err := NewRefiner(cfg)
	if err != nil {
		return nil, err
	}
	return &RelocEngine{
		cfg:      cfg,
		searcher: searcher,
		refiner:  refiner,
		logger:   logger,
		offline:  offline,
		online:   online,
		active:   active,
	}, nil
}

// OfflineAlignment returns the cached T_worldLM_worldOFF, nil before the
// first successful offline match.
func (re *RelocEngine) OfflineAlignment() spatialmath.Pose {
	return re.tWorldLMWorldOFF
}

// Relocalize searches offline submaps first, then online submaps, returning
// the first for which refinement succeeds. A match identical to the active
// submap returns (nil, nil): no update.
func (re *RelocEngine) Relocalize(ctx context.Context, req RelocRequest) (*RelocResult, error) {
	if req.TWorldLMBaselink == nil {
		return nil, errors.New("reloc request needs a pose")
	}

	if result := re.search(ctx, req, re.offline, true); result != nil {
		return result, nil
	}

	var onlineMaps []*Submap
	if re.online != nil {
		onlineMaps = re.online()
	}
	if result := re.search(ctx, req, onlineMaps, false); result != nil {
		if re.active != nil && re.active() == result.Submap {
			return nil, nil
		}
		return result, nil
	}
	return nil, errors.Wrap(utils.ErrMatcherFailure, "no submap matched the reloc request")
}

func (re *RelocEngine) search(ctx context.Context, req RelocRequest, submaps []*Submap, offline bool) *RelocResult {
	if len(submaps) == 0 {
		return nil
	}

	queryPose := req.TWorldLMBaselink
	if offline && re.tWorldLMWorldOFF != nil {
		// bring the query into the offline frame through the cached alignment
		queryPose = spatialmath.Compose(spatialmath.PoseInverse(re.tWorldLMWorldOFF), queryPose)
	}

	query := NewSubmap(-1, req.Stamp, queryPose)
	if req.Cloud != nil {
		//nolint:errcheck
		pointcloud.MergeInto(query.lidar, req.Cloud, spatialmath.NewZeroPose())
	}

	for _, cand := range re.searcher.Find(submaps, queryPose) {
		match := findByIndex(submaps, cand.MatchIndex)
		if match == nil {
			continue
		}
		refined, err := re.refiner.Refine(ctx, match, query, cand.TMatchQuery)
		if err != nil {
			continue
		}
		if offline && re.tWorldLMWorldOFF == nil {
			// first offline success fixes the frame alignment:
			// T_worldLM_worldOFF = T_worldLM_query (T_worldOFF_query)^-1
			tWorldOffQuery := spatialmath.Compose(match.Anchor(), refined)
			re.tWorldLMWorldOFF = spatialmath.Compose(req.TWorldLMBaselink, spatialmath.PoseInverse(tWorldOffQuery))
		}
		return &RelocResult{Submap: match, TSubmapQuery: refined, Offline: offline}
	}
	return nil
}

func findByIndex(submaps []*Submap, index int) *Submap {
	for _, s := range submaps {
		if s.Index == index {
			return s
		}
	}
	return nil
}
