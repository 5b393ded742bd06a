package submap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/lidar"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

const loopClosureSource = "loop_closure"

// Candidate pairs a prior submap index with an estimated relative pose of the
// query submap in the match submap's frame.
type Candidate struct {
	MatchIndex  int
	TMatchQuery spatialmath.Pose
}

// CandidateSearcher proposes loop-closure candidates for a query anchor,
// ordered by likelihood.
type CandidateSearcher interface {
	Find(submaps []*Submap, queryAnchor spatialmath.Pose) []Candidate
}

// Refiner aligns the query submap's clouds against the match submap's clouds
// starting from an estimate.
type Refiner interface {
	Refine(ctx context.Context, match, query *Submap, tInit spatialmath.Pose) (spatialmath.Pose, error)
}

// EucDistSearcher is the default candidate search: anchors within a distance
// threshold, nearest first.
type EucDistSearcher struct {
	// MaxDistance bounds the anchor distance of a candidate.
	MaxDistance float64
}

// Find returns candidates sorted by anchor distance.
func (s *EucDistSearcher) Find(submaps []*Submap, queryAnchor spatialmath.Pose) []Candidate {
	type scored struct {
		c Candidate
		d float64
	}
	var hits []scored
	for _, sm := range submaps {
		d := sm.DistanceTo(queryAnchor.Point())
		if d > s.MaxDistance {
			continue
		}
		hits = append(hits, scored{
			c: Candidate{
				MatchIndex:  sm.Index,
				TMatchQuery: spatialmath.PoseBetween(sm.Anchor(), queryAnchor),
			},
			d: d,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out
}

// NewCandidateSearcher builds the searcher selected by configuration.
func NewCandidateSearcher(cfg config.Config) (CandidateSearcher, error) {
	switch cfg.RelocCandidateSearch {
	case config.CandidateSearchEucDist:
		return &EucDistSearcher{MaxDistance: cfg.SubmapSize}, nil
	default:
		return nil, errors.Wrapf(utils.ErrConfigInvalid, "unknown candidate search %q", cfg.RelocCandidateSearch)
	}
}

// MatcherRefiner refines candidates by registering submap clouds with a scan
// matcher; the LOAM tag registers feature clouds, the others the full cloud.
type MatcherRefiner struct {
	tag string
	// MaxCorrection bounds how far refinement may move from the estimate.
	MaxCorrectionT float64
	MaxCorrectionR float64
}

// NewRefiner builds the refiner for the configured tag.
func NewRefiner(cfg config.Config) (Refiner, error) {
	switch cfg.RelocRefinement {
	case config.RefinementICP, config.RefinementGICP, config.RefinementNDT, config.RefinementLOAM:
		return &MatcherRefiner{
			tag:            cfg.RelocRefinement,
			MaxCorrectionT: cfg.OutlierThresholdT,
			MaxCorrectionR: cfg.OutlierThresholdR,
		}, nil
	default:
		return nil, errors.Wrapf(utils.ErrConfigInvalid, "unknown refinement %q", cfg.RelocRefinement)
	}
}

// Refine aligns query against match starting from tInit and returns the
// refined T_match_query.
func (r *MatcherRefiner) Refine(ctx context.Context, match, query *Submap, tInit spatialmath.Pose) (spatialmath.Pose, error) {
	ref := r.cloudOf(match)
	target := r.cloudOf(query)
	if ref.Size() == 0 || target.Size() == 0 {
		return nil, errors.Wrap(utils.ErrMatcherFailure, "submap cloud empty")
	}

	matcherTag := r.tag
	if matcherTag == config.RefinementLOAM {
		// the feature clouds already went into ref/target; register them with
		// the point matcher
		matcherTag = config.RefinementICP
	}
	matcher, err := lidar.NewMatcher(matcherTag, "")
	if err != nil {
		return nil, err
	}
	matcher.SetRef(ref)
	matcher.SetTarget(target)
	if err := matcher.Match(ctx, tInit); err != nil {
		return nil, err
	}
	refined := matcher.Result()

	dt, dr := spatialmath.PoseDelta(tInit, refined)
	if (r.MaxCorrectionT > 0 && dt > r.MaxCorrectionT) || (r.MaxCorrectionR > 0 && dr > r.MaxCorrectionR) {
		return nil, errors.Wrapf(utils.ErrMatcherFailure,
			"refinement moved %.2fm %.2frad from estimate", dt, dr)
	}
	return refined, nil
}

func (r *MatcherRefiner) cloudOf(s *Submap) pointcloud.PointCloud {
	if r.tag != config.RefinementLOAM {
		return s.Lidar()
	}
	out := pointcloud.New()
	identity := spatialmath.NewZeroPose()
	loam := s.Loam()
	for _, c := range []pointcloud.PointCloud{
		loam.EdgesStrong, loam.EdgesWeak, loam.SurfacesStrong, loam.SurfacesWeak,
	} {
		//nolint:errcheck
		pointcloud.MergeInto(out, c, identity)
	}
	return out
}

// Engine runs candidate search and refinement for each newly completed
// submap, emitting one pose-graph transaction per batch of closed loops.
type Engine struct {
	cfg      config.Config
	searcher CandidateSearcher
	refiner  Refiner
	logger   golog.Logger
	warn     *utils.ThrottledLogger

	cov *mat.SymDense
	// closed dedupes (match, query) pairs over the submap lifetime.
	closed map[string]struct{}
}

// NewEngine creates a loop-closure engine from configuration.
func NewEngine(cfg config.Config, logger golog.Logger) (*Engine, error) {
	searcher, err := NewCandidateSearcher(cfg)
	if err != nil {
		return nil, err
	}
	refiner, err := NewRefiner(cfg)
	if err != nil {
		return nil, err
	}
	cov := mat.NewSymDense(6, nil)
	for i, d := range cfg.RelocCovDiag {
		cov.SetSym(i, i, d)
	}
	return &Engine{
		cfg:      cfg,
		searcher: searcher,
		refiner:  refiner,
		logger:   logger,
		warn:     utils.NewThrottledLogger(logger, nil, time.Second),
		cov:      cov,
		closed:   map[string]struct{}{},
	}, nil
}

// OnSubmapCompleted searches for loops against the newly completed submap at
// queryIndex. All successful refinements are merged into one transaction; a
// nil return means no loop closed.
func (e *Engine) OnSubmapCompleted(ctx context.Context, submaps []*Submap, queryIndex int) *graph.Transaction {
	if queryIndex < 0 || queryIndex >= len(submaps) {
		return nil
	}
	query := submaps[queryIndex]
	candidates := e.searcher.Find(submaps, query.Anchor())

	var tx *graph.Transaction
	for _, cand := range candidates {
		// a submap never closes against itself or its immediate neighbors
		if diff := cand.MatchIndex - queryIndex; diff >= -1 && diff <= 1 {
			continue
		}
		key := pairKey(cand.MatchIndex, queryIndex)
		if _, done := e.closed[key]; done {
			continue
		}
		match := submaps[cand.MatchIndex]

		refined, err := e.refiner.Refine(ctx, match, query, cand.TMatchQuery)
		if err != nil {
			e.warn.Warnf("loop_refinement", "skipping candidate %d->%d: %v", cand.MatchIndex, queryIndex, err)
			continue
		}

		if tx == nil {
			tx = graph.NewTransaction(query.Stamp)
		}
		cov := mat.NewSymDense(6, nil)
		cov.CopySym(e.cov)
		tx.AddConstraint(graph.NewRelativePose(loopClosureSource, match.Stamp, query.Stamp, refined, cov))
		e.closed[key] = struct{}{}
	}
	return tx
}

func pairKey(match, query int) string {
	return fmt.Sprintf("%d-%d", match, query)
}
