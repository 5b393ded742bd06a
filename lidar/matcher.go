// Package lidar maintains scan buffers and registers incoming scans against
// recent neighbors or a rolling local map, producing relative-pose
// constraints for the estimator.
package lidar

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// Matcher is the capability set of a rigid scan matcher. SetRef fixes the
// reference cloud, SetTarget the moving cloud; Match computes T_ref_target
// starting from an initial estimate.
type Matcher interface {
	SetRef(cloud pointcloud.PointCloud)
	SetTarget(cloud pointcloud.PointCloud)
	Match(ctx context.Context, init spatialmath.Pose) error
	// Result returns the last T_ref_target; nil before a successful Match.
	Result() spatialmath.Pose
	// Info returns the matcher's 6x6 measurement covariance for the last
	// match, or nil when the matcher does not estimate one.
	Info() *mat.SymDense
}

// MatcherConstructor builds a matcher from its JSON params file path (may be
// empty for defaults).
type MatcherConstructor func(paramsPath string) (Matcher, error)

var (
	matcherRegistryMu sync.RWMutex
	matcherRegistry   = map[string]MatcherConstructor{}
)

// RegisterMatcher makes a matcher constructor available under a tag.
func RegisterMatcher(tag string, ctor MatcherConstructor) {
	matcherRegistryMu.Lock()
	defer matcherRegistryMu.Unlock()
	matcherRegistry[tag] = ctor
}

// NewMatcher builds the matcher registered under the tag.
func NewMatcher(tag, paramsPath string) (Matcher, error) {
	matcherRegistryMu.RLock()
	ctor, ok := matcherRegistry[tag]
	matcherRegistryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(utils.ErrConfigInvalid, "no matcher registered for %q", tag)
	}
	return ctor(paramsPath)
}

func init() {
	RegisterMatcher("ICP", NewICPMatcher)
	// GICP/NDT resolve to the shipped point-to-point implementation until a
	// dedicated matcher is registered by the embedding process.
	RegisterMatcher("GICP", NewICPMatcher)
	RegisterMatcher("NDT", NewICPMatcher)
}

// ICPMatcher adapts pointcloud.RegisterPointCloudICP to the Matcher interface.
type ICPMatcher struct {
	cfg    pointcloud.ICPConfig
	ref    *pointcloud.KDTree
	target pointcloud.PointCloud
	result spatialmath.Pose
	info   *mat.SymDense
}

// NewICPMatcher creates an ICP matcher, loading bounds from the params file
// when one is given.
func NewICPMatcher(paramsPath string) (Matcher, error) {
	cfg := pointcloud.DefaultICPConfig()
	if paramsPath != "" {
		if err := utils.ReadJSONFromFile(paramsPath, &cfg); err != nil {
			return nil, errors.Wrap(utils.ErrConfigInvalid, err.Error())
		}
	}
	return &ICPMatcher{cfg: cfg}, nil
}

// SetRef fixes the reference cloud, indexing it for nearest-neighbor lookups.
func (m *ICPMatcher) SetRef(cloud pointcloud.PointCloud) {
	m.ref = pointcloud.ToKDTree(cloud)
}

// SetTarget sets the moving cloud.
func (m *ICPMatcher) SetTarget(cloud pointcloud.PointCloud) {
	m.target = cloud
}

// Match aligns target onto ref starting from init.
func (m *ICPMatcher) Match(ctx context.Context, init spatialmath.Pose) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ref == nil || m.target == nil {
		return errors.Wrap(utils.ErrMatcherFailure, "ref and target must be set before Match")
	}
	pose, info, err := pointcloud.RegisterPointCloudICP(m.target, m.ref, init, m.cfg)
	if err != nil {
		m.result = nil
		m.info = nil
		return errors.Wrap(utils.ErrMatcherFailure, err.Error())
	}
	m.result = pose
	// scalar covariance from the final alignment residual
	sigma2 := info.RMSE * info.RMSE
	if sigma2 <= 0 {
		sigma2 = 1e-6
	}
	cov := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		cov.SetSym(i, i, sigma2)
	}
	m.info = cov
	return nil
}

// Result returns the last computed T_ref_target.
func (m *ICPMatcher) Result() spatialmath.Pose {
	return m.result
}

// Info returns the covariance derived from the last match residual.
func (m *ICPMatcher) Info() *mat.SymDense {
	return m.info
}
