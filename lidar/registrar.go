package lidar

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// ScanRegistrar turns incoming scans into pose variables and relative-pose
// constraints. A nil transaction with a nil error means the scan was gated
// and contributed nothing.
type ScanRegistrar interface {
	Register(ctx context.Context, stamp time.Time, cloud pointcloud.PointCloud, initialPose spatialmath.Pose) (*graph.Transaction, error)
	UpdateFromGraph(g graph.Snapshot)
}

// NewScanRegistrar builds the registrar selected by the configuration.
func NewScanRegistrar(cfg config.Config, logger golog.Logger) (ScanRegistrar, error) {
	matcher, err := NewMatcher("ICP", cfg.MatcherParamsPath)
	if err != nil {
		return nil, err
	}
	switch cfg.ScanRegistrationType {
	case config.RegistrationMultiScan:
		return NewMultiScan(cfg, matcher, logger)
	case config.RegistrationScanToMap:
		return NewScanToMap(cfg, matcher, logger)
	default:
		return nil, errors.Wrapf(utils.ErrConfigInvalid, "unknown scan_registration_type %q", cfg.ScanRegistrationType)
	}
}

// constraintCovariance picks the covariance for a registration constraint —
// the matcher's reported information when available, the configured diagonal
// otherwise — scaled by the lidar information weight. The weight applies as
// w * sqrt(cov^-1) on the residual, i.e. covariance / w².
func constraintCovariance(info *mat.SymDense, diag []float64, weight float64) *mat.SymDense {
	cov := mat.NewSymDense(6, nil)
	if info != nil {
		cov.CopySym(info)
	} else {
		for i, d := range diag {
			cov.SetSym(i, i, d)
		}
	}
	if weight > 0 && weight != 1 {
		cov.ScaleSym(1/(weight*weight), cov)
	}
	return cov
}

// prepare downsamples the incoming cloud when configured.
func prepare(cloud pointcloud.PointCloud, voxel float64) pointcloud.PointCloud {
	return pointcloud.VoxelDownsample(cloud, voxel)
}
