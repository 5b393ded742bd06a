// Package config loads and validates the parameters recognized by the SLAM
// core from params.json. Malformed or missing configuration is fatal at
// startup.
package config

import (
	"encoding/json"
	"os"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/utils"
)

// Registration type tags.
const (
	RegistrationMultiScan = "MULTISCAN"
	RegistrationScanToMap = "SCANTOMAP"
)

// Reloc refinement type tags.
const (
	RefinementICP  = "ICP"
	RefinementGICP = "GICP"
	RefinementNDT  = "NDT"
	RefinementLOAM = "LOAM"
)

// Candidate search type tags.
const (
	CandidateSearchEucDist = "EUCDIST"
)

// Initialization mode tags.
const (
	InitModeVisual    = "VISUAL"
	InitModeLidar     = "LIDAR"
	InitModeFrameInit = "FRAMEINIT"
)

// Config is the full parameter set recognized by the core.
type Config struct {
	// submaps / global map
	SubmapSize           float64   `json:"submap_size"`
	LocalMapperCovDiag   []float64 `json:"local_mapper_covariance_diag"`
	RelocCovDiag         []float64 `json:"reloc_covariance_diag"`
	RelocCandidateSearch string    `json:"reloc_candidate_search_type"`
	RelocRefinement      string    `json:"reloc_refinement_type"`
	StoreFullCloud       bool      `json:"store_full_cloud"`

	// lidar registration
	ScanRegistrationType string    `json:"scan_registration_type"`
	LagDuration          float64   `json:"lag_duration"`
	NumNeighbors         int       `json:"num_neighbors"`
	OutlierThresholdT    float64   `json:"outlier_threshold_t"`
	OutlierThresholdR    float64   `json:"outlier_threshold_r"`
	MinMotionTransM      float64   `json:"min_motion_trans_m"`
	MinMotionRotRad      float64   `json:"min_motion_rot_rad"`
	FixFirstScan         bool      `json:"fix_first_scan"`
	DownsampleSize       float64   `json:"downsample_size"`
	MapSize              int       `json:"map_size"`
	MatcherParamsPath    string    `json:"matcher_params_path"`
	MatcherNoiseDiagonal []float64 `json:"matcher_noise_diagonal"`

	// visual front-end
	KeyframeMinTimeS   float64 `json:"keyframe_min_time_in_seconds"`
	KeyframeParallax   float64 `json:"keyframe_parallax"`
	KeyframeTracksDrop int     `json:"keyframe_tracks_drop"`
	WindowSize         int     `json:"window_size"`
	NumFeaturesToTrack int     `json:"num_features_to_track"`
	DescriptorName     string  `json:"descriptor"`
	MaxTriangulationM  float64 `json:"max_triangulation_distance"`

	// initializer
	InitMode               string  `json:"init_mode"`
	MaxOptimizationS       float64 `json:"max_optimization_s"`
	MinTrajectoryLengthM   float64 `json:"min_trajectory_length_m"`
	MinVisualParallax      float64 `json:"min_visual_parallax"`
	InitializationWindowS  float64 `json:"initialization_window_s"`
	InertialInfoWeight     float64 `json:"inertial_info_weight"`
	ReprojectionInfoWeight float64 `json:"reprojection_information_weight"`
	LidarInfoWeight        float64 `json:"lidar_information_weight"`
}

// DefaultConfig returns the values assumed when a field is omitted.
func DefaultConfig() Config {
	return Config{
		SubmapSize:           10,
		LocalMapperCovDiag:   uniformDiag(6, 1e-3),
		RelocCovDiag:         uniformDiag(6, 1e-2),
		RelocCandidateSearch: CandidateSearchEucDist,
		RelocRefinement:      RefinementICP,

		ScanRegistrationType: RegistrationMultiScan,
		NumNeighbors:         3,
		OutlierThresholdT:    1.0,
		OutlierThresholdR:    0.5,
		MapSize:              20,
		MatcherNoiseDiagonal: uniformDiag(6, 1e-4),

		KeyframeMinTimeS:   0.3,
		KeyframeParallax:   10,
		KeyframeTracksDrop: 50,
		WindowSize:         10,
		NumFeaturesToTrack: 150,
		DescriptorName:     "ORB",
		MaxTriangulationM:  40,

		InitMode:               InitModeVisual,
		MaxOptimizationS:       5,
		MinTrajectoryLengthM:   2,
		MinVisualParallax:      15,
		InitializationWindowS:  10,
		InertialInfoWeight:     1,
		ReprojectionInfoWeight: 1,
		LidarInfoWeight:        1,
	}
}

// FromFile reads params.json at path, substituting ${VAR} environment
// references before parsing.
func FromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(utils.ErrConfigInvalid, "cannot read %q: %v", path, err)
	}
	substituted, err := envsubst.Bytes(raw)
	if err != nil {
		return cfg, errors.Wrapf(utils.ErrConfigInvalid, "env substitution in %q: %v", path, err)
	}
	if err := json.Unmarshal(substituted, &cfg); err != nil {
		return cfg, errors.Wrapf(utils.ErrConfigInvalid, "cannot parse %q: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded parameters; any violation is ErrConfigInvalid.
func (c Config) Validate() error {
	if c.SubmapSize <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "submap_size must be positive")
	}
	if len(c.LocalMapperCovDiag) != 6 {
		return errors.Wrap(utils.ErrConfigInvalid, "local_mapper_covariance_diag needs 6 values")
	}
	if len(c.RelocCovDiag) != 6 {
		return errors.Wrap(utils.ErrConfigInvalid, "reloc_covariance_diag needs 6 values")
	}
	if len(c.MatcherNoiseDiagonal) != 6 {
		return errors.Wrap(utils.ErrConfigInvalid, "matcher_noise_diagonal needs 6 values")
	}
	switch c.ScanRegistrationType {
	case RegistrationMultiScan, RegistrationScanToMap:
	default:
		return errors.Wrapf(utils.ErrConfigInvalid, "unknown scan_registration_type %q", c.ScanRegistrationType)
	}
	switch c.RelocCandidateSearch {
	case CandidateSearchEucDist:
	default:
		return errors.Wrapf(utils.ErrConfigInvalid, "unknown reloc_candidate_search_type %q", c.RelocCandidateSearch)
	}
	switch c.RelocRefinement {
	case RefinementICP, RefinementGICP, RefinementNDT, RefinementLOAM:
	default:
		return errors.Wrapf(utils.ErrConfigInvalid, "unknown reloc_refinement_type %q", c.RelocRefinement)
	}
	switch c.InitMode {
	case InitModeVisual, InitModeLidar, InitModeFrameInit:
	default:
		return errors.Wrapf(utils.ErrConfigInvalid, "unknown init_mode %q", c.InitMode)
	}
	if c.NumNeighbors <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "num_neighbors must be positive")
	}
	if c.MapSize <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "map_size must be positive")
	}
	if c.WindowSize < 2 {
		return errors.Wrap(utils.ErrConfigInvalid, "window_size must be at least 2")
	}
	if c.MaxOptimizationS <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "max_optimization_s must be positive")
	}
	return nil
}

// SaveToFile writes the configuration out as params.json.
func (c Config) SaveToFile(path string) error {
	return utils.WriteJSONToFile(path, c)
}

func uniformDiag(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
