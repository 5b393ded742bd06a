// Package main replays recorded sensor data through the SLAM core and writes
// the resulting global map to disk.
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/extrinsics"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/imu"
	"github.com/helixrobotics/helixslam/lidar"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/submap"
	"github.com/helixrobotics/helixslam/utils"
)

var logger = golog.NewDevelopmentLogger("slamrunner")

func main() {
	app := &cli.App{
		Name:  "slamrunner",
		Usage: "replay recorded sensor data through the SLAM core",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "params", Usage: "path to params.json", Required: true},
			&cli.StringFlag{Name: "data", Usage: "directory of recorded sensor data", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output directory for the global map", Required: true},
			&cli.StringFlag{Name: "extrinsics", Usage: "path to extrinsics.json"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

// imuRecordJSON is one recorded inertial sample.
type imuRecordJSON struct {
	StampNanos int64     `json:"stamp_nanos"`
	Angular    []float64 `json:"angular_velocity"`
	Linear     []float64 `json:"linear_acceleration"`
}

// scanRecordJSON points at one recorded lidar scan.
type scanRecordJSON struct {
	StampNanos int64  `json:"stamp_nanos"`
	File       string `json:"file"`
}

func run(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.FromFile(c.String("params"))
	if err != nil {
		return err
	}
	reg := extrinsics.NewRegistry("baselink")
	if path := c.String("extrinsics"); path != "" {
		if reg, err = extrinsics.LoadFromFile(path); err != nil {
			return err
		}
	}

	dataDir := c.String("data")
	var imuRecords []imuRecordJSON
	if err := utils.ReadJSONFromFile(filepath.Join(dataDir, "imu.json"), &imuRecords); err != nil {
		return err
	}
	var scanRecords []scanRecordJSON
	if err := utils.ReadJSONFromFile(filepath.Join(dataDir, "scans.json"), &scanRecords); err != nil {
		return err
	}

	preint, err := imu.NewPreintegrator(imu.Params{
		Noise: imu.NoiseParams{
			GyroNoise:      1e-4,
			AccelNoise:     1e-3,
			GyroBiasNoise:  1e-6,
			AccelBiasNoise: 1e-5,
		},
		PriorNoise: 1e-3,
		InfoWeight: cfg.InertialInfoWeight,
		Gravity:    r3.Vector{Z: -9.81},
	}, logger)
	if err != nil {
		return err
	}
	registrar, err := lidar.NewScanRegistrar(cfg, logger)
	if err != nil {
		return err
	}
	estimator := graph.NewMemoryGraph(logger)
	manager := submap.NewManager(cfg, logger)
	loops, err := submap.NewEngine(cfg, logger)
	if err != nil {
		return err
	}
	globalMap := submap.NewGlobalMap(cfg, logger)
	globalMap.SetCalibration(nil, nil, reg)

	imuIdx := 0
	started := false
	lastSubmapCount := 0
	for _, rec := range scanRecords {
		if ok := goutils.SelectContextOrWait(ctx, time.Millisecond); !ok {
			return ctx.Err()
		}
		stamp := time.Unix(0, rec.StampNanos).UTC()

		// every IMU sample in (previous, stamp] must reach the preintegrator
		// before this scan's transaction is emitted
		for imuIdx < len(imuRecords) && imuRecords[imuIdx].StampNanos <= rec.StampNanos {
			s := imuRecords[imuIdx]
			if err := preint.PushSample(time.Unix(0, s.StampNanos).UTC(),
				vec3(s.Angular), vec3(s.Linear)); err != nil {
				logger.Debugw("dropping imu sample", "error", err)
			}
			imuIdx++
		}
		if !started {
			preint.SetStart(stamp, nil, nil, nil)
			started = true
		}

		initial, err := preint.PredictPose(stamp)
		if err != nil {
			logger.Debugw("prediction not ready", "stamp", stamp, "error", err)
			initial = spatialmath.NewZeroPose()
		}

		cloud, err := pointcloud.NewFromFile(filepath.Join(dataDir, rec.File))
		if err != nil {
			return err
		}
		tx, err := registrar.Register(ctx, stamp, cloud, initial)
		if err != nil {
			logger.Debugw("scan gated", "stamp", stamp, "error", err)
			continue
		}
		if tx == nil {
			continue
		}

		imuTx, err := preint.RegisterPreintegratedFactor(stamp, nil, nil)
		if err == nil {
			tx.Merge(imuTx)
		}
		if err := estimator.Apply(tx); err != nil {
			return err
		}
		if err := estimator.Optimize(ctx); err != nil {
			return err
		}

		preint.UpdateFromGraph(estimator)
		registrar.UpdateFromGraph(estimator)
		manager.UpdateFromGraph(estimator)

		pose := poseAt(estimator, stamp, initial)
		globalMap.AppendTrajectory(stamp, pose)
		if smTx := manager.Update(stamp, pose); smTx != nil {
			if err := estimator.Apply(smTx); err != nil {
				return err
			}
		}
		manager.AddLidarMeasurement(pose, pointcloud.ApplyPose(cloud, pose), nil)

		// close loops whenever a submap has been completed
		if n := len(manager.Submaps()); n > lastSubmapCount+1 {
			completed := n - 2
			if loopTx := loops.OnSubmapCompleted(ctx, manager.Submaps(), completed); loopTx != nil {
				if err := estimator.Apply(loopTx); err != nil {
					return err
				}
				if err := estimator.Optimize(ctx); err != nil {
					return err
				}
				manager.UpdateFromGraph(estimator)
			}
			lastSubmapCount = n - 1
		}
	}

	for _, s := range manager.Submaps() {
		globalMap.Archive(s)
	}
	return globalMap.Save(c.String("out"))
}

func vec3(v []float64) r3.Vector {
	if len(v) != 3 {
		return r3.Vector{}
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func poseAt(g *graph.MemoryGraph, stamp time.Time, fallback spatialmath.Pose) spatialmath.Pose {
	qv, okQ := g.Variable(graph.StampedID(graph.TypeOrientation, stamp))
	pv, okP := g.Variable(graph.StampedID(graph.TypePosition, stamp))
	if !okQ || !okP {
		return fallback
	}
	return spatialmath.NewPose(pv.Vector(), spatialmath.NewOrientationFromQuaternion(qv.Quaternion()))
}
