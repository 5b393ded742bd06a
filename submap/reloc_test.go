package submap

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
)

func TestRelocOfflineFirstAndAlignmentCache(t *testing.T) {
	logger := golog.NewTestLogger(t)
	env := environment()

	offlineAnchor := spatialmath.NewZeroPose()
	offline := []*Submap{submapAt(t, 0, 0, offlineAnchor, pointcloud.ApplyPose(env, offlineAnchor))}

	onlineAnchor := spatialmath.NewPoseFromPoint(r3.Vector{X: 100})
	online := []*Submap{submapAt(t, 0, 10, onlineAnchor, pointcloud.ApplyPose(env, onlineAnchor))}

	engine, err := NewRelocEngine(loopConfig(), offline,
		func() []*Submap { return online },
		func() *Submap { return nil },
		logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, engine.OfflineAlignment(), test.ShouldBeNil)

	// query near the offline anchor, with a small drift and the matching scan
	query := spatialmath.NewPose(
		r3.Vector{X: 0.2, Y: 0.1},
		&spatialmath.EulerAngles{Yaw: 2 * math.Pi / 180},
	)
	result, err := engine.Relocalize(context.Background(), RelocRequest{
		Stamp:            stampAt(20),
		TWorldLMBaselink: query,
		Cloud:            env,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldNotBeNil)
	test.That(t, result.Offline, test.ShouldBeTrue)
	test.That(t, result.Submap, test.ShouldEqual, offline[0])

	// the first offline success caches the frame alignment
	test.That(t, engine.OfflineAlignment(), test.ShouldNotBeNil)
}

func TestRelocActiveSubmapNoUpdate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	env := environment()

	anchor := spatialmath.NewZeroPose()
	active := submapAt(t, 0, 0, anchor, pointcloud.ApplyPose(env, anchor))
	online := []*Submap{active}

	engine, err := NewRelocEngine(loopConfig(), nil,
		func() []*Submap { return online },
		func() *Submap { return active },
		logger)
	test.That(t, err, test.ShouldBeNil)

	result, err := engine.Relocalize(context.Background(), RelocRequest{
		Stamp:            stampAt(5),
		TWorldLMBaselink: spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1}),
		Cloud:            env,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldBeNil)
}

func TestRelocNoMatch(t *testing.T) {
	logger := golog.NewTestLogger(t)
	engine, err := NewRelocEngine(loopConfig(), nil,
		func() []*Submap { return nil },
		func() *Submap { return nil },
		logger)
	test.That(t, err, test.ShouldBeNil)

	_, err = engine.Relocalize(context.Background(), RelocRequest{
		Stamp:            stampAt(1),
		TWorldLMBaselink: spatialmath.NewZeroPose(),
	})
	test.That(t, err, test.ShouldNotBeNil)
}
