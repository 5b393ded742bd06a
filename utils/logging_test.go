package utils

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
)

func TestThrottledLoggerOnePerWindow(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	logger := golog.Logger(zap.New(core).Sugar())
	clk := clock.NewMock()

	tl := NewThrottledLogger(logger, clk, time.Second)

	tl.Warnf("imu", "warn %d", 1)
	tl.Warnf("imu", "warn %d", 2)
	tl.Warnf("lidar", "other %d", 1)
	test.That(t, observed.Len(), test.ShouldEqual, 2)

	// a new window reopens the key
	clk.Add(time.Second)
	tl.Warnf("imu", "warn %d", 3)
	test.That(t, observed.Len(), test.ShouldEqual, 3)
}
