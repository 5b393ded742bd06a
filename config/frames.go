package config

import (
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/utils"
)

// FrameIDs names the coordinate frames the core operates in, loaded from
// frame_ids.json.
type FrameIDs struct {
	World    string `json:"world"`
	Baselink string `json:"baselink"`
	IMU      string `json:"imu"`
	Camera   string `json:"camera"`
	Lidar    string `json:"lidar"`
}

// DefaultFrameIDs returns the conventional frame names.
func DefaultFrameIDs() FrameIDs {
	return FrameIDs{
		World:    "world",
		Baselink: "baselink",
		IMU:      "imu",
		Camera:   "camera",
		Lidar:    "lidar",
	}
}

// FrameIDsFromFile reads frame_ids.json at path.
func FrameIDsFromFile(path string) (FrameIDs, error) {
	ids := DefaultFrameIDs()
	if err := utils.ReadJSONFromFile(path, &ids); err != nil {
		return ids, errors.Wrap(utils.ErrConfigInvalid, err.Error())
	}
	if ids.Baselink == "" || ids.World == "" {
		return ids, errors.Wrap(utils.ErrConfigInvalid, "frame_ids requires world and baselink")
	}
	return ids, nil
}

// SaveToFile writes the frame names out as frame_ids.json.
func (f FrameIDs) SaveToFile(path string) error {
	return utils.WriteJSONToFile(path, f)
}
