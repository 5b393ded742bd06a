package pointcloud

// Data is the data associated with a particular point: lidar intensity plus
// the optional per-point ring and time-offset fields some drivers emit.
type Data interface {
	HasIntensity() bool
	Intensity() float64
	SetIntensity(v float64) Data

	HasRing() bool
	Ring() int
	SetRing(r int) Data

	// TimeOffset is the per-point offset in seconds from the scan stamp.
	TimeOffset() float64
	SetTimeOffset(t float64) Data
}

type basicData struct {
	hasIntensity bool
	intensity    float64

	hasRing bool
	ring    int

	timeOffset float64
}

// NewBasicData returns a point Data with no fields set.
func NewBasicData() Data {
	return &basicData{}
}

// NewValueData returns a point Data with intensity.
func NewValueData(intensity float64) Data {
	return &basicData{hasIntensity: true, intensity: intensity}
}

func (bd *basicData) HasIntensity() bool {
	return bd.hasIntensity
}

func (bd *basicData) Intensity() float64 {
	return bd.intensity
}

func (bd *basicData) SetIntensity(v float64) Data {
	bd.intensity = v
	bd.hasIntensity = true
	return bd
}

func (bd *basicData) HasRing() bool {
	return bd.hasRing
}

func (bd *basicData) Ring() int {
	return bd.ring
}

func (bd *basicData) SetRing(r int) Data {
	bd.ring = r
	bd.hasRing = true
	return bd
}

func (bd *basicData) TimeOffset() float64 {
	return bd.timeOffset
}

func (bd *basicData) SetTimeOffset(t float64) Data {
	bd.timeOffset = t
	return bd
}
