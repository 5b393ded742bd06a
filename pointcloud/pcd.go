package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

// ToPCD writes out a point cloud to a PCD file of the given type. Fields are
// x y z, plus intensity when the cloud carries it.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	var err error
	hasIntensity := cloud.MetaData().HasIntensity

	if _, err = fmt.Fprintf(out, "VERSION .7\n"); err != nil {
		return err
	}
	if hasIntensity {
		_, err = fmt.Fprintf(out, "FIELDS x y z intensity\n"+
			"SIZE 4 4 4 4\n"+
			"TYPE F F F F\n"+
			"COUNT 1 1 1 1\n")
	} else {
		_, err = fmt.Fprintf(out, "FIELDS x y z\n"+
			"SIZE 4 4 4\n"+
			"TYPE F F F\n"+
			"COUNT 1 1 1\n")
	}
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(out, "WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(), 1, cloud.Size()); err != nil {
		return err
	}

	switch outputType {
	case PCDBinary:
		if _, err = fmt.Fprintf(out, "DATA binary\n"); err != nil {
			return err
		}
	case PCDAscii:
		if _, err = fmt.Fprintf(out, "DATA ascii\n"); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown pcd type %d", outputType)
	}
	return writePCDData(cloud, out, outputType, hasIntensity)
}

func writePCDData(cloud PointCloud, out io.Writer, pcdtype PCDType, hasIntensity bool) error {
	var err error
	cloud.Iterate(func(pos r3.Vector, d Data) bool {
		var intensity float64
		if d != nil && d.HasIntensity() {
			intensity = d.Intensity()
		}
		switch pcdtype {
		case PCDBinary:
			n := 12
			if hasIntensity {
				n = 16
			}
			buf := make([]byte, n)
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			if hasIntensity {
				binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(float32(intensity)))
			}
			_, err = out.Write(buf)
		case PCDAscii:
			if hasIntensity {
				_, err = fmt.Fprintf(out, "%f %f %f %f\n", pos.X, pos.Y, pos.Z, intensity)
			} else {
				_, err = fmt.Fprintf(out, "%f %f %f\n", pos.X, pos.Y, pos.Z)
			}
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields    []string
	sizes     []int
	points    int
	dataType  PCDType
	intensity int // field index, -1 if absent
}

// ReadPCD reads a PCD file into a pointcloud.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	in := bufio.NewReader(inRaw)
	header, err := parsePCDHeader(in)
	if err != nil {
		return nil, err
	}
	cloud := NewWithPrealloc(header.points)
	switch header.dataType {
	case PCDAscii:
		err = readPCDAscii(in, header, cloud)
	case PCDBinary:
		err = readPCDBinary(in, header, cloud)
	default:
		err = errors.Errorf("unsupported pcd data type %d", header.dataType)
	}
	if err != nil {
		return nil, err
	}
	return cloud, nil
}

func parsePCDHeader(in *bufio.Reader) (*pcdHeader, error) {
	header := &pcdHeader{intensity: -1}
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "pcd header ended early")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		switch tokens[0] {
		case "VERSION", "COUNT", "TYPE", "WIDTH", "HEIGHT", "VIEWPOINT":
			// nothing needed beyond FIELDS/SIZE/POINTS/DATA for our clouds
		case "FIELDS":
			header.fields = tokens[1:]
			for i, f := range header.fields {
				if f == "intensity" {
					header.intensity = i
				}
			}
		case "SIZE":
			for _, t := range tokens[1:] {
				size, err := strconv.Atoi(t)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid SIZE %q", t)
				}
				header.sizes = append(header.sizes, size)
			}
		case "POINTS":
			points, err := strconv.Atoi(tokens[1])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid POINTS %q", tokens[1])
			}
			header.points = points
		case "DATA":
			switch tokens[1] {
			case "ascii":
				header.dataType = PCDAscii
			case "binary":
				header.dataType = PCDBinary
			default:
				return nil, errors.Errorf("unsupported DATA type %q", tokens[1])
			}
			if len(header.fields) < 3 {
				return nil, errors.New("pcd header missing FIELDS")
			}
			return header, nil
		default:
			return nil, errors.Errorf("unknown pcd header field %q", tokens[0])
		}
	}
}

func readPCDAscii(in *bufio.Reader, header *pcdHeader, cloud PointCloud) error {
	for i := 0; i < header.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		tokens := strings.Fields(line)
		if len(tokens) < len(header.fields) {
			return errors.Errorf("point %d: expected %d fields, got %d", i, len(header.fields), len(tokens))
		}
		values := make([]float64, len(tokens))
		for j, t := range tokens {
			v, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return errors.Wrapf(err, "point %d", i)
			}
			values[j] = v
		}
		if err := setFromValues(cloud, header, values); err != nil {
			return err
		}
	}
	return nil
}

func readPCDBinary(in *bufio.Reader, header *pcdHeader, cloud PointCloud) error {
	rowSize := 0
	for _, s := range header.sizes {
		rowSize += s
	}
	buf := make([]byte, rowSize)
	for i := 0; i < header.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return errors.Wrapf(err, "point %d", i)
		}
		values := make([]float64, len(header.fields))
		offset := 0
		for j, s := range header.sizes {
			if s == 4 {
				values[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[offset:])))
			} else {
				values[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[offset:]))
			}
			offset += s
		}
		if err := setFromValues(cloud, header, values); err != nil {
			return err
		}
	}
	return nil
}

func setFromValues(cloud PointCloud, header *pcdHeader, values []float64) error {
	p := r3.Vector{X: values[0], Y: values[1], Z: values[2]}
	var d Data
	if header.intensity >= 0 {
		d = NewValueData(values[header.intensity])
	}
	return cloud.Set(p, d)
}

// NewFromFile reads a PCD file from disk.
func NewFromFile(fn string) (PointCloud, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	cloud, err := ReadPCD(f)
	return cloud, multierr.Combine(err, f.Close())
}

// WriteToFile writes the point cloud to disk as a binary PCD.
func WriteToFile(cloud PointCloud, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ToPCD(cloud, f, PCDBinary)
}
