package hpcds

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gftdcojp/hpcds/internal/voxel"
)

// Compressions accepted by the server for stored blocks.
var Compressions = []string{"none", "raw", "gzip"}

// Quantity is a value with a unit, such as a timepoint spacing.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// ResolutionLevel describes one level of the resolution pyramid.
type ResolutionLevel struct {
	Resolutions     [3]int `json:"resolutions"`
	BlockDimensions [3]int `json:"blockDimensions"`
}

// Description is the dataset document exchanged with the repository. Field
// names follow the server's JSON.
type Description struct {
	VoxelType           string            `json:"voxelType"`
	Dimensions          [3]int            `json:"dimensions"`
	Timepoints          int               `json:"timepoints"`
	Channels            int               `json:"channels"`
	Angles              int               `json:"angles"`
	VoxelUnit           string            `json:"voxelUnit"`
	VoxelResolution     [3]float64        `json:"voxelResolution"`
	TimepointResolution Quantity          `json:"timepointResolution"`
	ChannelResolution   Quantity          `json:"channelResolution"`
	AngleResolution     Quantity          `json:"angleResolution"`
	Compression         string            `json:"compression"`
	ResolutionLevels    []ResolutionLevel `json:"resolutionLevels"`
	Transformations     json.RawMessage   `json:"transformations"`
}

// DescriptionParams holds the inputs to NewDescription. Zero fields select
// the server defaults.
type DescriptionParams struct {
	// Dimensions is the full dataset extent in voxels. Defaults to (1,1,1).
	Dimensions Point3D
	Timepoints int
	Channels   int
	Angles     int
	// VoxelType defaults to "uint16".
	VoxelType string
	// VoxelResolution defaults to (1,1,1) when all components are zero.
	VoxelResolution [3]float64
	VoxelUnit       string
	TimeResolution  float64
	TimeUnit        string
	ChannelRes      float64
	ChannelUnit     string
	AngleRes        float64
	AngleUnit       string
	// ResolutionLevels is the pyramid depth. Level i is downsampled by 2^i on
	// every axis.
	ResolutionLevels int
	// BlockDimensions defaults to (64,64,64) when all components are zero.
	BlockDimensions Point3D
	// Compression is one of Compressions and defaults to "gzip".
	Compression     string
	Transformations json.RawMessage
}

// NewDescription builds a description from params, filling defaults and
// clamping out of range values.
func NewDescription(p DescriptionParams) (*Description, error) {
	d := &Description{
		VoxelType:   orDefault(p.VoxelType, "uint16"),
		Dimensions:  clamp3(p.Dimensions, 1),
		Timepoints:  max(p.Timepoints, 1),
		Channels:    max(p.Channels, 1),
		Angles:      max(p.Angles, 1),
		VoxelUnit:   orDefault(p.VoxelUnit, "um"),
		Compression: orDefault(p.Compression, "gzip"),
		TimepointResolution: Quantity{
			Value: positiveOr(p.TimeResolution, 1),
			Unit:  orDefault(p.TimeUnit, "seconds"),
		},
		ChannelResolution: Quantity{
			Value: positiveOr(p.ChannelRes, 1),
			Unit:  orDefault(p.ChannelUnit, "channel"),
		},
		AngleResolution: Quantity{
			Value: positiveOr(p.AngleRes, 1),
			Unit:  orDefault(p.AngleUnit, "deg"),
		},
		Transformations: p.Transformations,
	}

	if p.VoxelResolution == ([3]float64{}) {
		d.VoxelResolution = [3]float64{1, 1, 1}
	} else {
		for i, v := range p.VoxelResolution {
			d.VoxelResolution[i] = max(v, 0)
		}
	}

	blockDims := p.BlockDimensions
	if blockDims == (Point3D{}) {
		blockDims = Point3D{X: 64, Y: 64, Z: 64}
	}
	for level := range max(p.ResolutionLevels, 1) {
		f := 1 << level
		d.ResolutionLevels = append(d.ResolutionLevels, ResolutionLevel{
			Resolutions:     [3]int{f, f, f},
			BlockDimensions: clamp3(blockDims, 1),
		})
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseDescription decodes a description as served by the repository.
func ParseDescription(data []byte) (*Description, error) {
	d := &Description{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("hpcds: decoding description: %w", err)
	}
	return d, nil
}

// Validate checks the voxel type and compression.
func (d *Description) Validate() error {
	if _, err := voxel.Lookup(d.VoxelType); err != nil {
		return fmt.Errorf("hpcds: %w", err)
	}
	for _, c := range Compressions {
		if d.Compression == c {
			return nil
		}
	}
	return fmt.Errorf("hpcds: unknown compression %q", d.Compression)
}

// VoxelKind returns the registry entry for the description's voxel type.
func (d *Description) VoxelKind() (VoxelType, error) {
	return voxel.Lookup(d.VoxelType)
}

// BlockDimensions returns the block size used at resolution res.
func (d *Description) BlockDimensions(res Point3D) (Point3D, bool) {
	for _, l := range d.ResolutionLevels {
		if l.Resolutions == [3]int{res.X, res.Y, res.Z} {
			b := l.BlockDimensions
			return Point3D{X: b[0], Y: b[1], Z: b[2]}, true
		}
	}
	return Point3D{}, false
}

// JSON renders the description as indented JSON.
func (d *Description) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func (d *Description) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "voxelType: %s\n", d.VoxelType)
	fmt.Fprintf(&sb, "dimensions: %v\n", d.Dimensions)
	fmt.Fprintf(&sb, "timepoints: %d\n", d.Timepoints)
	fmt.Fprintf(&sb, "channels: %d\n", d.Channels)
	fmt.Fprintf(&sb, "angles: %d\n", d.Angles)
	fmt.Fprintf(&sb, "voxelUnit: %s\n", d.VoxelUnit)
	fmt.Fprintf(&sb, "voxelResolution: %v\n", d.VoxelResolution)
	fmt.Fprintf(&sb, "timepointResolution: %g %s\n", d.TimepointResolution.Value, d.TimepointResolution.Unit)
	fmt.Fprintf(&sb, "channelResolution: %g %s\n", d.ChannelResolution.Value, d.ChannelResolution.Unit)
	fmt.Fprintf(&sb, "angleResolution: %g %s\n", d.AngleResolution.Value, d.AngleResolution.Unit)
	fmt.Fprintf(&sb, "compression: %s\n", d.Compression)
	for _, l := range d.ResolutionLevels {
		fmt.Fprintf(&sb, "resolutionLevel: %v blocks %v\n", l.Resolutions, l.BlockDimensions)
	}
	if len(d.Transformations) > 0 && string(d.Transformations) != "null" {
		fmt.Fprintf(&sb, "transformations: %s\n", d.Transformations)
	}
	return sb.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func positiveOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return max(v, 0)
}

func clamp3(p Point3D, lo int) [3]int {
	return [3]int{max(p.X, lo), max(p.Y, lo), max(p.Z, lo)}
}
