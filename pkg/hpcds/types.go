package hpcds

import (
	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/internal/voxel"
)

type (
	Point3D    = types.Point3D
	Block6D    = types.Block6D
	AccessMode = types.AccessMode
	Version    = types.Version
	Block      = block.Block
	VoxelType  = voxel.Type
	// Sample constrains the Go types a block can be viewed as.
	Sample = voxel.Sample
)

const (
	AccessRead      = types.AccessRead
	AccessWrite     = types.AccessWrite
	AccessReadWrite = types.AccessReadWrite
)

const (
	Uint8   = voxel.Uint8
	Uint16  = voxel.Uint16
	Uint32  = voxel.Uint32
	Uint64  = voxel.Uint64
	Int8    = voxel.Int8
	Int16   = voxel.Int16
	Int32   = voxel.Int32
	Int64   = voxel.Int64
	Float32 = voxel.Float32
	Float64 = voxel.Float64
)

// Latest selects the newest version of a dataset.
var Latest = types.Latest

// MixedLatest selects, per block, the newest version that holds data.
var MixedLatest = types.Version{Name: types.VersionMixedLatest}

func VersionNumber(n int) Version { return types.VersionNumber(n) }

func ParseVersion(s string) (Version, error) { return types.ParseVersion(s) }

func ParseAccessMode(s string) (AccessMode, error) { return types.ParseAccessMode(s) }

// LookupVoxelType resolves a voxel type by its wire name, such as "uint16".
func LookupVoxelType(name string) (VoxelType, error) { return voxel.Lookup(name) }

// IsAbsent reports whether size is the server's "no data" marker.
func IsAbsent(size Point3D) bool { return types.IsAbsent(size) }

// Samples views the payload of b as a slice of T. T must match the block's
// voxel type.
func Samples[T Sample](b *Block) ([]T, error) {
	return block.Samples[T](b)
}

// FromSamples builds a block at c holding samples laid out as size.
func FromSamples[T Sample](c Block6D, size Point3D, samples []T) (*Block, error) {
	return block.FromSamples(c, size, samples)
}
