package block

import (
	"encoding/binary"
	"fmt"

	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/internal/voxel"
)

// HeaderSize is the fixed header preceding every block on the wire.
// Layout: [4 bytes size.x][4 bytes size.y][4 bytes size.z], signed, big endian.
const HeaderSize = 12

// Block is one 3D voxel region at a single time/channel/angle.
type Block struct {
	Coordinate types.Block6D
	Size       types.Point3D
	Type       voxel.Type
	// Data holds Size.Prod() elements of Type in network byte order.
	Data []byte
}

// Absent reports whether the server had no data for this block.
func (b *Block) Absent() bool {
	return types.IsAbsent(b.Size)
}

// SampleCount returns the number of voxels carried by the block.
func (b *Block) SampleCount() int {
	if b.Absent() {
		return 0
	}
	return b.Size.Prod()
}

// AppendHeader appends the encoded size header to dst.
func AppendHeader(dst []byte, size types.Point3D) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(size.X)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(size.Y)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(size.Z)))
	return dst
}

// Encode serializes the block as header followed by payload. An absent block
// encodes to the header alone.
func (b *Block) Encode() ([]byte, error) {
	if b.Absent() {
		return AppendHeader(make([]byte, 0, HeaderSize), b.Size), nil
	}
	width := b.Type.Bytes()
	if width == 0 {
		return nil, fmt.Errorf("%w: tag %d", types.ErrUnknownVoxelType, b.Type)
	}
	if b.Size.X < 0 || b.Size.Y < 0 || b.Size.Z < 0 {
		return nil, fmt.Errorf("invalid block size %s", b.Size)
	}
	if want := b.Size.Prod() * width; len(b.Data) != want {
		return nil, fmt.Errorf("%w: size %s needs %d bytes of %s, got %d",
			types.ErrSizeMismatch, b.Size, want, b.Type, len(b.Data))
	}

	buf := make([]byte, 0, HeaderSize+len(b.Data))
	buf = AppendHeader(buf, b.Size)
	buf = append(buf, b.Data...)
	return buf, nil
}

// DecodeAt parses one block starting at off and returns it with the offset
// of the next block.
func DecodeAt(raw []byte, off int, vt voxel.Type) (*Block, int, error) {
	if off+HeaderSize > len(raw) {
		return nil, off, fmt.Errorf("%w: header at offset %d needs %d bytes, %d remain",
			types.ErrTruncatedPayload, off, HeaderSize, len(raw)-off)
	}

	size := types.Point3D{
		X: int(int32(binary.BigEndian.Uint32(raw[off : off+4]))),
		Y: int(int32(binary.BigEndian.Uint32(raw[off+4 : off+8]))),
		Z: int(int32(binary.BigEndian.Uint32(raw[off+8 : off+12]))),
	}
	pos := off + HeaderSize

	if types.IsAbsent(size) {
		return &Block{Size: size, Type: vt}, pos, nil
	}
	if size.X < 0 || size.Y < 0 || size.Z < 0 {
		return nil, off, fmt.Errorf("invalid block size %s at offset %d", size, off)
	}

	width := vt.Bytes()
	if width == 0 {
		return nil, off, fmt.Errorf("%w: tag %d", types.ErrUnknownVoxelType, vt)
	}

	remaining := int64(len(raw) - pos)
	count := int64(size.X) * int64(size.Y)
	if count > remaining {
		return nil, off, truncated(size, off, remaining)
	}
	count *= int64(size.Z)
	byteLen := count * int64(width)
	if byteLen > remaining {
		return nil, off, truncated(size, off, remaining)
	}

	data := make([]byte, byteLen)
	copy(data, raw[pos:pos+int(byteLen)])
	return &Block{Size: size, Type: vt, Data: data}, pos + int(byteLen), nil
}

func truncated(size types.Point3D, off int, remaining int64) error {
	return fmt.Errorf("%w: block of size %s at offset %d, only %d payload bytes remain",
		types.ErrTruncatedPayload, size, off, remaining)
}

// DecodeStream parses concatenated blocks until raw is exhausted, keeping
// the order in which they appear.
func DecodeStream(raw []byte, vt voxel.Type) ([]*Block, error) {
	var blocks []*Block
	pos := 0
	for pos < len(raw) {
		b, next, err := DecodeAt(raw, pos, vt)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		pos = next
	}
	return blocks, nil
}

// Samples decodes the payload into typed samples. T must match the block's
// voxel type. An absent block yields nil.
func Samples[T voxel.Sample](b *Block) ([]T, error) {
	if want := voxel.TypeOf[T](); want != b.Type {
		return nil, fmt.Errorf("%w: block holds %s, requested %s", types.ErrVoxelTypeMismatch, b.Type, want)
	}
	if b.Absent() {
		return nil, nil
	}
	out := make([]T, b.Size.Prod())
	if _, err := binary.Decode(b.Data, binary.BigEndian, out); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTruncatedPayload, err)
	}
	return out, nil
}

// FromSamples builds a block from typed samples. The sample count must equal
// size.Prod().
func FromSamples[T voxel.Sample](c types.Block6D, size types.Point3D, samples []T) (*Block, error) {
	if types.IsAbsent(size) || size.X < 0 || size.Y < 0 || size.Z < 0 {
		return nil, fmt.Errorf("invalid block size %s", size)
	}
	if len(samples) != size.Prod() {
		return nil, fmt.Errorf("%w: size %s needs %d samples, got %d",
			types.ErrSizeMismatch, size, size.Prod(), len(samples))
	}
	vt := voxel.TypeOf[T]()
	if !vt.Valid() {
		return nil, fmt.Errorf("%w: unsupported sample type %T", types.ErrUnknownVoxelType, *new(T))
	}
	data, err := binary.Append(make([]byte, 0, len(samples)*vt.Bytes()), binary.BigEndian, samples)
	if err != nil {
		return nil, fmt.Errorf("encoding samples: %w", err)
	}
	return &Block{Coordinate: c, Size: size, Type: vt, Data: data}, nil
}
