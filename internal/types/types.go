package types

import (
	"fmt"
	"strconv"
)

// Point3D is a spatial triple used for block sizes and resolution levels.
type Point3D struct {
	X, Y, Z int
}

// Prod returns the voxel count of a block of this size.
func (p Point3D) Prod() int {
	return p.X * p.Y * p.Z
}

// URLPart renders the point as a "/x/y/z" path fragment.
func (p Point3D) URLPart() string {
	return "/" + strconv.Itoa(p.X) + "/" + strconv.Itoa(p.Y) + "/" + strconv.Itoa(p.Z)
}

func (p Point3D) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// AbsentSize is the size the server reports for a block without stored data.
var AbsentSize = Point3D{X: -1, Y: -1, Z: -1}

// IsAbsent reports whether size is the "no data" sentinel, a size whose
// voxel count is -1. Callers must use this instead of comparing components.
func IsAbsent(size Point3D) bool {
	// The product is only -1 when every component is ±1 and an odd number
	// of them are negative. Checking that directly cannot overflow.
	neg := 0
	for _, v := range [3]int{size.X, size.Y, size.Z} {
		switch v {
		case -1:
			neg++
		case 1:
		default:
			return false
		}
	}
	return neg%2 == 1
}

// Block6D identifies one block within one resolution level.
type Block6D struct {
	X, Y, Z              int
	Time, Channel, Angle int
}

// URLPart renders the coordinate as a "/x/y/z/t/c/a" path fragment.
func (b Block6D) URLPart() string {
	buf := make([]byte, 0, 32)
	for _, v := range [6]int{b.X, b.Y, b.Z, b.Time, b.Channel, b.Angle} {
		buf = append(buf, '/')
		buf = strconv.AppendInt(buf, int64(v), 10)
	}
	return string(buf)
}

func (b Block6D) String() string {
	return fmt.Sprintf("[%d,%d,%d t=%d c=%d a=%d]", b.X, b.Y, b.Z, b.Time, b.Channel, b.Angle)
}

// Validate rejects negative components.
func (b Block6D) Validate() error {
	if b.X < 0 || b.Y < 0 || b.Z < 0 || b.Time < 0 || b.Channel < 0 || b.Angle < 0 {
		return fmt.Errorf("invalid block coordinate %s: components must be non-negative", b)
	}
	return nil
}

// AccessMode is the access regime requested for a lease.
type AccessMode int

const (
	AccessRead AccessMode = iota + 1
	AccessWrite
	AccessReadWrite
)

// String returns the wire token for the access mode.
func (a AccessMode) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// Valid reports whether a is one of the three enumerated modes.
func (a AccessMode) Valid() bool {
	return a == AccessRead || a == AccessWrite || a == AccessReadWrite
}

func (a AccessMode) CanRead() bool  { return a == AccessRead || a == AccessReadWrite }
func (a AccessMode) CanWrite() bool { return a == AccessWrite || a == AccessReadWrite }

// ParseAccessMode maps a wire token back to its AccessMode.
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "read-write":
		return AccessReadWrite, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAccessMode, s)
}

// Named versions accepted by the server in place of a number.
const (
	VersionLatest      = "latest"
	VersionMixedLatest = "mixedLatest"
)

// Version selects a dataset version: either a number or a named token.
type Version struct {
	Number int
	Name   string
}

// Latest is the default version for new sessions.
var Latest = Version{Name: VersionLatest}

// VersionNumber returns a numeric version.
func VersionNumber(n int) Version {
	return Version{Number: n}
}

// ParseVersion accepts a non-negative integer or a named token.
func ParseVersion(s string) (Version, error) {
	if n, err := strconv.Atoi(s); err == nil {
		v := VersionNumber(n)
		return v, v.Validate()
	}
	v := Version{Name: s}
	return v, v.Validate()
}

// Validate checks that the version is a non-negative number or a known token.
func (v Version) Validate() error {
	if v.Name == "" {
		if v.Number < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidVersion, v.Number)
		}
		return nil
	}
	switch v.Name {
	case VersionLatest, VersionMixedLatest:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidVersion, v.Name)
}

func (v Version) String() string {
	if v.Name != "" {
		return v.Name
	}
	return strconv.Itoa(v.Number)
}
