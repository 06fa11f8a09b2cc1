// Package voxel maps voxel type names to their binary element layout.
package voxel

import (
	"fmt"

	"github.com/gftdcojp/hpcds/internal/types"
)

// Type is the binary element tag of a voxel type.
type Type uint8

const (
	Uint8 Type = iota + 1
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
)

var typeNames = map[Type]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

var typeBytes = map[Type]int{
	Uint8:   1,
	Uint16:  2,
	Uint32:  4,
	Uint64:  8,
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Float32: 4,
	Float64: 8,
}

var byName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

// Lookup returns the type registered under name.
func Lookup(name string) (Type, error) {
	t, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrUnknownVoxelType, name)
	}
	return t, nil
}

// Names lists the recognized voxel type names in tag order.
func Names() []string {
	names := make([]string, 0, len(typeNames))
	for t := Uint8; t <= Float64; t++ {
		names = append(names, typeNames[t])
	}
	return names
}

// Bytes returns the element width, or 0 for an unregistered tag.
func (t Type) Bytes() int {
	return typeBytes[t]
}

// Valid reports whether t is one of the registered tags.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("voxel.Type(%d)", uint8(t))
}

// Sample is the set of Go element types that can back a block payload.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// TypeOf returns the voxel type carried by a Go sample type.
func TypeOf[T Sample]() Type {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return 0
}
