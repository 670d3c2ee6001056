// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes enumerates the element types supported by tensors exchanged
// between neural modules, and by checkpoint files.
package dtypes

import (
	"strings"

	"github.com/pkg/errors"
)

// DType is the element type of a tensor.
type DType int

const (
	// InvalidDType is the zero value, not a valid type.
	InvalidDType DType = iota

	Bool
	Int32
	Int64
	Float16
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "invalid",
	Bool:         "bool",
	Int32:        "int32",
	Int64:        "int64",
	Float16:      "float16",
	Float32:      "float32",
	Float64:      "float64",
}

var dtypeSizes = map[DType]int{
	Bool:    1,
	Int32:   4,
	Int64:   8,
	Float16: 2,
	Float32: 4,
	Float64: 8,
}

// String implements fmt.Stringer.
func (d DType) String() string {
	name, found := dtypeNames[d]
	if !found {
		return "invalid"
	}
	return name
}

// Size returns the size in bytes of one element of this type.
// It returns 0 for an invalid DType.
func (d DType) Size() int {
	return dtypeSizes[d]
}

// Ok reports whether d is a valid DType.
func (d DType) Ok() bool {
	return d > InvalidDType && d <= Float64
}

// IsFloat reports whether d is one of the floating point types.
// Only float variables participate in checkpoint averaging and optimizer updates.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// IsInt reports whether d is one of the integer types.
func (d DType) IsInt() bool {
	return d == Int32 || d == Int64
}

// FromString converts a name (as produced by DType.String) back to a DType.
func FromString(name string) (DType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d, n := range dtypeNames {
		if n == name && d != InvalidDType {
			return d, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}
