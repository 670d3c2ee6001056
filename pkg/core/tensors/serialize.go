// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Values are serialized raw, little-endian, in flat row-major order, with no
// header: shape information travels separately in the checkpoint metadata.

// WriteTo writes the tensor's raw data to w and returns the number of bytes written.
func (t *Tensor) WriteTo(w io.Writer) (int, error) {
	raw := make([]byte, t.shape.Memory())
	switch data := t.data.(type) {
	case []bool:
		for ii, v := range data {
			if v {
				raw[ii] = 1
			}
		}
	case []int32:
		for ii, v := range data {
			binary.LittleEndian.PutUint32(raw[ii*4:], uint32(v))
		}
	case []int64:
		for ii, v := range data {
			binary.LittleEndian.PutUint64(raw[ii*8:], uint64(v))
		}
	case []float16.Float16:
		for ii, v := range data {
			binary.LittleEndian.PutUint16(raw[ii*2:], v.Bits())
		}
	case []float32:
		for ii, v := range data {
			binary.LittleEndian.PutUint32(raw[ii*4:], math.Float32bits(v))
		}
	case []float64:
		for ii, v := range data {
			binary.LittleEndian.PutUint64(raw[ii*8:], math.Float64bits(v))
		}
	default:
		return 0, errors.Errorf("cannot serialize invalid tensor %s", t.shape)
	}
	n, err := w.Write(raw)
	if err != nil {
		return n, errors.Wrapf(err, "writing %d bytes of tensor %s", len(raw), t.shape)
	}
	if n != len(raw) {
		return n, errors.Errorf("short write serializing tensor %s: %d of %d bytes", t.shape, n, len(raw))
	}
	return n, nil
}

// ReadFrom reads a tensor of the given shape from r.
func ReadFrom(r io.Reader, shape Shape) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("cannot deserialize tensor with invalid shape %s", shape)
	}
	raw := make([]byte, shape.Memory())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes of tensor %s", len(raw), shape)
	}
	t := Zeros(shape)
	switch shape.DType {
	case dtypes.Bool:
		data := Flat[bool](t)
		for ii := range data {
			data[ii] = raw[ii] != 0
		}
	case dtypes.Int32:
		data := Flat[int32](t)
		for ii := range data {
			data[ii] = int32(binary.LittleEndian.Uint32(raw[ii*4:]))
		}
	case dtypes.Int64:
		data := Flat[int64](t)
		for ii := range data {
			data[ii] = int64(binary.LittleEndian.Uint64(raw[ii*8:]))
		}
	case dtypes.Float16:
		data := Flat[float16.Float16](t)
		for ii := range data {
			data[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[ii*2:]))
		}
	case dtypes.Float32:
		data := Flat[float32](t)
		for ii := range data {
			data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[ii*4:]))
		}
	case dtypes.Float64:
		data := Flat[float64](t)
		for ii := range data {
			data[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[ii*8:]))
		}
	}
	return t, nil
}
