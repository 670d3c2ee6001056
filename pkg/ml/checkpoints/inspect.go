// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
)

// VariableInfo describes one variable stored in a checkpoint.
type VariableInfo struct {
	ParameterName string
	Shape         tensors.Shape
}

// Info summarizes one saved checkpoint, without loading its values.
type Info struct {
	BaseName   string
	GlobalStep int64
	Variables  []VariableInfo
}

// NumParameters is the total element count across all variables.
func (info *Info) NumParameters() int {
	total := 0
	for _, v := range info.Variables {
		total += v.Shape.Size()
	}
	return total
}

// Memory is the total bytes held by all variables.
func (info *Info) Memory() int {
	total := 0
	for _, v := range info.Variables {
		total += v.Shape.Memory()
	}
	return total
}

// Inspect reads the metadata of every checkpoint in dir, oldest first. Only
// the JSON metadata is parsed, the variable values are not loaded.
func Inspect(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	var baseNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonNameSuffix) {
			continue
		}
		baseNames = append(baseNames, name[:len(name)-len(jsonNameSuffix)])
	}
	sort.Strings(baseNames)

	infos := make([]Info, 0, len(baseNames))
	for _, baseName := range baseNames {
		jsonFileName := filepath.Join(dir, baseName+jsonNameSuffix)
		f, err := os.Open(jsonFileName)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open checkpoint metadata %q", jsonFileName)
		}
		var serialized serializedData
		err = json.NewDecoder(f).Decode(&serialized)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint metadata %q", jsonFileName)
		}
		info := Info{BaseName: baseName, GlobalStep: serialized.GlobalStep}
		for _, v := range serialized.Variables {
			dtype, err := dtypes.FromString(v.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "variable %q in %q", v.ParameterName, jsonFileName)
			}
			info.Variables = append(info.Variables, VariableInfo{
				ParameterName: v.ParameterName,
				Shape:         tensors.Make(dtype, v.Dimensions...),
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}
