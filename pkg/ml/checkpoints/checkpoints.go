// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of graph parameters.
//
// The main object is the Handler, created by calling Build, followed by the
// various options and finally Config.Done. If a previously saved checkpoint
// exists in the configured directory it is loaded into the graph's variables
// right away. As the model trains, call Handler.Save at any time to write a
// new checkpoint -- typically via train.EveryNSteps:
//
//	checkpoint, err := checkpoints.Build(g).Dir(*flagCheckpoint).Keep(3).Done()
//	…
//	loop := train.NewLoop(trainer)
//	train.EveryNSteps(loop, 100, "checkpointing", 100, checkpoint.OnStepFn)
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/alan101-tech/NeMo/pkg/core/graph"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/alan101-tech/NeMo/pkg/ml/data"
	"github.com/alan101-tech/NeMo/pkg/ml/train"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Config for the checkpoints Handler to be created. It is created with Build,
// configured with the various methods and finalized with Done.
type Config struct {
	graph *graph.Graph

	err error

	dir      string
	keep     int
	takeMean int

	excludeFromSave map[string]bool
}

// Build a configuration for a checkpoints.Handler operating on the given
// graph's variables. After configuring the returned Config, call Done.
func Build(g *graph.Graph) *Config {
	return &Config{
		graph:           g,
		keep:            1,
		takeMean:        1,
		excludeFromSave: make(map[string]bool),
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save and load the checkpoints, creating it
// if needed. One of Dir or TempDir must be set before calling Done.
func (c *Config) Dir(dir string) *Config {
	c.dir = data.ReplaceTildeInDir(dir)
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("%q exists but is a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// DirFromBase sets the checkpoints directory; a relative dir is taken as a
// subdirectory of baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = data.ReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		dir = path.Join(data.ReplaceTildeInDir(baseDir), dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir with the given pattern and
// uses it for checkpoints. A convenience wrapper around os.MkdirTemp; errors
// are reported by Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// Keep configures the number of checkpoints to keep; older ones are erased at
// each Save. -1 never erases. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the elementwise mean of the last n checkpoints instead of
// just the most recent one. n <= 0 means all available checkpoints. Only
// float variables are averaged, the rest is taken from the most recent
// checkpoint. The default is 1.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// ExcludeVarsFromSaving marks variables (by parameter name) to skip when saving.
func (c *Config) ExcludeVarsFromSaving(parameterNames ...string) *Config {
	for _, name := range parameterNames {
		c.excludeFromSave[name] = true
	}
	return c
}

// Done creates the Handler with the current configuration and, if previous
// checkpoints exist, immediately loads the newest (or the mean of the last n)
// into the graph's variables.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{config: c}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckpointCount(list) + 1
	if len(list) > 0 {
		takeMean := c.takeMean
		if takeMean < 0 || takeMean > len(list) {
			takeMean = len(list)
		}
		if takeMean == 1 {
			err = handler.loadCheckpoint(list[len(list)-1], 0)
		} else {
			err = handler.takeMean(list[len(list)-takeMean:])
		}
		if err != nil {
			return nil, err
		}
	}
	return handler, nil
}

// MustDone constructs the Handler, panicking on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and loads checkpoints of a graph's variables. See the package
// documentation for an example.
//
// Loading happens at creation time (Config.Done); values for variables the
// graph doesn't have are kept aside and written back on the next Save, so a
// checkpoint of a larger model survives being partially loaded.
type Handler struct {
	config *Config

	// unmatched holds loaded values whose parameter name has no variable in
	// the graph. They are re-saved with every checkpoint.
	unmatched map[string]*tensors.Tensor

	checkpointsCount int
	lastGlobalStep   int64
}

// serializedData is how checkpoint metadata is laid out in the JSON file.
type serializedData struct {
	GlobalStep int64
	Variables  []serializedVar
}

// serializedVar locates one variable's value inside the binary data file.
type serializedVar struct {
	// ParameterName is the variable's unique id ("/<module>/<variable>").
	ParameterName string

	Dimensions []int
	DType      string

	// Pos, Length in bytes in the data file.
	Pos, Length int
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns "" if the
// Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base names of the checkpoints in the directory,
// oldest first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var checkpoints []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(jsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest count among saved checkpoint names,
// so the next saved checkpoint uses count+1.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// GlobalStep recorded in the most recently loaded or saved checkpoint.
func (h *Handler) GlobalStep() int64 { return h.lastGlobalStep }

// readCheckpoint parses the metadata and values of one checkpoint into a map
// of parameter name to tensor.
func (h *Handler) readCheckpoint(baseName string) (*serializedData, map[string]*tensors.Tensor, error) {
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.NewDecoder(jsonFile).Decode(&serialized); err != nil {
		_ = jsonFile.Close()
		return nil, nil, errors.Wrapf(err, "%s: failed to decode checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}

	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, varFileName)
	}
	defer func() { _ = varFile.Close() }()

	values := make(map[string]*tensors.Tensor, len(serialized.Variables))
	for _, varInfo := range serialized.Variables {
		dtype, err := dtypes.FromString(varInfo.DType)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "%s: variable %q in %s", h, varInfo.ParameterName, jsonFileName)
		}
		value, err := tensors.ReadFrom(varFile, tensors.Make(dtype, varInfo.Dimensions...))
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "%s: failed to read variable %q at position %d of %s",
				h, varInfo.ParameterName, varInfo.Pos, varFileName)
		}
		values[varInfo.ParameterName] = value
	}
	return &serialized, values, nil
}

// loadCheckpoint loads one checkpoint into the graph variables. If mergeWeight
// is > 0 the loaded float values are averaged into the current ones instead:
// current*(1-w) + loaded*w.
func (h *Handler) loadCheckpoint(baseName string, mergeWeight float64) error {
	klog.V(1).Infof("%s loading %q", h, baseName)
	serialized, values, err := h.readCheckpoint(baseName)
	if err != nil {
		return err
	}

	merge := mergeWeight > 0
	if !merge {
		// The global step comes from the primary checkpoint only; merge
		// passes load older checkpoints.
		h.lastGlobalStep = serialized.GlobalStep
		h.unmatched = make(map[string]*tensors.Tensor)
	}
	byName := h.config.graph.VariablesByName()
	for name, value := range values {
		v, found := byName[name]
		if !found {
			if !merge {
				h.unmatched[name] = value
			}
			continue
		}
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("%s: variable %s has shape %s, but checkpoint %q holds shape %s",
				h, name, v.Shape(), baseName, value.Shape())
		}
		if merge {
			if !v.Shape().DType.IsFloat() {
				continue
			}
			exception := exceptions.TryCatch[error](func() {
				v.SetValue(tensors.Lerp(v.Value(), value, mergeWeight))
			})
			if exception != nil {
				return errors.WithMessagef(exception, "%s: taking the mean of variable %q", h, name)
			}
		} else {
			v.SetValue(value)
		}
	}
	return nil
}

// takeMean loads the checkpoints pointed by baseNames and takes their mean:
// float variables are averaged, everything else comes from the most recent.
func (h *Handler) takeMean(baseNames []string) error {
	if err := h.loadCheckpoint(baseNames[len(baseNames)-1], 0); err != nil {
		return err
	}
	// Merge the remaining checkpoints -- the order doesn't matter.
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float64(ii) + 2.0)
		if err := h.loadCheckpoint(baseName, mergeWeight); err != nil {
			return err
		}
	}
	return nil
}

// LoadModule restores only the named module's variables from the newest
// checkpoint, leaving every other variable untouched. Convenient when reusing
// one pretrained module inside a larger graph.
func (h *Handler) LoadModule(moduleName string) error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("%s has no checkpoints to load module %q from", h, moduleName)
	}
	baseName := list[len(list)-1]
	_, values, err := h.readCheckpoint(baseName)
	if err != nil {
		return err
	}
	prefix := "/" + moduleName + "/"
	byName := h.config.graph.VariablesByName()
	loaded := 0
	for name, value := range values {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		v, found := byName[name]
		if !found {
			continue
		}
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("%s: variable %s has shape %s, but checkpoint %q holds shape %s",
				h, name, v.Shape(), baseName, value.Shape())
		}
		v.SetValue(value)
		loaded++
	}
	if loaded == 0 {
		return errors.Errorf("checkpoint %q holds no variables of module %q", baseName, moduleName)
	}
	return nil
}

// Save creates a new checkpoint with all the graph's variables, plus any
// previously loaded values that had no matching variable -- this allows
// loading a checkpoint into part of a model, training it and saving again
// without losing the rest.
func (h *Handler) Save() error {
	baseName := h.newCheckpointBaseName(h.lastGlobalStep)
	h.checkpointsCount++

	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}

	serialized := serializedData{GlobalStep: h.lastGlobalStep}
	pos := 0
	saveValue := func(name string, value *tensors.Tensor) error {
		n, err := value.WriteTo(varFile)
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to write variable %s", h, name)
		}
		serialized.Variables = append(serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType().String(),
			Pos:           pos,
			Length:        n,
		})
		pos += n
		return nil
	}

	for _, v := range h.config.graph.Variables() {
		if h.config.excludeFromSave[v.ParameterName()] {
			continue
		}
		if err = saveValue(v.ParameterName(), v.Value()); err != nil {
			break
		}
	}
	if err == nil {
		// Carry over values loaded for modules this graph doesn't have.
		names := make([]string, 0, len(h.unmatched))
		for name := range h.unmatched {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err = saveValue(name, h.unmatched[name]); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = varFile.Close()
		return err
	}
	if err = varFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	return h.keepNCheckpoints()
}

// OnStepFn implements train.OnStepFn, making it convenient to attach the
// Handler to a training loop: it records the loop step and saves.
func (h *Handler) OnStepFn(loop *train.Loop, _ []*tensors.Tensor) error {
	h.lastGlobalStep = int64(loop.LoopStep)
	return h.Save()
}

// keepNCheckpoints removes the excess checkpoints, oldest first.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{varDataSuffix, jsonNameSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}
