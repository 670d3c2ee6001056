// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package config reads and writes model configuration files: a YAML document
// holding the labels vocabulary and the specs of the named sub-modules the
// model is assembled from.
package config

import (
	"io"
	"os"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Model configuration: a header, the labels vocabulary and the module specs.
type Model struct {
	Name       string `yaml:"name,omitempty"`
	SampleRate int    `yaml:"sample_rate,omitempty"`

	// Labels is the output vocabulary, in index order.
	Labels []string `yaml:"labels,omitempty"`

	// Modules are the named sub-modules to instantiate.
	Modules []module.Spec `yaml:"modules"`
}

// Read parses a model configuration.
func Read(r io.Reader) (*Model, error) {
	m := &Model{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, "parsing model config")
	}
	return m, nil
}

// Load reads a model configuration file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening model config file %q", path)
	}
	defer func() { _ = f.Close() }()
	m, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading model config file %q", path)
	}
	klog.V(1).Infof("loaded model config %q: %d modules, %d labels", path, len(m.Modules), len(m.Labels))
	return m, nil
}

// Write serializes the model configuration as YAML.
func (m *Model) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "serializing model config")
	}
	return errors.Wrap(enc.Close(), "serializing model config")
}

// Save writes the model configuration to a YAML file.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating model config file %q", path)
	}
	if err = m.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing model config file %q", path)
}

// Module returns the spec of the named module, if present.
func (m *Model) Module(name string) (module.Spec, bool) {
	for _, spec := range m.Modules {
		if spec.Name == name {
			return spec, true
		}
	}
	return module.Spec{}, false
}

// LabelIndex returns the vocabulary as a label to index lookup.
func (m *Model) LabelIndex() map[string]int {
	index := make(map[string]int, len(m.Labels))
	for ii, label := range m.Labels {
		index[label] = ii
	}
	return index
}

// BuildModules instantiates every module spec, registering the instances in
// the given registry (a nil registry is created on the fly). It returns the
// modules in config order.
func (m *Model) BuildModules(registry *module.Registry) ([]module.Module, error) {
	if registry == nil {
		registry = module.NewRegistry()
	}
	built := make([]module.Module, 0, len(m.Modules))
	for _, spec := range m.Modules {
		mod, err := module.Build(spec)
		if err != nil {
			return nil, err
		}
		if err = registry.Register(mod); err != nil {
			return nil, err
		}
		built = append(built, mod)
	}
	return built, nil
}
