// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// GraphTypeName is the module type name under which nested graphs serialize.
const GraphTypeName = "core.NeuralGraph"

// connectionSeparator is used in the textual form of connections and bindings.
const connectionSeparator = "->"

func init() {
	// Nested graphs found outside a Deserialize call (e.g. built straight from
	// a module.Spec) are constructed fresh, without instance sharing.
	module.RegisterBuilder(GraphTypeName, func(spec module.Spec) (module.Module, error) {
		cfg, err := configFromMap(spec.Params)
		if err != nil {
			return nil, err
		}
		return Deserialize(cfg, nil, false)
	})
}

// Config is the serializable form of a graph. Connections and bindings are
// written as "producer.port -> consumer.port" strings, graph ports have no
// module part ("port -> module.port" for inputs, "module.port -> port" for
// outputs).
type Config struct {
	Name        string        `yaml:"name"`
	Mode        string        `yaml:"mode"`
	Modules     []module.Spec `yaml:"modules"`
	Connections []string      `yaml:"connections,omitempty"`
	Inputs      []string      `yaml:"inputs,omitempty"`
	Outputs     []string      `yaml:"outputs,omitempty"`
}

// Config returns the serializable description of the graph.
func (g *Graph) Config() *Config {
	cfg := &Config{
		Name: g.name,
		Mode: g.mode.String(),
	}
	for _, m := range g.modules {
		cfg.Modules = append(cfg.Modules, m.Spec())
	}
	for _, c := range g.connections {
		cfg.Connections = append(cfg.Connections, fmt.Sprintf("%s %s %s", c.From, connectionSeparator, c.To))
	}
	for _, b := range g.boundInputs {
		cfg.Inputs = append(cfg.Inputs, fmt.Sprintf("%s %s %s", b.graphPort, connectionSeparator, b.endpoint))
	}
	for _, b := range g.boundOutputs {
		cfg.Outputs = append(cfg.Outputs, fmt.Sprintf("%s %s %s", b.endpoint, connectionSeparator, b.graphPort))
	}
	return cfg
}

// asMap converts the config to a generic map, the form used when a nested
// graph serializes as a module.Spec.
func (cfg *Config) asMap() map[string]any {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		exceptions.Panicf("failed to convert graph config to a map: %+v", err)
	}
	var asMap map[string]any
	if err = yaml.Unmarshal(raw, &asMap); err != nil {
		exceptions.Panicf("failed to convert graph config to a map: %+v", err)
	}
	return asMap
}

func configFromMap(params map[string]any) (*Config, error) {
	raw, err := yaml.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding nested graph params")
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding nested graph config")
	}
	return cfg, nil
}

// Serialize writes the graph configuration as YAML.
func (g *Graph) Serialize(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(g.Config()); err != nil {
		return errors.Wrapf(err, "serializing graph %q", g.name)
	}
	return errors.Wrapf(enc.Close(), "serializing graph %q", g.name)
}

// Save serializes the graph configuration to a YAML file.
func (g *Graph) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating graph config file %q", path)
	}
	if err = g.Serialize(f); err != nil {
		_ = f.Close()
		return err
	}
	klog.V(1).Infof("graph %q serialized to %q", g.name, path)
	return errors.Wrapf(f.Close(), "closing graph config file %q", path)
}

// Deserialize rebuilds a graph from its configuration.
//
// Member modules are resolved by name against the given registry: if a module
// with the same name is already registered it is shared -- but only when reuse
// is set, otherwise Deserialize fails. Missing modules are built from their
// specs and added to the registry. A nil registry builds everything fresh.
func Deserialize(cfg *Config, registry *module.Registry, reuse bool) (*Graph, error) {
	mode, err := ModeFromString(cfg.Mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "deserializing graph %q", cfg.Name)
	}
	if registry == nil {
		registry = module.NewRegistry()
	}

	g := New(cfg.Name, mode)
	for _, spec := range cfg.Modules {
		m, found := registry.Get(spec.Name)
		if found {
			if !reuse {
				return nil, errors.Errorf(
					"deserializing graph %q: module %q already exists -- pass reuse to share the existing instance",
					cfg.Name, spec.Name)
			}
			if m.TypeName() != spec.Type {
				return nil, errors.Errorf(
					"deserializing graph %q: existing module %q has type %q, config wants %q",
					cfg.Name, spec.Name, m.TypeName(), spec.Type)
			}
		} else {
			m, err = buildModule(spec, registry, reuse)
			if err != nil {
				return nil, errors.WithMessagef(err, "deserializing graph %q", cfg.Name)
			}
			if err = registry.Register(m); err != nil {
				return nil, errors.WithMessagef(err, "deserializing graph %q", cfg.Name)
			}
		}
		// Wiring panics (with exception errors) on invalid configs; convert below.
		exception := exceptions.TryCatch[error](func() { g.Add(m) })
		if exception != nil {
			return nil, errors.WithMessagef(exception, "deserializing graph %q", cfg.Name)
		}
	}

	exception := exceptions.TryCatch[error](func() {
		for _, c := range cfg.Connections {
			from, to := splitConnection(c)
			g.Connect(from, to)
		}
		for _, b := range cfg.Inputs {
			graphPort, to := splitConnection(b)
			g.BindInput(graphPort, to)
		}
		for _, b := range cfg.Outputs {
			from, graphPort := splitConnection(b)
			g.BindOutput(graphPort, from)
		}
	})
	if exception != nil {
		return nil, errors.WithMessagef(exception, "deserializing graph %q", cfg.Name)
	}
	return g, nil
}

// buildModule builds one module from its spec; nested graph specs recurse
// through Deserialize so their members also resolve against the registry.
func buildModule(spec module.Spec, registry *module.Registry, reuse bool) (module.Module, error) {
	if spec.Type != GraphTypeName {
		return module.Build(spec)
	}
	nestedCfg, err := configFromMap(spec.Params)
	if err != nil {
		return nil, errors.WithMessagef(err, "nested graph %q", spec.Name)
	}
	return Deserialize(nestedCfg, registry, reuse)
}

func splitConnection(s string) (from, to string) {
	parts := strings.SplitN(s, connectionSeparator, 2)
	if len(parts) != 2 {
		exceptions.Panicf("invalid connection %q, expected \"from %s to\"", s, connectionSeparator)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// Read parses a serialized graph configuration.
func Read(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing graph config")
	}
	return cfg, nil
}

// Load reads a graph configuration file and deserializes it. See Deserialize
// for the registry and reuse semantics.
func Load(path string, registry *module.Registry, reuse bool) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening graph config file %q", path)
	}
	defer func() { _ = f.Close() }()
	cfg, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading graph config file %q", path)
	}
	return Deserialize(cfg, registry, reuse)
}
