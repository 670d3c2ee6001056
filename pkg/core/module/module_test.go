package module

import (
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passThrough is a minimal module used by the tests: one input, one output,
// forwarded as is.
type passThrough struct {
	BaseModule
}

const passThroughTypeName = "test.PassThrough"

func newPassThrough(name string) *passThrough {
	return &passThrough{BaseModule: NewBaseModule(name, passThroughTypeName)}
}

func (p *passThrough) InputPorts() []Port {
	return []Port{{Name: "in", Type: neuraltypes.New(neuraltypes.AnyElement, neuraltypes.BatchAxis)}}
}

func (p *passThrough) OutputPorts() []Port {
	return []Port{{Name: "out", Type: neuraltypes.New(neuraltypes.AnyElement, neuraltypes.BatchAxis)}}
}

func (p *passThrough) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	return map[string]*tensors.Tensor{"out": inputs["in"]}, nil
}

func (p *passThrough) Spec() Spec {
	return Spec{Name: p.Name(), Type: passThroughTypeName}
}

func init() {
	RegisterBuilder(passThroughTypeName, func(spec Spec) (Module, error) {
		return newPassThrough(spec.Name), nil
	})
}

func TestBaseModuleNaming(t *testing.T) {
	m := NewBaseModule("encoder", "test.Type")
	assert.Equal(t, "encoder", m.Name())
	assert.Equal(t, "test.Type", m.TypeName())

	// Empty names get a generated unique suffix.
	m1 := NewBaseModule("", "test.Type")
	m2 := NewBaseModule("", "test.Type")
	assert.NotEmpty(t, m1.Name())
	assert.NotEqual(t, m1.Name(), m2.Name())
	assert.Contains(t, m1.Name(), "test.Type")
}

func TestBaseModuleFreezing(t *testing.T) {
	m := NewBaseModule("m", "test.Type")
	assert.False(t, m.Frozen())
	m.Freeze()
	assert.True(t, m.Frozen())
	m.Unfreeze()
	assert.False(t, m.Frozen())
}

func TestVariables(t *testing.T) {
	m := NewBaseModule("encoder", "test.Type")
	w := m.NewVariable("weights", tensors.FromFlat([]float32{1, 2}, 2), true)
	assert.Equal(t, "/encoder/weights", w.ParameterName())
	assert.Equal(t, "weights", w.Name())
	assert.Equal(t, "encoder", w.ModuleName())
	assert.True(t, w.Trainable)

	assert.Len(t, m.Variables(), 1)
	assert.Same(t, w, m.Variable("weights"))
	assert.Nil(t, m.Variable("missing"))

	// Duplicate variable names panic.
	err := exceptions.TryCatch[error](func() {
		m.NewVariable("weights", tensors.FromFlat([]float32{1}, 1), true)
	})
	require.Error(t, err)

	// SetValue enforces the shape.
	w.SetValue(tensors.FromFlat([]float32{3, 4}, 2))
	assert.Equal(t, []float32{3, 4}, tensors.Flat[float32](w.Value()))
	err = exceptions.TryCatch[error](func() {
		w.SetValue(tensors.FromFlat([]float32{1, 2, 3}, 3))
	})
	require.Error(t, err)
}

func TestBuilderRegistry(t *testing.T) {
	assert.Contains(t, KnownTypes(), passThroughTypeName)

	m, err := Build(Spec{Name: "p1", Type: passThroughTypeName})
	require.NoError(t, err)
	assert.Equal(t, "p1", m.Name())
	assert.Equal(t, passThroughTypeName, m.TypeName())

	_, err = Build(Spec{Name: "x", Type: "test.Unknown"})
	require.Error(t, err)

	// Double registration panics.
	err = exceptions.TryCatch[error](func() {
		RegisterBuilder(passThroughTypeName, func(spec Spec) (Module, error) { return nil, nil })
	})
	require.Error(t, err)
}

func TestDecodeParams(t *testing.T) {
	type cfg struct {
		InputDim int     `mapstructure:"input_dim"`
		Dropout  float64 `mapstructure:"dropout"`
		Name     string  `mapstructure:"name"`
	}
	var c cfg
	// YAML-decoded numbers arrive as any; weak typing must cover int->float.
	err := DecodeParams(map[string]any{"input_dim": 64, "dropout": 0.5, "name": "foo"}, &c)
	require.NoError(t, err)
	assert.Equal(t, cfg{InputDim: 64, Dropout: 0.5, Name: "foo"}, c)

	// Unknown keys are an error, catching config typos.
	err = DecodeParams(map[string]any{"input_dims": 64}, &c)
	require.Error(t, err)
}

func TestInstanceRegistry(t *testing.T) {
	registry := NewRegistry()
	p1 := newPassThrough("p1")
	require.NoError(t, registry.Register(p1))
	require.Error(t, registry.Register(newPassThrough("p1")), "duplicate names must be rejected")

	got, found := registry.Get("p1")
	assert.True(t, found)
	assert.Same(t, p1, got.(*passThrough))

	_, found = registry.Get("p2")
	assert.False(t, found)

	registry.MustRegister(newPassThrough("p2"))
	assert.Equal(t, []string{"p1", "p2"}, registry.Names())

	assert.Panics(t, func() { registry.MustRegister(newPassThrough("p2")) })
}
