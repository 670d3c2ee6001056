package graph

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	g := chainGraph(t)
	var buf bytes.Buffer
	require.NoError(t, g.Serialize(&buf))
	serialized := buf.String()
	assert.Contains(t, serialized, "name: chain")
	assert.Contains(t, serialized, "s1.out -> s2.in")
	assert.Contains(t, serialized, "x -> s1.in")
	assert.Contains(t, serialized, "loss.loss -> loss")

	cfg, err := Read(&buf)
	require.NoError(t, err)
	recovered, err := Deserialize(cfg, nil, false)
	require.NoError(t, err)

	// The configurations are equivalent.
	assert.Equal(t, g.Config(), recovered.Config())

	// And the rebuilt graph computes the same thing.
	outputs, err := recovered.Forward(map[string]*tensors.Tensor{
		"x": tensors.FromFlat([]float32{1, 2, 3}, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, float32(36), tensors.ToScalar[float32](outputs["loss"]))

	// Fresh build: no instance sharing happened.
	assert.NotSame(t, g.Module("s1"), recovered.Module("s1"))
}

func TestDeserializeReuse(t *testing.T) {
	g := chainGraph(t)
	registry := module.NewRegistry()
	for _, m := range g.Modules() {
		require.NoError(t, registry.Register(m))
	}

	// Without reuse, existing module names are an error.
	_, err := Deserialize(g.Config(), registry, false)
	require.ErrorContains(t, err, "already exists")

	// With reuse the very same instances are wired in.
	recovered, err := Deserialize(g.Config(), registry, true)
	require.NoError(t, err)
	assert.Same(t, g.Module("s1"), recovered.Module("s1"))
	assert.Same(t, g.Module("loss"), recovered.Module("loss"))

	// Reuse still rejects type mismatches.
	registry2 := module.NewRegistry()
	registry2.MustRegister(newSumLoss("s1")) // Same name, different type.
	_, err = Deserialize(g.Config(), registry2, true)
	require.ErrorContains(t, err, "has type")
}

func TestSaveAndLoad(t *testing.T) {
	g := chainGraph(t)
	path := filepath.Join(t.TempDir(), "chain.graph.yaml")
	require.NoError(t, g.Save(path))

	recovered, err := Load(path, nil, false)
	require.NoError(t, err)
	assert.Equal(t, g.Config(), recovered.Config())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil, false)
	require.Error(t, err)
}

func TestNestedGraphSerialization(t *testing.T) {
	inner := New("inner", Both)
	inner.Add(newScale("s1", 2))
	inner.Add(newScale("s2", 3))
	inner.Connect("s1.out", "s2.in").
		BindInput("in", "s1.in").
		BindOutput("out", "s2.out")

	outer := New("outer", Training)
	outer.Add(inner)
	outer.Add(newSumLoss("loss"))
	outer.Connect("inner.out", "loss.in").
		BindInput("x", "inner.in").
		BindOutput("loss", "loss.loss")

	recovered, err := Deserialize(outer.Config(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, outer.Config(), recovered.Config())

	outputs, err := recovered.Forward(map[string]*tensors.Tensor{
		"x": tensors.FromFlat([]float32{1, 2, 3}, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, float32(36), tensors.ToScalar[float32](outputs["loss"]))

	// Nested members resolve against the registry too: reuse shares them.
	registry := module.NewRegistry()
	shared := newScale("s1", 5)
	registry.MustRegister(shared)
	recovered2, err := Deserialize(outer.Config(), registry, true)
	require.NoError(t, err)
	nested := recovered2.Module("inner").(*Graph)
	assert.Same(t, module.Module(shared), nested.Module("s1"))
}

func TestDeserializeErrors(t *testing.T) {
	cfg := &Config{Name: "bad", Mode: "nope"}
	_, err := Deserialize(cfg, nil, false)
	require.ErrorContains(t, err, "mode")

	cfg = &Config{Name: "bad", Mode: "training", Modules: []module.Spec{
		{Name: "m", Type: "test.DoesNotExist"},
	}}
	_, err = Deserialize(cfg, nil, false)
	require.ErrorContains(t, err, "no module builder")

	cfg = &Config{Name: "bad", Mode: "training",
		Modules:     []module.Spec{{Name: "s1", Type: scaleTypeName, Params: map[string]any{"gain": 1}}},
		Connections: []string{"garbage without separator"},
	}
	_, err = Deserialize(cfg, nil, false)
	require.Error(t, err)
}
