package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/graph"
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/alan101-tech/NeMo/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paramModule is a pass-through module holding a float vector "w" and an int64
// scalar "count", enough to exercise saving and restoring.
type paramModule struct {
	module.BaseModule
	w, count *module.Variable
}

func newParams(name string, w []float32, count int64) *paramModule {
	p := &paramModule{BaseModule: module.NewBaseModule(name, "test.Params")}
	p.w = p.NewVariable("w", tensors.FromFlat(w, len(w)), true)
	p.count = p.NewVariable("count", tensors.FromScalar(count), false)
	return p
}

func (p *paramModule) InputPorts() []module.Port {
	return []module.Port{{Name: "in", Type: neuraltypes.New(neuraltypes.AnyElement, neuraltypes.BatchAxis)}}
}

func (p *paramModule) OutputPorts() []module.Port {
	return []module.Port{{Name: "out", Type: neuraltypes.New(neuraltypes.AnyElement, neuraltypes.BatchAxis)}}
}

func (p *paramModule) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	return map[string]*tensors.Tensor{"out": inputs["in"]}, nil
}

func (p *paramModule) Spec() module.Spec {
	return module.Spec{Name: p.Name(), Type: p.TypeName()}
}

func paramGraph(modules ...*paramModule) *graph.Graph {
	g := graph.New("model", graph.Both)
	for _, m := range modules {
		g.Add(m)
	}
	return g
}

func weights(t *testing.T, g *graph.Graph, parameterName string) []float32 {
	v, found := g.VariablesByName()[parameterName]
	require.True(t, found, "graph has no variable %q", parameterName)
	return tensors.Flat[float32](v.Value())
}

func TestSaveAndRestore(t *testing.T) {
	dir := t.TempDir()
	g := paramGraph(newParams("m", []float32{1, 2, 3}, 7))

	handler, err := Build(g).Dir(dir).Done()
	require.NoError(t, err)
	has, err := handler.HasCheckpoints()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, handler.OnStepFn(&train.Loop{LoopStep: 57}, nil))
	has, err = handler.HasCheckpoints()
	require.NoError(t, err)
	assert.True(t, has)

	// A fresh graph picks up the saved values on Done.
	restored := paramGraph(newParams("m", []float32{0, 0, 0}, 0))
	handler2, err := Build(restored).Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, weights(t, restored, "/m/w"))
	assert.Equal(t, int64(7), tensors.ToScalar[int64](restored.VariablesByName()["/m/count"].Value()))
	assert.Equal(t, int64(57), handler2.GlobalStep())
}

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	g := paramGraph(newParams("m", []float32{1}, 0))
	handler, err := Build(g).Dir(dir).Keep(2).Done()
	require.NoError(t, err)

	for ii := 0; ii < 4; ii++ {
		require.NoError(t, handler.Save())
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	// The two newest survive, counts keep growing monotonically.
	assert.Contains(t, list[0], "checkpoint-n0000002-")
	assert.Contains(t, list[1], "checkpoint-n0000003-")
	assert.Contains(t, list[1], "-initial") // No global step recorded yet.
}

func TestTakeMean(t *testing.T) {
	dir := t.TempDir()
	m := newParams("m", []float32{2, 4}, 1)
	g := paramGraph(m)
	handler, err := Build(g).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, handler.OnStepFn(&train.Loop{LoopStep: 10}, nil)) // Saves at step 10.

	m.w.SetValue(tensors.FromFlat([]float32{4, 8}, 2))
	m.count.SetValue(tensors.FromScalar[int64](2))
	require.NoError(t, handler.OnStepFn(&train.Loop{LoopStep: 20}, nil)) // Saves at step 20.

	restored := paramGraph(newParams("m", []float32{0, 0}, 0))
	restoredHandler, err := Build(restored).Dir(dir).TakeMean(2).Done()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6}, weights(t, restored, "/m/w"))
	// Non-float variables and the global step come from the most recent checkpoint.
	assert.Equal(t, int64(2), tensors.ToScalar[int64](restored.VariablesByName()["/m/count"].Value()))
	assert.Equal(t, int64(20), restoredHandler.GlobalStep())
}

func TestUnmatchedValuesCarryOver(t *testing.T) {
	dir := t.TempDir()
	full := paramGraph(newParams("encoder", []float32{1, 2}, 0), newParams("decoder", []float32{3, 4}, 0))
	handler, err := Build(full).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	// Load into a graph holding only the encoder, train it and save: the
	// decoder values must survive the round trip.
	partial := paramGraph(newParams("encoder", []float32{0, 0}, 0))
	partialHandler, err := Build(partial).Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, weights(t, partial, "/encoder/w"))
	partial.VariablesByName()["/encoder/w"].SetValue(tensors.FromFlat([]float32{9, 9}, 2))
	require.NoError(t, partialHandler.Save())

	reloaded := paramGraph(newParams("encoder", []float32{0, 0}, 0), newParams("decoder", []float32{0, 0}, 0))
	_, err = Build(reloaded).Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, weights(t, reloaded, "/encoder/w"))
	assert.Equal(t, []float32{3, 4}, weights(t, reloaded, "/decoder/w"))
}

func TestLoadModule(t *testing.T) {
	dir := t.TempDir()
	full := paramGraph(newParams("encoder", []float32{1, 2}, 0), newParams("decoder", []float32{3, 4}, 0))
	handler, err := Build(full).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	// Keep training: both modules drift from the saved values. Restoring just
	// the encoder leaves the decoder's current values alone.
	full.VariablesByName()["/encoder/w"].SetValue(tensors.FromFlat([]float32{0, 0}, 2))
	full.VariablesByName()["/decoder/w"].SetValue(tensors.FromFlat([]float32{7, 7}, 2))
	require.NoError(t, handler.LoadModule("encoder"))
	assert.Equal(t, []float32{1, 2}, weights(t, full, "/encoder/w"))
	assert.Equal(t, []float32{7, 7}, weights(t, full, "/decoder/w"))

	require.ErrorContains(t, handler.LoadModule("preprocessor"), "holds no variables of module")

	empty := Build(full).Dir(t.TempDir()).MustDone()
	require.ErrorContains(t, empty.LoadModule("encoder"), "no checkpoints to load")
}

func TestExcludeVarsFromSaving(t *testing.T) {
	dir := t.TempDir()
	g := paramGraph(newParams("m", []float32{1}, 0))
	handler, err := Build(g).Dir(dir).ExcludeVarsFromSaving("/m/count").Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	infos, err := Inspect(dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	var names []string
	for _, v := range infos[0].Variables {
		names = append(names, v.ParameterName)
	}
	assert.Equal(t, []string{"/m/w"}, names)
}

func TestShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	g := paramGraph(newParams("m", []float32{1, 2}, 0))
	handler, err := Build(g).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	resized := paramGraph(newParams("m", []float32{0, 0, 0}, 0))
	_, err = Build(resized).Dir(dir).Done()
	require.ErrorContains(t, err, "holds shape")
}

func TestConfigErrors(t *testing.T) {
	g := paramGraph(newParams("m", []float32{1}, 0))

	_, err := Build(g).Done()
	require.ErrorContains(t, err, "not configured")

	// Dir pointing at a regular file.
	dir := t.TempDir()
	fileName := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(fileName, []byte("x"), 0o600))
	_, err = Build(g).Dir(fileName).Done()
	require.ErrorContains(t, err, "not a directory")

	// Errors accumulate: the first one wins.
	_, err = Build(g).Dir(fileName).Keep(3).TakeMean(2).Done()
	require.ErrorContains(t, err, "not a directory")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	g := paramGraph(newParams("m", []float32{1, 2, 3}, 5))
	handler, err := Build(g).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, handler.OnStepFn(&train.Loop{LoopStep: 10}, nil))
	require.NoError(t, handler.OnStepFn(&train.Loop{LoopStep: 20}, nil))

	infos, err := Inspect(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(10), infos[0].GlobalStep)
	assert.Equal(t, int64(20), infos[1].GlobalStep)
	// 3 float32 elements plus an int64 scalar.
	assert.Equal(t, 4, infos[1].NumParameters())
	assert.Equal(t, 3*4+8, infos[1].Memory())
	assert.Contains(t, infos[1].BaseName, "-step-00000020")

	// Inspect on an empty directory is fine.
	infos, err = Inspect(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, infos)
}
