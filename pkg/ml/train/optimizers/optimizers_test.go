package optimizers

import (
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVariable(t *testing.T, values []float32) *module.Variable {
	t.Helper()
	m := module.NewBaseModule("m", "test.Module")
	return m.NewVariable("w", tensors.FromFlat(values, len(values)), true)
}

func TestFromName(t *testing.T) {
	for _, name := range Names() {
		opt, err := FromName(name, Hyperparameters{LearningRate: 0.1})
		require.NoError(t, err, "optimizer %q", name)
		require.NotNil(t, opt)
	}
	assert.Equal(t, []string{"adam", "momentum", "novograd", "sgd"}, Names())

	_, err := FromName("sophia", Hyperparameters{})
	require.ErrorContains(t, err, "unknown optimizer")
}

func TestSGD(t *testing.T) {
	v := newTestVariable(t, []float32{1, -2})
	opt, err := FromName("sgd", Hyperparameters{LearningRate: 0.5})
	require.NoError(t, err)

	grads := map[string]*tensors.Tensor{
		v.ParameterName(): tensors.FromFlat([]float32{1, 2}, 2),
	}
	require.NoError(t, opt.ApplyGradients([]*module.Variable{v}, grads))
	assert.InDeltaSlice(t, []float32{0.5, -3}, tensors.Flat[float32](v.Value()), 1e-6)

	// Variables without a gradient entry are left untouched.
	otherModule := module.NewBaseModule("other", "test.Module")
	other := otherModule.NewVariable("b", tensors.FromFlat([]float32{7}, 1), true)
	require.NoError(t, opt.ApplyGradients([]*module.Variable{other}, grads))
	assert.Equal(t, []float32{7}, tensors.Flat[float32](other.Value()))
}

func TestSGDWeightDecay(t *testing.T) {
	v := newTestVariable(t, []float32{10})
	opt, err := FromName("sgd", Hyperparameters{LearningRate: 0.1, WeightDecay: 0.5})
	require.NoError(t, err)
	grads := map[string]*tensors.Tensor{
		v.ParameterName(): tensors.FromFlat([]float32{0}, 1),
	}
	// w -= lr * (g + wd*w) = 10 - 0.1*0.5*10 = 9.5
	require.NoError(t, opt.ApplyGradients([]*module.Variable{v}, grads))
	assert.InDelta(t, 9.5, float64(tensors.Flat[float32](v.Value())[0]), 1e-6)
}

func TestNonFloatVariableRejected(t *testing.T) {
	m := module.NewBaseModule("m", "test.Module")
	v := m.NewVariable("steps", tensors.FromFlat([]int64{1}, 1), true)
	opt, err := FromName("sgd", Hyperparameters{LearningRate: 0.1})
	require.NoError(t, err)
	grads := map[string]*tensors.Tensor{
		v.ParameterName(): tensors.FromFlat([]int64{1}, 1),
	}
	require.Error(t, opt.ApplyGradients([]*module.Variable{v}, grads))
}

// minimizeQuadratic runs steps of "loss = sum(w^2)" whose gradient is 2w, and
// returns the final weights.
func minimizeQuadratic(t *testing.T, opt Interface, steps int) []float32 {
	t.Helper()
	v := newTestVariable(t, []float32{5, -3})
	for i := 0; i < steps; i++ {
		w := tensors.Flat[float32](v.Value())
		grad := []float32{2 * w[0], 2 * w[1]}
		grads := map[string]*tensors.Tensor{
			v.ParameterName(): tensors.FromFlat(grad, 2),
		}
		require.NoError(t, opt.ApplyGradients([]*module.Variable{v}, grads))
	}
	return tensors.Flat[float32](v.Value())
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			opt, err := FromName(name, Hyperparameters{LearningRate: 0.05})
			require.NoError(t, err)
			w := minimizeQuadratic(t, opt, 200)
			initial := 5.0*5.0 + 3.0*3.0
			final := float64(w[0]*w[0] + w[1]*w[1])
			assert.Less(t, final, initial/4, "%s failed to shrink the loss: %v", name, w)
		})
	}
}

func TestClearResetsState(t *testing.T) {
	opt, err := FromName("momentum", Hyperparameters{LearningRate: 0.1, Momentum: 0.9})
	require.NoError(t, err)
	v := newTestVariable(t, []float32{1})
	grads := map[string]*tensors.Tensor{
		v.ParameterName(): tensors.FromFlat([]float32{1}, 1),
	}
	require.NoError(t, opt.ApplyGradients([]*module.Variable{v}, grads))
	before := tensors.Flat[float32](v.Value())[0]
	opt.Clear()

	// After Clear the velocity restarts, so the first step is the same size as
	// a fresh optimizer's.
	v2 := newTestVariable(t, []float32{1})
	grads2 := map[string]*tensors.Tensor{
		v2.ParameterName(): tensors.FromFlat([]float32{1}, 1),
	}
	require.NoError(t, opt.ApplyGradients([]*module.Variable{v2}, grads2))
	assert.Equal(t, before, tensors.Flat[float32](v2.Value())[0])
}
