package asr

import (
	"math"
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/graph"
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncoderErrors(t *testing.T) {
	_, err := NewEncoder("enc", EncoderConfig{InputDim: 0, HiddenDim: 4})
	require.ErrorContains(t, err, "positive input_dim and hidden_dim")
	_, err = NewEncoder("enc", EncoderConfig{InputDim: 4, HiddenDim: -1})
	require.ErrorContains(t, err, "positive input_dim and hidden_dim")
}

func TestEncoderForward(t *testing.T) {
	enc, err := NewEncoder("enc", EncoderConfig{InputDim: 3, HiddenDim: 5, Seed: 1})
	require.NoError(t, err)

	x := tensors.FromFlat([]float32{0.1, -0.5, 2, 0, 1, -1}, 2, 3)
	outputs, err := enc.Forward(map[string]*tensors.Tensor{FeaturesPort: x})
	require.NoError(t, err)
	encoded := outputs[EncodedPort]
	require.NotNil(t, encoded)
	assert.Equal(t, []int{2, 5}, encoded.Shape().Dimensions)
	for _, v := range tensors.Flat[float32](encoded) {
		assert.LessOrEqual(t, math.Abs(float64(v)), 1.0) // tanh range.
	}

	// Same seed, same weights; a different seed changes them.
	enc2, err := NewEncoder("enc2", EncoderConfig{InputDim: 3, HiddenDim: 5, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, tensors.Flat[float32](enc.weights.Value()), tensors.Flat[float32](enc2.weights.Value()))
	enc3, err := NewEncoder("enc3", EncoderConfig{InputDim: 3, HiddenDim: 5, Seed: 2})
	require.NoError(t, err)
	assert.NotEqual(t, tensors.Flat[float32](enc.weights.Value()), tensors.Flat[float32](enc3.weights.Value()))

	_, err = enc.Forward(map[string]*tensors.Tensor{})
	require.ErrorContains(t, err, "missing input")
}

func TestDecoderForward(t *testing.T) {
	dec, err := NewDecoder("dec", DecoderConfig{InputDim: 4, NumClasses: 3, Seed: 1})
	require.NoError(t, err)

	x := tensors.FromFlat([]float32{0.5, -1, 0.25, 2, 0, 0, 0, 0}, 2, 4)
	outputs, err := dec.Forward(map[string]*tensors.Tensor{EncodedPort: x})
	require.NoError(t, err)
	logProbs := outputs[LogProbsPort]
	require.NotNil(t, logProbs)
	assert.Equal(t, []int{2, 3}, logProbs.Shape().Dimensions)

	// Each row is a proper log-probability distribution.
	lp := tensors.Flat[float32](logProbs)
	for row := 0; row < 2; row++ {
		var sum float64
		for _, v := range lp[row*3 : (row+1)*3] {
			assert.LessOrEqual(t, v, float32(1e-6))
			sum += math.Exp(float64(v))
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestCrossEntropyLoss(t *testing.T) {
	loss := NewCrossEntropyLoss("loss")

	uniform := float32(math.Log(1.0 / 3.0))
	logProbs := tensors.FromFlat([]float32{
		uniform, uniform, uniform,
		uniform, uniform, uniform,
	}, 2, 3)
	targets := tensors.FromFlat([]int64{0, 2}, 2)
	inputs := map[string]*tensors.Tensor{LogProbsPort: logProbs, TargetsPort: targets}

	outputs, err := loss.Forward(inputs)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), outputs[LossPort].Float64Value(), 1e-6)

	inputGrads, varGrads, err := loss.Backward(inputs, outputs,
		map[string]*tensors.Tensor{LossPort: tensors.FromScalar[float32](1)})
	require.NoError(t, err)
	assert.Nil(t, varGrads)
	grad := tensors.Flat[float32](inputGrads[LogProbsPort])
	assert.Equal(t, []float32{-0.5, 0, 0, 0, 0, -0.5}, grad)

	// Out-of-range targets are rejected.
	inputs[TargetsPort] = tensors.FromFlat([]int64{0, 3}, 2)
	_, err = loss.Forward(inputs)
	require.ErrorContains(t, err, "out of range")

	// Batch size mismatch.
	inputs[TargetsPort] = tensors.FromFlat([]int64{0}, 1)
	_, err = loss.Forward(inputs)
	require.ErrorContains(t, err, "targets for a batch of")
}

func TestGreedyDecoder(t *testing.T) {
	greedy := NewGreedyDecoder("greedy")
	logProbs := tensors.FromFlat([]float32{
		-0.1, -3, -2,
		-4, -2, -0.5,
	}, 2, 3)
	outputs, err := greedy.Forward(map[string]*tensors.Tensor{LogProbsPort: logProbs})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2}, tensors.Flat[int64](outputs[PredictionsPort]))

	_, err = greedy.Forward(map[string]*tensors.Tensor{
		LogProbsPort: tensors.FromFlat([]float32{1, 2}, 2),
	})
	require.ErrorContains(t, err, "must be shaped [batch, classes]")
}

func TestModuleBuilders(t *testing.T) {
	enc, err := NewEncoder("enc", EncoderConfig{InputDim: 3, HiddenDim: 5, Seed: 7})
	require.NoError(t, err)
	rebuilt, err := module.Build(enc.Spec())
	require.NoError(t, err)
	rebuiltEnc, ok := rebuilt.(*Encoder)
	require.True(t, ok)
	assert.Equal(t, enc.cfg, rebuiltEnc.cfg)
	assert.Equal(t, tensors.Flat[float32](enc.weights.Value()), tensors.Flat[float32](rebuiltEnc.weights.Value()))

	dec, err := NewDecoder("dec", DecoderConfig{InputDim: 5, NumClasses: 4, Seed: 7})
	require.NoError(t, err)
	rebuilt, err = module.Build(dec.Spec())
	require.NoError(t, err)
	assert.Equal(t, dec.cfg, rebuilt.(*Decoder).cfg)

	// The parameterless modules reject params.
	_, err = module.Build(module.Spec{Name: "l", Type: CrossEntropyLossTypeName, Params: map[string]any{"x": 1}})
	require.ErrorContains(t, err, "takes no params")
	_, err = module.Build(module.Spec{Name: "g", Type: GreedyDecoderTypeName, Params: map[string]any{"x": 1}})
	require.ErrorContains(t, err, "takes no params")
}

// classificationGraph wires encoder -> decoder -> loss into a training graph.
func classificationGraph(t *testing.T, inputDim, hiddenDim, numClasses int) *graph.Graph {
	enc, err := NewEncoder("encoder", EncoderConfig{InputDim: inputDim, HiddenDim: hiddenDim, Seed: 3})
	require.NoError(t, err)
	dec, err := NewDecoder("decoder", DecoderConfig{InputDim: hiddenDim, NumClasses: numClasses, Seed: 5})
	require.NoError(t, err)

	g := graph.New("asr_training", graph.Training)
	g.Add(enc)
	g.Add(dec)
	g.Add(NewCrossEntropyLoss("loss"))
	g.Connect("encoder."+EncodedPort, "decoder."+EncodedPort)
	g.Connect("decoder."+LogProbsPort, "loss."+LogProbsPort)
	g.BindInput(FeaturesPort, "encoder."+FeaturesPort)
	g.BindInput(TargetsPort, "loss."+TargetsPort)
	g.BindOutput(LossPort, "loss."+LossPort)
	return g
}

// TestGradients compares the analytic gradients of the full
// encoder/decoder/loss chain against central finite differences.
func TestGradients(t *testing.T) {
	g := classificationGraph(t, 3, 4, 3)
	features := tensors.FromFlat([]float32{0.3, -1.2, 0.7, -0.4, 0.9, 1.5}, 2, 3)
	batch := map[string]*tensors.Tensor{
		FeaturesPort: features,
		TargetsPort:  tensors.FromFlat([]int64{0, 2}, 2),
	}
	lossAt := func() float64 {
		outputs, err := g.Forward(batch)
		require.NoError(t, err)
		return outputs[LossPort].Float64Value()
	}

	outputs, err := g.Forward(batch)
	require.NoError(t, err)
	inputGrads, varGrads, err := g.Backward(batch, outputs,
		map[string]*tensors.Tensor{LossPort: tensors.FromScalar[float32](1)})
	require.NoError(t, err)

	const eps = 1e-2
	numericAt := func(values []float32, idx int) float64 {
		saved := values[idx]
		values[idx] = saved + eps
		plus := lossAt()
		values[idx] = saved - eps
		minus := lossAt()
		values[idx] = saved
		return (plus - minus) / (2 * eps)
	}

	for _, v := range g.Variables() {
		grads, found := varGrads[v.ParameterName()]
		require.True(t, found, "no gradient for %q", v.ParameterName())
		analytic := tensors.Flat[float32](grads)
		values := tensors.Flat[float32](v.Value())
		for idx := range values {
			assert.InDelta(t, numericAt(values, idx), float64(analytic[idx]), 5e-3,
				"variable %q, element %d", v.ParameterName(), idx)
		}
	}

	// Gradient with respect to the input features.
	analytic := tensors.Flat[float32](inputGrads[FeaturesPort])
	values := tensors.Flat[float32](features)
	for idx := range values {
		assert.InDelta(t, numericAt(values, idx), float64(analytic[idx]), 5e-3,
			"features element %d", idx)
	}
}
