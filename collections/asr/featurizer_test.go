package asr

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV writes a PCM WAV file with the given interleaved 16-bit samples.
func writeWAV(t *testing.T, filePath string, sampleRate, numChannels int, samples []int16) {
	dataSize := 2 * len(samples)
	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian

	appendU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, "RIFF"...)
	appendU32(uint32(36 + dataSize))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(1) // PCM.
	appendU16(uint16(numChannels))
	appendU32(uint32(sampleRate))
	appendU32(uint32(sampleRate * numChannels * 2)) // Byte rate.
	appendU16(uint16(numChannels * 2))              // Block align.
	appendU16(16)                                   // Bits per sample.

	buf = append(buf, "data"...)
	appendU32(uint32(dataSize))
	for _, s := range samples {
		appendU16(uint16(s))
	}
	require.NoError(t, os.WriteFile(filePath, buf, 0o600))
}

func TestFeaturizerFromSamples(t *testing.T) {
	f := Featurizer{NumFeatures: 2}
	samples := []float64{0.5, 0.5, 0.5, 0.5, 0.25, 0.25, 0.25, 0.25}
	features, err := f.FromSamples(samples)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.InDelta(t, math.Log(0.25), float64(features[0]), 1e-5)
	assert.InDelta(t, math.Log(0.0625), float64(features[1]), 1e-5)

	// The last segment absorbs the remainder when the split is uneven.
	features, err = f.FromSamples([]float64{0.5, 0.5, 0.25, 0.25, 0.25})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(0.25), float64(features[0]), 1e-5)
	assert.InDelta(t, math.Log(0.0625), float64(features[1]), 1e-5)

	// Silence hits the energy floor instead of -Inf.
	features, err = f.FromSamples(make([]float64, 8))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(logEnergyFloor), float64(features[0]), 1e-5)
}

func TestFeaturizerErrors(t *testing.T) {
	_, err := Featurizer{NumFeatures: 0}.FromSamples([]float64{1, 2})
	require.ErrorContains(t, err, "NumFeatures > 0")

	_, err = Featurizer{NumFeatures: 4}.FromSamples([]float64{1, 2})
	require.ErrorContains(t, err, "too short")
}

func TestReadWAV(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "mono.wav")
	writeWAV(t, fileName, 16000, 1, []int16{0, 16384, -16384, 32767})

	samples, sampleRate, err := ReadWAV(fileName)
	require.NoError(t, err)
	assert.Equal(t, 16000, sampleRate)
	require.Len(t, samples, 4)
	assert.InDelta(t, 0, samples[0], 1e-6)
	assert.InDelta(t, 0.5, samples[1], 1e-6)
	assert.InDelta(t, -0.5, samples[2], 1e-6)
	assert.InDelta(t, 1.0, samples[3], 1e-4)
}

func TestReadWAVStereoTakesFirstChannel(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "stereo.wav")
	// Interleaved left/right frames; the right channel must be ignored.
	writeWAV(t, fileName, 8000, 2, []int16{100, -32768, 200, -32768, 300, -32768})

	samples, sampleRate, err := ReadWAV(fileName)
	require.NoError(t, err)
	assert.Equal(t, 8000, sampleRate)
	require.Len(t, samples, 3)
	for ii, want := range []float64{100, 200, 300} {
		assert.InDelta(t, want/32768.0, samples[ii], 1e-9)
	}
}

func TestReadWAVErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := ReadWAV(filepath.Join(dir, "missing.wav"))
	require.ErrorContains(t, err, "failed to read WAV file")

	notWAV := filepath.Join(dir, "not.wav")
	require.NoError(t, os.WriteFile(notWAV, []byte("this is not audio at all"), 0o600))
	_, _, err = ReadWAV(notWAV)
	require.ErrorContains(t, err, "not a RIFF/WAVE file")

	// Flip the format code to IEEE float (3): only PCM is supported.
	float32WAV := filepath.Join(dir, "float.wav")
	writeWAV(t, float32WAV, 8000, 1, []int16{1, 2, 3})
	raw, err := os.ReadFile(float32WAV)
	require.NoError(t, err)
	raw[20] = 3
	require.NoError(t, os.WriteFile(float32WAV, raw, 0o600))
	_, _, err = ReadWAV(float32WAV)
	require.ErrorContains(t, err, "only PCM (1) is supported")

	// Declare 8-bit samples.
	eightBit := filepath.Join(dir, "8bit.wav")
	writeWAV(t, eightBit, 8000, 1, []int16{1, 2, 3})
	raw, err = os.ReadFile(eightBit)
	require.NoError(t, err)
	raw[34] = 8
	require.NoError(t, os.WriteFile(eightBit, raw, 0o600))
	_, _, err = ReadWAV(eightBit)
	require.ErrorContains(t, err, "only 16-bit PCM is supported")
}

func TestFromWAV(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "one_second.wav")
	samples := make([]int16, 8000)
	for ii := range samples {
		samples[ii] = 8192
	}
	writeWAV(t, fileName, 8000, 1, samples)

	features, duration, err := Featurizer{NumFeatures: 4}.FromWAV(fileName)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, duration, 1e-9)
	require.Len(t, features, 4)
	for _, f := range features {
		assert.InDelta(t, math.Log(0.0625), float64(f), 1e-4)
	}
}
