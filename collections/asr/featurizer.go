// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Featurizer turns an utterance's raw samples into a fixed-size feature
// vector: the waveform is split into NumFeatures equal segments and each
// contributes its log-energy. Crude compared to a spectrogram, but enough for
// the collection's classification task and it requires no DSP dependencies.
type Featurizer struct {
	// NumFeatures is the length of the produced feature vectors.
	NumFeatures int
}

const logEnergyFloor = 1e-10

// FromSamples computes the feature vector of the given waveform, samples in
// [-1, 1].
func (f Featurizer) FromSamples(samples []float64) ([]float32, error) {
	if f.NumFeatures <= 0 {
		return nil, errors.Errorf("Featurizer requires NumFeatures > 0, got %d", f.NumFeatures)
	}
	if len(samples) < f.NumFeatures {
		return nil, errors.Errorf("utterance with %d samples is too short for %d features",
			len(samples), f.NumFeatures)
	}
	features := make([]float32, f.NumFeatures)
	segment := len(samples) / f.NumFeatures
	for ii := 0; ii < f.NumFeatures; ii++ {
		start := ii * segment
		end := start + segment
		if ii == f.NumFeatures-1 {
			end = len(samples) // Last segment absorbs the remainder.
		}
		var energy float64
		for _, s := range samples[start:end] {
			energy += s * s
		}
		energy /= float64(end - start)
		features[ii] = float32(math.Log(energy + logEnergyFloor))
	}
	return features, nil
}

// FromWAV reads a 16-bit PCM WAV file and computes its feature vector and
// duration in seconds.
func (f Featurizer) FromWAV(filePath string) (features []float32, duration float64, err error) {
	return f.featurize(filePath, ReadWAV)
}

// FromFile featurizes an audio file by its extension, see ReadAudio. AN4
// tarballs ship NIST SPHERE (.sph) audio, so manifests may point at either
// format.
func (f Featurizer) FromFile(filePath string) (features []float32, duration float64, err error) {
	return f.featurize(filePath, ReadAudio)
}

func (f Featurizer) featurize(filePath string, read func(string) ([]float64, int, error)) (
	features []float32, duration float64, err error) {
	samples, sampleRate, err := read(filePath)
	if err != nil {
		return nil, 0, err
	}
	features, err = f.FromSamples(samples)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "featurizing %q", filePath)
	}
	return features, float64(len(samples)) / float64(sampleRate), nil
}

// ReadWAV decodes a 16-bit PCM WAV file into samples normalized to [-1, 1).
// Multi-channel files are mixed down by taking the first channel.
func ReadWAV(filePath string) (samples []float64, sampleRate int, err error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read WAV file %q", filePath)
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, errors.Errorf("%q is not a RIFF/WAVE file", filePath)
	}

	var numChannels, bitsPerSample int
	var data []byte
	pos := 12
	for pos+8 <= len(raw) {
		chunkID := string(raw[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := raw[pos+8:]
		if chunkSize > len(body) {
			chunkSize = len(body)
		}
		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, errors.Errorf("%q has a truncated fmt chunk", filePath)
			}
			audioFormat := int(binary.LittleEndian.Uint16(body[0:2]))
			if audioFormat != 1 {
				return nil, 0, errors.Errorf("%q uses audio format %d, only PCM (1) is supported",
					filePath, audioFormat)
			}
			numChannels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			data = body[:chunkSize]
		}
		// Chunks are word-aligned.
		pos += 8 + chunkSize + (chunkSize & 1)
	}
	if sampleRate == 0 || data == nil {
		return nil, 0, errors.Errorf("%q is missing its fmt or data chunk", filePath)
	}
	if bitsPerSample != 16 {
		return nil, 0, errors.Errorf("%q holds %d-bit samples, only 16-bit PCM is supported",
			filePath, bitsPerSample)
	}
	if numChannels < 1 {
		return nil, 0, errors.Errorf("%q declares %d channels", filePath, numChannels)
	}

	frameBytes := 2 * numChannels
	numFrames := len(data) / frameBytes
	samples = make([]float64, numFrames)
	for ii := 0; ii < numFrames; ii++ {
		v := int16(binary.LittleEndian.Uint16(data[ii*frameBytes : ii*frameBytes+2]))
		samples[ii] = float64(v) / 32768.0
	}
	return samples, sampleRate, nil
}
