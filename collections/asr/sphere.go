// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadSphere decodes a NIST SPHERE (.sph) file into samples normalized to
// [-1, 1). SPHERE is the format AN4 and other LDC corpora ship in: an ASCII
// header (usually 1024 bytes) followed by raw PCM. Only 16-bit PCM is
// supported; multi-channel files are mixed down by taking the first channel.
func ReadSphere(filePath string) (samples []float64, sampleRate int, err error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read SPHERE file %q", filePath)
	}
	if len(raw) < 16 || !strings.HasPrefix(string(raw[:8]), "NIST_1A") {
		return nil, 0, errors.Errorf("%q is not a NIST SPHERE file", filePath)
	}

	// The second header line holds the total header size in bytes.
	headerSize, err := strconv.Atoi(strings.TrimSpace(string(raw[8:16])))
	if err != nil || headerSize < 16 || headerSize > len(raw) {
		return nil, 0, errors.Errorf("%q has an invalid SPHERE header size", filePath)
	}

	// Header fields are "name -i value" / "name -sN value" lines up to end_head.
	fields := make(map[string]string)
	for _, line := range strings.Split(string(raw[16:headerSize]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if line == "end_head" {
			break
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		fields[parts[0]] = parts[2]
	}

	intField := func(name string, missing int) (int, error) {
		value, found := fields[name]
		if !found {
			return missing, nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Errorf("%q has an invalid SPHERE field %s=%q", filePath, name, value)
		}
		return n, nil
	}

	if coding := fields["sample_coding"]; coding != "" && coding != "pcm" {
		return nil, 0, errors.Errorf("%q uses sample coding %q, only pcm is supported", filePath, coding)
	}
	sampleRate, err = intField("sample_rate", 0)
	if err != nil {
		return nil, 0, err
	}
	if sampleRate <= 0 {
		return nil, 0, errors.Errorf("%q is missing its SPHERE sample_rate field", filePath)
	}
	sampleBytes, err := intField("sample_n_bytes", 2)
	if err != nil {
		return nil, 0, err
	}
	if sampleBytes != 2 {
		return nil, 0, errors.Errorf("%q holds %d-byte samples, only 16-bit PCM is supported",
			filePath, sampleBytes)
	}
	numChannels, err := intField("channel_count", 1)
	if err != nil {
		return nil, 0, err
	}
	if numChannels < 1 {
		return nil, 0, errors.Errorf("%q declares %d channels", filePath, numChannels)
	}

	// "01" is low byte first, "10" high byte first.
	var order binary.ByteOrder
	switch byteFormat := fields["sample_byte_format"]; byteFormat {
	case "01":
		order = binary.LittleEndian
	case "10":
		order = binary.BigEndian
	default:
		return nil, 0, errors.Errorf("%q uses SPHERE byte format %q, only \"01\" and \"10\" are supported",
			filePath, byteFormat)
	}

	data := raw[headerSize:]
	frameBytes := sampleBytes * numChannels
	numFrames := len(data) / frameBytes
	sampleCount, err := intField("sample_count", numFrames)
	if err != nil {
		return nil, 0, err
	}
	if sampleCount < numFrames {
		numFrames = sampleCount
	}
	samples = make([]float64, numFrames)
	for ii := 0; ii < numFrames; ii++ {
		v := int16(order.Uint16(data[ii*frameBytes : ii*frameBytes+2]))
		samples[ii] = float64(v) / 32768.0
	}
	return samples, sampleRate, nil
}

// ReadAudio decodes an audio file by its extension: .sph as NIST SPHERE,
// everything else as WAV.
func ReadAudio(filePath string) (samples []float64, sampleRate int, err error) {
	if strings.EqualFold(filepath.Ext(filePath), ".sph") {
		return ReadSphere(filePath)
	}
	return ReadWAV(filePath)
}
