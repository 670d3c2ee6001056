// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ManifestEntry describes one utterance of a speech dataset: the path to its
// audio file, its duration in seconds and the transcript.
//
// A manifest file holds one JSON-encoded entry per line.
type ManifestEntry struct {
	AudioFilePath string  `json:"audio_filepath"`
	Duration      float64 `json:"duration"`
	Text          string  `json:"text"`
}

// ReadManifest parses a JSON-lines manifest file. Empty lines are skipped.
func ReadManifest(filePath string) ([]ManifestEntry, error) {
	filePath = ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ManifestEntry
		if err = json.Unmarshal(line, &entry); err != nil {
			return nil, errors.Wrapf(err, "manifest %q: invalid entry in line %d", filePath, lineNum)
		}
		entries = append(entries, entry)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %q", filePath)
	}
	return entries, nil
}

// WriteManifest saves entries as a JSON-lines manifest file.
func WriteManifest(filePath string, entries []ManifestEntry) error {
	filePath = ReplaceTildeInDir(filePath)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create manifest %q", filePath)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for ii, entry := range entries {
		if err = enc.Encode(&entry); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "manifest %q: failed to write entry %d", filePath, ii)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to flush manifest %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close manifest %q", filePath)
	}
	return nil
}
