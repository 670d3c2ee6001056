// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"io"
	"math/rand"
	"strings"

	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/alan101-tech/NeMo/pkg/ml/data"
	"github.com/alan101-tech/NeMo/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ManifestDatasetConfig configures a ManifestDataset.
type ManifestDatasetConfig struct {
	// ManifestPath points to the JSON-lines manifest of the dataset split.
	ManifestPath string

	// Labels is the vocabulary, one class per entry. Each utterance's target
	// class is the vocabulary index of its transcript's leading character, a
	// stand-in task that exercises the training machinery end to end.
	Labels []string

	// NumFeatures per utterance, see Featurizer.
	NumFeatures int

	// BatchSize of the yielded batches. The last batch of an epoch may be
	// smaller.
	BatchSize int

	// Shuffle reorders the utterances on every Reset.
	Shuffle bool

	// Seed of the shuffling. 0 selects the default.
	Seed int64
}

// ManifestDataset is a train.Dataset backed by a manifest file: it featurizes
// each listed audio file once, up front, and yields (features, targets)
// batches keyed by the collection's port names.
type ManifestDataset struct {
	name string
	cfg  ManifestDatasetConfig

	features [][]float32 // One vector of cfg.NumFeatures per utterance.
	targets  []int64

	order []int
	pos   int
	rng   *rand.Rand
}

var _ train.Dataset = (*ManifestDataset)(nil)

// NewManifestDataset reads the manifest, featurizes every utterance and
// returns the dataset ready to Yield. Utterances whose audio file is missing
// are skipped with a warning.
func NewManifestDataset(name string, cfg ManifestDatasetConfig) (*ManifestDataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: BatchSize must be positive, got %d", name, cfg.BatchSize)
	}
	entries, err := data.ReadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("dataset %q: manifest %q is empty", name, cfg.ManifestPath)
	}
	labelIndex := make(map[string]int64, len(cfg.Labels))
	for ii, label := range cfg.Labels {
		labelIndex[label] = int64(ii)
	}

	if cfg.Seed == 0 {
		cfg.Seed = defaultInitSeed
	}
	featurizer := Featurizer{NumFeatures: cfg.NumFeatures}
	ds := &ManifestDataset{name: name, cfg: cfg}
	ds.rng = rand.New(rand.NewSource(cfg.Seed))
	for _, entry := range entries {
		target, err := targetClass(entry.Text, labelIndex)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q, utterance %q", name, entry.AudioFilePath)
		}
		if !data.FileExists(entry.AudioFilePath) {
			klog.Warningf("dataset %q: audio file %q listed in manifest not found, skipping", name, entry.AudioFilePath)
			continue
		}
		features, _, err := featurizer.FromFile(entry.AudioFilePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", name)
		}
		ds.features = append(ds.features, features)
		ds.targets = append(ds.targets, target)
	}
	if len(ds.features) == 0 {
		return nil, errors.Errorf("dataset %q: no usable utterances in manifest %q", name, cfg.ManifestPath)
	}
	ds.order = make([]int, len(ds.features))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// targetClass maps a transcript to its class: the vocabulary index of its
// leading character.
func targetClass(text string, labelIndex map[string]int64) (int64, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return 0, errors.New("empty transcript")
	}
	leading := string([]rune(text)[0])
	target, found := labelIndex[leading]
	if !found {
		return 0, errors.Errorf("leading character %q of transcript %q is not in the vocabulary", leading, text)
	}
	return target, nil
}

// Name implements train.Dataset.
func (ds *ManifestDataset) Name() string { return ds.name }

// NumExamples of the dataset after featurization.
func (ds *ManifestDataset) NumExamples() int { return len(ds.features) }

// BatchesPerEpoch returns how many batches one pass over the data yields.
func (ds *ManifestDataset) BatchesPerEpoch() int {
	return (len(ds.features) + ds.cfg.BatchSize - 1) / ds.cfg.BatchSize
}

// Yield implements train.Dataset: batches are keyed by FeaturesPort and
// TargetsPort.
func (ds *ManifestDataset) Yield() (spec any, batch map[string]*tensors.Tensor, err error) {
	if ds.pos >= len(ds.order) {
		return nil, nil, io.EOF
	}
	end := ds.pos + ds.cfg.BatchSize
	if end > len(ds.order) {
		end = len(ds.order)
	}
	indices := ds.order[ds.pos:end]
	ds.pos = end

	batchSize := len(indices)
	features := make([]float32, 0, batchSize*ds.cfg.NumFeatures)
	targets := make([]int64, 0, batchSize)
	for _, idx := range indices {
		features = append(features, ds.features[idx]...)
		targets = append(targets, ds.targets[idx])
	}
	batch = map[string]*tensors.Tensor{
		FeaturesPort: tensors.FromFlat(features, batchSize, ds.cfg.NumFeatures),
		TargetsPort:  tensors.FromFlat(targets, batchSize),
	}
	return nil, batch, nil
}

// Reset implements train.Dataset.
func (ds *ManifestDataset) Reset() {
	ds.pos = 0
	if ds.cfg.Shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}
