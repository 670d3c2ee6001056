// nemo_an4 trains a small utterance classifier on the CMU AN4 dataset,
// exercising the whole stack: dataset download and manifest preparation,
// module construction from a YAML config, neural graph composition,
// serialization with module reuse, freezing, training and checkpointing.
//
// Usage:
//
//	nemo_an4 --data ~/nemo-data/an4 --epochs 10 --optimizer novograd
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alan101-tech/NeMo/collections/asr"
	"github.com/alan101-tech/NeMo/pkg/core/graph"
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/alan101-tech/NeMo/pkg/ml/checkpoints"
	"github.com/alan101-tech/NeMo/pkg/ml/config"
	"github.com/alan101-tech/NeMo/pkg/ml/data"
	"github.com/alan101-tech/NeMo/pkg/ml/train"
	"github.com/alan101-tech/NeMo/pkg/ml/train/optimizers"
	"github.com/alan101-tech/NeMo/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagData = flag.String("data", "~/nemo-data/an4", "Directory where to download and prepare the dataset.")
	flagURL  = flag.String("url", "https://dldata-public.s3.us-east-2.amazonaws.com/an4_sphere.tar.gz",
		"URL of the AN4 dataset tarball.")
	flagConfig = flag.String("config", "", "Model configuration YAML file. "+
		"If empty or missing, a default configuration is written under --data and used.")

	flagOptimizer = flag.String("optimizer", "novograd",
		fmt.Sprintf("Optimizer to use, one of: %s", strings.Join(optimizers.Names(), ", ")))
	flagLearningRate = flag.Float64("lr", 0.01, "Learning rate.")
	flagWeightDecay  = flag.Float64("weight_decay", 0.001, "Weight decay (L2 regularization).")
	flagEpochs       = flag.Int("epochs", 10, "Number of epochs to train for.")
	flagBatchSize    = flag.Int("batch", 32, "Batch size.")

	flagFreeze = flag.String("freeze", "", "Comma-separated module names to freeze before training.")
	flagThaw   = flag.String("unfreeze", "", "Comma-separated module names to unfreeze before training.")

	flagCheckpoint      = flag.String("checkpoint", "checkpoints", "Directory where to save checkpoints, "+
		"relative to --data if not absolute. Empty disables checkpointing.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 100, "Save a checkpoint every that many steps.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	dataDir := data.ReplaceTildeInDir(*flagData)
	must.M(os.MkdirAll(dataDir, 0755))

	trainManifest, testManifest := prepareDataset(dataDir)
	cfg := loadModelConfig(dataDir)

	// Instantiate the model's modules from the configuration.
	registry := module.NewRegistry()
	must.M1(cfg.BuildModules(registry))

	// Compose the training graph and exercise the serialization round-trip:
	// reloading with reuse wires the very same module instances.
	g := composeTrainingGraph(registry)
	graphPath := filepath.Join(dataDir, "an4_training.graph.yaml")
	must.M(g.Save(graphPath))
	g = must.M1(graph.Load(graphPath, registry, true))
	fmt.Printf("Training graph %q: %d modules, serialized to %s\n",
		g.Name(), len(g.Modules()), graphPath)

	applyFreezing(g)

	var encoderCfg asr.EncoderConfig
	encoderSpec, found := cfg.Module("encoder")
	if !found {
		klog.Exitf("model config has no module named %q", "encoder")
	}
	must.M(module.DecodeParams(encoderSpec.Params, &encoderCfg))

	trainDS := must.M1(asr.NewManifestDataset("an4-train", asr.ManifestDatasetConfig{
		ManifestPath: trainManifest,
		Labels:       cfg.Labels,
		NumFeatures:  encoderCfg.InputDim,
		BatchSize:    *flagBatchSize,
		Shuffle:      true,
	}))
	fmt.Printf("Training dataset: %d utterances, %d batches per epoch\n",
		trainDS.NumExamples(), trainDS.BatchesPerEpoch())

	optimizer := must.M1(optimizers.FromName(*flagOptimizer, optimizers.Hyperparameters{
		LearningRate: *flagLearningRate,
		WeightDecay:  *flagWeightDecay,
	}))
	trainer := must.M1(train.NewTrainer(g, optimizer, asr.LossPort))
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(g).
			DirFromBase(*flagCheckpoint, dataDir).
			Keep(3).Done())
		train.EveryNSteps(loop, *flagCheckpointEvery, "checkpointing", 100, checkpoint.OnStepFn)
	}

	must.M1(loop.RunEpochs(trainDS, *flagEpochs))
	if checkpoint != nil {
		must.M(checkpoint.OnStepFn(loop, nil))
		fmt.Printf("Checkpoints saved under %s\n", checkpoint.Dir())
	}

	evaluate(registry, cfg, testManifest, encoderCfg.InputDim)
}

// prepareDataset downloads and untars AN4 if missing, then builds JSON-lines
// manifests from the transcription files. Returns the manifest paths.
func prepareDataset(dataDir string) (trainManifest, testManifest string) {
	must.M(data.DownloadAndUntarIfMissing(*flagURL, dataDir, "an4_sphere.tar.gz", "an4", ""))
	an4Dir := filepath.Join(dataDir, "an4")

	trainManifest = filepath.Join(dataDir, "an4_train_manifest.json")
	if !data.FileExists(trainManifest) {
		buildManifest(an4Dir, "an4_clstk", filepath.Join(an4Dir, "etc", "an4_train.transcription"), trainManifest)
	}
	testManifest = filepath.Join(dataDir, "an4_test_manifest.json")
	if !data.FileExists(testManifest) {
		buildManifest(an4Dir, "an4test_clstk", filepath.Join(an4Dir, "etc", "an4_test.transcription"), testManifest)
	}
	return
}

// buildManifest converts one AN4 transcription file into a manifest. Each
// transcription line looks like
//
//	<s> YES </s> (an251-fash-b)
//
// and the utterance's audio lives at wav/<split>/<speaker>/<fileid>.sph (the
// NIST SPHERE files the AN4 tarball ships) or .wav if converted, the speaker
// being the middle part of the file id. Utterances whose audio file is missing
// are skipped.
func buildManifest(an4Dir, wavSplit, transcriptionPath, manifestPath string) {
	f := must.M1(os.Open(transcriptionPath))
	defer func() { _ = f.Close() }()
	content := string(must.M1(io.ReadAll(f)))

	var entries []data.ManifestEntry
	var skipped int
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		open := strings.LastIndex(line, "(")
		closing := strings.LastIndex(line, ")")
		if open < 0 || closing < open {
			klog.Warningf("skipping malformed transcription line %q", line)
			continue
		}
		fileID := line[open+1 : closing]
		transcript := strings.TrimSpace(line[:open])
		transcript = strings.ReplaceAll(transcript, "<s>", "")
		transcript = strings.ReplaceAll(transcript, "</s>", "")
		transcript = strings.ToLower(strings.TrimSpace(transcript))
		if transcript == "" {
			continue
		}

		parts := strings.Split(fileID, "-")
		if len(parts) < 2 {
			klog.Warningf("skipping transcription with unexpected file id %q", fileID)
			continue
		}
		speaker := parts[1]
		audioPath := filepath.Join(an4Dir, "wav", wavSplit, speaker, fileID+".wav")
		if !data.FileExists(audioPath) {
			audioPath = filepath.Join(an4Dir, "wav", wavSplit, speaker, fileID+".sph")
		}
		if !data.FileExists(audioPath) {
			skipped++
			continue
		}
		_, duration, err := asr.Featurizer{NumFeatures: 1}.FromFile(audioPath)
		if err != nil {
			klog.Warningf("skipping unreadable audio file %q: %v", audioPath, err)
			skipped++
			continue
		}
		entries = append(entries, data.ManifestEntry{
			AudioFilePath: audioPath,
			Duration:      duration,
			Text:          transcript,
		})
	}
	if skipped > 0 {
		klog.Warningf("%d utterances of %q skipped for missing or unreadable audio", skipped, transcriptionPath)
	}
	must.M(data.WriteManifest(manifestPath, entries))
	fmt.Printf("Wrote manifest %s with %d utterances\n", manifestPath, len(entries))
}

// an4Labels is the default output vocabulary: the characters AN4 transcripts
// are made of.
var an4Labels = []string{
	" ", "a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z", "'",
}

// loadModelConfig loads --config, or writes and loads a default configuration
// under the data directory.
func loadModelConfig(dataDir string) *config.Model {
	path := *flagConfig
	if path == "" {
		path = filepath.Join(dataDir, "an4_model.yaml")
	}
	if !data.FileExists(path) {
		defaultCfg := &config.Model{
			Name:       "an4-tutorial",
			SampleRate: 16000,
			Labels:     an4Labels,
			Modules: []module.Spec{
				{Name: "encoder", Type: asr.EncoderTypeName, Params: map[string]any{
					"input_dim": 64, "hidden_dim": 128,
				}},
				{Name: "decoder", Type: asr.DecoderTypeName, Params: map[string]any{
					"input_dim": 128, "num_classes": len(an4Labels),
				}},
				{Name: "loss", Type: asr.CrossEntropyLossTypeName},
				{Name: "greedy", Type: asr.GreedyDecoderTypeName},
			},
		}
		must.M(defaultCfg.Save(path))
		fmt.Printf("Wrote default model config to %s\n", path)
	}
	return must.M1(config.Load(path))
}

// composeTrainingGraph wires encoder -> decoder -> loss.
func composeTrainingGraph(registry *module.Registry) *graph.Graph {
	g := graph.New("an4_training", graph.Training)
	g.Add(mustModule(registry, "encoder"))
	g.Add(mustModule(registry, "decoder"))
	g.Add(mustModule(registry, "loss"))
	g.Connect("encoder."+asr.EncodedPort, "decoder."+asr.EncodedPort).
		Connect("decoder."+asr.LogProbsPort, "loss."+asr.LogProbsPort).
		BindInput(asr.FeaturesPort, "encoder."+asr.FeaturesPort).
		BindInput(asr.TargetsPort, "loss."+asr.TargetsPort).
		BindOutput(asr.LossPort, "loss."+asr.LossPort)
	return g
}

func mustModule(registry *module.Registry, name string) module.Module {
	m, found := registry.Get(name)
	if !found {
		klog.Exitf("model config has no module named %q", name)
	}
	return m
}

// applyFreezing applies the --freeze and --unfreeze flags.
func applyFreezing(g *graph.Graph) {
	if *flagFreeze != "" {
		names := strings.Split(*flagFreeze, ",")
		must.M(g.FreezeModules(names...))
		fmt.Printf("Froze modules: %s\n", strings.Join(names, ", "))
	}
	if *flagThaw != "" {
		names := strings.Split(*flagThaw, ",")
		must.M(g.UnfreezeModules(names...))
		fmt.Printf("Unfroze modules: %s\n", strings.Join(names, ", "))
	}
}

// evaluate composes an inference graph reusing the trained encoder and decoder
// plus the greedy decoder, and reports accuracy on the test manifest.
func evaluate(registry *module.Registry, cfg *config.Model, testManifest string, numFeatures int) {
	g := graph.New("an4_inference", graph.Inference)
	g.Add(mustModule(registry, "encoder"))
	g.Add(mustModule(registry, "decoder"))
	g.Add(mustModule(registry, "greedy"))
	g.Connect("encoder."+asr.EncodedPort, "decoder."+asr.EncodedPort).
		Connect("decoder."+asr.LogProbsPort, "greedy."+asr.LogProbsPort).
		BindInput(asr.FeaturesPort, "encoder."+asr.FeaturesPort).
		BindOutput(asr.PredictionsPort, "greedy."+asr.PredictionsPort)

	testDS := must.M1(asr.NewManifestDataset("an4-test", asr.ManifestDatasetConfig{
		ManifestPath: testManifest,
		Labels:       cfg.Labels,
		NumFeatures:  numFeatures,
		BatchSize:    *flagBatchSize,
	}))

	var correct, total int
	for {
		_, batch, err := testDS.Yield()
		if err == io.EOF {
			break
		}
		must.M(err)
		outputs := must.M1(g.Forward(map[string]*tensors.Tensor{
			asr.FeaturesPort: batch[asr.FeaturesPort],
		}))
		predictions := tensors.Flat[int64](outputs[asr.PredictionsPort])
		targets := tensors.Flat[int64](batch[asr.TargetsPort])
		for ii, p := range predictions {
			if p == targets[ii] {
				correct++
			}
			total++
		}
	}
	fmt.Println(formatAccuracy(correct, total))
}

// formatAccuracy reports the test accuracy, guarding against an empty test set.
func formatAccuracy(correct, total int) string {
	if total == 0 {
		return "Test set is empty, no accuracy to report."
	}
	return fmt.Sprintf("Test accuracy: %.1f%% (%d of %d utterances)",
		100*float64(correct)/float64(total), correct, total)
}
