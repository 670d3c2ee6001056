// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
)

// Dataset provides the data for a Trainer, one batch at a time.
//
// A batch is a map from graph input port names to tensors -- the Trainer feeds
// it straight into the training graph's bound inputs.
type Dataset interface {
	// Name identifies the dataset, for logging and error messages.
	Name() string

	// Yield returns the next batch, keyed by the training graph's input port
	// names, or io.EOF when the dataset is exhausted.
	//
	// The `spec` is an opaque dataset-defined value passed through to hooks;
	// it can simply be nil.
	Yield() (spec any, batch map[string]*tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning. Called after io.EOF, for
	// instance between epochs.
	Reset()
}
