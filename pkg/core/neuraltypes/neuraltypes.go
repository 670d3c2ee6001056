// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package neuraltypes implements the semantic typing of module ports.
//
// Every input and output port of a neural module carries a Type: an element
// kind (what the values mean, e.g. audio samples, log-probabilities) plus axis
// descriptors (batch, time, channel, ...). When two ports are connected the
// producer's type must be accepted by the consumer's type; this catches wiring
// mistakes at graph composition time, before anything runs.
package neuraltypes

import (
	"fmt"
	"strings"
)

// Element is the semantic kind of the values flowing through a port.
type Element string

const (
	// AnyElement accepts every element kind.
	AnyElement Element = "any"

	AudioSignal           Element = "audio_signal"
	SpectrogramFeatures   Element = "spectrogram_features"
	EncodedRepresentation Element = "encoded_representation"
	LogProbabilities      Element = "log_probabilities"
	Labels                Element = "labels"
	Predictions           Element = "predictions"
	Lengths               Element = "lengths"
	Loss                  Element = "loss"
)

// AxisKind describes the semantics of one tensor axis.
type AxisKind string

const (
	AnyAxis     AxisKind = "any"
	BatchAxis   AxisKind = "batch"
	TimeAxis    AxisKind = "time"
	ChannelAxis AxisKind = "channel"
)

// Type of a port: an element kind and the expected axes, outermost first.
// A Type with no axes describes a scalar (e.g. a loss value).
type Type struct {
	Element Element
	Axes    []AxisKind
}

// New creates a Type with the given element kind and axes.
func New(element Element, axes ...AxisKind) Type {
	return Type{Element: element, Axes: axes}
}

// Scalar creates an axis-less Type, e.g. for loss outputs.
func Scalar(element Element) Type {
	return Type{Element: element}
}

// String implements fmt.Stringer, e.g. "log_probabilities[batch, time]".
func (t Type) String() string {
	if len(t.Axes) == 0 {
		return string(t.Element)
	}
	axes := make([]string, len(t.Axes))
	for ii, a := range t.Axes {
		axes[ii] = string(a)
	}
	return fmt.Sprintf("%s[%s]", t.Element, strings.Join(axes, ", "))
}

// Accepts reports whether a value of type `producer` can be fed into a port
// declared with type t. A general type accepts a more specific one: AnyElement
// accepts every element kind, and an AnyAxis position accepts every axis kind.
// Axis counts must always match.
func (t Type) Accepts(producer Type) bool {
	if t.Element != AnyElement && t.Element != producer.Element {
		return false
	}
	if len(t.Axes) != len(producer.Axes) {
		return false
	}
	for ii, axis := range t.Axes {
		if axis != AnyAxis && axis != producer.Axes[ii] {
			return false
		}
	}
	return true
}
