// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

// An Encoder serializes a model's state into an opaque blob.
type Encoder interface {
	EncodeState() ([]byte, error)
}

// A Decoder restores a model's state from a blob produced by the
// matching Encoder.
type Decoder interface {
	DecodeState([]byte) error
}

// Model is the training logic's state, as far as gangrun is
// concerned: something that can be encoded on one side and decoded
// on the other.
type Model interface {
	Encoder
	Decoder
}

// A DeviceMover is a Model that can place its state on a compute
// device ("cpu" or "cuda:0").
type DeviceMover interface {
	ToDevice(device string) error
}

// A MemoryReleaser is a Model that holds accelerator memory which
// should be freed when its worker shuts down.
type MemoryReleaser interface {
	ReleaseMemory()
}
