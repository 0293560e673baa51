// Package stt defines the Provider interface for streaming speech-to-text
// decoders.
//
// A decoder wraps a local acoustic model (e.g., Vosk or whisper.cpp) and
// consumes fixed-format audio incrementally: every call to [Decoder.Accept]
// delivers one block of 16 kHz mono int16 PCM and reports whether the decoder
// has committed an utterance. Committed text is read with
// [Decoder.FinalText]; the revisable hypothesis for the utterance in progress
// is read with [Decoder.PartialText].
//
// Decoders are driven by a single goroutine and need not be safe for
// concurrent use. Providers must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// SampleRate is the fixed input rate of every decoder, in Hz.
const SampleRate = 16000

// ErrModelNotFound is returned by [Provider.Load] when the model path does not
// exist.
var ErrModelNotFound = errors.New("stt: model not found")

// LoadConfig describes the model to load.
type LoadConfig struct {
	// ModelPath is a model directory or file, depending on the backend.
	ModelPath string

	// SampleRate of the PCM passed to Accept. Zero means [SampleRate].
	SampleRate int

	// Language is a BCP-47 language hint. Backends without language
	// selection ignore it.
	Language string
}

// Decoder is a loaded streaming recognizer.
type Decoder interface {
	// Accept feeds one block of little-endian int16 mono PCM. It returns true
	// when the block completed an utterance; the utterance is then available
	// from FinalText. An error is fatal for the decoder.
	Accept(pcm []byte) (final bool, err error)

	// FinalText returns the text of the utterance committed by the most
	// recent Accept that returned true. It may be empty when the decoder
	// committed silence.
	FinalText() string

	// PartialText returns the current hypothesis for the utterance in
	// progress, or "" when there is none.
	PartialText() string

	// Close releases the model resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider loads decoders for one backend.
type Provider interface {
	// Load loads the model described by cfg. Loading may take seconds.
	// Errors wrap [ErrModelNotFound] when the model path does not exist.
	Load(ctx context.Context, cfg LoadConfig) (Decoder, error)
}
