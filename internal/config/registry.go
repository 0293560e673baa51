package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	audio       map[string]func(AudioConfig) (audio.Host, error)
	decoders    map[string]func(DecoderConfig) (stt.Provider, error)
	punctuators map[string]func(PunctuationConfig) (punct.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:       make(map[string]func(AudioConfig) (audio.Host, error)),
		decoders:    make(map[string]func(DecoderConfig) (stt.Provider, error)),
		punctuators: make(map[string]func(PunctuationConfig) (punct.Provider, error)),
	}
}

// RegisterAudio registers an audio host factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Host, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterDecoder registers an acoustic decoder factory under name.
func (r *Registry) RegisterDecoder(name string, factory func(DecoderConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = factory
}

// RegisterPunctuator registers a punctuation backend factory under name.
func (r *Registry) RegisterPunctuator(name string, factory func(PunctuationConfig) (punct.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.punctuators[name] = factory
}

// CreateAudio instantiates the audio host named by cfg.Host.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Host, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Host)
	}
	return factory(cfg)
}

// CreateDecoder instantiates the decoder provider named by cfg.Name.
func (r *Registry) CreateDecoder(cfg DecoderConfig) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.decoders[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: decoder/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreatePunctuator instantiates the punctuation provider named by cfg.Name.
func (r *Registry) CreatePunctuator(cfg PunctuationConfig) (punct.Provider, error) {
	r.mu.RLock()
	factory, ok := r.punctuators[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: punctuation/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the sorted names registered for kind ("audio", "decoder",
// or "punctuation"). Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "audio":
		for n := range r.audio {
			names = append(names, n)
		}
	case "decoder":
		for n := range r.decoders {
			names = append(names, n)
		}
	case "punctuation":
		for n := range r.punctuators {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
