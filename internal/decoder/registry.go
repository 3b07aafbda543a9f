// Package decoder keeps the application decoders known by name and picks
// one for each new conversation.
package decoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

// Factory builds a decoder from its raw options.
type Factory func(options map[string]any) (engine.Decoder, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a decoder available under name. Registering a name twice
// panics.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("decoder '%s' already registered", name))
	}
	factories[name] = f
}

// Build creates the decoder registered under name.
func Build(name string, options map[string]any) (engine.Decoder, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decoder '%s': %w", name, core.ErrDecoderNotFound)
	}
	d, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("decoder '%s': %w", name, err)
	}
	return d, nil
}

// Registered returns the registered names in order.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes raw options into out, a pointer to a decoder's
// configuration struct. Unknown keys are an error.
func DecodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
