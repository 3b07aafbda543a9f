package config

import "fmt"

// DecoderConfig binds an application decoder to server ports.
type DecoderConfig struct {
	Name  string   `mapstructure:"name"`
	Ports []uint16 `mapstructure:"ports"`
	// Options is decoded into the decoder's own configuration struct.
	Options map[string]any `mapstructure:"options"`
}

// Validate checks the binding.
func (dc *DecoderConfig) Validate() error {
	if dc.Name == "" {
		return fmt.Errorf("decoder name is required")
	}
	if len(dc.Ports) == 0 {
		return fmt.Errorf("decoder %s: at least one port is required", dc.Name)
	}
	for _, p := range dc.Ports {
		if p == 0 {
			return fmt.Errorf("decoder %s: port 0 is not valid", dc.Name)
		}
	}
	return nil
}
