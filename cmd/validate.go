package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/segscope/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate loads a configuration file the way analyze does, applies the
defaults and environment overrides and builds every configured decoder,
without reading a capture.

Examples:
  segscope validate -c segscope.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, stdout io.Writer) error {
	c, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	if _, err := newSelector(c); err != nil {
		return fmt.Errorf("INVALID: decoders: %w", err)
	}

	ports := 0
	for _, d := range c.Decoders {
		ports += len(d.Ports)
	}
	fmt.Fprintf(stdout, "VALID: %d decoder(s) on %d port(s), output %s, max depth %d\n",
		len(c.Decoders), ports, c.Output.Format, c.Reassembly.MaxDepth)
	return nil
}
