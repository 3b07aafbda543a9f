// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/log"
)

var (
	// Global flags
	configFile string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "segscope",
	Short: "segscope - TCP sequence analysis and stream reassembly for capture files",
	Long: `segscope reads pcap and pcapng captures, diagnoses every TCP segment
(retransmissions, out-of-order delivery, duplicate ACKs, zero windows, ...)
and reassembles application messages that span several segments.

Features:
  - Sequence analysis: per-direction flow state, expert findings per segment
  - Desegmentation: out-of-order buffering, multi-segment message tracking
  - Decoders: SIP over TCP, length-prefixed framing, until-close streams
  - Reports: text, JSON, YAML or msgpack, with an expert summary
  - Live capture from an interface and hex dumps of selected frames`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and SEGSCOPE_* env vars apply without one)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(hexdumpCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig loads the configuration and initialises logging before any
// command that analyses a capture.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Name() == validateCmd.Name() {
		return nil
	}
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(c.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	cfg = c
	return nil
}
