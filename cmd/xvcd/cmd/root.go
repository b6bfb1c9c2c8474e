package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "xvcd",
	Short: "Xilinx Virtual Cable server for bit-banged JTAG",
	Long: `xvcd bridges the Xilinx Virtual Cable (XVC) protocol to a physical JTAG
chain driven over four discrete digital I/O lines (TCK, TMS, TDI, TDO),
either through host GPIOs or a CMSIS-DAP probe's pin-level interface.

Examples:
  xvcd serve                                        # GPIO driver, default pins, port 2542
  xvcd serve --tck GPIO6 --tms GPIO13 --tdi GPIO19 --tdo GPIO26
  xvcd serve --config xvcd.toml --verbose           # settings from a TOML file
  xvcd probes                                       # list connected CMSIS-DAP probes`,
	Version: "1.0.0",
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// newLogger builds the process logger; --verbose maps to debug level.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
