package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected CMSIS-DAP probes",
	Long: `Enumerate USB devices matching known CMSIS-DAP vendor/product IDs.
Any listed probe can be used with 'serve --driver dap'.`,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	probes, err := jtag.EnumerateDAPProbes()
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		fmt.Println("No CMSIS-DAP probes found")
		return nil
	}
	for _, p := range probes {
		fmt.Printf("%04X:%04X  %s", p.VID, p.PID, p.Description)
		if p.SerialNumber != "" {
			fmt.Printf("  (serial %s)", p.SerialNumber)
		}
		fmt.Println()
	}
	return nil
}
