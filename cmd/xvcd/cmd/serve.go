package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/xvc"
)

var (
	cfgFile     string
	servePort   int
	serveDriver string
	serveSettle int
	pinTCK      string
	pinTMS      string
	pinTDI      string
	pinTDO      string
	probeVID    string
	probePID    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the XVC server",
	Long: `Run the Xilinx Virtual Cable server: accept XVC connections on the
configured TCP port and drive each shift request onto the JTAG lines.

All sessions share the one physical chain; the server services them one
command round at a time, so bus access is never interleaved.

Examples:
  # Raspberry Pi header wiring, default pins
  xvcd serve

  # Explicit pins and a slower settle count
  xvcd serve --tck GPIO11 --tms GPIO25 --tdi GPIO10 --tdo GPIO9 --delay 80

  # Drive the lines through a DAPLink probe instead of host GPIOs
  xvcd serve --driver dap --probe-vid 0x0d28 --probe-pid 0x0204`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "",
		"TOML config file (flags override file values)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", xvc.DefaultPort,
		"TCP listen port")
	serveCmd.Flags().StringVarP(&serveDriver, "driver", "D", "gpio",
		"pin driver backend (gpio, dap)")
	serveCmd.Flags().IntVarP(&serveSettle, "delay", "d", jtag.DefaultSettle,
		"settle iterations between line transitions")
	serveCmd.Flags().StringVar(&pinTCK, "tck", "GPIO6", "TCK line name")
	serveCmd.Flags().StringVar(&pinTMS, "tms", "GPIO13", "TMS line name")
	serveCmd.Flags().StringVar(&pinTDI, "tdi", "GPIO19", "TDI line name")
	serveCmd.Flags().StringVar(&pinTDO, "tdo", "GPIO26", "TDO line name")
	serveCmd.Flags().StringVar(&probeVID, "probe-vid", "0x2e8a",
		"CMSIS-DAP probe USB vendor ID (driver dap)")
	serveCmd.Flags().StringVar(&probePID, "probe-pid", "0x000c",
		"CMSIS-DAP probe USB product ID (driver dap)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg := defaultServeConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = loadServeConfig(cfgFile); err != nil {
			return err
		}
	}
	if err := applyServeFlags(cmd, &cfg); err != nil {
		return err
	}

	drv, err := openDriver(cfg, log)
	if err != nil {
		return fmt.Errorf("open %s driver: %w", cfg.Driver, err)
	}

	engine := jtag.NewEngine(drv, cfg.Settle, log)
	defer engine.Close()
	engine.Idle()

	stop := &atomic.Bool{}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		stop.Store(true)
	}()

	srv := xvc.NewServer(cfg.Port, engine, stop, log)
	if err := srv.Listen(); err != nil {
		// The deferred engine close releases the driver before exit.
		return err
	}
	if err := srv.Serve(); err != nil {
		return err
	}
	if err := engine.Err(); err != nil {
		log.Warn().Err(err).Msg("line errors were latched during operation")
	}
	return nil
}

// applyServeFlags overlays explicitly set flags onto the config.
func applyServeFlags(cmd *cobra.Command, cfg *serveConfig) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("driver") {
		if serveDriver != "gpio" && serveDriver != "dap" {
			return fmt.Errorf("unknown driver %q (want gpio or dap)", serveDriver)
		}
		cfg.Driver = serveDriver
	}
	if flags.Changed("delay") {
		cfg.Settle = serveSettle
	}
	if flags.Changed("tck") {
		cfg.Pins.TCK = pinTCK
	}
	if flags.Changed("tms") {
		cfg.Pins.TMS = pinTMS
	}
	if flags.Changed("tdi") {
		cfg.Pins.TDI = pinTDI
	}
	if flags.Changed("tdo") {
		cfg.Pins.TDO = pinTDO
	}

	var err error
	if flags.Changed("probe-vid") {
		if cfg.ProbeVID, err = parseUSBID(probeVID); err != nil {
			return err
		}
	}
	if flags.Changed("probe-pid") {
		if cfg.ProbePID, err = parseUSBID(probePID); err != nil {
			return err
		}
	}
	return nil
}

func openDriver(cfg serveConfig, log zerolog.Logger) (jtag.PinDriver, error) {
	switch cfg.Driver {
	case "gpio":
		log.Debug().
			Str("tck", cfg.Pins.TCK).Str("tms", cfg.Pins.TMS).
			Str("tdi", cfg.Pins.TDI).Str("tdo", cfg.Pins.TDO).
			Msg("opening GPIO driver")
		return jtag.NewGPIODriver(cfg.Pins)
	case "dap":
		log.Debug().
			Uint16("vid", cfg.ProbeVID).Uint16("pid", cfg.ProbePID).
			Msg("opening CMSIS-DAP driver")
		drv, err := jtag.NewDAPPinDriver(cfg.ProbeVID, cfg.ProbePID)
		if err != nil {
			return nil, err
		}
		if desc, err := drv.ProbeDescription(); err == nil {
			log.Info().Str("probe", desc).Msg("probe connected")
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
