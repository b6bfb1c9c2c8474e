package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/xvc"
)

// serveConfig is the resolved server configuration: defaults, then the TOML
// file, then command-line flags, each layer overriding the previous.
type serveConfig struct {
	Port   int
	Driver string
	Settle int
	Pins   jtag.GPIOPins

	ProbeVID uint16
	ProbePID uint16
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Port:   xvc.DefaultPort,
		Driver: "gpio",
		Settle: jtag.DefaultSettle,
		Pins: jtag.GPIOPins{
			TCK: "GPIO6",
			TMS: "GPIO13",
			TDI: "GPIO19",
			TDO: "GPIO26",
		},
		ProbeVID: 0x2E8A,
		ProbePID: 0x000C,
	}
}

type fileConfig struct {
	Port     int    `toml:"port"`
	Driver   string `toml:"driver"`
	Settle   int    `toml:"settle"`
	TCK      string `toml:"tck"`
	TMS      string `toml:"tms"`
	TDI      string `toml:"tdi"`
	TDO      string `toml:"tdo"`
	ProbeVID string `toml:"probe_vid"`
	ProbePID string `toml:"probe_pid"`
}

func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serveConfig{}, fmt.Errorf("load xvcd config: %w", err)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}

	if meta.IsDefined("driver") {
		driver := strings.TrimSpace(raw.Driver)
		if driver != "gpio" && driver != "dap" {
			return serveConfig{}, fmt.Errorf("unknown driver %q (want gpio or dap)", driver)
		}
		cfg.Driver = driver
	}

	if meta.IsDefined("settle") {
		// Non-positive counts fall back to the engine default.
		cfg.Settle = raw.Settle
	}

	if meta.IsDefined("tck") {
		cfg.Pins.TCK = strings.TrimSpace(raw.TCK)
	}
	if meta.IsDefined("tms") {
		cfg.Pins.TMS = strings.TrimSpace(raw.TMS)
	}
	if meta.IsDefined("tdi") {
		cfg.Pins.TDI = strings.TrimSpace(raw.TDI)
	}
	if meta.IsDefined("tdo") {
		cfg.Pins.TDO = strings.TrimSpace(raw.TDO)
	}

	if meta.IsDefined("probe_vid") {
		if cfg.ProbeVID, err = parseUSBID(raw.ProbeVID); err != nil {
			return serveConfig{}, fmt.Errorf("parse probe_vid: %w", err)
		}
	}
	if meta.IsDefined("probe_pid") {
		if cfg.ProbePID, err = parseUSBID(raw.ProbePID); err != nil {
			return serveConfig{}, fmt.Errorf("parse probe_pid: %w", err)
		}
	}

	return cfg, nil
}

// parseUSBID parses a hex VID or PID like "0x2e8a" or "2E8A".
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB ID %q", s)
	}
	return uint16(v), nil
}
