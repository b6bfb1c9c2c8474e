package jtag

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// Default packet size for CMSIS-DAP v1/v2 bulk endpoints.
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// ProbeInfo describes a detected CMSIS-DAP probe.
type ProbeInfo struct {
	VID          uint16
	PID          uint16
	SerialNumber string
	Description  string
}

type knownProbe struct {
	VID         uint16
	PID         uint16
	Description string
}

var knownDAPProbes = []knownProbe{
	{VID: 0x2E8A, PID: 0x000C, Description: "Raspberry Pi CMSIS-DAP"},
	{VID: 0x0D28, PID: 0x0204, Description: "DAPLink CMSIS-DAP"},
	{VID: 0x1366, PID: 0x0101, Description: "SEGGER J-Link CMSIS-DAP"},
}

// DAPTransport handles bulk USB communication with a CMSIS-DAP probe.
// Commands and responses are fixed-size packets; Write pads to the packet
// size the interface advertises.
type DAPTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// NewDAPTransport opens the probe with the given VID/PID, claims its vendor
// interface, and resolves the bulk endpoint pair.
func NewDAPTransport(vid, pid uint16) (*DAPTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: USB open: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: probe not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Needed on Linux when a kernel driver (e.g. hidraw) holds the interface.
	_ = dev.SetAutoDetach(true)

	t := &DAPTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}
	if err := t.open(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

// open claims the vendor interface and finds the bulk IN/OUT endpoints.
func (t *DAPTransport) open() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("jtag: USB config: %w", err)
	}

	// CMSIS-DAP v2 exposes a vendor-specific interface; fall back to 0.
	intfNum := 0
	for _, desc := range cfg.Desc.Interfaces {
		if len(desc.AltSettings) > 0 && desc.AltSettings[0].Class == gousb.ClassVendorSpec {
			intfNum = desc.Number
			break
		}
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		return fmt.Errorf("jtag: claim interface %d: %w", intfNum, err)
	}
	t.intf = intf

	outNum, inNum := 0, 0
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if outNum == 0 {
				outNum = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if inNum == 0 {
				inNum = ep.Number
				t.packetSize = ep.MaxPacketSize
			}
		}
	}
	if outNum == 0 || inNum == 0 {
		intf.Close()
		return fmt.Errorf("jtag: bulk endpoint pair not found on interface %d", intfNum)
	}

	if t.epOut, err = intf.OutEndpoint(outNum); err != nil {
		intf.Close()
		return fmt.Errorf("jtag: open OUT endpoint: %w", err)
	}
	if t.epIn, err = intf.InEndpoint(inNum); err != nil {
		intf.Close()
		return fmt.Errorf("jtag: open IN endpoint: %w", err)
	}
	return nil
}

// WriteRead performs one command/response transaction.
func (t *DAPTransport) WriteRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, t.packetSize)
	copy(packet, cmd)
	if _, err := t.epOut.Write(packet); err != nil {
		return nil, fmt.Errorf("jtag: USB write: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("jtag: USB read: %w", err)
	}
	return resp[:n], nil
}

// PacketSize returns the negotiated packet size.
func (t *DAPTransport) PacketSize() int {
	return t.packetSize
}

// Close releases the interface, device, and context.
func (t *DAPTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

// EnumerateDAPProbes lists connected probes matching the known CMSIS-DAP
// VID/PID pairs.
func EnumerateDAPProbes() ([]ProbeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var probes []ProbeInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, known := range knownDAPProbes {
			if uint16(desc.Vendor) == known.VID && uint16(desc.Product) == known.PID {
				return true
			}
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return nil, fmt.Errorf("jtag: enumerate probes: %w", err)
	}

	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		probes = append(probes, ProbeInfo{
			VID:          uint16(dev.Desc.Vendor),
			PID:          uint16(dev.Desc.Product),
			SerialNumber: serial,
			Description:  fmt.Sprintf("%s %s", manufacturer, product),
		})
		dev.Close()
	}
	return probes, nil
}
