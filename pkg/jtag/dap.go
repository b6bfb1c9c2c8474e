package jtag

import "fmt"

// DAPPinDriver drives the JTAG lines one transition at a time through a
// CMSIS-DAP probe's DAP_SWJ_Pins command. Each Set that changes a line costs
// a USB round trip, so this backend is slow; it exists for hosts without
// directly wired GPIOs.
type DAPPinDriver struct {
	transport *DAPTransport
	protocol  *DAPProtocol

	outState  byte
	connected bool
	err       error
}

// NewDAPPinDriver opens the probe, connects its JTAG port, and parks the
// lines at the idle levels (TMS high, TCK and TDI low).
func NewDAPPinDriver(vid, pid uint16) (*DAPPinDriver, error) {
	transport, err := NewDAPTransport(vid, pid)
	if err != nil {
		return nil, err
	}

	d := &DAPPinDriver{
		transport: transport,
		protocol:  NewDAPProtocol(transport.PacketSize()),
		outState:  SWJPinTMS,
	}

	resp, err := transport.WriteRead(d.protocol.EncodeConnect(PortJTAG))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("jtag: DAP connect: %w", err)
	}
	port, err := d.protocol.DecodeConnect(resp)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if port != PortJTAG {
		transport.Close()
		return nil, fmt.Errorf("jtag: probe connected port %d, want JTAG", port)
	}
	d.connected = true

	if _, err := d.sendPins(d.outState, SWJPinTCK|SWJPinTMS|SWJPinTDI); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// ProbeDescription queries the probe's vendor, product, and firmware strings.
func (d *DAPPinDriver) ProbeDescription() (string, error) {
	var parts [3]string
	for i, id := range []byte{InfoVendorID, InfoProductID, InfoFirmwareVer} {
		resp, err := d.transport.WriteRead(d.protocol.EncodeInfo(id))
		if err != nil {
			return "", err
		}
		parts[i], _ = d.protocol.DecodeInfo(resp)
	}
	return fmt.Sprintf("%s %s (fw %s)", parts[0], parts[1], parts[2]), nil
}

func (d *DAPPinDriver) sendPins(output, sel byte) (byte, error) {
	resp, err := d.transport.WriteRead(d.protocol.EncodeSWJPins(output, sel, 0))
	if err != nil {
		return 0, err
	}
	return d.protocol.DecodeSWJPins(resp)
}

func (d *DAPPinDriver) Set(sig Signal, level bool) {
	var bit byte
	switch sig {
	case SignalTCK:
		bit = SWJPinTCK
	case SignalTMS:
		bit = SWJPinTMS
	case SignalTDI:
		bit = SWJPinTDI
	default:
		return
	}

	prev := d.outState
	if level {
		d.outState |= bit
	} else {
		d.outState &^= bit
	}
	// Levels are latched on the probe; skip redundant round trips.
	if d.outState == prev {
		return
	}
	if _, err := d.sendPins(d.outState, bit); err != nil && d.err == nil {
		d.err = err
	}
}

func (d *DAPPinDriver) Get(sig Signal) bool {
	if sig != SignalTDO {
		return false
	}
	state, err := d.sendPins(0, 0)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return false
	}
	return state&SWJPinTDO != 0
}

// Err reports the first transaction failure latched by Set or Get, if any.
func (d *DAPPinDriver) Err() error { return d.err }

// Close disconnects the probe and releases the USB resources.
func (d *DAPPinDriver) Close() error {
	if d.connected {
		if resp, err := d.transport.WriteRead(d.protocol.EncodeDisconnect()); err == nil {
			_ = d.protocol.DecodeDisconnect(resp)
		}
		d.connected = false
	}
	return d.transport.Close()
}
