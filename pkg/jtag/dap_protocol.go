package jtag

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP command IDs used by the pin-level driver.
const (
	CmdInfo       = 0x00
	CmdConnect    = 0x02
	CmdDisconnect = 0x03
	CmdSWJPins    = 0x10
)

// DAP_Info Info IDs
const (
	InfoVendorID    = 0x01
	InfoProductID   = 0x02
	InfoSerialNum   = 0x03
	InfoFirmwareVer = 0x04
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_SWJ_Pins bit positions. TCK/TMS/TDI are outputs from the probe's point
// of view, TDO is the sampled input.
const (
	SWJPinTCK byte = 1 << 0
	SWJPinTMS byte = 1 << 1
	SWJPinTDI byte = 1 << 2
	SWJPinTDO byte = 1 << 3
)

// DAPProtocol encodes and decodes the handful of CMSIS-DAP commands the
// pin driver needs.
type DAPProtocol struct {
	PacketSize int
}

// NewDAPProtocol creates a protocol codec for the given packet size.
func NewDAPProtocol(packetSize int) *DAPProtocol {
	return &DAPProtocol{PacketSize: packetSize}
}

// EncodeInfo builds a DAP_Info command.
func (p *DAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response into its string payload.
func (p *DAPProtocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("jtag: info response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("jtag: invalid command ID: 0x%02X", resp[0])
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("jtag: incomplete info string")
	}
	return string(resp[2 : 2+length]), nil
}

// EncodeConnect builds a DAP_Connect command.
func (p *DAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response and returns the granted port.
func (p *DAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("jtag: connect response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("jtag: invalid command ID: 0x%02X", resp[0])
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("jtag: connection refused by probe")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command.
func (p *DAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response.
func (p *DAPProtocol) DecodeDisconnect(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("jtag: disconnect response too short")
	}
	if resp[0] != CmdDisconnect {
		return fmt.Errorf("jtag: invalid command ID: 0x%02X", resp[0])
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("jtag: disconnect failed")
	}
	return nil
}

// EncodeSWJPins builds a DAP_SWJ_Pins command. output carries the desired
// levels, sel masks which pins to drive (zero means read-only), and waitMicros
// bounds how long the probe waits for the pins to reach the requested state.
func (p *DAPProtocol) EncodeSWJPins(output, sel byte, waitMicros uint32) []byte {
	cmd := make([]byte, 7)
	cmd[0] = CmdSWJPins
	cmd[1] = output
	cmd[2] = sel
	binary.LittleEndian.PutUint32(cmd[3:], waitMicros)
	return cmd
}

// DecodeSWJPins parses a DAP_SWJ_Pins response and returns the sampled pin
// state byte.
func (p *DAPProtocol) DecodeSWJPins(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("jtag: pins response too short")
	}
	if resp[0] != CmdSWJPins {
		return 0, fmt.Errorf("jtag: invalid command ID: 0x%02X", resp[0])
	}
	return resp[1], nil
}
