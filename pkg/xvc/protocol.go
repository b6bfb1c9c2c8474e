// Package xvc implements the Xilinx Virtual Cable server side: the TCP wire
// protocol (getinfo, settck, shift) and the single-threaded connection
// multiplexer that serializes all scan-chain access onto one JTAG engine.
package xvc

import "errors"

const (
	// DefaultPort is the conventional XVC listen port.
	DefaultPort = 2542

	// InfoReply is the fixed getinfo response. The trailing 2048 advertises
	// the input vector capacity in bytes.
	InfoReply = "xvcServer_v1.0:2048\n"

	// InputBufferSize bounds one shift command's combined TMS+TDI payload.
	InputBufferSize = 2048
)

var (
	// ErrShutdown is surfaced by connection reads and writes when the process
	// stop flag is raised mid-call; it is a request to unwind, not a failure.
	ErrShutdown = errors.New("xvc: shutdown requested")

	// ErrBufferExceeded reports a shift whose declared bit count does not fit
	// the session input buffer.
	ErrBufferExceeded = errors.New("xvc: shift payload exceeds buffer capacity")
)
