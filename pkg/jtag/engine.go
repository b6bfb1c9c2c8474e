package jtag

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultSettle is the default number of busy-wait iterations between line
// transitions.
const DefaultSettle = 40

// settleSink keeps the settle loop from being optimized away.
var settleSink uint32

// Engine clocks TMS/TDI bit vectors onto a PinDriver and captures TDO. It is
// not reentrant: all transfers must come from a single goroutine, which the
// server guarantees.
type Engine struct {
	drv    PinDriver
	settle int
	log    zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewEngine wraps a PinDriver. A non-positive settle count falls back to
// DefaultSettle. The settle count is a busy-wait iteration count, a crude
// proxy for minimum pulse width, not a calibrated wall-clock delay.
func NewEngine(drv PinDriver, settle int, log zerolog.Logger) *Engine {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Engine{drv: drv, settle: settle, log: log}
}

// write drives all three output lines and then holds for one settle interval.
func (e *Engine) write(tck, tms, tdi bool) {
	e.drv.Set(SignalTCK, tck)
	e.drv.Set(SignalTMS, tms)
	e.drv.Set(SignalTDI, tdi)
	for i := 0; i < e.settle; i++ {
		settleSink++
	}
}

// Transfer clocks out up to 32 bits. For each bit i it presents TMS/TDI with
// TCK low, raises TCK with the same values, and samples TDO after the rising
// edge, packing the sampled level into bit i of the result. bits must be in
// [0,32]; higher-order bits of tms and tdi are ignored.
func (e *Engine) Transfer(bits int, tms, tdi uint32) uint32 {
	var tdo uint32
	for i := 0; i < bits; i++ {
		e.write(false, tms&1 != 0, tdi&1 != 0)
		e.write(true, tms&1 != 0, tdi&1 != 0)
		if e.drv.Get(SignalTDO) {
			tdo |= 1 << uint(i)
		}
		tms >>= 1
		tdi >>= 1
	}
	return tdo
}

// Shift clocks an arbitrary-length bit vector pair through the scan chain in
// 32-bit chunks, the final chunk sized to the remainder. The whole shift is
// bracketed by the idle levels: TCK low with TMS high before the first chunk,
// TDI returned low after the last. A zero bit length performs no line
// transitions and returns an empty TDO vector.
func (e *Engine) Shift(tms, tdi []byte, bits int) ([]byte, error) {
	nrBytes, err := ValidateShiftBuffers(tms, tdi, bits)
	if err != nil {
		return nil, err
	}
	tdo := make([]byte, nrBytes)
	if bits == 0 {
		return tdo, nil
	}

	e.write(false, true, true)

	byteIndex := 0
	bitsLeft := bits
	for bytesLeft := nrBytes; bytesLeft > 0; {
		if bytesLeft >= 4 {
			tmsWord := binary.LittleEndian.Uint32(tms[byteIndex : byteIndex+4])
			tdiWord := binary.LittleEndian.Uint32(tdi[byteIndex : byteIndex+4])
			out := e.Transfer(32, tmsWord, tdiWord)
			binary.LittleEndian.PutUint32(tdo[byteIndex:byteIndex+4], out)

			e.log.Debug().Int("bits", 32).
				Uint32("tms", tmsWord).Uint32("tdi", tdiWord).Uint32("tdo", out).
				Msg("shift chunk")

			bytesLeft -= 4
			bitsLeft -= 32
			byteIndex += 4
		} else {
			var tmsBuf, tdiBuf, outBuf [4]byte
			copy(tmsBuf[:], tms[byteIndex:byteIndex+bytesLeft])
			copy(tdiBuf[:], tdi[byteIndex:byteIndex+bytesLeft])
			tmsWord := binary.LittleEndian.Uint32(tmsBuf[:])
			tdiWord := binary.LittleEndian.Uint32(tdiBuf[:])
			out := e.Transfer(bitsLeft, tmsWord, tdiWord)
			binary.LittleEndian.PutUint32(outBuf[:], out)
			copy(tdo[byteIndex:byteIndex+bytesLeft], outBuf[:bytesLeft])

			e.log.Debug().Int("bits", bitsLeft).
				Uint32("tms", tmsWord).Uint32("tdi", tdiWord).Uint32("tdo", out).
				Msg("shift chunk")

			bytesLeft = 0
		}
	}

	e.write(false, true, false)
	return tdo, nil
}

// Idle parks the bus at the idle levels: TCK low, TMS high, TDI low.
func (e *Engine) Idle() {
	e.write(false, true, false)
}

// Err reports the first line-level error latched by the driver, if any.
func (e *Engine) Err() error {
	return e.drv.Err()
}

// Close releases the underlying driver exactly once. Subsequent calls return
// the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.drv.Close()
	})
	return e.closeErr
}
