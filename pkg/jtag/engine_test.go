package jtag

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

// echoTDO loops the currently driven TDI level back to TDO, emulating a chain
// whose TDO mirrors the bit clocked in on the same edge.
func echoTDO(r *RecorderDriver) bool {
	return r.Level(SignalTDI)
}

func newTestEngine(rec *RecorderDriver) *Engine {
	return NewEngine(rec, 1, zerolog.Nop())
}

func TestEngineTransferEcho(t *testing.T) {
	tests := []struct {
		name string
		bits int
		tms  uint32
		tdi  uint32
		want uint32
	}{
		{"zero bits", 0, 0, 0xFFFFFFFF, 0},
		{"single bit low", 1, 0, 0x0, 0x0},
		{"single bit high", 1, 1, 0x1, 0x1},
		{"five bits masked", 5, 0, 0xFFFFFFFF, 0x1F},
		{"pattern", 8, 0x0F, 0xA5, 0xA5},
		{"full word", 32, 0, 0xDEADBEEF, 0xDEADBEEF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &RecorderDriver{OnTDO: echoTDO}
			eng := newTestEngine(rec)
			got := eng.Transfer(tt.bits, tt.tms, tt.tdi)
			if got != tt.want {
				t.Errorf("Transfer(%d, %#x, %#x) = %#x, want %#x",
					tt.bits, tt.tms, tt.tdi, got, tt.want)
			}
		})
	}
}

func TestEngineTransferScriptedTDO(t *testing.T) {
	// TDO levels for successive samples, LSB first.
	script := []bool{true, false, true, true, false}
	i := 0
	rec := &RecorderDriver{OnTDO: func(*RecorderDriver) bool {
		level := script[i]
		i++
		return level
	}}
	eng := newTestEngine(rec)

	got := eng.Transfer(5, 0, 0)
	if got != 0x0D {
		t.Fatalf("Transfer = %#x, want 0x0D", got)
	}
	if i != 5 {
		t.Fatalf("sampled %d times, want 5", i)
	}
}

func TestEngineTransferSamplesAfterRisingEdge(t *testing.T) {
	rec := &RecorderDriver{}
	eng := newTestEngine(rec)
	eng.Transfer(1, 1, 1)

	want := []PinOp{
		{PinOpSet, SignalTCK, false},
		{PinOpSet, SignalTMS, true},
		{PinOpSet, SignalTDI, true},
		{PinOpSet, SignalTCK, true},
		{PinOpSet, SignalTMS, true},
		{PinOpSet, SignalTDI, true},
		{PinOpGet, SignalTDO, false},
	}
	ops := rec.Ops()
	if len(ops) != len(want) {
		t.Fatalf("recorded %d ops, want %d: %+v", len(ops), len(want), ops)
	}
	for i, op := range ops {
		if op != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, op, want[i])
		}
	}
}

func TestEngineShiftZeroBits(t *testing.T) {
	rec := &RecorderDriver{}
	eng := newTestEngine(rec)

	tdo, err := eng.Shift(nil, nil, 0)
	if err != nil {
		t.Fatalf("Shift returned error: %v", err)
	}
	if len(tdo) != 0 {
		t.Fatalf("tdo length = %d, want 0", len(tdo))
	}
	if ops := rec.Ops(); len(ops) != 0 {
		t.Fatalf("zero-bit shift touched the lines: %+v", ops)
	}
}

func TestEngineShiftChunking(t *testing.T) {
	// 40 bits: one full 32-bit chunk plus an 8-bit remainder.
	tms := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	tdi := []byte{0x12, 0x34, 0x56, 0x78, 0x9A}

	rec := &RecorderDriver{OnTDO: echoTDO}
	eng := newTestEngine(rec)

	tdo, err := eng.Shift(tms, tdi, 40)
	if err != nil {
		t.Fatalf("Shift returned error: %v", err)
	}
	if !bytes.Equal(tdo, tdi) {
		t.Fatalf("tdo = %X, want %X", tdo, tdi)
	}

	rising, samples := 0, 0
	for _, op := range rec.Ops() {
		if op.Kind == PinOpSet && op.Signal == SignalTCK && op.Level {
			rising++
		}
		if op.Kind == PinOpGet {
			samples++
		}
	}
	if rising != 40 {
		t.Errorf("rising edges = %d, want 40", rising)
	}
	if samples != 40 {
		t.Errorf("TDO samples = %d, want 40", samples)
	}
}

func TestEngineShiftIdleBracket(t *testing.T) {
	rec := &RecorderDriver{}
	eng := newTestEngine(rec)

	if _, err := eng.Shift([]byte{0x00}, []byte{0xFF}, 8); err != nil {
		t.Fatalf("Shift returned error: %v", err)
	}

	ops := rec.Ops()
	if len(ops) < 6 {
		t.Fatalf("too few ops: %d", len(ops))
	}
	enter := ops[:3]
	exit := ops[len(ops)-3:]
	wantEnter := []PinOp{
		{PinOpSet, SignalTCK, false},
		{PinOpSet, SignalTMS, true},
		{PinOpSet, SignalTDI, true},
	}
	wantExit := []PinOp{
		{PinOpSet, SignalTCK, false},
		{PinOpSet, SignalTMS, true},
		{PinOpSet, SignalTDI, false},
	}
	for i := range wantEnter {
		if enter[i] != wantEnter[i] {
			t.Errorf("enter op %d = %+v, want %+v", i, enter[i], wantEnter[i])
		}
		if exit[i] != wantExit[i] {
			t.Errorf("exit op %d = %+v, want %+v", i, exit[i], wantExit[i])
		}
	}
}

func TestEngineShiftBufferValidation(t *testing.T) {
	rec := &RecorderDriver{}
	eng := newTestEngine(rec)

	if _, err := eng.Shift([]byte{0x00}, []byte{0x00}, 16); err == nil {
		t.Fatalf("expected error for short buffers")
	}
	if _, err := eng.Shift(nil, nil, -1); err == nil {
		t.Fatalf("expected error for negative bit count")
	}
	if ops := rec.Ops(); len(ops) != 0 {
		t.Fatalf("rejected shift touched the lines: %+v", ops)
	}
}

func TestEngineCloseOnce(t *testing.T) {
	rec := &RecorderDriver{}
	eng := newTestEngine(rec)

	if err := eng.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if rec.CloseCount() != 1 {
		t.Fatalf("driver closed %d times, want 1", rec.CloseCount())
	}
}

func TestValidateShiftBuffers(t *testing.T) {
	if _, err := ValidateShiftBuffers(nil, nil, -1); err == nil {
		t.Fatalf("expected error for negative bits")
	}

	if _, err := ValidateShiftBuffers([]byte{0x00}, nil, 16); err == nil {
		t.Fatalf("expected error when TMS buffer too small")
	}

	n, err := ValidateShiftBuffers(nil, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("bytes = %d, want 0", n)
	}

	n, err = ValidateShiftBuffers([]byte{0, 0}, []byte{0, 0}, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("bytes = %d, want 2", n)
	}
}
