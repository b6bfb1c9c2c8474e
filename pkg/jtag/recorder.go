package jtag

import "sync"

// PinOpKind distinguishes recorded driver operations.
type PinOpKind uint8

const (
	PinOpSet PinOpKind = iota
	PinOpGet
)

// PinOp captures one driver invocation for inspection within tests: the level
// written for PinOpSet, or the level returned for PinOpGet.
type PinOp struct {
	Kind   PinOpKind
	Signal Signal
	Level  bool
}

// TDOHook lets the recorder emulate device-specific TDO behavior. The hook
// may read the recorder's current output levels via Level, e.g. to loop TDI
// back to TDO.
type TDOHook func(r *RecorderDriver) bool

// RecorderDriver is an in-memory PinDriver useful for unit tests. It records
// every Set and Get in order and can provide deterministic TDO data via
// OnTDO. The zero value is ready to use; without a hook TDO always reads low.
type RecorderDriver struct {
	OnTDO TDOHook

	mu     sync.Mutex
	ops    []PinOp
	levels [4]bool
	closes int
}

func (r *RecorderDriver) Set(sig Signal, level bool) {
	r.mu.Lock()
	r.ops = append(r.ops, PinOp{Kind: PinOpSet, Signal: sig, Level: level})
	r.levels[sig] = level
	r.mu.Unlock()
}

func (r *RecorderDriver) Get(sig Signal) bool {
	level := false
	if r.OnTDO != nil {
		level = r.OnTDO(r)
	}
	r.mu.Lock()
	r.ops = append(r.ops, PinOp{Kind: PinOpGet, Signal: sig, Level: level})
	r.levels[sig] = level
	r.mu.Unlock()
	return level
}

func (r *RecorderDriver) Err() error { return nil }

func (r *RecorderDriver) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

// Level returns the last level driven or sampled on the given signal.
func (r *RecorderDriver) Level(sig Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[sig]
}

// Ops returns a copy of the recorded operation stream.
func (r *RecorderDriver) Ops() []PinOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PinOp(nil), r.ops...)
}

// CloseCount reports how many times Close has been called.
func (r *RecorderDriver) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// Reset discards the recorded operations, keeping current levels.
func (r *RecorderDriver) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}
