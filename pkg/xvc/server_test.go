package xvc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

func startServer(t *testing.T, rec *jtag.RecorderDriver) (*Server, *atomic.Bool, chan error) {
	t.Helper()

	eng := jtag.NewEngine(rec, 1, zerolog.Nop())
	stop := &atomic.Bool{}
	srv := NewServer(0, eng, stop, zerolog.Nop())
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- srv.Serve()
		close(stopped)
	}()

	t.Cleanup(func() {
		stop.Store(true)
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, stop, done
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func sendShift(t *testing.T, conn net.Conn, bits uint32, tms, tdi []byte) []byte {
	t.Helper()
	frame := []byte("shift:")
	frame = binary.LittleEndian.AppendUint32(frame, bits)
	frame = append(frame, tms...)
	frame = append(frame, tdi...)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	tdo := make([]byte, len(tdi))
	_, err = io.ReadFull(conn, tdo)
	require.NoError(t, err)
	return tdo
}

func TestServerCommandRoundTrip(t *testing.T) {
	rec := &jtag.RecorderDriver{}
	rec.OnTDO = func(r *jtag.RecorderDriver) bool { return r.Level(jtag.SignalTDI) }
	srv, stop, done := startServer(t, rec)

	conn := dialServer(t, srv)
	defer conn.Close()

	// getinfo
	_, err := conn.Write([]byte("getinfo:"))
	require.NoError(t, err)
	reply := make([]byte, len(InfoReply))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, InfoReply, string(reply))

	// settck echoes verbatim on the same, still-open connection
	period := []byte{0x10, 0x27, 0x00, 0x00}
	_, err = conn.Write(append([]byte("settck:"), period...))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, period, echo)

	// shift through the echo chain
	tdo := sendShift(t, conn, 8, []byte{0x00}, []byte{0xA5})
	assert.Equal(t, []byte{0xA5}, tdo)

	conn.Close()
	stop.Store(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 1, rec.CloseCount(), "driver must be closed exactly once")
}

func TestServerShutdownWithinTimeout(t *testing.T) {
	rec := &jtag.RecorderDriver{}
	_, stop, done := startServer(t, rec)

	start := time.Now()
	stop.Store(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe stop flag within the select timeout")
	}
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	assert.Equal(t, 1, rec.CloseCount())
}

func TestServerRejectsOversizedShift(t *testing.T) {
	rec := &jtag.RecorderDriver{}
	srv, _, _ := startServer(t, rec)

	conn := dialServer(t, srv)
	defer conn.Close()

	frame := []byte("shift:")
	frame = binary.LittleEndian.AppendUint32(frame, 16384)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	// The session terminates without a reply; the peer sees the close.
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	assert.Empty(t, rec.Ops(), "rejected shift must not touch the lines")
}

// shiftBlock is one engine shift reconstructed from the recorded op stream:
// the TDI levels driven between the idle-bracket markers.
type shiftBlock struct {
	levels []bool
}

// parseShiftBlocks splits the recorded stream at the idle brackets. Bracket
// markers are the only TMS-high writes when every client shifts with TMS=0;
// the TDI write that follows a marker distinguishes enter (high) from exit
// (low). Malformed nesting means two shifts interleaved.
func parseShiftBlocks(t *testing.T, ops []jtag.PinOp) []shiftBlock {
	t.Helper()
	var blocks []shiftBlock
	var cur *shiftBlock

	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if op.Kind != jtag.PinOpSet {
			continue
		}
		if op.Signal == jtag.SignalTMS && op.Level {
			j := i + 1
			for j < len(ops) && !(ops[j].Kind == jtag.PinOpSet && ops[j].Signal == jtag.SignalTDI) {
				j++
			}
			require.Less(t, j, len(ops), "bracket marker without TDI write")
			if ops[j].Level {
				require.Nil(t, cur, "shift block opened inside another block")
				cur = &shiftBlock{}
			} else {
				require.NotNil(t, cur, "shift block closed without being opened")
				blocks = append(blocks, *cur)
				cur = nil
			}
			i = j
			continue
		}
		if cur != nil && op.Signal == jtag.SignalTDI {
			cur.levels = append(cur.levels, op.Level)
		}
	}
	require.Nil(t, cur, "unterminated shift block")
	return blocks
}

func TestServerSerializesEngineAccess(t *testing.T) {
	const shiftsPerClient = 10

	rec := &jtag.RecorderDriver{}
	srv, _, _ := startServer(t, rec)

	// Client A shifts all-zero TDI, client B all-ones; any interleaving of
	// the two sessions' engine calls would produce a mixed or malformed
	// block in the recorded stream.
	client := func(pattern byte) func() error {
		return func() error {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return err
			}
			tms := make([]byte, 8)
			tdi := make([]byte, 8)
			for i := range tdi {
				tdi[i] = pattern
			}
			for i := 0; i < shiftsPerClient; i++ {
				frame := []byte("shift:")
				frame = binary.LittleEndian.AppendUint32(frame, 64)
				frame = append(frame, tms...)
				frame = append(frame, tdi...)
				if _, err := conn.Write(frame); err != nil {
					return err
				}
				tdo := make([]byte, 8)
				if _, err := io.ReadFull(conn, tdo); err != nil {
					return err
				}
			}
			return nil
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, fn := range []func() error{client(0x00), client(0xFF)} {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	blocks := parseShiftBlocks(t, rec.Ops())
	require.Len(t, blocks, 2*shiftsPerClient)
	for i, b := range blocks {
		// 64 bits, two TDI writes per bit (falling and rising edge).
		require.Len(t, b.levels, 128, "block %d", i)
		first := b.levels[0]
		for _, level := range b.levels {
			require.Equal(t, first, level, "block %d mixes TDI levels from two sessions", i)
		}
	}
}
