package xvc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

// Outcome reports how a handler round ended.
type Outcome uint8

const (
	// OutcomeContinue keeps the connection watched for further commands.
	OutcomeContinue Outcome = iota
	// OutcomeClose terminates this session; the process continues.
	OutcomeClose
	// OutcomeShutdown means the stop flag was observed mid-round; the
	// multiplexer should abandon the iteration and tear down.
	OutcomeShutdown
)

// Session is the per-connection XVC command state machine. All buffers are
// connection-local, so a protocol error in one session cannot corrupt
// another's state.
type Session struct {
	conn   io.ReadWriter
	engine *jtag.Engine
	log    zerolog.Logger

	in        [InputBufferSize]byte
	tckPeriod uint32
}

// NewSession wraps an accepted connection.
func NewSession(conn io.ReadWriter, engine *jtag.Engine, log zerolog.Logger) *Session {
	return &Session{conn: conn, engine: engine, log: log}
}

// TCKPeriod returns the last period accepted by settck. The value is held
// for information only; the engine's settle count is not derived from it.
func (s *Session) TCKPeriod() uint32 {
	return s.tckPeriod
}

// Handle runs one handler round: commands are consumed until getinfo or
// settck replies (the round ends, connection stays open), the peer closes,
// or an error terminates the session. Shift commands loop within the round,
// mirroring the reference server's asymmetry.
func (s *Session) Handle() (Outcome, error) {
	var hdr [9]byte
	for {
		if _, err := io.ReadFull(s.conn, hdr[:2]); err != nil {
			if errors.Is(err, io.EOF) {
				// Clean close at a command boundary.
				return OutcomeClose, nil
			}
			return s.fail(fmt.Errorf("xvc: read command tag: %w", err))
		}

		switch string(hdr[:2]) {
		case "ge":
			// Remaining "tinfo:" suffix, checked by length only.
			if _, err := io.ReadFull(s.conn, hdr[:6]); err != nil {
				return s.fail(fmt.Errorf("xvc: read getinfo suffix: %w", err))
			}
			if _, err := s.conn.Write([]byte(InfoReply)); err != nil {
				return s.fail(fmt.Errorf("xvc: write getinfo reply: %w", err))
			}
			s.log.Debug().Str("cmd", "getinfo").Msg("replied")
			return OutcomeContinue, nil

		case "se":
			// Remaining "ttck:" suffix plus 4-byte little-endian period.
			if _, err := io.ReadFull(s.conn, hdr[:9]); err != nil {
				return s.fail(fmt.Errorf("xvc: read settck body: %w", err))
			}
			s.tckPeriod = binary.LittleEndian.Uint32(hdr[5:9])
			if _, err := s.conn.Write(hdr[5:9]); err != nil {
				return s.fail(fmt.Errorf("xvc: write settck reply: %w", err))
			}
			s.log.Debug().Str("cmd", "settck").Uint32("period", s.tckPeriod).Msg("replied")
			return OutcomeContinue, nil

		case "sh":
			// Remaining "ift:" suffix, checked by length only.
			if _, err := io.ReadFull(s.conn, hdr[:4]); err != nil {
				return s.fail(fmt.Errorf("xvc: read shift suffix: %w", err))
			}
			if err := s.shift(); err != nil {
				return s.fail(err)
			}
			// Loop for the next command on the same connection.

		default:
			return OutcomeClose, fmt.Errorf("xvc: invalid command %q", hdr[:2])
		}
	}
}

// shift reads one shift body, runs it through the engine, and writes the
// captured TDO vector back to the peer.
func (s *Session) shift() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return fmt.Errorf("xvc: read shift bit count: %w", err)
	}
	bits := int(binary.LittleEndian.Uint32(lenBuf[:]))
	nrBytes := (bits + 7) / 8
	if 2*nrBytes > len(s.in) {
		return fmt.Errorf("%w: %d bits", ErrBufferExceeded, bits)
	}

	data := s.in[:2*nrBytes]
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return fmt.Errorf("xvc: read shift vectors: %w", err)
	}
	tms := data[:nrBytes]
	tdi := data[nrBytes:]

	tdo, err := s.engine.Shift(tms, tdi, bits)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(tdo); err != nil {
		return fmt.Errorf("xvc: write shift reply: %w", err)
	}
	s.log.Debug().Str("cmd", "shift").Int("bits", bits).Int("bytes", nrBytes).Msg("replied")
	return nil
}

// fail maps a session error to its outcome: a shutdown sentinel unwinds the
// whole server, anything else closes only this session.
func (s *Session) fail(err error) (Outcome, error) {
	if errors.Is(err, ErrShutdown) {
		return OutcomeShutdown, nil
	}
	return OutcomeClose, err
}
