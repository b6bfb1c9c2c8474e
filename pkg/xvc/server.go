package xvc

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

// fdConn adapts a raw socket descriptor to io.ReadWriter. Interrupted calls
// are retried unless the stop flag is raised, in which case ErrShutdown is
// returned so the session can unwind cooperatively. Write completes fully or
// returns an error, honoring the io.Writer contract.
type fdConn struct {
	fd   int
	stop *atomic.Bool
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			if c.stop.Load() {
				return 0, ErrShutdown
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == unix.EINTR {
			if c.stop.Load() {
				return total, ErrShutdown
			}
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Server owns the listening socket and the set of active sessions. One
// goroutine services exactly one ready descriptor at a time, so no two
// sessions can ever interleave their calls into the engine; the physical bus
// is serialized without a lock.
type Server struct {
	engine *jtag.Engine
	log    zerolog.Logger
	stop   *atomic.Bool

	port     int
	lfd      int
	sessions map[int]*Session
}

// NewServer creates a server for the given port. Port 0 lets the kernel pick;
// the bound port is available from Port after Listen. The stop flag is shared
// with the signal handler and checked at every suspension point.
func NewServer(port int, engine *jtag.Engine, stop *atomic.Bool, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		log:      log,
		stop:     stop,
		port:     port,
		lfd:      -1,
		sessions: make(map[int]*Session),
	}
}

// Listen binds the listening socket. Failures here are process-fatal: the
// caller is expected to release the driver and exit nonzero.
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("xvc: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xvc: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xvc: bind port %d: %w", s.port, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xvc: listen: %w", err)
	}
	s.lfd = fd

	if s.port == 0 {
		if sa, err := unix.Getsockname(fd); err == nil {
			if in4, ok := sa.(*unix.SockaddrInet4); ok {
				s.port = in4.Port
			}
		}
	}

	s.log.Info().Int("port", s.port).Msg("XVC server listening")
	return nil
}

// Port returns the bound listen port.
func (s *Server) Port() int {
	return s.port
}

// Serve runs the readiness loop until the stop flag is raised or the select
// call fails. The one-second timeout bounds how long a quiet server takes to
// observe the flag. On return the sessions, listener, and engine have been
// torn down, the engine exactly once.
func (s *Server) Serve() error {
	defer s.teardown()

	for !s.stop.Load() {
		var rset, eset unix.FdSet
		maxfd := s.watch(&rset, &eset)

		tv := unix.Timeval{Sec: 1}
		n, err := unix.Select(maxfd+1, &rset, nil, &eset, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("xvc: select: %w", err)
		}
		if n == 0 {
			continue
		}

		if s.lfd >= 0 && rset.IsSet(s.lfd) {
			s.accept()
		}

		for _, fd := range s.ready(&rset) {
			outcome, err := s.sessions[fd].Handle()
			switch outcome {
			case OutcomeShutdown:
				s.log.Debug().Msg("shutdown observed mid-round")
				return nil
			case OutcomeClose:
				if err != nil {
					s.log.Warn().Err(err).Int("fd", fd).Msg("session terminated")
				} else {
					s.log.Debug().Int("fd", fd).Msg("connection closed")
				}
				s.closeSession(fd)
			}
		}

		for _, fd := range s.ready(&eset) {
			s.log.Debug().Int("fd", fd).Msg("connection aborted")
			s.closeSession(fd)
		}
		if s.lfd >= 0 && eset.IsSet(s.lfd) {
			s.log.Warn().Msg("listener exception, no longer accepting")
			unix.Close(s.lfd)
			s.lfd = -1
		}
	}
	return nil
}

// watch fills the read and exception sets with the listener and every session
// descriptor, returning the highest descriptor watched (-1 when none).
func (s *Server) watch(rset, eset *unix.FdSet) int {
	rset.Zero()
	eset.Zero()
	maxfd := -1
	if s.lfd >= 0 {
		rset.Set(s.lfd)
		eset.Set(s.lfd)
		maxfd = s.lfd
	}
	for fd := range s.sessions {
		rset.Set(fd)
		eset.Set(fd)
		if fd > maxfd {
			maxfd = fd
		}
	}
	return maxfd
}

// ready returns the watched session descriptors present in the set, in
// ascending order for deterministic servicing.
func (s *Server) ready(set *unix.FdSet) []int {
	var fds []int
	for fd := range s.sessions {
		if set.IsSet(fd) {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)
	return fds
}

func (s *Server) accept() {
	nfd, _, err := unix.Accept(s.lfd)
	if err != nil {
		if err != unix.EINTR {
			s.log.Warn().Err(err).Msg("accept failed")
		}
		return
	}
	if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.log.Debug().Err(err).Int("fd", nfd).Msg("TCP_NODELAY failed")
	}

	conn := &fdConn{fd: nfd, stop: s.stop}
	s.sessions[nfd] = NewSession(conn, s.engine, s.log.With().Int("fd", nfd).Logger())
	s.log.Debug().Int("fd", nfd).Msg("connection accepted")
}

func (s *Server) closeSession(fd int) {
	if _, ok := s.sessions[fd]; !ok {
		return
	}
	unix.Close(fd)
	delete(s.sessions, fd)
}

func (s *Server) teardown() {
	for fd := range s.sessions {
		unix.Close(fd)
	}
	s.sessions = make(map[int]*Session)
	if s.lfd >= 0 {
		unix.Close(s.lfd)
		s.lfd = -1
	}
	if err := s.engine.Close(); err != nil {
		s.log.Warn().Err(err).Msg("driver close failed")
	}
	s.log.Info().Msg("XVC server stopped")
}
