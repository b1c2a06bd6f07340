package iesp

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Server accepts TCP connections on the iSCSI well-known port (or
// whatever the caller binds) and hands each one to its own Conn, the way
// the teacher's poll.go ran one handler goroutine per device command
// rather than a single global dispatch loop.
type Server struct {
	Listener net.Listener
	Target   string
	Portal   string
	Backend  Backend
	Metrics  *Metrics
}

// Serve blocks, accepting connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	logrus.Infof("iesp: connection from %s", nc.RemoteAddr())
	if s.Metrics != nil {
		s.Metrics.SessionOpened()
		defer s.Metrics.SessionClosed()
	}
	c := NewConn(nc, s.Target, s.Portal, s.Backend)
	c.Serve()
	logrus.Infof("iesp: connection from %s closed", nc.RemoteAddr())
}
