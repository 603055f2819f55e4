package broker

import (
	"errors"
	"log/slog"
	"net"

	"github.com/mzyy94/saturnlink/internal/netutil"
)

// Server accepts device connections and hands each one to the Handler.
type Server struct {
	ln      net.Listener
	handler Handler
}

// Listen binds the broker on ip, preferring preferredPort.
func Listen(ip string, preferredPort int, h Handler) (*Server, error) {
	ln, err := netutil.ListenTCP("broker", ip, preferredPort)
	if err != nil {
		return nil, err
	}
	return NewServer(ln, h), nil
}

// NewServer wraps an existing listener.
func NewServer(ln net.Listener, h Handler) *Server {
	return &Server{ln: ln, handler: h}
}

// Port returns the bound TCP port.
func (s *Server) Port() int { return netutil.Port(s.ln) }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		remote := nc.RemoteAddr().String()
		slog.Info("device connected to broker", "remote", remote)

		c := NewConn(nc, remote, s.handler)
		s.handler.OnConnect(c)
		go func() {
			if err := c.Serve(); err != nil {
				slog.Warn("broker connection ended", "remote", remote, "err", err)
			}
		}()
	}
}

// Close stops accepting. Open connections are owned by the Handler.
func (s *Server) Close() error {
	return s.ln.Close()
}
