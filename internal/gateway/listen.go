package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Listen binds the configured port. When it is taken the next
// PortFallbacks ports are tried in order, then an OS-assigned one. The bound
// port is what Port and /api/local/info report.
func (s *Server) Listen() (net.Listener, error) {
	host := s.cfg.Gateway.Host
	base := s.cfg.Gateway.Port

	if base > 0 {
		for i := 0; i <= s.cfg.Gateway.PortFallbacks && base+i <= 65535; i++ {
			port := base + i
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err == nil {
				if i > 0 {
					slog.Warn("gateway: port in use, using fallback",
						"code", protocol.CodePortInUse, "wanted", base, "port", port)
				}
				s.setPort(port)
				return ln, nil
			}
			if !isAddrInUse(err) {
				return nil, fmt.Errorf("listen on %s:%d: %w", host, port, err)
			}
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, protocol.Wrap(protocol.CodePortInUse, err, "no free port")
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if base > 0 {
		slog.Warn("gateway: fallback ports exhausted, using OS-assigned port",
			"code", protocol.CodePortInUse, "wanted", base, "port", port)
	}
	s.setPort(port)
	return ln, nil
}

func (s *Server) setPort(port int) {
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows reports WSAEADDRINUSE, which does not match the errno above.
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address")
}
