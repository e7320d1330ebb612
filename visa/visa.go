// Package visa opens instruments by VISA style resource strings.
//
// Supported resources:
//
//	USB[board]::<vid>::<pid>::<serial>[::<interface>]::INSTR   USBTMC
//	TCPIP[board]::<host>::<port>::SOCKET                      raw SCPI socket
//	TCPIP[board]::<host>[::inst0]::INSTR                      raw SCPI socket on port 5025
//	<host>:<port>                                             raw SCPI socket
//
// VXI-11 and HiSLIP are not spoken; LAN instruments are reached through
// their SCPI socket server instead.
package visa

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pewpewsetup/pewpew/comm"
	"github.com/pewpewsetup/pewpew/scpi"
	"github.com/pewpewsetup/pewpew/usbtmc"
)

// SCPIPort is the raw socket port of Keysight instruments
const SCPIPort = 5025

// Kind is the interface type of a resource
type Kind int

const (
	// USB is a USBTMC instrument
	USB Kind = iota
	// Socket is a SCPI raw socket
	Socket
)

// Resource is a parsed resource string
type Resource struct {
	Kind Kind

	// Vendor, Product and Serial identify a USB instrument
	Vendor  uint16
	Product uint16
	Serial  string

	// Host and Port address a socket
	Host string
	Port int
}

// Addr is host:port for sockets
func (r Resource) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Resource) String() string {
	if r.Kind == USB {
		return usbtmc.Instrument{Vendor: r.Vendor, Product: r.Product, Serial: r.Serial}.Resource()
	}
	return fmt.Sprintf("TCPIP0::%s::%d::SOCKET", r.Host, r.Port)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad USB id %q: %w", s, err)
	}
	return uint16(v), nil
}

// Parse decodes a resource string
func Parse(s string) (Resource, error) {
	var r Resource
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "::")
	if len(parts) == 1 {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return r, fmt.Errorf("unrecognized resource %q", s)
		}
		r.Kind = Socket
		r.Host = host
		r.Port, err = strconv.Atoi(port)
		return r, err
	}
	iface := strings.ToUpper(parts[0])
	class := strings.ToUpper(parts[len(parts)-1])
	switch {
	case strings.HasPrefix(iface, "USB"):
		if class != "INSTR" || len(parts) < 5 || len(parts) > 6 {
			return r, fmt.Errorf("malformed USB resource %q", s)
		}
		var err error
		r.Kind = USB
		if r.Vendor, err = parseID(parts[1]); err != nil {
			return r, err
		}
		if r.Product, err = parseID(parts[2]); err != nil {
			return r, err
		}
		r.Serial = parts[3]
		return r, nil
	case strings.HasPrefix(iface, "TCPIP"):
		r.Kind = Socket
		r.Host = parts[1]
		switch {
		case class == "SOCKET" && len(parts) == 4:
			port, err := strconv.Atoi(parts[2])
			if err != nil {
				return r, fmt.Errorf("bad port in %q: %w", s, err)
			}
			r.Port = port
		case class == "INSTR" && (len(parts) == 3 || len(parts) == 4):
			r.Port = SCPIPort
		default:
			return r, fmt.Errorf("malformed TCPIP resource %q", s)
		}
		return r, nil
	default:
		return r, fmt.Errorf("unsupported interface %q in resource %q", parts[0], s)
	}
}

// Open connects to the instrument at addr.  timeout bounds each exchange.
func Open(addr string, timeout time.Duration) (scpi.Transport, error) {
	r, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	if r.Kind == USB {
		d, err := usbtmc.Open(r.Vendor, r.Product, r.Serial, timeout)
		if err != nil {
			return nil, &comm.ConnectionError{Addr: addr, Err: err}
		}
		return d, nil
	}
	conn, err := comm.Open(r.Addr(), comm.TCPConnMaker(r.Addr(), timeout))
	if err != nil {
		return nil, err
	}
	return NewSocket(comm.NewTerminator(conn, '\n', '\n')), nil
}

// SocketTransport is a scpi.Transport over a newline terminated stream
type SocketTransport struct {
	t *comm.Terminator
}

// NewSocket wraps a terminated stream
func NewSocket(t *comm.Terminator) *SocketTransport {
	return &SocketTransport{t: t}
}

// Write sends one message
func (s *SocketTransport) Write(msg []byte) error {
	s.t.Lock()
	defer s.t.Unlock()
	return s.t.Send(msg)
}

// Query sends one message and reads the response, which may be a block
func (s *SocketTransport) Query(msg []byte) ([]byte, error) {
	s.t.Lock()
	defer s.t.Unlock()
	if err := s.t.Send(msg); err != nil {
		return nil, err
	}
	return s.t.RecvMessage()
}

// Close closes the stream
func (s *SocketTransport) Close() error {
	s.t.Lock()
	defer s.t.Unlock()
	return s.t.Close()
}
