// Package hostnet wraps the TCP/UDP primitives the dispatcher's
// SOCKET/ACCEPT/SET_BLOCK/RECV/SEND/SHUTDOWN opcodes need, behind a
// narrow interface so internal/dispatch never calls the "net" package
// directly (see internal/hostfs for the same pattern applied to
// filesystem opcodes).
package hostnet

import (
	"errors"
	"net"
	"time"
)

// Protocol selects the socket transport.
type Protocol uint8

const (
	ProtoTCP Protocol = 0
	ProtoUDP Protocol = 1
)

// ErrUnsupportedProtocol is returned for a Protocol value other than
// ProtoTCP/ProtoUDP.
var ErrUnsupportedProtocol = errors.New("hostnet: unsupported protocol")

// Conn is one open or bound socket. Sockets are addressed by small
// integer fds tracked in the dispatcher's own socket table, not the
// shared 100-slot file/directory handle table.
type Conn struct {
	// TCPConn is set for a connected or accepted TCP socket.
	TCPConn net.Conn
	// UDPConn is set for a UDP socket, whether bound or connected.
	UDPConn net.PacketConn
	// Listener is set for a bound TCP socket awaiting Accept.
	Listener net.Listener
	// udpPeer is the remote address a UDP "connect" targets, or the
	// most recently seen peer for a UDP "accept" swap.
	udpPeer net.Addr
	// nonblocking records the mode last set by SET_BLOCK. Recv and Send
	// do not consult it: the OS socket's blocking mode is never changed.
	nonblocking bool
}

// Net is the networking interface the dispatcher depends on; OSNet is
// the real implementation, backed directly by the "net" package.
type Net interface {
	Bind(host, port string, proto Protocol) (*Conn, error)
	Connect(host, port string, proto Protocol) (*Conn, error)
	Accept(bind *Conn, bufSize int) (newBind *Conn, client *Conn, ip []byte, err error)
	SetBlock(c *Conn, block bool) error
	Recv(c *Conn, buf []byte, timeout time.Duration, infinite bool) (int, error)
	Send(c *Conn, buf []byte) (int, error)
	Shutdown(c *Conn) error
}

// OSNet implements Net against the real operating system.
type OSNet struct{}

func network(proto Protocol) (string, string, error) {
	switch proto {
	case ProtoTCP:
		return "tcp", "tcp", nil
	case ProtoUDP:
		return "udp", "udp", nil
	default:
		return "", "", ErrUnsupportedProtocol
	}
}

// Bind opens a listening TCP socket, or a bound UDP socket, on
// host:port.
func (OSNet) Bind(host, port string, proto Protocol) (*Conn, error) {
	tcpNet, udpNet, err := network(proto)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, port)
	switch proto {
	case ProtoTCP:
		ln, err := net.Listen(tcpNet, addr)
		if err != nil {
			return nil, err
		}
		return &Conn{Listener: ln}, nil
	default:
		pc, err := net.ListenPacket(udpNet, addr)
		if err != nil {
			return nil, err
		}
		return &Conn{UDPConn: pc}, nil
	}
}

// Connect opens a connected TCP or UDP socket to host:port.
func (OSNet) Connect(host, port string, proto Protocol) (*Conn, error) {
	tcpNet, _, err := network(proto)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, port)
	switch proto {
	case ProtoTCP:
		c, err := net.Dial(tcpNet, addr)
		if err != nil {
			return nil, err
		}
		return &Conn{TCPConn: c}, nil
	default:
		c, err := net.Dial("udp", addr)
		if err != nil {
			return nil, err
		}
		return &Conn{UDPConn: c.(net.PacketConn), udpPeer: c.RemoteAddr()}, nil
	}
}

// Accept accepts one client on bind. For TCP this is a normal accept:
// bind is unchanged and a new client socket is returned. For UDP there
// is no separate client socket to accept, so the *bind* socket becomes
// the client socket (it already has the peer's datagrams) and a fresh
// socket is bound to replace it as the new listener.
func (OSNet) Accept(bind *Conn, bufSize int) (*Conn, *Conn, []byte, error) {
	if bind.Listener != nil {
		conn, err := bind.Listener.Accept()
		if err != nil {
			return nil, nil, nil, err
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := []byte(host)
		if len(ip) > bufSize {
			ip = ip[:bufSize]
		}
		return bind, &Conn{TCPConn: conn}, ip, nil
	}
	if bind.UDPConn != nil {
		buf := make([]byte, 65535)
		n, peer, err := bind.UDPConn.ReadFrom(buf)
		if err != nil {
			return nil, nil, nil, err
		}
		client := &Conn{UDPConn: bind.UDPConn, udpPeer: peer}
		_ = n
		localHost, _, _ := net.SplitHostPort(bind.UDPConn.LocalAddr().String())
		newBind := bind
		newListener, err := net.ListenPacket("udp", net.JoinHostPort(localHost, "0"))
		if err == nil {
			newBind = &Conn{UDPConn: newListener}
		}
		// Otherwise the original bind socket is preserved as the new
		// bind; the caller still gets a usable client socket.
		host, _, _ := net.SplitHostPort(peer.String())
		ip := []byte(host)
		if len(ip) > bufSize {
			ip = ip[:bufSize]
		}
		return newBind, client, ip, nil
	}
	return nil, nil, nil, errors.New("hostnet: accept on non-listening socket")
}

// SetBlock records the requested blocking mode on c and always
// succeeds. It does not change the OS socket's mode, and Recv and
// Send behave the same in either mode: Recv's wait is governed only
// by its timeout/infinite arguments.
func (OSNet) SetBlock(c *Conn, block bool) error {
	c.nonblocking = !block
	return nil
}

// Recv reads up to len(buf) bytes. When infinite is true it blocks
// with no deadline; otherwise it applies timeout as a read deadline.
func (OSNet) Recv(c *Conn, buf []byte, timeout time.Duration, infinite bool) (int, error) {
	deadlineSetter, ok := connDeadline(c)
	if !ok {
		return 0, errors.New("hostnet: recv on unopened socket")
	}
	if infinite {
		_ = deadlineSetter(time.Time{})
	} else {
		_ = deadlineSetter(time.Now().Add(timeout))
	}
	if c.TCPConn != nil {
		return c.TCPConn.Read(buf)
	}
	n, _, err := c.UDPConn.ReadFrom(buf)
	return n, err
}

// Send writes buf in full.
func (OSNet) Send(c *Conn, buf []byte) (int, error) {
	if c.TCPConn != nil {
		return c.TCPConn.Write(buf)
	}
	if c.udpPeer != nil {
		// A socket from Connect is already connected to its peer and
		// must use Write; an accepted UDP client shares the bound
		// socket and addresses the peer explicitly.
		if cc, ok := c.UDPConn.(net.Conn); ok && cc.RemoteAddr() != nil {
			return cc.Write(buf)
		}
		return c.UDPConn.WriteTo(buf, c.udpPeer)
	}
	return 0, errors.New("hostnet: send on unconnected UDP socket")
}

// Shutdown releases the socket's OS resources.
func (OSNet) Shutdown(c *Conn) error {
	var err error
	if c.TCPConn != nil {
		err = c.TCPConn.Close()
	}
	if c.Listener != nil {
		if lerr := c.Listener.Close(); err == nil {
			err = lerr
		}
	}
	if c.UDPConn != nil {
		if uerr := c.UDPConn.Close(); err == nil {
			err = uerr
		}
	}
	return err
}

func connDeadline(c *Conn) (func(time.Time) error, bool) {
	if c.TCPConn != nil {
		return c.TCPConn.SetDeadline, true
	}
	if c.UDPConn != nil {
		return c.UDPConn.SetDeadline, true
	}
	return nil, false
}
