package rip

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// maxDatagramSize is large enough for any packet this daemon emits or
// accepts; RIP entries are fixed-size so a legitimate packet never
// approaches it.
const maxDatagramSize = 4096

// Datagram is one inbound packet together with the socket metadata
// needed to answer it.
type Datagram struct {
	Data       []byte
	SourceAddr *net.UDPAddr
	// SourcePort is the local port the packet arrived on. The daemon
	// identifies the sending peer from the packet header, not from
	// this port; it only reports the port in logs.
	SourcePort int
}

// Interface owns the UDP sockets the daemon listens and sends on: one
// bound socket per configured incoming port, plus a single socket used
// for all outgoing unicast sends. A reader goroutine per incoming
// socket feeds one shared channel; PollOnce drains it without
// requiring a literal multiplexing syscall.
type Interface struct {
	listeners []*net.UDPConn
	outgoing  *net.UDPConn

	incoming chan Datagram
	errs     chan error
	closed   chan struct{}
}

// NewInterface binds one UDP socket per port in incomingPorts on
// bindAddress, plus one additional socket (bound to an ephemeral port
// on bindAddress) used for sending. It starts one reader goroutine per
// incoming socket.
func NewInterface(bindAddress string, incomingPorts []int) (*Interface, error) {
	iface := &Interface{
		incoming: make(chan Datagram, 64),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}

	for _, port := range incomingPorts {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindAddress), Port: port})
		if err != nil {
			iface.Close()
			return nil, fmt.Errorf("rip: bind incoming port %d: %w", port, err)
		}
		iface.listeners = append(iface.listeners, conn)
	}

	out, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindAddress), Port: 0})
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("rip: bind outgoing socket: %w", err)
	}
	iface.outgoing = out

	for _, conn := range iface.listeners {
		go iface.readLoop(conn)
	}

	return iface, nil
}

func (iface *Interface) readLoop(conn *net.UDPConn) {
	_, localPort, _ := net.SplitHostPort(conn.LocalAddr().String())
	port := 0
	fmt.Sscanf(localPort, "%d", &port)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-iface.closed:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case iface.errs <- fmt.Errorf("rip: read on port %d: %w", port, err):
			default:
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case iface.incoming <- Datagram{Data: data, SourceAddr: addr, SourcePort: port}:
		case <-iface.closed:
			return
		}
	}
}

// PollOnce blocks until at least one datagram is available or timeout
// elapses, then drains every datagram currently buffered without
// blocking further. It returns an empty slice on timeout. This mirrors
// a single call to a readiness multiplexer covering every bound
// socket, expressed with a channel instead of raw file descriptors.
func (iface *Interface) PollOnce(timeout time.Duration) []Datagram {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []Datagram

	select {
	case d := <-iface.incoming:
		out = append(out, d)
	case <-timer.C:
		return out
	case <-iface.closed:
		return out
	}

	for {
		select {
		case d := <-iface.incoming:
			out = append(out, d)
		default:
			return out
		}
	}
}

// Errors returns the channel on which socket-level read failures are
// reported. A read failure on one socket does not stop the others.
func (iface *Interface) Errors() <-chan error {
	return iface.errs
}

// Unicast sends data to destAddr (typically loopback or a directly
// connected peer) using the shared outgoing socket.
func (iface *Interface) Unicast(data []byte, destAddr *net.UDPAddr) error {
	_, err := iface.outgoing.WriteToUDP(data, destAddr)
	if err != nil {
		return fmt.Errorf("rip: send to %s: %w", destAddr, err)
	}
	return nil
}

// Close stops every reader goroutine and releases all sockets. Safe to
// call more than once.
func (iface *Interface) Close() error {
	select {
	case <-iface.closed:
		return nil
	default:
		close(iface.closed)
	}

	var firstErr error
	for _, conn := range iface.listeners {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if iface.outgoing != nil {
		if err := iface.outgoing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
