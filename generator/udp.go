package generator

import (
	"fmt"
	"net"
	"strconv"
)

// UDPTransmitter sends each payload as one datagram from an unconnected
// socket. ICMP port-unreachable replies are never reported back, so a
// receiver that starts late or restarts doesn't end the run.
type UDPTransmitter struct {
	conn  *net.UDPConn
	raddr *net.UDPAddr
}

// DialUDP resolves host:port and opens an ephemeral local socket.
func DialUDP(host string, port uint16) (*UDPTransmitter, error) {
	raddr, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("resolving destination: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("opening socket for %s: %w", raddr, err)
	}
	return &UDPTransmitter{conn: conn, raddr: raddr}, nil
}

func (t *UDPTransmitter) Transmit(payload []byte) error {
	_, err := t.conn.WriteToUDP(payload, t.raddr)
	return err
}

// LocalAddr returns the source address of the datagrams.
func (t *UDPTransmitter) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransmitter) Close() error { return t.conn.Close() }
