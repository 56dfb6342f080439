// Package receiver implements the kernel UDP socket receive path.
package receiver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/romshark/latency-bench-go/latency"
)

const (
	DefaultPort    = 9000
	DefaultRcvBuf  = 8 << 20
	maxDatagramLen = 64 << 10
)

// Listen binds UDP port on all addresses and requests an rcvbuf byte
// kernel receive buffer.
func Listen(port uint16, rcvbuf int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("binding UDP port %d: %w", port, err)
	}
	if rcvbuf > 0 {
		if err := conn.SetReadBuffer(rcvbuf); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting receive buffer: %w", err)
		}
	}
	return conn, nil
}

// PacketReader is the part of *net.UDPConn the receiver uses.
type PacketReader interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
}

// SocketReceiver records every datagram read from a socket.
type SocketReceiver struct {
	conn PacketReader
	rec  *latency.Recorder
	log  zerolog.Logger
	now  func() time.Time
}

func NewSocketReceiver(conn PacketReader, rec *latency.Recorder, log zerolog.Logger) *SocketReceiver {
	return &SocketReceiver{conn: conn, rec: rec, log: log, now: time.Now}
}

// Run blocks reading datagrams. Read errors are logged and skipped.
// Run returns nil once the socket is closed and an error if a record
// could not be persisted.
func (r *SocketReceiver) Run() error {
	buf := make([]byte, maxDatagramLen)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		arrival := uint64(r.now().UnixNano())
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn().Err(err).Msg("receiving datagram")
			continue
		}
		if _, err := r.rec.Record(arrival, n, buf[:n]); err != nil {
			return fmt.Errorf("recording: %w", err)
		}
	}
}
