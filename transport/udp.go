package transport

import (
	"net"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/errs"
	"github.com/jetstreamproto/jetstreamproto/internal/worker"
)

// maxDatagramSize bounds a single UDP read; larger than any realistic
// max_packet_size configuration (spec.md §6 default 1400) with headroom
// for jumbo-frame paths.
const maxDatagramSize = 65507

// readPollInterval bounds how long a single blocking ReadFrom call can run
// before the loop re-checks HaltCh, since net.PacketConn has no
// select-friendly cancellation.
const readPollInterval = 200 * time.Millisecond

// UDPConn is the default net.PacketConn-backed implementation of Conn. It
// follows the channel-handoff shape of sockatz/common.QUICProxyConn
// (ReadFrom/WriteTo running on a worker-supervised goroutine, handing
// payloads across a channel instead of letting callers touch the socket
// directly), adapted here to plain UDP instead of a QUIC-wrapped stream.
type UDPConn struct {
	worker.Worker

	pc       net.PacketConn
	incoming chan Datagram
}

// ListenUDP binds addr and begins the background read loop.
func ListenUDP(addr string) (*UDPConn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errs.Wrap("transport", errs.ErrSocketUnreachable, err)
	}
	c := &UDPConn{pc: pc, incoming: make(chan Datagram, 256)}
	c.Go(c.readLoop)
	return c, nil
}

func (c *UDPConn) readLoop() {
	defer c.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		_ = c.pc.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-c.HaltCh():
				return
			default:
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case c.incoming <- Datagram{Addr: addr, Payload: payload}:
		case <-c.HaltCh():
			return
		}
	}
}

// Send implements Conn.
func (c *UDPConn) Send(addr net.Addr, payload []byte) error {
	_, err := c.pc.WriteTo(payload, addr)
	if err != nil {
		return errs.Wrap("transport", errs.ErrSocketUnreachable, err)
	}
	return nil
}

// Recv implements Conn.
func (c *UDPConn) Recv() <-chan Datagram { return c.incoming }

// LocalAddr implements Conn.
func (c *UDPConn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Close implements Conn.
func (c *UDPConn) Close() error {
	c.Halt()
	return c.pc.Close()
}
