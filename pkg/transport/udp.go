package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// UDPClientConfig configures a UDP client stream.
type UDPClientConfig struct {
	// Conn is an optional pre-bound PacketConn to use.
	// If nil, a new socket is bound during establishment.
	Conn net.PacketConn

	// LocalAddr is the local address to bind (e.g., "0.0.0.0:0").
	// If empty, an ephemeral port is bound on the wildcard address of the
	// peer's address family. Ignored if Conn is provided.
	LocalAddr string

	// QueueSize is the capacity of the outbound handle's queue.
	// Defaults to DefaultQueueSize.
	QueueSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDPClientStream is a ClientStream over a single UDP socket, associated
// with one peer address for its entire lifetime. The peer address is used
// only for diagnostic comparison against inbound message origins; messages
// from other sources are still delivered.
type UDPClientStream struct {
	peer net.Addr
	conn net.PacketConn
	log  logging.LeveledLogger

	recvCh  chan *SerialMessage
	readErr error // set before recvCh is closed
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

var _ ClientStream = (*UDPClientStream)(nil)

// NewUDPClientStream starts establishing a UDP client stream to the given
// peer. It returns immediately with an establishment task and an outbound
// handle; the handle is usable at once, and queued sends are flushed in
// order when the socket is bound. Drive the task with Wait to obtain the
// stream.
//
// Callers managing several clients are expected to create a fresh stream
// per client so each gets its own ephemeral local port.
func NewUDPClientStream(peer net.Addr, config UDPClientConfig) (*UDPClientConnect, *StreamHandle) {
	handle := newStreamHandle(peer, config.QueueSize)
	connect := &UDPClientConnect{resolved: make(chan struct{})}

	go func() {
		defer close(connect.resolved)

		conn, err := bindUDP(peer, config)
		if err != nil {
			close(handle.done)
			connect.err = newTransportError("bind", err)
			return
		}

		s := &UDPClientStream{
			peer:   peer,
			conn:   conn,
			recvCh: make(chan *SerialMessage, 32),
			done:   handle.done,
		}
		if config.LoggerFactory != nil {
			s.log = config.LoggerFactory.NewLogger("udp-client-stream")
		}

		s.wg.Add(2)
		go s.readLoop()
		go s.writeLoop(handle.sendCh)

		connect.stream = s
	}()

	return connect, handle
}

func bindUDP(peer net.Addr, config UDPClientConfig) (net.PacketConn, error) {
	if config.Conn != nil {
		return config.Conn, nil
	}
	if peer == nil {
		return nil, ErrInvalidAddress
	}

	network, local := "udp", ":0"
	if ua, ok := peer.(*net.UDPAddr); ok && ua.IP != nil {
		if ua.IP.To4() != nil {
			network, local = "udp4", "0.0.0.0:0"
		} else {
			network, local = "udp6", "[::]:0"
		}
	}
	if config.LocalAddr != "" {
		local = config.LocalAddr
	}

	return net.ListenPacket(network, local)
}

// Recv returns the next inbound message. See ClientStream.
func (s *UDPClientStream) Recv(ctx context.Context) (*SerialMessage, error) {
	select {
	case msg, ok := <-s.recvCh:
		if !ok {
			if s.readErr != nil {
				return nil, s.readErr
			}
			return nil, io.EOF
		}
		if s.log != nil && !addrEqual(msg.Addr(), s.peer) {
			s.log.Debugf("%v does not match peer address: %v", msg.Addr(), s.peer)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerAddr returns the configured peer address.
func (s *UDPClientStream) PeerAddr() net.Addr {
	return s.peer
}

// LocalAddr returns the local address the underlying socket is bound to.
func (s *UDPClientStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// String implements fmt.Stringer.
func (s *UDPClientStream) String() string {
	return fmt.Sprintf("UDP(%v)", s.peer)
}

// Close releases the underlying socket and stops the receive and send
// loops. After Close, Recv returns io.EOF and the outbound handle returns
// ErrClosed.
func (s *UDPClientStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		// Unblock any pending read before closing the socket.
		s.conn.SetReadDeadline(time.Now())
		s.conn.Close()
		s.wg.Wait()
	})
	return nil
}

func (s *UDPClientStream) readLoop() {
	defer s.wg.Done()
	defer close(s.recvCh)

	buf := make([]byte, MaxDatagramSize)

	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// A close of the socket ends the sequence cleanly; anything
			// else surfaces as a transport error and exhausts the stream.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.readErr = newTransportError("recv", err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if s.log != nil {
			s.log.Debugf("received %d bytes from %v", n, addr)
		}

		select {
		case s.recvCh <- NewSerialMessage(data, addr):
		case <-s.done:
			return
		}
	}
}

func (s *UDPClientStream) writeLoop(sendCh <-chan *SerialMessage) {
	defer s.wg.Done()

	for {
		select {
		case msg := <-sendCh:
			if _, err := s.conn.WriteTo(msg.Bytes(), msg.Addr()); err != nil {
				if s.log != nil {
					s.log.Warnf("send to %v failed: %v", msg.Addr(), err)
				}
			}
		case <-s.done:
			return
		}
	}
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// UDPClientConnect is the establishment task for a UDPClientStream. It
// resolves to a usable stream once the underlying socket is bound, or fails
// with a *TransportError. Establishment is all-or-nothing: a failed task
// yields no stream.
type UDPClientConnect struct {
	stream *UDPClientStream // set before resolved is closed
	err    error            // set before resolved is closed

	resolved chan struct{}
}

// Wait blocks until the stream is established or ctx is done. It may be
// called multiple times, including concurrently; every call after
// resolution returns the same outcome, and each waiter honors its own
// context.
func (c *UDPClientConnect) Wait(ctx context.Context) (*UDPClientStream, error) {
	select {
	case <-c.resolved:
		return c.stream, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the establishment task, releasing the socket if (or once)
// binding succeeds. Safe to call whether or not Wait was called.
func (c *UDPClientConnect) Close() error {
	go func() {
		<-c.resolved
		if c.err == nil {
			c.stream.Close()
		}
	}()
	return nil
}
