package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// PipeConfig configures a pipe client stream pair.
type PipeConfig struct {
	// ProcessInterval is how often queued packets are delivered.
	// Defaults to 1ms.
	ProcessInterval time.Duration

	// QueueSize is the capacity of each outbound handle's queue.
	// Defaults to DefaultQueueSize.
	QueueSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	// ID is the endpoint ID (0 or 1).
	ID int
}

// Network returns the pipe network name.
func (a PipeAddr) Network() string { return "pipe" }

// String returns a human-readable form of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// pipe drives packet delivery between the two endpoints of a test bridge.
// It stops once both endpoints are closed.
type pipe struct {
	bridge *test.Bridge
	stopCh chan struct{}
	closed atomic.Int32
	wg     sync.WaitGroup
}

func (p *pipe) run(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

func (p *pipe) release() {
	if p.closed.Add(1) == 2 {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// PipeClientStream is a ClientStream over one endpoint of an in-memory
// bidirectional packet pipe. It exists for deterministic, flaky-free tests
// of stream consumers without real network I/O, and as a second datagram
// transport behind the ClientStream contract.
type PipeClientStream struct {
	pipe   *pipe
	conn   net.Conn
	peer   PipeAddr
	handle *StreamHandle
	log    logging.LeveledLogger

	recvCh  chan *SerialMessage
	readErr error // set before recvCh is closed
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

var _ ClientStream = (*PipeClientStream)(nil)

// NewPipeClientStreamPair creates two connected pipe client streams.
// Both are immediately active; no establishment step is needed. Each
// stream's outbound handle delivers to the other endpoint.
func NewPipeClientStreamPair(config PipeConfig) (*PipeClientStream, *PipeClientStream) {
	interval := config.ProcessInterval
	if interval == 0 {
		interval = 1 * time.Millisecond
	}

	p := &pipe{
		bridge: test.NewBridge(),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run(interval)

	s0 := newPipeClientStream(p, p.bridge.GetConn0(), 0, config)
	s1 := newPipeClientStream(p, p.bridge.GetConn1(), 1, config)
	return s0, s1
}

func newPipeClientStream(p *pipe, conn net.Conn, id int, config PipeConfig) *PipeClientStream {
	peer := PipeAddr{ID: 1 - id}
	s := &PipeClientStream{
		pipe:   p,
		conn:   conn,
		peer:   peer,
		handle: newStreamHandle(peer, config.QueueSize),
		recvCh: make(chan *SerialMessage, 32),
	}
	s.done = s.handle.done
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("pipe-client-stream")
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s
}

// Handle returns the stream's outbound handle.
func (s *PipeClientStream) Handle() *StreamHandle {
	return s.handle
}

// Recv returns the next inbound message. See ClientStream.
func (s *PipeClientStream) Recv(ctx context.Context) (*SerialMessage, error) {
	select {
	case msg, ok := <-s.recvCh:
		if !ok {
			if s.readErr != nil {
				return nil, s.readErr
			}
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerAddr returns the address of the remote endpoint.
func (s *PipeClientStream) PeerAddr() net.Addr {
	return s.peer
}

// String implements fmt.Stringer.
func (s *PipeClientStream) String() string {
	return fmt.Sprintf("Pipe(%v)", s.peer)
}

// Close releases this endpoint. Recv returns io.EOF afterwards. Packet
// delivery between the endpoints stops once both are closed.
func (s *PipeClientStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
		s.pipe.release()
	})
	return nil
}

func (s *PipeClientStream) readLoop() {
	defer s.wg.Done()
	defer close(s.recvCh)

	buf := make([]byte, MaxDatagramSize)

	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.readErr = newTransportError("recv", err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.recvCh <- NewSerialMessage(data, s.peer):
		case <-s.done:
			return
		}
	}
}

func (s *PipeClientStream) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.handle.sendCh:
			if _, err := s.conn.Write(msg.Bytes()); err != nil {
				if s.log != nil {
					s.log.Warnf("send failed: %v", err)
				}
			}
		case <-s.done:
			return
		}
	}
}
