package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestUDPClientStreamIPv4(t *testing.T) {
	udpClientStreamTest(t, "127.0.0.1")
}

func TestUDPClientStreamIPv6(t *testing.T) {
	if conn, err := net.ListenPacket("udp6", "[::1]:0"); err != nil {
		t.Skipf("IPv6 loopback not available: %v", err)
	} else {
		conn.Close()
	}
	udpClientStreamTest(t, "[::1]")
}

// udpClientStreamTest binds an echo peer, establishes a client stream
// against it, and runs four sequential send/receive round trips with an
// identical payload. Each cycle must independently preserve the payload
// byte-for-byte without leaking messages across cycles.
func udpClientStreamTest(t *testing.T, ip string) {
	testBytes := []byte("DEADBEEF")
	sendRecvTimes := 4

	server, err := net.ListenPacket("udp", ip+":0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer server.Close()
	serverAddr := server.LocalAddr()

	serverDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 512)
		for i := 0; i < sendRecvTimes; i++ {
			server.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, addr, err := server.ReadFrom(buf)
			if err != nil {
				serverDone <- err
				return
			}
			if !bytes.Equal(buf[:n], testBytes) {
				serverDone <- errors.New("server received unexpected payload")
				return
			}
			if _, err := server.WriteTo(buf[:n], addr); err != nil {
				serverDone <- err
				return
			}
		}
		serverDone <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connect, handle := NewUDPClientStream(serverAddr, UDPClientConfig{})
	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	for i := 0; i < sendRecvTimes; i++ {
		if err := handle.SendBytes(testBytes); err != nil {
			t.Fatalf("cycle %d: SendBytes() error = %v", i, err)
		}

		msg, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("cycle %d: Recv() error = %v", i, err)
		}
		if !bytes.Equal(msg.Bytes(), testBytes) {
			t.Errorf("cycle %d: payload = %q, want %q", i, msg.Bytes(), testBytes)
		}
		if msg.Addr().String() != serverAddr.String() {
			t.Errorf("cycle %d: source = %v, want %v", i, msg.Addr(), serverAddr)
		}
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("echo peer error = %v", err)
	}
}

func TestUDPClientStreamMismatchedSource(t *testing.T) {
	// A datagram from an unexpected source address must still surface as a
	// received message; the mismatch is diagnostic only.
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer peer.Close()

	other, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connect, handle := NewUDPClientStream(peer.LocalAddr(), UDPClientConfig{})
	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	// The configured peer learns the client's address, then the reply
	// arrives from a different socket.
	if err := handle.SendBytes([]byte("ping")); err != nil {
		t.Fatalf("SendBytes() error = %v", err)
	}
	buf := make([]byte, 512)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, clientAddr, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("peer ReadFrom() error = %v", err)
	}
	if _, err := other.WriteTo([]byte("stray"), clientAddr); err != nil {
		t.Fatalf("other WriteTo() error = %v", err)
	}

	msg, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(msg.Bytes(), []byte("stray")) {
		t.Errorf("payload = %q, want %q", msg.Bytes(), "stray")
	}
	if msg.Addr().String() != other.LocalAddr().String() {
		t.Errorf("source = %v, want %v", msg.Addr(), other.LocalAddr())
	}
	if msg.Addr().String() == stream.PeerAddr().String() {
		t.Error("test delivered from the configured peer; wanted a mismatched source")
	}
}

func TestUDPClientStreamSendBeforeEstablish(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer server.Close()

	connect, handle := NewUDPClientStream(server.LocalAddr(), UDPClientConfig{})

	// The handle is valid immediately; this send queues until the socket
	// is bound.
	if err := handle.SendBytes([]byte("early")); err != nil {
		t.Fatalf("SendBytes() before Wait error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	buf := make([]byte, 512)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := server.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("early")) {
		t.Errorf("received = %q, want %q", buf[:n], "early")
	}
}

func TestUDPClientStreamClose(t *testing.T) {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
	connect, handle := NewUDPClientStream(addr, UDPClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// Close is idempotent.
	if err := stream.Close(); err != nil {
		t.Errorf("Close() second call error = %v", err)
	}

	// Exactly one terminal signal, repeated on every later poll.
	for i := 0; i < 2; i++ {
		if _, err := stream.Recv(ctx); err != io.EOF {
			t.Errorf("Recv() after close error = %v, want io.EOF", err)
		}
	}

	if err := handle.SendBytes([]byte("late")); err != ErrClosed {
		t.Errorf("SendBytes() after close error = %v, want %v", err, ErrClosed)
	}
}

// readFailConn is a PacketConn that yields one datagram and then fails
// every subsequent read with a fixed error.
type readFailConn struct {
	payload []byte
	addr    net.Addr
	err     error
	reads   int
}

func (c *readFailConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.reads++
	if c.reads == 1 {
		n := copy(p, c.payload)
		return n, c.addr, nil
	}
	return 0, nil, c.err
}

func (c *readFailConn) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }
func (c *readFailConn) Close() error                                 { return nil }
func (c *readFailConn) LocalAddr() net.Addr                          { return c.addr }
func (c *readFailConn) SetDeadline(t time.Time) error                { return nil }
func (c *readFailConn) SetReadDeadline(t time.Time) error            { return nil }
func (c *readFailConn) SetWriteDeadline(t time.Time) error           { return nil }

func TestUDPClientStreamMidStreamError(t *testing.T) {
	// A socket error during receive must surface as a *TransportError and
	// exhaust the stream: repeated polls keep reporting the failure, never
	// a clean end and never further messages.
	peerAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
	readErr := errors.New("receive buffer torn down")
	conn := &readFailConn{payload: []byte("last"), addr: peerAddr, err: readErr}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connect, _ := NewUDPClientStream(peerAddr, UDPClientConfig{Conn: conn})
	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	msg, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(msg.Bytes(), []byte("last")) {
		t.Errorf("payload = %q, want %q", msg.Bytes(), "last")
	}

	_, err = stream.Recv(ctx)
	if err == nil {
		t.Fatal("Recv() after read failure succeeded, want error")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Recv() error type = %T, want *TransportError", err)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("Recv() error = %v, does not wrap %v", err, readErr)
	}

	// The stream is exhausted; later polls report the same failure.
	if _, err2 := stream.Recv(ctx); err2 != err {
		t.Errorf("Recv() second error = %v, want %v", err2, err)
	}
}

func TestUDPClientStreamEstablishFailure(t *testing.T) {
	t.Run("unbindable local address", func(t *testing.T) {
		addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
		connect, handle := NewUDPClientStream(addr, UDPClientConfig{
			LocalAddr: "256.256.256.256:0",
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stream, err := connect.Wait(ctx)
		if err == nil {
			stream.Close()
			t.Fatal("Wait() succeeded, want bind failure")
		}
		if stream != nil {
			t.Error("Wait() returned a stream alongside an error")
		}

		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Errorf("Wait() error type = %T, want *TransportError", err)
		}

		// A failed establishment invalidates the handle too.
		if err := handle.SendBytes([]byte("x")); err != ErrClosed {
			t.Errorf("SendBytes() error = %v, want %v", err, ErrClosed)
		}

		// Repeated waits report the same outcome.
		if _, err2 := connect.Wait(ctx); err2 != err {
			t.Errorf("Wait() second call error = %v, want %v", err2, err)
		}
	})

	t.Run("nil peer", func(t *testing.T) {
		connect, _ := NewUDPClientStream(nil, UDPClientConfig{})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := connect.Wait(ctx); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Wait() error = %v, want %v", err, ErrInvalidAddress)
		}
	})
}

func TestUDPClientStreamIdentity(t *testing.T) {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
	connect, _ := NewUDPClientStream(addr, UDPClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	if got, want := stream.String(), "UDP(127.0.0.1:5300)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if stream.PeerAddr() != net.Addr(addr) {
		t.Errorf("PeerAddr() = %v, want %v", stream.PeerAddr(), addr)
	}
	if stream.LocalAddr() == nil {
		t.Error("LocalAddr() = nil")
	}
}

func TestUDPClientStreamRecvContext(t *testing.T) {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
	connect, _ := NewUDPClientStream(addr, UDPClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := connect.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	defer stream.Close()

	recvCtx, recvCancel := context.WithCancel(context.Background())
	recvCancel()
	if _, err := stream.Recv(recvCtx); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv() error = %v, want %v", err, context.Canceled)
	}
}

func TestUDPClientConnectConcurrentWait(t *testing.T) {
	// A waiter with a short deadline must honor it even while another
	// waiter is blocked on a task that has not resolved yet.
	connect := &UDPClientConnect{resolved: make(chan struct{})}
	defer close(connect.resolved)

	blocked := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		close(blocked)
		connect.Wait(ctx)
	}()
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := connect.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() returned after %v, want the 50ms deadline honored", elapsed)
	}
}

func TestUDPClientConnectAbandon(t *testing.T) {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5300")
	connect, _ := NewUDPClientStream(addr, UDPClientConfig{})

	// Abandoning the task without waiting must still release the socket.
	if err := connect.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
