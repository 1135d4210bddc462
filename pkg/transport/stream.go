package transport

import (
	"context"
	"fmt"
	"net"
)

// ClientStream is a continuously pollable source of inbound messages bound
// to one peer address. A stream owns its underlying socket exclusively and
// exposes it as a typed message sequence.
//
// Recv must be driven by exactly one consumer at a time; it advances
// internal receive state and is not safe for concurrent use. The outbound
// side (StreamHandle) is independent of Recv and safe for concurrent use.
type ClientStream interface {
	// Recv returns the next inbound message. It returns io.EOF when the
	// underlying socket is closed and no more datagrams will arrive, or a
	// *TransportError on a socket failure. After either, the stream is
	// exhausted and should be discarded.
	//
	// Messages whose source address does not match the configured peer
	// address are still delivered; the mismatch is only logged. Correlation
	// against full message identity is left to higher layers.
	Recv(ctx context.Context) (*SerialMessage, error)

	// PeerAddr returns the remote endpoint this stream is associated with.
	PeerAddr() net.Addr

	// Close releases the underlying socket. Recv returns io.EOF afterwards.
	Close() error

	// String returns a diagnostic label such as "UDP(127.0.0.1:53)".
	fmt.Stringer
}

// DefaultQueueSize is the default capacity of a StreamHandle's outbound
// queue.
const DefaultQueueSize = 64

// StreamHandle is the write side of a client stream. It queues messages for
// transmission, decoupled from the receive path: it is valid immediately
// after construction, before the stream itself is established, and may be
// shared and used from multiple goroutines without coordination.
type StreamHandle struct {
	peer   net.Addr
	sendCh chan *SerialMessage
	done   chan struct{}
}

func newStreamHandle(peer net.Addr, queueSize int) *StreamHandle {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &StreamHandle{
		peer:   peer,
		sendCh: make(chan *SerialMessage, queueSize),
		done:   make(chan struct{}),
	}
}

// Send queues a message for transmission to its destination address.
// It does not block: if the queue is full it returns ErrQueueFull, and if
// the stream is closed (or failed to establish) it returns ErrClosed.
func (h *StreamHandle) Send(msg *SerialMessage) error {
	if msg == nil || msg.Addr() == nil {
		return ErrInvalidAddress
	}
	if len(msg.Bytes()) > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	select {
	case h.sendCh <- msg:
		// A close can race the enqueue, leaving the message undrained once
		// the write loop has exited; report that as a closed handle.
		select {
		case <-h.done:
			return ErrClosed
		default:
			return nil
		}
	case <-h.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// SendBytes queues a payload addressed to the handle's configured peer.
func (h *StreamHandle) SendBytes(payload []byte) error {
	return h.Send(NewSerialMessage(payload, h.peer))
}

// PeerAddr returns the peer address outbound payloads are addressed to by
// SendBytes.
func (h *StreamHandle) PeerAddr() net.Addr {
	return h.peer
}
