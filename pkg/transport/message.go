package transport

import "net"

// MaxDatagramSize is the largest payload carried in a single datagram.
// Inbound reads use it as the receive buffer size; outbound sends that
// exceed it are rejected with ErrMessageTooLarge.
const MaxDatagramSize = 4096

// SerialMessage is one discrete datagram payload plus its associated
// network address: the source on receive, the destination on send.
// Higher layers are responsible for parsing and correlating payloads.
// A SerialMessage is immutable once constructed.
type SerialMessage struct {
	data []byte
	addr net.Addr
}

// NewSerialMessage creates a message from a payload and an address.
// The payload is not copied; callers must not modify it afterwards.
func NewSerialMessage(data []byte, addr net.Addr) *SerialMessage {
	return &SerialMessage{data: data, addr: addr}
}

// Bytes returns the raw payload.
func (m *SerialMessage) Bytes() []byte {
	return m.data
}

// Addr returns the address associated with the message.
func (m *SerialMessage) Addr() net.Addr {
	return m.addr
}
