package transport

import (
	"fmt"
	"net"
	"time"
)

// Control messages (JSON requests and replies that fit in one datagram)
// skip the chunking header and travel as a single raw datagram. Receivers
// on control ports accept either form: a bare JSON datagram or a chunked
// sequence. The two are distinguished by the first byte — JSON objects
// start with '{', while a chunk header's first byte is zero for any
// realistic chunk count.

// SendControl transmits a single-datagram control payload.
func (t *Transport) SendControl(conn *net.UDPConn, dst *net.UDPAddr, payload []byte) error {
	if len(payload) > ChunkPayloadSize {
		return fmt.Errorf("control payload %d exceeds %d bytes", len(payload), ChunkPayloadSize)
	}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send control: %w", err)
	}
	if t.metrics != nil {
		t.metrics.DatagramsSentTotal.WithLabelValues("control").Inc()
	}
	return nil
}

// RecvControl reads one control message, accepting both the raw
// single-datagram form and the chunked form on the same port.
func (t *Transport) RecvControl(conn *net.UDPConn) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, PacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("recv control: %w", err)
		}
		if n == 0 {
			// Stray end-of-message marker; ignore.
			continue
		}
		if buf[0] == '{' {
			data := make([]byte, n)
			copy(data, buf[:n])
			if t.metrics != nil {
				t.metrics.DatagramsReceivedTotal.WithLabelValues("control").Inc()
			}
			return data, src, nil
		}
		if n < HeaderSize {
			if t.metrics != nil {
				t.metrics.DatagramsReceivedTotal.WithLabelValues("malformed").Inc()
			}
			continue
		}
		// Chunked form: feed the first chunk back through the regular
		// receive path and drain the rest of the message. Any caller
		// deadline covered the first datagram only; from here the
		// sender's retransmission keeps the stream live.
		_ = conn.SetReadDeadline(time.Time{})
		return t.recvChunkedFrom(conn, buf[:n], src)
	}
}

// recvChunkedFrom completes a chunked receive whose first data packet has
// already been read.
func (t *Transport) recvChunkedFrom(conn *net.UDPConn, first []byte, firstSrc *net.UDPAddr) ([]byte, *net.UDPAddr, error) {
	chunks := make(map[uint32][]byte)

	store := func(pkt []byte, src *net.UDPAddr) error {
		chunkID := uint32(pkt[0])<<24 | uint32(pkt[1])<<16 | uint32(pkt[2])<<8 | uint32(pkt[3])
		data := make([]byte, len(pkt)-HeaderSize)
		copy(data, pkt[HeaderSize:])
		chunks[chunkID] = data
		ack := []byte{pkt[0], pkt[1], pkt[2], pkt[3]}
		if _, err := conn.WriteToUDP(ack, src); err != nil {
			return fmt.Errorf("send ack: %w", err)
		}
		return nil
	}

	if err := store(first, firstSrc); err != nil {
		return nil, nil, err
	}

	buf := make([]byte, PacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("recv chunk: %w", err)
		}
		if n == 0 {
			data, err := reassemble(chunks)
			if err != nil {
				return nil, src, err
			}
			return data, src, nil
		}
		if n < HeaderSize {
			continue
		}
		if err := store(buf[:n], src); err != nil {
			return nil, nil, err
		}
	}
}
