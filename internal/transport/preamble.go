package transport

import (
	"fmt"
	"net"
	"unicode/utf8"
)

// Text-preamble mode, used by image upload: the very first datagram of a
// message is an untagged UTF-8 string naming the image, followed by the
// regular chunked payload. The mode is fixed per operation — the upload
// port always expects a preamble, never auto-detects one.

// SendMessageWithPreamble sends name as an untagged first datagram, then
// the chunked payload.
func (t *Transport) SendMessageWithPreamble(conn *net.UDPConn, dst *net.UDPAddr, name string, payload []byte) error {
	if name == "" || !utf8.ValidString(name) {
		return fmt.Errorf("invalid preamble name %q", name)
	}
	if len(name) > ChunkPayloadSize {
		return fmt.Errorf("preamble name too long: %d bytes", len(name))
	}
	if _, err := conn.WriteToUDP([]byte(name), dst); err != nil {
		return fmt.Errorf("send preamble: %w", err)
	}
	if t.metrics != nil {
		t.metrics.DatagramsSentTotal.WithLabelValues("preamble").Inc()
	}
	return t.SendMessage(conn, dst, payload)
}

// RecvMessageWithPreamble reads the untagged name datagram, then the
// chunked payload that follows it.
func (t *Transport) RecvMessageWithPreamble(conn *net.UDPConn) (string, []byte, *net.UDPAddr, error) {
	buf := make([]byte, PacketSize)
	var name string
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", nil, nil, fmt.Errorf("recv preamble: %w", err)
		}
		if n == 0 {
			continue
		}
		if !utf8.Valid(buf[:n]) {
			// Not a name; the peer skipped the preamble. Drop it rather
			// than guess at the mode.
			continue
		}
		name = string(buf[:n])
		break
	}
	if t.metrics != nil {
		t.metrics.DatagramsReceivedTotal.WithLabelValues("preamble").Inc()
	}
	data, src, err := t.RecvMessage(conn)
	if err != nil {
		return name, nil, src, err
	}
	return name, data, src, nil
}
