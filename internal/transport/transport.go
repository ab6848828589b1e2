package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/stegoshare/backend/internal/observability"
)

const (
	// PacketSize is the maximum datagram size on the wire.
	PacketSize = 1024
	// HeaderSize is the big-endian chunk id prefix on data packets.
	HeaderSize = 4
	// ChunkPayloadSize is the usable payload per data packet.
	ChunkPayloadSize = PacketSize - HeaderSize
	// AckTimeout bounds the wait for a single chunk acknowledgement.
	AckTimeout = 2 * time.Second
)

var ErrMissingChunk = errors.New("reassembly missing chunk")

// Transport implements the stop-and-wait chunked protocol over UDP.
// A message is split into chunks of up to ChunkPayloadSize bytes, each
// prefixed with a 4-byte big-endian chunk id. Every chunk is acknowledged
// by the receiver with a bare 4-byte chunk id; a zero-length datagram
// terminates the message.
type Transport struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a transport. Both logger and metrics may be nil.
func New(logger *observability.Logger, metrics *observability.Metrics) *Transport {
	return &Transport{logger: logger, metrics: metrics}
}

// SendMessage transmits payload to dst over conn, one chunk at a time.
// Each chunk is retransmitted until its acknowledgement is observed; there
// is no retry bound, so a peer that never acks blocks the sender at that
// chunk. Callers needing an overall bound must enforce it themselves.
func (t *Transport) SendMessage(conn *net.UDPConn, dst *net.UDPAddr, payload []byte) error {
	start := time.Now()
	total := (len(payload) + ChunkPayloadSize - 1) / ChunkPayloadSize

	packet := make([]byte, 0, PacketSize)
	ackBuf := make([]byte, PacketSize)

	for i := 0; i < total; i++ {
		lo := i * ChunkPayloadSize
		hi := lo + ChunkPayloadSize
		if hi > len(payload) {
			hi = len(payload)
		}

		packet = packet[:HeaderSize]
		binary.BigEndian.PutUint32(packet, uint32(i))
		packet = append(packet, payload[lo:hi]...)

		if err := t.sendChunk(conn, dst, packet, uint32(i), ackBuf); err != nil {
			return err
		}
	}

	// Zero-length datagram signals end of message; no ack expected.
	if _, err := conn.WriteToUDP(nil, dst); err != nil {
		return fmt.Errorf("send eom: %w", err)
	}
	if t.metrics != nil {
		t.metrics.DatagramsSentTotal.WithLabelValues("eom").Inc()
		t.metrics.MessageBytesTotal.WithLabelValues("sent").Add(float64(len(payload)))
		t.metrics.MessageSendDuration.Observe(time.Since(start).Seconds())
	}
	if t.logger != nil {
		t.logger.MessageSent(dst.String(), len(payload), total, time.Since(start))
	}
	return nil
}

// sendChunk transmits one chunk and blocks until its ack arrives,
// retransmitting on timeout or on a mismatched ack.
func (t *Transport) sendChunk(conn *net.UDPConn, dst *net.UDPAddr, packet []byte, chunkID uint32, ackBuf []byte) error {
	defer conn.SetReadDeadline(time.Time{})

	attempt := 0
	for {
		attempt++
		if _, err := conn.WriteToUDP(packet, dst); err != nil {
			return fmt.Errorf("send chunk %d: %w", chunkID, err)
		}
		if t.metrics != nil {
			t.metrics.DatagramsSentTotal.WithLabelValues("chunk").Inc()
			if attempt > 1 {
				t.metrics.ChunksRetransmitted.Inc()
			}
		}

		if err := conn.SetReadDeadline(time.Now().Add(AckTimeout)); err != nil {
			return fmt.Errorf("set ack deadline: %w", err)
		}
		n, _, err := conn.ReadFromUDP(ackBuf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if t.logger != nil {
					t.logger.ChunkRetransmit(dst.String(), chunkID, attempt)
				}
				continue
			}
			return fmt.Errorf("await ack for chunk %d: %w", chunkID, err)
		}
		if n == HeaderSize && binary.BigEndian.Uint32(ackBuf[:HeaderSize]) == chunkID {
			return nil
		}
		// Mismatched or stale ack: retransmit the same chunk.
		if t.logger != nil {
			t.logger.ChunkRetransmit(dst.String(), chunkID, attempt)
		}
	}
}

// RecvMessage accumulates chunks on conn until the end-of-message
// datagram, acking every well-formed chunk regardless of duplication.
// Malformed packets (shorter than the header) are dropped silently.
func (t *Transport) RecvMessage(conn *net.UDPConn) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, PacketSize)
	chunks := make(map[uint32][]byte)

	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("recv chunk: %w", err)
		}

		if n == 0 {
			if t.metrics != nil {
				t.metrics.DatagramsReceivedTotal.WithLabelValues("eom").Inc()
			}
			data, err := reassemble(chunks)
			if err != nil {
				return nil, src, err
			}
			if t.metrics != nil {
				t.metrics.MessageBytesTotal.WithLabelValues("received").Add(float64(len(data)))
			}
			return data, src, nil
		}

		if n < HeaderSize {
			// Malformed; never disrupt the loop.
			if t.metrics != nil {
				t.metrics.DatagramsReceivedTotal.WithLabelValues("malformed").Inc()
			}
			continue
		}

		chunkID := binary.BigEndian.Uint32(buf[:HeaderSize])
		data := make([]byte, n-HeaderSize)
		copy(data, buf[HeaderSize:n])
		chunks[chunkID] = data

		if t.metrics != nil {
			t.metrics.DatagramsReceivedTotal.WithLabelValues("chunk").Inc()
		}

		// Ack is idempotent: duplicates are re-acked, the stored bytes
		// are simply overwritten with identical content.
		var ack [HeaderSize]byte
		binary.BigEndian.PutUint32(ack[:], chunkID)
		if _, err := conn.WriteToUDP(ack[:], src); err != nil {
			return nil, nil, fmt.Errorf("send ack: %w", err)
		}
	}
}

// reassemble concatenates chunks in ascending id order. The sender
// contract guarantees completeness; a gap means the socket was shared
// across concurrent messages and is reported as an error.
func reassemble(chunks map[uint32][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		// A bare end-of-message marker is a valid empty message.
		return []byte{}, nil
	}

	ids := make([]uint32, 0, len(chunks))
	size := 0
	for id, c := range chunks {
		ids = append(ids, id)
		size += len(c)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]byte, 0, size)
	for want, id := range ids {
		if id != uint32(want) {
			return nil, fmt.Errorf("%w: %d", ErrMissingChunk, want)
		}
		out = append(out, chunks[id]...)
	}
	return out, nil
}
