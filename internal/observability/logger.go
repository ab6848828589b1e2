package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithRequest adds request_id context to logger.
func (l *Logger) WithRequest(requestID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("request_id", requestID).Logger(),
	}
}

// WithPeer adds peer_addr context to logger.
func (l *Logger) WithPeer(peerAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_addr", peerAddr).Logger(),
	}
}

// WithImage adds image_id context to logger.
func (l *Logger) WithImage(imageID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("image_id", imageID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ElectionWon logs that this server became coordinator for a request.
func (l *Logger) ElectionWon(requestID string, priority float32, candidates int) {
	l.logger.Info().
		Str("request_id", requestID).
		Float32("priority", priority).
		Int("candidates", candidates).
		Msg("elected coordinator for request")
}

// ElectionLost logs that another server won the election for a request.
func (l *Logger) ElectionLost(requestID, winner string) {
	l.logger.Debug().
		Str("request_id", requestID).
		Str("winner", winner).
		Msg("not the coordinator, dropping request")
}

// PeerDead logs that a peer was marked dead by the heartbeat reaper.
func (l *Logger) PeerDead(peerAddr string, lastSeen time.Time) {
	l.logger.Warn().
		Str("peer_addr", peerAddr).
		Time("last_seen", lastSeen).
		Msg("peer marked dead, removed from priority table")
}

// ChunkRetransmit logs a retransmitted chunk on the reliable transport.
func (l *Logger) ChunkRetransmit(dst string, chunkID uint32, attempt int) {
	l.logger.Debug().
		Str("dst", dst).
		Uint32("chunk_id", chunkID).
		Int("attempt", attempt).
		Msg("chunk ack timeout, retransmitting")
}

// MessageSent logs a completed reliable-transport send.
func (l *Logger) MessageSent(dst string, size, chunks int, elapsed time.Duration) {
	l.logger.Info().
		Str("dst", dst).
		Int("size", size).
		Int("chunks", chunks).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("message sent")
}

// UploadCompleted logs a finished image upload session.
func (l *Logger) UploadCompleted(imageID string, clientAddr string, carrierBytes int, cached bool) {
	l.logger.Info().
		Str("image_id", imageID).
		Str("client_addr", clientAddr).
		Int("carrier_bytes", carrierBytes).
		Bool("carrier_cached", cached).
		Msg("image upload completed")
}

// RightsGranted logs an approved peer rights grant.
func (l *Logger) RightsGranted(imageID, viewerAddr string, views uint16) {
	l.logger.Info().
		Str("image_id", imageID).
		Str("viewer_addr", viewerAddr).
		Uint16("views", views).
		Msg("view rights granted")
}

// RightsForwarded logs an offline grant forwarded to the server cluster.
func (l *Logger) RightsForwarded(imageID, viewerAddr string, views uint16) {
	l.logger.Warn().
		Str("image_id", imageID).
		Str("viewer_addr", viewerAddr).
		Uint16("views", views).
		Msg("grant ack timed out, forwarded to servers as change-view")
}

// ViewConsumed logs a local view consumption.
func (l *Logger) ViewConsumed(imageID string, remaining uint32) {
	l.logger.Info().
		Str("image_id", imageID).
		Uint32("remaining_views", remaining).
		Msg("view consumed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
