package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/stego"
)

// handleUpload answers an upload triplet: allocate a session socket,
// reply its port as two big-endian bytes, then run the chunked upload on
// that socket and return the encoded carrier. done releases the request
// from the in-flight set once the session finishes.
func (d *Dispatcher) handleUpload(ctx context.Context, req *uploadRequest, src *net.UDPAddr, log *observability.Logger, done func()) {
	if !d.uploadLimiter.Allow(1) {
		log.Warn("upload session rate limit exceeded")
		if err := d.sendReply(src, failureReply(fmt.Errorf("upload rate limit exceeded"))); err != nil {
			log.Error(err, "reply send failed")
		}
		done()
		return
	}

	sessConn, port, err := d.alloc.Allocate()
	if err != nil {
		log.Error(err, "upload port allocation failed")
		if err := d.sendReply(src, failureReply(err)); err != nil {
			log.Error(err, "reply send failed")
		}
		done()
		return
	}

	portReply := []byte{byte(port >> 8), byte(port & 0xFF)}
	if _, err := d.conn.WriteToUDP(portReply, src); err != nil {
		log.Error(err, "port reply send failed")
		sessConn.Close()
		d.alloc.Release(port)
		done()
		return
	}

	go d.runUploadSession(ctx, sessConn, port, req, log, done)
}

func (d *Dispatcher) runUploadSession(ctx context.Context, conn *net.UDPConn, port uint16, req *uploadRequest, log *observability.Logger, done func()) {
	defer done()
	tracer := otel.Tracer("stegoshare-server")
	ctx, span := tracer.Start(ctx, "dispatch.uploadSession")
	defer span.End()

	start := time.Now()
	if d.metrics != nil {
		d.metrics.RecordUploadStart()
		defer func() {
			d.metrics.RecordUploadComplete(time.Since(start).Seconds())
		}()
	}
	defer func() {
		conn.Close()
		d.alloc.Release(port)
	}()

	// The transport retries without bound; the session deadline covers
	// the receive only and is cleared before the carrier send.
	_ = conn.SetReadDeadline(time.Now().Add(uploadSessionTimeout))

	name, payload, src, err := d.tr.RecvMessageWithPreamble(conn)
	if err != nil {
		log.Error(err, "upload receive failed")
		return
	}
	log = log.WithImage(req.ImageID)
	log.Info("received payload image " + name)

	carrier, cached, err := d.encodeCarrier(payload)
	if err != nil {
		log.Error(err, "carrier encode failed")
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	if err := d.tr.SendMessage(conn, src, carrier); err != nil {
		log.Error(err, "carrier send failed")
		return
	}

	if err := d.dir.AddResource(ctx, req.ClientID, req.ImageID); err != nil {
		if d.metrics != nil {
			d.metrics.RecordDirectoryOperation("add_resource", err)
		}
		log.Error(err, "resource registration failed")
		return
	}
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("add_resource", nil)
	}
	log.UploadCompleted(req.ImageID, src.String(), len(carrier), cached)
}

// encodeCarrier hides the payload image in the default cover, consulting
// the carrier cache first so a retried upload is served bit-identical
// without re-encoding.
func (d *Dispatcher) encodeCarrier(payload []byte) ([]byte, bool, error) {
	var digest string
	if d.cache != nil {
		digest = Digest(payload)
		if carrier, ok := d.cache.Get(digest); ok {
			if d.metrics != nil {
				d.metrics.CarrierCacheHits.Inc()
			}
			return carrier, true, nil
		}
		if d.metrics != nil {
			d.metrics.CarrierCacheMisses.Inc()
		}
	}

	cover := stego.LoadCover(d.cfg.CoverPath, len(payload))
	inner, err := stego.Hide(cover, payload)
	if err != nil {
		return nil, false, err
	}
	carrier, err := stego.EncodePNG(inner)
	if err != nil {
		return nil, false, err
	}

	if d.cache != nil {
		if err := d.cache.Put(digest, carrier); err != nil {
			d.logger.Error(err, "carrier cache write failed")
		}
	}
	return carrier, false, nil
}
