// Command stegopeer runs one sharing client: it registers (or signs in)
// with the server cluster, listens for peer rights traffic on its P2P
// socket, and answers inbound requests with a configured policy. The
// interactive prompt drives it through the request queue; one-shot flags
// cover the non-interactive paths.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	clientconfig "github.com/stegoshare/backend/client/config"
	"github.com/stegoshare/backend/client/peer"
	"github.com/stegoshare/backend/client/rights"
	"github.com/stegoshare/backend/client/workflow"
	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
)

const version = "1.0.0"

func main() {
	upload := flag.String("upload", "", "image file to upload to the cluster")
	request := flag.String("request", "", "request an image: owner_addr,image_id,views")
	increase := flag.String("increase", "", "request more views: owner_addr,image_id,views")
	view := flag.String("view", "", "consume one view of the given image id")
	approveViews := flag.Uint("approve-views", 0, "maximum views granted to an inbound request (0 rejects)")
	queueDepth := flag.Int("queue-depth", 16, "inbound request queue depth")
	flag.Parse()

	logger := observability.NewLogger("stegoshare-peer", version, os.Stdout)

	cfg, err := clientconfig.Load()
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if err := os.MkdirAll(cfg.SaveDir, 0755); err != nil {
		logger.Fatal(err, "failed to create save dir")
	}

	metrics := observability.NewMetrics()
	tr := transport.New(logger, metrics)
	cluster := workflow.NewClient(cfg, tr, logger)

	store, err := rights.NewStore(cfg.PeerImagesDir, logger, metrics)
	if err != nil {
		logger.Fatal(err, "failed to open rights store")
	}

	// Identity: register once, then reuse the persisted id.
	userPath := filepath.Join(cfg.SaveDir, "user.json")
	userID, ok, err := workflow.LoadUserID(userPath)
	if err != nil {
		logger.Fatal(err, "failed to load identity")
	}
	if !ok {
		userID, err = cluster.Register()
		if err != nil {
			logger.Fatal(err, "registration failed")
		}
		if err := workflow.SaveUserID(userPath, userID); err != nil {
			logger.Fatal(err, "failed to persist identity")
		}
		logger.Info("registered as user " + strconv.FormatInt(userID, 10))
	}

	// The P2P socket the directory will hand out to other peers.
	p2pConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		logger.Fatal(err, "failed to bind p2p socket")
	}
	defer p2pConn.Close()
	p2pPort := uint16(p2pConn.LocalAddr().(*net.UDPAddr).Port)

	queued, err := cluster.SignIn(userID, p2pPort)
	if err != nil {
		logger.Fatal(err, "sign-in failed")
	}
	// Grants queued while offline are merged before anything else runs.
	for _, pr := range queued {
		if err := store.AddViews(pr.ImageID, uint32(pr.Views)); err != nil {
			logger.WithImage(pr.ImageID).Error(err, "queued grant merge failed")
			continue
		}
		logger.WithImage(pr.ImageID).Info("queued grant applied")
	}

	listener := peer.NewListener(p2pConn, tr, store, logger, *queueDepth)
	requester := peer.NewRequester(tr, store, logger)
	responder := peer.NewResponder(tr, cfg.SaveDir, cluster, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)
	go respondLoop(ctx, listener, responder, uint16(*approveViews), logger)

	runActions(cluster, requester, store, p2pConn, userID, *upload, *request, *increase, *view, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("signing out")
	if err := cluster.Shutdown(userID); err != nil {
		logger.Error(err, "shutdown request failed")
	}
	cancel()
}

// respondLoop answers queued inbound requests with the configured
// policy: approve up to the flagged budget (capped at the requested
// views), or reject when it is zero.
func respondLoop(ctx context.Context, listener *peer.Listener, responder *peer.Responder, approveViews uint16, logger *observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-listener.Requests():
			msg := in.Message
			approved := approveViews > 0
			views := msg.Views
			if approved && views > approveViews {
				views = approveViews
			}
			var err error
			switch msg.Type {
			case peer.TypeImageRequest:
				err = responder.RespondToRequest(in.Src.String(), msg.ImageID, views, approved)
			case peer.TypeIncreaseViewsRequest:
				err = responder.RespondToIncrease(in.Src.String(), msg.ImageID, views, approved)
			}
			if err != nil {
				logger.WithImage(msg.ImageID).Error(err, "peer response failed")
			}
		}
	}
}

// runActions performs the one-shot flag-driven operations.
func runActions(cluster *workflow.Client, requester *peer.Requester, store *rights.Store, p2pConn *net.UDPConn, userID int64, upload, request, increase, view string, logger *observability.Logger) {
	if upload != "" {
		imageID, carrierPath, err := cluster.UploadImage(userID, upload)
		if err != nil {
			logger.Fatal(err, "upload failed")
		}
		logger.WithImage(imageID).Info("carrier saved at " + carrierPath)
	}

	if request != "" {
		ownerAddr, imageID, views, err := parseExchangeArg(request)
		if err != nil {
			logger.Fatal(err, "bad -request argument")
		}
		granted, err := requester.RequestImage(ownerAddr, userID, imageID, views)
		if err != nil {
			logger.WithImage(imageID).Error(err, "image request failed")
		} else {
			logger.WithImage(imageID).Info("granted " + strconv.Itoa(int(granted)) + " views")
		}
	}

	if increase != "" {
		ownerAddr, imageID, views, err := parseExchangeArg(increase)
		if err != nil {
			logger.Fatal(err, "bad -increase argument")
		}
		// Sent from the p2p socket so the approval lands on the
		// listener, which merges and acks it.
		if err := requester.SendIncreaseRequest(p2pConn, ownerAddr, userID, imageID, views); err != nil {
			logger.WithImage(imageID).Error(err, "increase request failed")
		}
	}

	if view != "" {
		result, err := store.ConsumeView(view)
		if err != nil {
			logger.WithImage(view).Error(err, "view failed")
			return
		}
		switch result.Status {
		case rights.ViewOK:
			logger.WithImage(view).Info("revealed image at " + result.ImagePath)
		case rights.ViewNoRights:
			logger.WithImage(view).Info("no views remaining, showing carrier at " + result.ImagePath)
		}
	}
}

// parseExchangeArg splits "owner_addr,image_id,views".
func parseExchangeArg(arg string) (string, string, uint16, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 3 {
		return "", "", 0, &net.AddrError{Err: "expected owner_addr,image_id,views", Addr: arg}
	}
	views, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return "", "", 0, err
	}
	return parts[0], parts[1], uint16(views), nil
}
