package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	webrtc_mesh "github.com/kw-m/webrtc-mesh/pkg"
	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/kw-m/webrtc-mesh/pkg/media/devices"
	"github.com/spf13/cobra"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter
)

var joinCmd = &cobra.Command{
	Use:   "join ROOM",
	Short: "Join a room and link up with everyone in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func joinRoom(roomID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	println("------------ Starting WebRTC Mesh ----------------|")

	// the network & synthetic sources are picked by the mesh itself
	var acquirer media.Acquirer
	if cfg.Media.Source == "devices" {
		acquirer = devices.NewAcquirer(cfg.Media, cfg.Policy, config.SetupLogger(cfg))
	}
	mesh := webrtc_mesh.NewWebrtcMesh(cfg, acquirer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := mesh.Start(ctx); err != nil {
		return err
	}
	defer mesh.Stop()

	events := mesh.Rooms.Events()
	if err := mesh.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	mesh.Log.Info("Joined ", roomID, " as ", mesh.Rooms.SelfID())

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(mesh, e)
		case <-ctx.Done():
			mesh.Log.Info("ctrl+c or other system interrupt received, exiting.")
			return nil
		case <-mesh.Signaling.Done():
			return errors.Join(webrtc_mesh.ErrTransport, errors.New("lost the connection to the signaling relay"))
		}
	}
}

func logEvent(mesh *webrtc_mesh.WebrtcMesh, e *webrtc_mesh.MeshEvent) {
	l := mesh.Log.WithField("peer", e.PeerID)
	switch e.Type {
	case webrtc_mesh.EventRemoteStreamAdded:
		l.Infof("Receiving stream %s with %d tracks", e.Stream.StreamID, len(e.Stream.Tracks))
	case webrtc_mesh.EventLinkFailed:
		l.Warn("Link failed: ", e.Err)
	case webrtc_mesh.EventLinkSample:
		l.Infof("video out %.0f kbps, in %.0f kbps", e.Sample.OutboundBitrate/1000, e.Sample.InboundBitrate/1000)
	default:
		l.Info(e.Type)
	}
}
