package webrtc_mesh

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	log "github.com/sirupsen/logrus"
)

type WebrtcMesh struct {
	// Log: The logrus logger to use for debug logs within WebrtcMesh Code
	Log *log.Entry
	// Rooms: join / leave rooms and watch remote streams through this controller (nil until Start succeeds)
	Rooms *RoomController
	// Signaling: the websocket connection to the relay (nil until Start succeeds)
	Signaling *signaling.Client

	// --- Private Fields ---
	// Config options for this WebrtcMesh
	config *config.MeshConfig
	// where local media comes from, nil picks the source named in the config
	acquirer media.Acquirer
}

// NewWebrtcMesh sets up logging from the config. acquirer may be nil unless the config asks for
// the "devices" media source, which lives in the devices package.
func NewWebrtcMesh(configOptions *config.MeshConfig, acquirer media.Acquirer) *WebrtcMesh {
	return &WebrtcMesh{
		Log:      config.SetupLogger(configOptions),
		config:   configOptions,
		acquirer: acquirer,
	}
}

// Start connects to the signaling relay. It must succeed before JoinRoom.
func (mesh *WebrtcMesh) Start(ctx context.Context) error {
	cfg := mesh.config

	if cfg.GoProfilingServerEnabled {
		go func() {
			mesh.Log.Info("pprof server on localhost:6060")
			mesh.Log.Warn(http.ListenAndServe("localhost:6060", nil))
		}()
	}

	client := signaling.NewClient(cfg.SignalingURL, mesh.Log)
	if err := client.Connect(ctx); err != nil {
		return errors.Join(ErrTransport, err)
	}

	acquirer := mesh.acquirer
	if acquirer == nil {
		var err error
		acquirer, err = media.NewAcquirer(cfg.Media, client.ID(), mesh.Log)
		if err != nil {
			client.Close()
			return err
		}
	}

	webrtcConfig := cfg.WebrtcConfiguration()
	mesh.Signaling = client
	mesh.Rooms = NewRoomController(RoomControllerOptions{
		Transport: client,
		Acquirer:  acquirer,
		NewFactory: func(source media.Source) PeerConnectionFactory {
			return NewPionFactory(webrtcConfig, source, cfg.Policy, mesh.Log)
		},
		Policy:        cfg.Policy,
		StatsInterval: cfg.StatsInterval,
		Log:           mesh.Log,
	})
	return nil
}

func (mesh *WebrtcMesh) JoinRoom(ctx context.Context, roomID string) error {
	if mesh.Rooms == nil {
		return errors.Join(ErrTransport, errors.New("webrtc-mesh is not started"))
	}
	return mesh.Rooms.JoinRoom(ctx, roomID)
}

func (mesh *WebrtcMesh) LeaveRoom() error {
	if mesh.Rooms == nil {
		return nil
	}
	return mesh.Rooms.LeaveRoom()
}

// Stop leaves the current room and disconnects from the relay.
func (mesh *WebrtcMesh) Stop() error {
	if mesh.Rooms == nil {
		return nil
	}
	err := mesh.Rooms.Close()
	mesh.Signaling.Close()
	return err
}
