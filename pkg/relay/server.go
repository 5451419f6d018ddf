package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kw-m/webrtc-mesh/pkg/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name the relay reports under in the grpc health service.
const ServiceName = "webrtc-mesh.relay"

// Server runs the hub behind a websocket endpoint plus a grpc health service.
type Server struct {
	Hub     *Hub
	options config.RelayServerOptions
	health  *health.Server
	log     *log.Entry
}

func NewServer(options config.RelayServerOptions, logger *log.Entry) *Server {
	return &Server{
		Hub:     NewHub(logger),
		options: options,
		health:  health.NewServer(),
		log:     logger.WithField("src", "relay"),
	}
}

// Router returns the http routes of the relay.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", ServeWs(s.Hub))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// Run serves until ctx is cancelled or one of the listeners fails.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.options.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if s.options.GRPCHealthAddr != "" {
		var err error
		grpcListener, err = net.Listen("tcp", s.options.GRPCHealthAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Signaling relay listening on ", s.options.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			s.log.Info("Health service listening on ", s.options.GRPCHealthAddr)
			return grpcServer.Serve(grpcListener)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
