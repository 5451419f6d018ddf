package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// participants are browsers and CLIs from anywhere, origin is not a trust signal here
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// session is the hub side of one websocket participant.
type session struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan *signaling.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	log       *log.Entry
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Deliver(env *signaling.Envelope) error {
	select {
	case <-s.closed:
		return signaling.ErrTransportClosed
	default:
	}
	select {
	case s.send <- env:
		return nil
	default:
		// a participant this far behind is not keeping up with negotiation anyway
		s.close()
		return errInboxFull
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// ServeWs returns an http.HandlerFunc that upgrades the request and attaches the participant to the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade connection: ", err)
			return
		}

		s := &session{
			id:     uuid.NewString(),
			hub:    hub,
			conn:   conn,
			send:   make(chan *signaling.Envelope, 256),
			closed: make(chan struct{}),
			log:    hub.log.WithField("session", r.RemoteAddr),
		}
		go s.writePump()
		if err := hub.Register(s); err != nil {
			s.log.Error(err)
			s.close()
			return
		}
		go s.readPump()
	}
}

// readPump hands every envelope to the hub until the connection fails.
func (s *session) readPump() {
	defer func() {
		s.hub.Unregister(s.id)
		s.close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env signaling.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Read error: ", err)
			}
			return
		}
		_ = s.hub.Handle(s.id, env.Event, env.Data)
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
