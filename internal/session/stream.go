package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream serves session snapshots to websocket clients.
type Stream struct {
	store    *Store
	upgrader websocket.Upgrader
	logger   *slog.Logger
	onClient func(delta int)
}

// NewStream creates websocket endpoint over session store.
// Params: store, logger and optional connected-client callback.
// Returns: stream handler.
func NewStream(store *Store, logger *slog.Logger, onClient func(delta int)) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if onClient == nil {
		onClient = func(int) {}
	}
	return &Stream{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger,
		onClient: onClient,
	}
}

// ServeHTTP upgrades request and pushes every snapshot as JSON until the client leaves.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("session stream upgrade failed", "error", err.Error())
		return
	}

	updates, cancel := s.store.Subscribe()
	s.onClient(1)
	s.logger.Debug("session stream client connected", "remote", r.RemoteAddr, "subscribers", s.store.Subscribers())

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, updates, closed)

	cancel()
	s.onClient(-1)
	_ = conn.Close()
	s.logger.Debug("session stream client disconnected", "remote", r.RemoteAddr, "subscribers", s.store.Subscribers())
}

// readPump discards client frames and keeps read deadline alive on pong.
func (s *Stream) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writePump(conn *websocket.Conn, updates <-chan Snapshot, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case snapshot, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
