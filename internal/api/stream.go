package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"parkwise/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	// Callers authenticate with an API key, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// snapshotMessage is one pushed snapshot.
type snapshotMessage struct {
	Feed string `json:"feed"`
	Key  string `json:"key,omitempty"`
	Data any    `json:"data"`
}

// wsStream serializes writes to one websocket connection.
type wsStream struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *wsStream) send(msg snapshotMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.cancel()
	}
}

func (s *wsStream) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *HTTPServer) handleStreamLot(w http.ResponseWriter, r *http.Request) {
	lotID := r.PathValue("lotID")
	s.stream(w, r, func(st *wsStream) func() {
		return s.deps.Feeds.SubscribeToLot(lotID, func(lot *models.ParkingLot) {
			st.send(snapshotMessage{Feed: "lot", Key: lotID, Data: lot})
		})
	})
}

func (s *HTTPServer) handleStreamAllLots(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(st *wsStream) func() {
		return s.deps.Feeds.SubscribeToAllLots(func(lots []*models.ParkingLot) {
			st.send(snapshotMessage{Feed: "lots", Data: lots})
		})
	})
}

func (s *HTTPServer) handleStreamSpaces(w http.ResponseWriter, r *http.Request) {
	lotID := r.PathValue("lotID")
	s.stream(w, r, func(st *wsStream) func() {
		return s.deps.Feeds.SubscribeToSpaces(lotID, func(spaces []*models.ParkingSpace) {
			st.send(snapshotMessage{Feed: "spaces", Key: lotID, Data: spaces})
		})
	})
}

// stream upgrades the request and keeps the subscription made by
// subscribe alive until the client goes away or a write fails.
func (s *HTTPServer) stream(w http.ResponseWriter, r *http.Request, subscribe func(*wsStream) func()) {
	if s.deps.Feeds == nil {
		writeError(w, http.StatusNotImplemented, "streams disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &wsStream{conn: conn, cancel: cancel}

	unsubscribe := subscribe(st)
	defer unsubscribe()

	go s.readUntilClosed(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.ping(); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed.
func (s *HTTPServer) readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
