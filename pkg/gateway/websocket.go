package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

type wsFrame struct {
	Type      string              `json:"type"`
	Result    *session.TurnResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Phase     string              `json:"phase,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebsocket runs turns sent as JSON frames over one connection. Frames
// are processed in arrival order, one at a time.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromCtx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	ctx := r.Context()
	log := logger.FromCtx(ctx)
	c := &wsConn{conn: conn}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	log.Debug().Msg("websocket connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var req conversationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := c.writeJSON(wsFrame{Type: "error", Error: "invalid JSON frame: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		frame := wsFrame{Type: "turn"}
		res, err := s.svc.ProcessTurn(ctx, req.turnRequest())
		if err != nil {
			_, phase := classify(err)
			frame = wsFrame{Type: "error", Error: err.Error(), Phase: phase, SessionID: req.SessionID}
		} else {
			frame.Result = res
		}
		if err := c.writeJSON(frame); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (s *Server) track(c *websocket.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
	_ = c.Close()
}
