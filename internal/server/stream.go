package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"vfxproc/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// throttle drops progress events beyond the configured rate. State and
// terminal events always pass.
type throttle struct {
	limiter *rate.Limiter
}

func (s *Server) newThrottle() *throttle {
	return &throttle{limiter: rate.NewLimiter(s.limit, s.burst)}
}

func (t *throttle) allow(ev session.Event) bool {
	switch ev.Kind {
	case session.EventProgress, session.EventBatchProgress:
		if ev.Percent >= 100 {
			return true
		}
		return t.limiter.Allow()
	}
	return true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.session.Subscribe()
	defer unsubscribe()
	th := s.newThrottle()

	// Let the client know the subscription is live.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !th.allow(ev) {
				continue
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// wsCommand is a client request sent over the WebSocket.
type wsCommand struct {
	Op     string `json:"op"` // apply, undo, redo
	Effect string `json:"effect,omitempty"`
}

type wsReply struct {
	Kind  string `json:"kind"` // ack, error
	Op    string `json:"op"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	replies := make(chan wsReply, 8)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go s.readCommands(conn, replies, readDone, stop)

	th := s.newThrottle()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case rep := <-replies:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rep); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !th.allow(ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// readCommands runs session operations requested by the client. Only this
// goroutine reads from conn; replies go back through the writer loop.
func (s *Server) readCommands(conn *websocket.Conn, replies chan<- wsReply, done, stop chan struct{}) {
	defer close(done)
	reply := func(r wsReply) bool {
		select {
		case replies <- r:
			return true
		case <-stop:
			return false
		}
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		var err error
		switch cmd.Op {
		case "apply":
			err = s.session.ApplyEffect(cmd.Effect)
		case "undo":
			err = s.session.Undo()
		case "redo":
			err = s.session.Redo()
		default:
			err = errors.New("unknown op")
		}
		rep := wsReply{Kind: "ack", Op: cmd.Op}
		if err != nil {
			rep = wsReply{Kind: "error", Op: cmd.Op, Error: err.Error()}
		}
		if !reply(rep) {
			return
		}
	}
}
