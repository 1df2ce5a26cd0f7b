package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daviddao/scenemesh/pkg/transport"
)

const (
	helloTimeout = 5 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the relay over HTTP:
//
//	GET /ws       WebSocket endpoint for transport.Dial
//	GET /status   JSON Status
//	GET /healthz  liveness
//	GET /metrics  Prometheus instruments (404 without metrics)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Serve runs the HTTP handler on ln until ctx is cancelled, then shuts the
// listener down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: helloTimeout}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := hs.Shutdown(sctx)
	if serveErr := <-errc; !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wsConn serializes writes on one socket: the fan-out pump and snapshot
// replies share it.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(env transport.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// serveWS runs one participant session: a hello envelope joins the user,
// a pump goroutine forwards their fan-out queue, and the read loop feeds
// the collector until the socket closes, which leaves the relay.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello transport.Envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Op != transport.OpHello || hello.User == nil {
		s.log.Warn("bad handshake", "remote", r.RemoteAddr, "op", hello.Op, "error", err)
		closeWith(conn, websocket.ClosePolicyViolation, "hello expected")
		return
	}
	conn.SetReadDeadline(time.Time{})

	user := hello.User.Username
	q, err := s.Join(*hello.User)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	log := s.log.With("user", user, "remote", r.RemoteAddr)
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		s.pump(ctx, ws, q, log)
		// A closed queue means the relay dropped us; unblock the reader.
		conn.Close()
	}()
	defer func() {
		s.Leave(user)
		cancel()
		<-pumped
	}()

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("connection closed", "error", err)
			}
			return
		}
		switch env.Op {
		case transport.OpPublish:
			if env.Frame == nil {
				continue
			}
			if err := s.Publish(user, *env.Frame); err != nil {
				log.Warn("publish refused", "uuid", env.Frame.UUID, "error", err)
			}
		case transport.OpSnapshot:
			for _, f := range s.Snapshot() {
				if err := ws.write(transport.Envelope{Op: transport.OpSnapshot, Seq: env.Seq, Frame: &f}); err != nil {
					log.Warn("snapshot write", "error", err)
					return
				}
			}
		case transport.OpUser:
			if env.User == nil {
				continue
			}
			if err := s.UpdateUser(user, *env.User); err != nil {
				log.Warn("user update", "error", err)
			}
		default:
			log.Debug("ignoring envelope", "op", env.Op)
		}
	}
}

// pump forwards queued fan-out frames until the queue closes or ctx ends.
func (s *Server) pump(ctx context.Context, ws *wsConn, q *transport.Queue, log *slog.Logger) {
	for {
		frames, err := q.Wait(ctx, 0, time.Second)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := ws.write(transport.Envelope{Op: transport.OpFanout, Frame: &f}); err != nil {
				log.Warn("fan-out write", "error", err)
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
