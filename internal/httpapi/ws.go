package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livedash/internal/live/event"
	logx "livedash/pkg/logx"
)

// wsConn adapts a websocket to broadcast.Conn. The peer's writer goroutine
// is the only caller of WriteEvent; pings go through WriteControl, which
// gorilla allows concurrently.
type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func (w *wsConn) WriteEvent(ctx context.Context, u event.Update) error {
	b, err := event.Encode(u)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}

// serveViewer upgrades a dashboard viewer and attaches it to the token's
// broadcast group. ?screen=N identifies the physical screen.
func (h *Handler) serveViewer(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	screen := 0
	if raw := r.URL.Query().Get("screen"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "screen must be a non-negative integer", http.StatusBadRequest)
			return
		}
		screen = n
	}

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.String("token", token), logx.Err(err))
		return
	}
	conn := &wsConn{c: c}
	peer := h.deps.Live.NewPeer(uuid.NewString(), token, screen, conn)
	if err := h.deps.Live.Attach(peer); err != nil {
		h.log.Debug("viewer rejected", logx.String("token", token), logx.Err(err))
		_ = conn.Close()
		return
	}
	log := h.log.With(logx.String("peer", peer.ID()), logx.String("token", token), logx.Int("screen", screen))
	log.Info("viewer connected", logx.String("remote", r.RemoteAddr))

	go h.pingViewer(conn, peer.Done())

	c.SetReadLimit(wsReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(wsPongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("viewer read failed", logx.Err(err))
			}
			break
		}
	}
	h.deps.Live.Detach(peer)
	<-peer.Done()
	log.Info("viewer disconnected")
}

func (h *Handler) pingViewer(conn *wsConn, done <-chan struct{}) {
	t := time.NewTicker(wsPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		h.log.Warn("websocket cross-origin rejected", logx.String("origin", origin))
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.log.Warn("websocket origin rejected", logx.String("origin", origin))
	return false
}
