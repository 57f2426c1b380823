package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

type wsUpgrader = websocket.Upgrader

func newUpgrader(check func(*http.Request) bool) wsUpgrader {
	if check == nil {
		check = checkOrigin
	}
	return websocket.Upgrader{CheckOrigin: check}
}

// checkOrigin allows same-origin, loopback and private network origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		logf("rejected websocket connection: invalid origin %q", origin)
		return false
	}
	host := u.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	logf("rejected websocket connection from origin %q", origin)
	return false
}

// wsMessage is one frame on the websocket: a snapshot or a history update.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWebSocket pushes the same messages as the event stream over a
// websocket. Each connection counts as a subscriber.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	logf("websocket %s opened from %s", id, r.RemoteAddr)
	defer logf("websocket %s closed", id)

	// the reader only watches for close frames and pongs
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// a hijacked request's context is not cancelled on disconnect, so the
	// subscription ends with the handler
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	updates, cancel := s.svc.History().Subscribe()
	defer cancel()
	snapshots := s.subscribe(ctx)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(msg wsMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	for {
		var err error
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			err = write(wsMessage{Type: SnapshotEvent, Data: snap})
		case u := <-updates:
			err = write(wsMessage{Type: u.Event, Data: u})
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}
