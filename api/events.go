package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

// SessionEvents handles GET /sessions/{sessionID}/events.
// Upgrades to a websocket, sends the current state, then one frame per
// connection transition until the client disconnects.
func (a *API) SessionEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, current := s.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything meaningful; reading surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, SessionEvent{Type: "state", SessionID: s.ID(), State: current}); err != nil {
		return
	}
	for {
		t, err := sub.Next(ctx)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		if err := writeEvent(conn, SessionEvent{Type: "transition", SessionID: s.ID(), State: t.To, Transition: &t}); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev SessionEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(ev)
}
