package server

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// streamInterval is the wall cadence of clock pushes.
const streamInterval = time.Second

// handleTimeStream pushes the clock state over a websocket once per wall
// second until the client goes away.
func (s *Server) handleTimeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	// First frame immediately so clients render without waiting a tick.
	if err := wsjson.Write(ctx, conn, s.timePayload()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, s.timePayload()); err != nil {
				return
			}
		}
	}
}
