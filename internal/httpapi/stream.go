package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// wsChannel adapts a websocket connection to the engine's Channel contract.
// Send honors the caller's bounded context, so one slow client cannot stall
// delivery to others.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// handleStream upgrades to a websocket and registers the connection as a
// push session. The read loop only consumes client heartbeats; every frame
// received touches the session so the idle sweep leaves it alone.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// Browser websocket clients cannot set request headers.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, "stream", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("websocket accept failed")
		return
	}

	session := s.engine.Connect(claims.UserID, &wsChannel{conn: conn})
	defer s.engine.Disconnect(session.ID)

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			s.logger.Debug().Err(err).
				Str("session_id", session.ID).
				Str("user_id", claims.UserID).
				Msg("stream closed")
			return
		}
		s.engine.Registry().Touch(session.ID)
	}
}
