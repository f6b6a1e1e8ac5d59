package api

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lumenchat/relay/internal/contextwindow"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/router"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same trust model as the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleChatWS serves chat over a WebSocket: each text message from the
// client is one chat request, answered with delta frames and a final done
// frame. The connection survives across requests.
func (s *Server) handleChatWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("api: websocket closed: %v", err)
			}
			return
		}

		var req chatRequest
		if err := sonic.Unmarshal(payload, &req); err != nil {
			s.writeWSFrame(conn, streamFrame{Done: true, Error: "invalid_request"})
			continue
		}
		if len(req.Messages) == 0 {
			s.writeWSFrame(conn, streamFrame{Done: true, Error: "invalid_request"})
			continue
		}

		routeReq := router.ChatRequest{System: req.System}
		for _, m := range req.Messages {
			routeReq.History = append(routeReq.History, &contextwindow.Message{Role: m.Role, Content: m.Content})
		}

		res, err := s.router.Route(c.Request.Context(), routeReq, func(text string) {
			s.writeWSFrame(conn, streamFrame{Delta: text})
		})
		if err != nil {
			frame := streamFrame{Done: true}
			var terminal *router.NoProviderAvailableError
			switch {
			case errors.As(err, &terminal):
				frame.Error = "no_provider_available"
			case errors.Is(err, contextwindow.ErrContextTooLarge):
				frame.Error = "context_too_large"
			default:
				frame.Error = "internal_error"
			}
			s.writeWSFrame(conn, frame)
			continue
		}

		s.record(res)
		final := streamFrame{
			Done:      true,
			Provider:  res.Provider,
			Model:     res.Model,
			Truncated: res.Truncated,
			Usage:     res.Usage,
		}
		if res.Err != nil {
			final.Error = errorType(res.Err)
		}
		s.writeWSFrame(conn, final)
	}
}

func (s *Server) writeWSFrame(conn *websocket.Conn, f streamFrame) {
	payload, err := sonic.Marshal(f)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debugf("api: websocket write failed: %v", err)
	}
}
