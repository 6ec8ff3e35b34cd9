package server

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const MAX_INBOUND_FRAME = 4096

func (s *FiberServer) upgradeHandler(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// gameWebSocketHandler runs the read loop of one session. Writes happen on
// the session's hub writer.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	session := s.gateway.NewSession(conn)
	defer session.Close()

	conn.SetReadLimit(MAX_INBOUND_FRAME)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("ws read ended")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		session.Handle(context.Background(), message)
	}
}
