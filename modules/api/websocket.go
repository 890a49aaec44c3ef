package api

import (
	"context"
	"encoding/json"
	"errors"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/auth"
	"github.com/example/chat-hub/modules/broadcast"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// userLocalKey is the Fiber locals key holding the authenticated user.
const userLocalKey = "user"

// upgradeMiddleware authenticates the handshake before the websocket upgrade.
func (m *APIModule) upgradeMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	user, err := m.deps.Auth.Authenticate(bearerOrQuery(c), c.Query("username"))
	if err != nil {
		m.log.Debug("Handshake rejected", "remote", c.IP(), "error", err)
		if errors.Is(err, auth.ErrExpiredToken) {
			return fiber.NewError(fiber.StatusUnauthorized, "token has expired")
		}
		return fiber.ErrUnauthorized
	}

	c.Locals(userLocalKey, user)
	return c.Next()
}

// handleWebSocket runs one session: a writer goroutine drains its outbox while
// this goroutine reads and dispatches frames until the connection ends.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	user, _ := c.Locals(userLocalKey).(string)
	client := broadcast.NewClient(uuid.NewString(), user, c, m.opts.Client, m.log)

	m.deps.Registry.Connect(client)
	go client.Run()
	m.log.Info("WebSocket connected", "session", client.ID(), "user", user)

	var reason error
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			reason = err
			if client.Err() == nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn("WebSocket read failed", "session", client.ID(), "error", err)
			}
			break
		}
		m.handleFrame(client, data)
	}

	m.deps.Engine.Disconnect(client, reason)
	client.Close(reason)
	// The connection is recycled once this handler returns.
	client.Wait()
	m.log.Info("WebSocket disconnected", "session", client.ID(), "user", user)
}

func (m *APIModule) handleFrame(client *broadcast.Client, data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.sendError(client, "invalid_frame", errors.New("invalid message format"))
		return
	}
	if err := m.validate.Struct(frame); err != nil {
		m.sendError(client, "validation_error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FrameTimeout)
	defer cancel()

	if err := m.deps.Engine.Handle(ctx, client, frame.toMessage()); err != nil {
		m.sendError(client, errorCode(err), err)
	}
}

// sendError reports a rejected event to the sending session only.
func (m *APIModule) sendError(client *broadcast.Client, code string, err error) {
	payload, merr := json.Marshal(ErrorFrame{Type: "ERROR", Error: err.Error(), Code: code})
	if merr != nil {
		m.log.Error("Failed to marshal error frame", "error", merr)
		return
	}
	if derr := client.Deliver(payload); derr != nil {
		m.log.Debug("Error frame not delivered", "session", client.ID(), "error", derr)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
