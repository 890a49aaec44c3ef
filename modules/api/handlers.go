package api

import (
	"errors"
	"strings"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/rooms"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes(app *fiber.App) {
	app.Get("/health", m.healthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.deps.Metrics.Registry(), promhttp.HandlerOpts{})))

	// WebSocket endpoint
	app.Use("/ws", m.upgradeMiddleware)
	app.Get("/ws", websocket.New(m.handleWebSocket))

	api := app.Group("/api/v1")

	api.Get("/rooms", m.listRooms)
	api.Post("/rooms", m.createRoom)
	api.Get("/rooms/:id", m.getRoom)
	api.Get("/rooms/:id/messages", m.getHistory)
	api.Post("/rooms/:id/typing", m.setTyping)
	api.Post("/messages/:id/read", m.markRead)
	api.Get("/auth/validate", m.validateToken)
}

// healthHandler handles GET /health.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	details := map[string]any{
		"connected_clients": m.deps.Registry.ClientCount(),
		"history":           "ok",
	}
	status := "healthy"
	if err := m.deps.Store.Ping(c.UserContext()); err != nil {
		// Live traffic still flows without the cache.
		status = "degraded"
		details["history"] = err.Error()
	}
	return c.JSON(HealthResponse{Status: status, Details: details})
}

// listRooms handles GET /api/v1/rooms.
func (m *APIModule) listRooms(c *fiber.Ctx) error {
	list, err := m.deps.Rooms.ListRooms(c.UserContext())
	if err != nil {
		m.log.Error("Failed to list rooms", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list rooms",
		})
	}

	response := RoomListResponse{Rooms: make([]RoomResponse, 0, len(list))}
	for _, room := range list {
		response.Rooms = append(response.Rooms, m.roomResponse(room))
	}
	return c.JSON(response)
}

// createRoom handles POST /api/v1/rooms.
func (m *APIModule) createRoom(c *fiber.Ctx) error {
	user, err := m.requestUser(c, "api")
	if err != nil {
		return unauthorized(c)
	}

	var req CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request body")
	}
	if err := m.validate.Struct(req); err != nil {
		return badRequest(c, "validation_error", "Room name is required (max 100 characters)")
	}

	room, err := m.deps.Rooms.CreateRoom(c.UserContext(), req.Name, user)
	if errors.Is(err, rooms.ErrInvalidName) {
		return badRequest(c, "validation_error", err.Error())
	}
	if err != nil {
		m.log.Error("Failed to create room", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "create_failed",
			Message: "Failed to create room",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(m.roomResponse(room))
}

// getRoom handles GET /api/v1/rooms/:id.
func (m *APIModule) getRoom(c *fiber.Ctx) error {
	room, err := m.deps.Rooms.ResolveRoom(c.UserContext(), c.Params("id"))
	if err != nil {
		return m.lookupError(c, err)
	}
	return c.JSON(m.roomResponse(room))
}

// getHistory handles GET /api/v1/rooms/:id/messages. Unknown rooms have an
// empty history.
func (m *APIModule) getHistory(c *fiber.Ctx) error {
	roomID := c.Params("id")
	limit := c.QueryInt("limit", m.opts.HistoryDefault)

	return c.JSON(HistoryResponse{
		RoomID:   roomID,
		Messages: m.deps.Store.GetHistory(c.UserContext(), roomID, limit),
	})
}

// setTyping handles POST /api/v1/rooms/:id/typing.
func (m *APIModule) setTyping(c *fiber.Ctx) error {
	var req TypingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request body")
	}
	if err := m.validate.Struct(req); err != nil {
		return badRequest(c, "validation_error", err.Error())
	}
	user, err := m.requestUser(c, req.UserID)
	if err != nil {
		return unauthorized(c)
	}

	roomID := c.Params("id")
	if _, err := m.deps.Rooms.ResolveRoom(c.UserContext(), roomID); err != nil {
		return m.lookupError(c, err)
	}
	m.deps.Engine.Presence().SetTyping(roomID, user, req.IsTyping)
	return c.SendStatus(fiber.StatusNoContent)
}

// markRead handles POST /api/v1/messages/:id/read. Unknown messages are
// accepted and ignored.
func (m *APIModule) markRead(c *fiber.Ctx) error {
	var req ReadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_request", "Invalid request body")
	}
	if err := m.validate.Struct(req); err != nil {
		return badRequest(c, "validation_error", err.Error())
	}
	user, err := m.requestUser(c, req.UserID)
	if err != nil {
		return unauthorized(c)
	}

	if err := m.deps.Engine.Receipts().MarkRead(c.UserContext(), c.Params("id"), user); err != nil {
		m.log.Error("Failed to mark message read", "message", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "read_failed",
			Message: "Failed to mark message read",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// requestUser returns the caller's identity: the bearer token's user, or in
// development mode the user named by the request.
func (m *APIModule) requestUser(c *fiber.Ctx, named string) (string, error) {
	return m.deps.Auth.Authenticate(c.Get(fiber.HeaderAuthorization), named)
}

func (m *APIModule) roomResponse(room domain.Room) RoomResponse {
	return RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt,
		Members:   m.deps.Registry.RoomClientCount(room.ID),
		Online:    m.deps.Registry.Members(room.ID),
	}
}

func (m *APIModule) lookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Room not found",
		})
	}
	m.log.Error("Room lookup failed", "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error:   "lookup_failed",
		Message: "Failed to load room",
	})
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// validateToken handles GET /api/v1/auth/validate.
func (m *APIModule) validateToken(c *fiber.Ctx) error {
	user, err := m.requestUser(c, c.Query("username"))
	if err != nil {
		return unauthorized(c)
	}
	return c.JSON(TokenValidationResponse{Valid: true, UserID: user})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
		Error:   "unauthorized",
		Message: "Invalid or missing credentials",
	})
}

// bearerOrQuery returns the handshake token from the Authorization header or
// the token query parameter browsers have to use.
func bearerOrQuery(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return h
	}
	return c.Query("token")
}
