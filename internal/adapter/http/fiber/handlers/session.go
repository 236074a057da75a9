package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/ports"
)

type SessionHandler struct {
	service ports.ChargingService
	log     *zap.Logger
}

func NewSessionHandler(service ports.ChargingService, log *zap.Logger) *SessionHandler {
	return &SessionHandler{service: service, log: log}
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.service.GetSession(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(session)
}

func (h *SessionHandler) List(c *fiber.Ctx) error {
	filter := ports.SessionFilter{
		StationID: c.Query("station_id"),
		Status:    c.Query("status"),
		IdTag:     c.Query("id_tag"),
		Limit:     c.QueryInt("limit", 50),
		Offset:    c.QueryInt("offset", 0),
	}
	if v := c.Query("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "from must be RFC 3339")
		}
		filter.From = &from
	}
	if v := c.Query("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "to must be RFC 3339")
		}
		filter.To = &to
	}

	sessions, total, err := h.service.ListSessions(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data":   sessions,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel administratively closes a session that the station never
// finished, without talking to the station.
func (h *SessionHandler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	session, err := h.service.CancelSession(c.UserContext(), c.Params("uuid"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(session)
}
