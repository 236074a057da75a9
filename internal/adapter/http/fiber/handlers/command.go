package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/ports"
)

// CommandHandler triggers server-initiated OCPP commands. Responses
// carry the station's answer, not the final outcome; the session and
// connector state move asynchronously as the station reports back.
type CommandHandler struct {
	service ports.CommandService
	log     *zap.Logger
}

func NewCommandHandler(service ports.CommandService, log *zap.Logger) *CommandHandler {
	return &CommandHandler{service: service, log: log}
}

type remoteStartRequest struct {
	ConnectorID int    `json:"connector_id"`
	IdTag       string `json:"id_tag"`
}

func (h *CommandHandler) RemoteStart(c *fiber.Ctx) error {
	var req remoteStartRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ConnectorID <= 0 || req.IdTag == "" {
		return fiber.NewError(fiber.StatusBadRequest, "connector_id and id_tag are required")
	}

	session, err := h.service.RemoteStart(c.UserContext(), c.Params("stationId"), req.ConnectorID, req.IdTag)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(session)
}

func (h *CommandHandler) RemoteStop(c *fiber.Ctx) error {
	if err := h.service.RemoteStop(c.UserContext(), c.Params("uuid")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type resetRequest struct {
	Hard bool `json:"hard"`
}

func (h *CommandHandler) Reset(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	status, err := h.service.Reset(c.UserContext(), c.Params("stationId"), req.Hard)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": status})
}

func (h *CommandHandler) UnlockConnector(c *fiber.Ctx) error {
	connectorID, err := c.ParamsInt("connectorId")
	if err != nil || connectorID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "connectorId must be a positive integer")
	}

	status, err := h.service.UnlockConnector(c.UserContext(), c.Params("stationId"), connectorID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": status})
}

type changeAvailabilityRequest struct {
	// ConnectorID zero targets the whole station.
	ConnectorID int  `json:"connector_id"`
	Operative   bool `json:"operative"`
}

func (h *CommandHandler) ChangeAvailability(c *fiber.Ctx) error {
	var req changeAvailabilityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	status, err := h.service.ChangeAvailability(c.UserContext(), c.Params("stationId"), req.ConnectorID, req.Operative)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": status})
}

type triggerMessageRequest struct {
	Requested   string `json:"requested"`
	ConnectorID *int   `json:"connector_id,omitempty"`
}

func (h *CommandHandler) TriggerMessage(c *fiber.Ctx) error {
	var req triggerMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Requested == "" {
		return fiber.NewError(fiber.StatusBadRequest, "requested is required")
	}

	status, err := h.service.TriggerMessage(c.UserContext(), c.Params("stationId"), req.Requested, req.ConnectorID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": status})
}
