package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type StationHandler struct {
	service ports.StationService
	log     *zap.Logger
}

func NewStationHandler(service ports.StationService, log *zap.Logger) *StationHandler {
	return &StationHandler{service: service, log: log}
}

func (h *StationHandler) Create(c *fiber.Ctx) error {
	var station domain.ChargingStation
	if err := c.BodyParser(&station); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.service.Create(c.UserContext(), &station); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(station)
}

func (h *StationHandler) Update(c *fiber.Ctx) error {
	var station domain.ChargingStation
	if err := c.BodyParser(&station); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	station.ID = c.Params("id")
	if err := h.service.Update(c.UserContext(), &station); err != nil {
		return err
	}
	return c.JSON(station)
}

func (h *StationHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *StationHandler) Get(c *fiber.Ctx) error {
	station, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(station)
}

func (h *StationHandler) List(c *fiber.Ctx) error {
	filter := ports.StationFilter{
		Status: c.Query("status"),
		Search: c.Query("search"),
		City:   c.Query("city"),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if v := c.Query("connected"); v != "" {
		connected := v == "true"
		filter.Connected = &connected
	}

	stations, total, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data":   stations,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Search finds stations near a coordinate, ordered by distance.
func (h *StationHandler) Search(c *fiber.Ctx) error {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "lat is required")
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "lon is required")
	}
	radius, err := strconv.ParseFloat(c.Query("radius_km", "10"), 64)
	if err != nil || radius <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "radius_km must be positive")
	}

	stations, err := h.service.Search(c.UserContext(), lat, lon, radius, c.QueryInt("limit", 20))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stations})
}

func (h *StationHandler) Activate(c *fiber.Ctx) error {
	if err := h.service.Activate(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *StationHandler) Deactivate(c *fiber.Ctx) error {
	if err := h.service.Deactivate(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *StationHandler) SetMaintenance(c *fiber.Ctx) error {
	var req maintenanceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.service.SetMaintenance(c.UserContext(), c.Params("id"), req.Enabled); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *StationHandler) Statistics(c *fiber.Ctx) error {
	stats, err := h.service.Statistics(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(stats)
}
