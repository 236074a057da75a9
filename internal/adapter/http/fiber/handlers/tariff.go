package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type TariffHandler struct {
	service ports.TariffService
	log     *zap.Logger
}

func NewTariffHandler(service ports.TariffService, log *zap.Logger) *TariffHandler {
	return &TariffHandler{service: service, log: log}
}

func (h *TariffHandler) Create(c *fiber.Ctx) error {
	var tariff domain.Tariff
	if err := c.BodyParser(&tariff); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.service.Create(c.UserContext(), &tariff); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(tariff)
}

func (h *TariffHandler) Update(c *fiber.Ctx) error {
	var tariff domain.Tariff
	if err := c.BodyParser(&tariff); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	tariff.ID = c.Params("id")
	if err := h.service.Update(c.UserContext(), &tariff); err != nil {
		return err
	}
	return c.JSON(tariff)
}

func (h *TariffHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TariffHandler) Get(c *fiber.Ctx) error {
	tariff, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(tariff)
}

func (h *TariffHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	tariffs, total, err := h.service.List(c.UserContext(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data":   tariffs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
