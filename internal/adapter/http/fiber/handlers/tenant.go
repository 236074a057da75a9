package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// TenantHandler manages platform tenants. The routes are admin-only and
// operate across tenants, unlike everything else in this package.
type TenantHandler struct {
	service ports.TenantService
	log     *zap.Logger
}

func NewTenantHandler(service ports.TenantService, log *zap.Logger) *TenantHandler {
	return &TenantHandler{service: service, log: log}
}

func (h *TenantHandler) Create(c *fiber.Ctx) error {
	var t domain.Tenant
	if err := c.BodyParser(&t); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.service.Create(c.UserContext(), &t); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (h *TenantHandler) Update(c *fiber.Ctx) error {
	var t domain.Tenant
	if err := c.BodyParser(&t); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	t.ID = c.Params("id")
	if err := h.service.Update(c.UserContext(), &t); err != nil {
		return err
	}
	return c.JSON(t)
}

func (h *TenantHandler) Get(c *fiber.Ctx) error {
	t, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(t)
}

func (h *TenantHandler) List(c *fiber.Ctx) error {
	tenants, err := h.service.List(c.UserContext(), c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tenants})
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

func (h *TenantHandler) Suspend(c *fiber.Ctx) error {
	var req suspendRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.service.Suspend(c.UserContext(), c.Params("id"), req.Reason); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TenantHandler) Activate(c *fiber.Ctx) error {
	if err := h.service.Activate(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
