// Package handlers exposes the management REST API over fiber. Every
// handler leans on the middleware chain for tenant binding and auth and
// on the central error handler for status mapping.
package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/adapter/http/fiber/middleware"
	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/auth"
)

type AuthHandler struct {
	service ports.AuthService
	users   ports.UserService
	oidc    *auth.OIDC
	log     *zap.Logger
}

func NewAuthHandler(service ports.AuthService, users ports.UserService, oidc *auth.OIDC, log *zap.Logger) *AuthHandler {
	return &AuthHandler{service: service, users: users, oidc: oidc, log: log}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
	}

	pair, err := h.service.Login(c.UserContext(), req.Username, req.Password)
	if err != nil {
		h.log.Warn("login failed", zap.String("username", req.Username), zap.Error(err))
		return err
	}
	return c.JSON(pair)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user := domain.User{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
	}
	if err := h.service.Register(c.UserContext(), &user, req.Password); err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(user)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		return fiber.NewError(fiber.StatusBadRequest, "refreshToken is required")
	}

	pair, err := h.service.RefreshToken(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(pair)
}

// OIDCStart redirects the browser to the provider's consent screen.
func (h *AuthHandler) OIDCStart(c *fiber.Ctx) error {
	if h.oidc == nil {
		return domain.ErrNotFound
	}
	url, err := h.oidc.Begin(c.UserContext(), c.Params("provider"))
	if err != nil {
		return err
	}
	return c.Redirect(url, fiber.StatusFound)
}

// OIDCCallback finishes the flow and returns a token pair.
func (h *AuthHandler) OIDCCallback(c *fiber.Ctx) error {
	if h.oidc == nil {
		return domain.ErrNotFound
	}
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return fiber.NewError(fiber.StatusBadRequest, "code and state are required")
	}

	pair, err := h.oidc.Complete(c.UserContext(), c.Params("provider"), code, state)
	if err != nil {
		h.log.Warn("oidc login failed", zap.String("provider", c.Params("provider")), zap.Error(err))
		return err
	}
	return c.JSON(pair)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		return domain.ErrUnauthorized
	}

	user, err := h.users.Get(c.UserContext(), claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(user)
}
