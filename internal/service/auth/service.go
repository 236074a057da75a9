// Package auth issues and validates the JWT credentials used by the
// management API. Tokens are tenant-bound: the tenant claim is taken from
// the account at login and checked against the request context later.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

const (
	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// MaxFailedLogins locks the account for LockoutDuration once reached.
	MaxFailedLogins = 5
	LockoutDuration = 15 * time.Minute
)

var _ ports.AuthService = (*Service)(nil)

// tokenClaims is the signed content of both access and refresh tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username,omitempty"`
	TenantID string   `json:"tenantId,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Type     string   `json:"type"` // access or refresh
}

type Service struct {
	users      ports.UserRepository
	cache      ports.Cache
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewService builds the auth service. Zero TTLs fall back to the
// defaults. The signing secret may be Base64-encoded; anything that does
// not decode is used as raw bytes.
func NewService(users ports.UserRepository, cache ports.Cache, secret string, accessTTL, refreshTTL time.Duration, log *zap.Logger) *Service {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	key := []byte(secret)
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) > 0 {
		key = decoded
	}
	return &Service{
		users:      users,
		cache:      cache,
		secret:     key,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		log:        log,
		now:        time.Now,
	}
}

// Login verifies the credentials and returns a fresh token pair. Failures
// are counted per account; too many in a row lock it out for a while.
func (s *Service) Login(ctx context.Context, username, password string) (*ports.TokenPair, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil {
		// Same cost as a real comparison so lookups are not timeable.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B4QZ9gU0lY1q0f8mO3bJYl0r7t0u"), []byte(password))
		return nil, domain.ErrUnauthorized
	}

	now := s.now()
	if !user.Active {
		return nil, domain.ErrUnauthorized
	}
	if user.Locked(now) {
		s.log.Warn("login refused, account locked",
			zap.String("username", username),
			zap.Timep("locked_until", user.LockedUntil))
		return nil, domain.ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= MaxFailedLogins {
			until := now.Add(LockoutDuration)
			user.LockedUntil = &until
			user.FailedLogins = 0
			s.log.Warn("account locked after repeated failures",
				zap.String("username", username),
				zap.Time("until", until))
		}
		if err := s.users.Update(ctx, user); err != nil {
			s.log.Error("recording failed login", zap.String("username", username), zap.Error(err))
		}
		return nil, domain.ErrUnauthorized
	}

	user.FailedLogins = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	if err := s.users.Update(ctx, user); err != nil {
		s.log.Error("recording login", zap.String("username", username), zap.Error(err))
	}

	return s.issuePair(user)
}

// Register creates an account with a hashed password. The caller decides
// roles; a blank account starts active with none.
func (s *Service) Register(ctx context.Context, user *domain.User, password string) error {
	if user.Username == "" || user.Email == "" {
		return fmt.Errorf("%w: username and email are required", domain.ErrValidation)
	}
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", domain.ErrValidation)
	}

	existing, err := s.users.FindByUsername(ctx, user.Username)
	if err != nil {
		return fmt.Errorf("checking username: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: username %s", domain.ErrDuplicate, user.Username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.PasswordHash = string(hash)
	user.Active = true

	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return nil
}

// RefreshToken rotates a refresh token into a new pair. The presented
// token is revoked so it cannot be replayed.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*ports.TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	if claims.Type != "refresh" {
		return nil, domain.ErrUnauthorized
	}
	if s.revoked(ctx, claims.ID) {
		return nil, domain.ErrUnauthorized
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil || !user.Active || user.Locked(s.now()) {
		return nil, domain.ErrUnauthorized
	}

	s.revoke(ctx, claims.ID)
	return s.issuePair(user)
}

// ValidateToken checks an access token and returns its verified claims.
func (s *Service) ValidateToken(ctx context.Context, token string) (*ports.Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	if claims.Type != "access" {
		return nil, domain.ErrUnauthorized
	}
	if s.revoked(ctx, claims.ID) {
		return nil, domain.ErrUnauthorized
	}

	return &ports.Claims{
		UserID:   claims.Subject,
		Username: claims.Username,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
	}, nil
}

func (s *Service) issuePair(user *domain.User) (*ports.TokenPair, error) {
	roles := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, r.Name)
	}

	access, err := s.sign(user, roles, "access", s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, nil, "refresh", s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &ports.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(user *domain.User, roles []string, kind string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Username: user.Username,
		TenantID: user.Audit.TenantID,
		Roles:    roles,
		Type:     kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

func (s *Service) parse(token string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func (s *Service) revoke(ctx context.Context, jti string) {
	if s.cache == nil || jti == "" {
		return
	}
	if err := s.cache.Set(ctx, "csms:revoked:"+jti, "1", s.refreshTTL); err != nil {
		s.log.Warn("revoking token", zap.String("jti", jti), zap.Error(err))
	}
}

func (s *Service) revoked(ctx context.Context, jti string) bool {
	if s.cache == nil || jti == "" {
		return false
	}
	v, err := s.cache.Get(ctx, "csms:revoked:"+jti)
	return err == nil && v != ""
}
