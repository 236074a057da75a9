package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

type fixture struct {
	svc   *Service
	users *mocks.MockUserRepository
	user  *domain.User
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users: &mocks.MockUserRepository{},
		ctx:   context.Background(),
	}
	f.user = &domain.User{
		ID:           "u1",
		Username:     "operator",
		Email:        "op@example.com",
		PasswordHash: hash(t, "correct horse"),
		Active:       true,
		Roles:        []domain.Role{{Name: "admin"}},
	}
	f.user.Audit.TenantID = "t1"
	f.users.FindByUsernameFunc = func(_ context.Context, username string) (*domain.User, error) {
		if username == "operator" {
			return f.user, nil
		}
		return nil, nil
	}
	f.users.FindByIDFunc = func(_ context.Context, id string) (*domain.User, error) {
		if id == "u1" {
			return f.user, nil
		}
		return nil, nil
	}
	f.svc = NewService(f.users, mocks.NewMockCache(), "test-secret", 0, 0, zap.NewNop())
	return f
}

func TestLogin_IssuesTenantBoundClaims(t *testing.T) {
	f := newFixture(t)

	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if pair.ExpiresIn != int(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("expiresIn = %d", pair.ExpiresIn)
	}

	claims, err := f.svc.ValidateToken(f.ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID != "u1" || claims.Username != "operator" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.TenantID != "t1" {
		t.Errorf("tenant claim = %q, want t1", claims.TenantID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Errorf("roles = %v", claims.Roles)
	}

	if f.user.LastLoginAt == nil {
		t.Error("expected last login timestamp")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(f.ctx, "operator", "wrong")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if f.user.FailedLogins != 1 {
		t.Errorf("failed logins = %d, want 1", f.user.FailedLogins)
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(f.ctx, "nobody", "whatever")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < MaxFailedLogins; i++ {
		if _, err := f.svc.Login(f.ctx, "operator", "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if f.user.LockedUntil == nil {
		t.Fatal("expected the account to be locked")
	}

	// Even the right password is refused while locked.
	_, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if !errors.Is(err, domain.ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
}

func TestLogin_InactiveUser(t *testing.T) {
	f := newFixture(t)
	f.user.Active = false

	_, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRefreshToken_RotatesAndRevokes(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	next, err := f.svc.RefreshToken(f.ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if next.AccessToken == "" || next.RefreshToken == "" {
		t.Fatal("expected a fresh pair")
	}

	// The used refresh token must be dead.
	if _, err := f.svc.RefreshToken(f.ctx, pair.RefreshToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("replayed refresh: err = %v, want ErrUnauthorized", err)
	}
}

func TestRefreshToken_RejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.RefreshToken(f.ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestValidateToken_RejectsRefreshAndGarbage(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.ValidateToken(f.ctx, pair.RefreshToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("refresh as access: err = %v", err)
	}
	if _, err := f.svc.ValidateToken(f.ctx, "not.a.token"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("garbage token: err = %v", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(f.users, mocks.NewMockCache(), "different-secret", 0, 0, zap.NewNop())
	if _, err := other.ValidateToken(f.ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	pair, err := f.svc.Login(f.ctx, "operator", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	f.svc.now = time.Now
	if _, err := f.svc.ValidateToken(f.ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRegister_HashesPassword(t *testing.T) {
	f := newFixture(t)
	var saved *domain.User
	f.users.SaveFunc = func(_ context.Context, u *domain.User) error {
		saved = u
		return nil
	}

	user := &domain.User{Username: "newbie", Email: "new@example.com"}
	if err := f.svc.Register(f.ctx, user, "longenough"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if saved == nil {
		t.Fatal("expected the user to be saved")
	}
	if saved.PasswordHash == "" || saved.PasswordHash == "longenough" {
		t.Error("password must be stored hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(saved.PasswordHash), []byte("longenough")); err != nil {
		t.Error("stored hash does not match the password")
	}
	if !saved.Active {
		t.Error("new accounts start active")
	}
	if saved.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Register(f.ctx, &domain.User{Username: "x", Email: "x@y.z"}, "short"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("short password: err = %v", err)
	}
	if err := f.svc.Register(f.ctx, &domain.User{Email: "x@y.z"}, "longenough"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing username: err = %v", err)
	}
	if err := f.svc.Register(f.ctx, &domain.User{Username: "operator", Email: "x@y.z"}, "longenough"); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("taken username: err = %v", err)
	}
}
