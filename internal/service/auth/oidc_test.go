package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
)

func newOIDCFixture(users *mocks.MockUserRepository) (*OIDC, *mocks.MockCache) {
	kv := mocks.NewMockCache()
	tokens := NewService(users, kv, "test-secret", 0, 0, zap.NewNop())
	svc := NewOIDC(tokens, users, kv, map[string]ProviderConfig{
		"google": {ClientID: "client-1", ClientSecret: "secret", RedirectURL: "https://csms.test/cb"},
	}, zap.NewNop())
	return svc, kv
}

func TestOIDCBegin_StoresStateAndBuildsConsentURL(t *testing.T) {
	svc, kv := newOIDCFixture(&mocks.MockUserRepository{})

	url, err := svc.Begin(context.Background(), "google")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !strings.Contains(url, "client_id=client-1") {
		t.Errorf("consent url missing client id: %s", url)
	}

	// The state parameter must be retrievable for the callback.
	state := url[strings.Index(url, "state=")+len("state="):]
	if i := strings.IndexByte(state, '&'); i >= 0 {
		state = state[:i]
	}
	stored, err := kv.Get(context.Background(), "csms:oidc:state:"+state)
	if err != nil || stored != "google" {
		t.Errorf("state not stored: %q, %v", stored, err)
	}
}

func TestOIDCBegin_UnknownProvider(t *testing.T) {
	svc, _ := newOIDCFixture(&mocks.MockUserRepository{})

	_, err := svc.Begin(context.Background(), "github")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOIDCComplete_RejectsUnknownState(t *testing.T) {
	svc, _ := newOIDCFixture(&mocks.MockUserRepository{})

	_, err := svc.Complete(context.Background(), "google", "code", "never-issued")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestOIDCProvision_UsernameFromEmailLocalPart(t *testing.T) {
	var saved *domain.User
	users := &mocks.MockUserRepository{
		SaveFunc: func(_ context.Context, u *domain.User) error {
			saved = u
			return nil
		},
	}
	svc, _ := newOIDCFixture(users)

	user, err := svc.provision(context.Background(), &oidcUserInfo{
		Email: "Jamie.Lee@example.com",
		Name:  "Jamie Lee",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if user.Username != "jamielee" {
		t.Errorf("username = %q, want jamielee", user.Username)
	}
	if !user.EmailVerified || !user.Active {
		t.Error("provisioned user must be verified and active")
	}
	if saved == nil {
		t.Fatal("user was not persisted")
	}
}

func TestOIDCProvision_SuffixesTakenUsername(t *testing.T) {
	users := &mocks.MockUserRepository{
		FindByUsernameFunc: func(_ context.Context, username string) (*domain.User, error) {
			if username == "jamie" {
				return &domain.User{ID: "existing", Username: "jamie"}, nil
			}
			return nil, nil
		},
	}
	svc, _ := newOIDCFixture(users)

	user, err := svc.provision(context.Background(), &oidcUserInfo{Email: "jamie@example.com"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if user.Username == "jamie" || !strings.HasPrefix(user.Username, "jamie-") {
		t.Errorf("username = %q, want jamie-<suffix>", user.Username)
	}
}
