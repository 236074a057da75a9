package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

const oidcStateTTL = 10 * time.Minute

// ProviderConfig holds one OIDC provider's client registration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type oidcProvider struct {
	conf        *oauth2.Config
	userInfoURL string
}

// OIDC implements social login against Google and Microsoft. It piggybacks
// on the token service: a successful callback issues the same JWT pair a
// password login would.
type OIDC struct {
	tokens    *Service
	users     ports.UserRepository
	cache     ports.Cache
	providers map[string]*oidcProvider
	log       *zap.Logger
}

// NewOIDC wires the configured providers. Providers without a client id
// are left unregistered and answer ErrNotFound.
func NewOIDC(tokens *Service, users ports.UserRepository, cache ports.Cache, providerConfigs map[string]ProviderConfig, log *zap.Logger) *OIDC {
	providers := make(map[string]*oidcProvider)
	for name, pc := range providerConfigs {
		if pc.ClientID == "" {
			continue
		}
		p := &oidcProvider{conf: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
		}}
		switch name {
		case "google":
			p.conf.Endpoint = google.Endpoint
			p.userInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
		case "microsoft":
			p.conf.Endpoint = microsoft.AzureADEndpoint("common")
			p.userInfoURL = "https://graph.microsoft.com/oidc/userinfo"
		default:
			log.Warn("unknown oidc provider ignored", zap.String("provider", name))
			continue
		}
		providers[name] = p
	}
	return &OIDC{tokens: tokens, users: users, cache: cache, providers: providers, log: log}
}

// Begin returns the provider's consent URL with a one-time state token.
func (o *OIDC) Begin(ctx context.Context, provider string) (string, error) {
	p, ok := o.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: oidc provider %s", domain.ErrNotFound, provider)
	}
	state := uuid.NewString()
	if err := o.cache.Set(ctx, "csms:oidc:state:"+state, provider, oidcStateTTL); err != nil {
		return "", fmt.Errorf("storing oidc state: %w", err)
	}
	return p.conf.AuthCodeURL(state), nil
}

// Complete validates the state, exchanges the code and logs the user in,
// provisioning an account on first contact.
func (o *OIDC) Complete(ctx context.Context, provider, code, state string) (*ports.TokenPair, error) {
	p, ok := o.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: oidc provider %s", domain.ErrNotFound, provider)
	}

	stored, err := o.cache.Get(ctx, "csms:oidc:state:"+state)
	if err != nil || stored != provider {
		return nil, domain.ErrUnauthorized
	}
	_ = o.cache.Delete(ctx, "csms:oidc:state:"+state)

	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		o.log.Warn("oidc code exchange failed", zap.String("provider", provider), zap.Error(err))
		return nil, domain.ErrUnauthorized
	}

	info, err := o.fetchUserInfo(ctx, p, token)
	if err != nil {
		return nil, err
	}
	if info.Email == "" {
		return nil, fmt.Errorf("%w: provider returned no email", domain.ErrUnauthorized)
	}

	user, err := o.users.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil {
		user, err = o.provision(ctx, info)
		if err != nil {
			return nil, err
		}
	}
	if !user.Active || user.Locked(time.Now()) {
		return nil, domain.ErrUnauthorized
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := o.users.Update(ctx, user); err != nil {
		o.log.Error("recording oidc login", zap.String("user_id", user.ID), zap.Error(err))
	}
	return o.tokens.issuePair(user)
}

type oidcUserInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

func (o *OIDC) fetchUserInfo(ctx context.Context, p *oidcProvider, token *oauth2.Token) (*oidcUserInfo, error) {
	client := p.conf.Client(ctx, token)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading userinfo: %w", err)
	}
	var info oidcUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing userinfo: %w", err)
	}
	return &info, nil
}

var usernameStrip = regexp.MustCompile(`[^a-z0-9_-]`)

// provision creates a verified account from the provider's profile. The
// username comes from the email local part, suffixed when already taken.
func (o *OIDC) provision(ctx context.Context, info *oidcUserInfo) (*domain.User, error) {
	base := strings.ToLower(strings.SplitN(info.Email, "@", 2)[0])
	base = usernameStrip.ReplaceAllString(base, "")
	if base == "" {
		base = "user"
	}

	username := base
	for i := 0; ; i++ {
		existing, err := o.users.FindByUsername(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("checking username: %w", err)
		}
		if existing == nil {
			break
		}
		username = fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
		if i >= 5 {
			return nil, fmt.Errorf("could not allocate a username for %s", info.Email)
		}
	}

	user := &domain.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         info.Email,
		FullName:      info.Name,
		EmailVerified: true,
		Active:        true,
	}
	if err := o.users.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("provisioning user: %w", err)
	}
	o.log.Info("user provisioned from oidc",
		zap.String("user_id", user.ID),
		zap.String("username", username))
	return user, nil
}
