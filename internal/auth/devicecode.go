package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// baseScopes are always requested alongside the caller's scopes so the token
// endpoint returns a refresh token for later silent acquisitions.
var baseScopes = []string{"openid", "profile", "offline_access"}

// Prompt presents the device-code challenge to the user. It is the one UI
// surface auth is allowed to open; it must return promptly (rendering only),
// the poll loop below does the waiting.
type Prompt func(message, verificationURI, userCode string)

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	Message                 string `json:"message"`
	Error                   string `json:"error"`
	ErrorDescription        string `json:"error_description"`
}

type tokenResponse struct {
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// DeviceCodeConfig configures the OAuth2 device-code authenticator.
type DeviceCodeConfig struct {
	ClientID  string
	Tenant    string // "common" when empty
	Authority string // issuer base, e.g. https://login.microsoftonline.com

	Prompt     Prompt
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DeviceCodeAuthenticator implements Authenticator over the OAuth2 device-code
// grant. Silent acquisition redeems the in-memory refresh token; interactive
// acquisition runs the device-code flow (the CLI equivalent of a login popup).
// Refresh tokens live in process memory only.
type DeviceCodeAuthenticator struct {
	clientID  string
	tenant    string
	authority string
	prompt    Prompt
	client    *http.Client
	logger    *zap.Logger

	mu           sync.Mutex
	refreshToken string
}

var _ Authenticator = (*DeviceCodeAuthenticator)(nil)

// NewDeviceCodeAuthenticator constructs the authenticator. ClientID is required.
func NewDeviceCodeAuthenticator(cfg DeviceCodeConfig) (*DeviceCodeAuthenticator, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("device code auth: client id is required")
	}
	if cfg.Tenant == "" {
		cfg.Tenant = "common"
	}
	if cfg.Authority == "" {
		cfg.Authority = "https://login.microsoftonline.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = func(string, string, string) {}
	}
	return &DeviceCodeAuthenticator{
		clientID:  cfg.ClientID,
		tenant:    cfg.Tenant,
		authority: strings.TrimRight(cfg.Authority, "/"),
		prompt:    cfg.Prompt,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}, nil
}

// AcquireSilent redeems the stored refresh token for an access token. Without a
// refresh token, or when the grant is no longer honored, it reports
// interaction-required so the provider falls back to the device-code flow.
func (a *DeviceCodeAuthenticator) AcquireSilent(ctx context.Context, _ model.Account, scopes []string) (model.Token, error) {
	a.mu.Lock()
	refresh := a.refreshToken
	a.mu.Unlock()
	if refresh == "" {
		return model.Token{}, fmt.Errorf("no refresh token: %w", errs.ErrInteractionRequired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.clientID)
	form.Set("refresh_token", refresh)
	form.Set("scope", scopeParam(scopes))

	payload, err := a.postToken(ctx, form)
	if err != nil {
		return model.Token{}, err
	}
	if payload.Error != "" {
		// invalid_grant covers expired/revoked refresh tokens; the user can fix
		// it by signing in again, so it is classified interaction-required.
		if payload.Error == "invalid_grant" || payload.Error == "interaction_required" {
			return model.Token{}, fmt.Errorf("refresh rejected (%s): %w", payload.Error, errs.ErrInteractionRequired)
		}
		return model.Token{}, fmt.Errorf("refresh token error: %s (%s): %w",
			payload.Error, payload.ErrorDescription, errs.ErrServer)
	}
	if payload.AccessToken == "" {
		return model.Token{}, fmt.Errorf("token response missing access_token: %w", errs.ErrServer)
	}
	a.storeRefresh(payload.RefreshToken)
	return a.tokenFrom(payload, scopes), nil
}

// AcquireInteractive runs the device-code flow: request a code, show it to the
// user, poll the token endpoint until authorization completes or is declined.
func (a *DeviceCodeAuthenticator) AcquireInteractive(ctx context.Context, _ model.Account, scopes []string) (model.Token, error) {
	code, err := a.requestDeviceCode(ctx, scopes)
	if err != nil {
		return model.Token{}, err
	}

	msg := strings.TrimSpace(code.Message)
	if msg == "" {
		msg = fmt.Sprintf("Go to %s and enter code %s", code.VerificationURI, code.UserCode)
	}
	a.prompt(msg, code.VerificationURI, code.UserCode)
	a.logger.Info("device code issued", zap.String("verification_uri", code.VerificationURI))

	payload, err := a.pollDeviceCode(ctx, code)
	if err != nil {
		return model.Token{}, err
	}
	a.storeRefresh(payload.RefreshToken)
	return a.tokenFrom(payload, scopes), nil
}

func (a *DeviceCodeAuthenticator) requestDeviceCode(ctx context.Context, scopes []string) (*deviceCodeResponse, error) {
	form := url.Values{}
	form.Set("client_id", a.clientID)
	form.Set("scope", scopeParam(scopes))

	body, err := a.postForm(ctx, a.endpoint("devicecode"), form)
	if err != nil {
		return nil, err
	}
	var payload deviceCodeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("device code response parse failed: %w", errs.ErrServer)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("device code error: %s (%s): %w",
			payload.Error, payload.ErrorDescription, errs.ErrServer)
	}
	if payload.DeviceCode == "" {
		return nil, fmt.Errorf("device code response missing device_code: %w", errs.ErrServer)
	}
	if payload.Interval <= 0 {
		payload.Interval = 5
	}
	return &payload, nil
}

func (a *DeviceCodeAuthenticator) pollDeviceCode(ctx context.Context, code *deviceCodeResponse) (*tokenResponse, error) {
	deadline := time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)
	interval := time.Duration(code.Interval) * time.Second
	if interval < time.Second {
		interval = time.Second
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before authorization: %w", errs.ErrInteractionRequired)
		}

		form := url.Values{}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		form.Set("client_id", a.clientID)
		form.Set("device_code", code.DeviceCode)

		payload, err := a.postToken(ctx, form)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("device code flow aborted: %w", errs.ErrUserCancelled)
			}
			return nil, err
		}

		if payload.Error == "" && payload.AccessToken != "" {
			return payload, nil
		}

		switch payload.Error {
		case "authorization_pending":
		case "slow_down":
			interval += time.Second
		case "authorization_declined":
			return nil, fmt.Errorf("authorization declined: %w", errs.ErrUserCancelled)
		case "expired_token":
			return nil, fmt.Errorf("device code expired: %w", errs.ErrInteractionRequired)
		default:
			return nil, fmt.Errorf("device code token error: %s (%s): %w",
				payload.Error, payload.ErrorDescription, errs.ErrServer)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device code flow aborted: %w", errs.ErrUserCancelled)
		case <-time.After(interval):
		}
	}
}

func (a *DeviceCodeAuthenticator) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	body, err := a.postForm(ctx, a.endpoint("token"), form)
	if err != nil {
		return nil, err
	}
	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("token response parse failed: %w", errs.ErrServer)
	}
	return &payload, nil
}

func (a *DeviceCodeAuthenticator) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %v: %w", endpoint, err, errs.ErrNetwork)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *DeviceCodeAuthenticator) endpoint(kind string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/%s", a.authority, url.PathEscape(a.tenant), kind)
}

func (a *DeviceCodeAuthenticator) storeRefresh(refresh string) {
	if refresh == "" {
		return
	}
	a.mu.Lock()
	a.refreshToken = refresh
	a.mu.Unlock()
}

// tokenFrom builds a model.Token, preferring the exp claim embedded in the JWT
// over the advertised expires_in (the claim is authoritative).
func (a *DeviceCodeAuthenticator) tokenFrom(payload *tokenResponse, scopes []string) model.Token {
	exp := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	var claims jwt.RegisteredClaims
	_, _ = jwt.ParseWithClaims(payload.AccessToken, &claims, func(*jwt.Token) (any, error) { return nil, nil },
		jwt.WithoutClaimsValidation(),
	)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return model.Token{
		Value:     payload.AccessToken,
		Scopes:    append([]string(nil), scopes...),
		ExpiresAt: exp,
	}
}

func scopeParam(scopes []string) string {
	all := append(append([]string(nil), scopes...), baseScopes...)
	return strings.Join(all, " ")
}
