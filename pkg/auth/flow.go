// Package auth implements the FordPass login and token lifecycle: the
// interactive Azure B2C authorization-code flow with PKCE, the non-interactive
// refresh flow, and the exchange chain that turns an identity-provider token
// into a vehicle-cloud session and a telemetry-provider token.
//
// The interactive flow is not a clean API. Each stage scrapes data out of the
// previous response (an embedded settings object, a CSRF token), and the final
// authorization code is only obtainable by intercepting a redirect to the
// mobile app's fordapp:// scheme, which is not fetchable. The transport is
// configured to capture that redirect and return it as a value.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
)

// Defaults for the official FordPass client registered in Azure B2C. No
// client secret exists; the code grant is bound with PKCE instead.
const (
	DefaultClientID  = "09852200-05fd-41f6-8c21-d36d3497dc64"
	DefaultOAuthID   = "4566605f-43a7-400a-946e-89cc9fdb0bd7"
	DefaultLoginHost = "https://login.ford.com"

	policyPrefix   = "B2C_1A_SignInSignUp_"
	redirectScheme = "fordapp"
)

// Config carries the identity-provider coordinates for one region.
type Config struct {
	ClientID  string
	OAuthID   string
	LoginHost string
	Locale    string // policy suffix and ui locale, e.g. "de-DE"

	Username string
	Password string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ClientID == "" {
		out.ClientID = DefaultClientID
	}
	if out.OAuthID == "" {
		out.OAuthID = DefaultOAuthID
	}
	if out.LoginHost == "" {
		out.LoginHost = DefaultLoginHost
	}
	return out
}

func (c *Config) policy() string {
	return policyPrefix + c.Locale
}

func (c *Config) policyURL(parts ...string) string {
	base := fmt.Sprintf("%s/%s/%s", c.LoginHost, c.OAuthID, c.policy())
	if len(parts) == 0 {
		return base
	}
	return base + "/" + strings.Join(parts, "/")
}

// RedirectURI is the app-scheme redirect the vendor requires; it is never
// actually fetched.
func (c *Config) RedirectURI() string {
	return redirectScheme + "://userauthorized"
}

// Flow executes logins and refreshes. One Flow serves one account.
type Flow struct {
	cfg    Config
	api    *fordapi.Client
	store  *session.Store
	logger zerolog.Logger
	now    func() time.Time

	// transport overrides the login client's round tripper; tests use this.
	transport http.RoundTripper
}

func NewFlow(cfg Config, api *fordapi.Client, store *session.Store, logger zerolog.Logger) *Flow {
	return &Flow{
		cfg:    cfg.withDefaults(),
		api:    api,
		store:  store,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// AuthorizeURL builds the interactive authorization request for a PKCE pair.
// The odd leading space in scope and the empty resource parameter are vendor
// requirements.
func (f *Flow) AuthorizeURL(pkce PKCE) string {
	q := url.Values{
		"redirect_uri":          {f.cfg.RedirectURI()},
		"response_type":         {"code"},
		"max_age":               {"3600"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {" " + f.cfg.ClientID + " openid"},
		"client_id":             {f.cfg.ClientID},
		"ui_locales":            {f.cfg.Locale},
		"language_code":         {f.cfg.Locale},
		"ford_application_id":   {f.api.Config().ApplicationID},
		"country_code":          {f.api.Config().CountryCode},
	}
	return f.cfg.policyURL("oauth2/v2.0/authorize") + "?" + q.Encode()
}

// capturedRedirect carries an intercepted app-scheme redirect out of the
// transport as a value instead of letting the client fail on an unfetchable
// URL.
type capturedRedirect struct {
	url *url.URL
}

func (c *capturedRedirect) Error() string {
	return "auth: captured app-scheme redirect"
}

// loginClient builds the cookie-jar client used for the stateful stages of
// one login attempt. The jar must survive the whole attempt and is discarded
// afterwards; post-login calls use bearer tokens, not cookies.
func (f *Flow) loginClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Jar:       jar,
		Transport: f.transport,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme == redirectScheme {
				return &capturedRedirect{url: req.URL}
			}
			return nil
		},
	}, nil
}

// Login runs the full interactive pipeline and returns the vehicle-cloud
// session. The PKCE verifier is persisted before the authorization request so
// a restart mid-flow can still redeem the code.
func (f *Flow) Login(ctx context.Context) (*session.Token, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	if err := f.store.SaveVerifier(ctx, pkce.Verifier); err != nil {
		return nil, err
	}

	client, err := f.loginClient()
	if err != nil {
		return nil, err
	}

	settings, err := f.fetchAuthorizePage(ctx, client, pkce)
	if err != nil {
		return nil, err
	}

	// Best effort; a rejected bot-telemetry submission is logged and ignored.
	f.submitBotTelemetry(ctx, client, settings)

	if err := f.submitCredentials(ctx, client, settings); err != nil {
		return nil, err
	}

	code, err := f.captureAuthorizationCode(ctx, client, settings)
	if err != nil {
		return nil, err
	}

	// The token endpoint is stateless, but reusing the jar client keeps the
	// whole attempt on one transport.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	return f.ExchangeCode(ctx, code, pkce.Verifier)
}

func (f *Flow) fetchAuthorizePage(ctx context.Context, client *http.Client, pkce PKCE) (*pageSettings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.AuthorizeURL(pkce), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", strings.ToLower(f.cfg.Locale))
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, fordapi.MaxResponseLength))
	if err != nil {
		return nil, err
	}
	settings, err := parsePageSettings(string(body))
	if err != nil {
		return nil, err
	}
	f.logger.Debug().Str("transId", settings.TransID).Msg("authorize page parsed")
	return settings, nil
}

// submitBotTelemetry posts the opaque fixed payload the provider's
// bot-detection expects. The payload content is not documented; the provider
// only checks that something plausible arrived on the side channel.
func (f *Flow) submitBotTelemetry(ctx context.Context, client *http.Client, settings *pageSettings) {
	endpoint := f.cfg.policyURL("client/perftrace") + "?tx=" + url.QueryEscape(settings.TransID) + "&p=" + f.cfg.policy()
	payload := `{"pageViewId":"bridge","pageVisitStartTime":0,"perfData":[]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-TOKEN", settings.CSRF)
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Debug().Err(err).Msg("bot telemetry submission failed (ignored)")
		return
	}
	resp.Body.Close()
	f.logger.Debug().Int("status", resp.StatusCode).Msg("bot telemetry submitted")
}

func (f *Flow) submitCredentials(ctx context.Context, client *http.Client, settings *pageSettings) error {
	endpoint := f.cfg.policyURL("SelfAsserted") + "?tx=" + url.QueryEscape(settings.TransID) + "&p=" + f.cfg.policy()
	form := url.Values{
		"request_type": {"RESPONSE"},
		"signInName":   {f.cfg.Username},
		"password":     {f.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-TOKEN", settings.CSRF)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: credential submission: %s", ErrLoginFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, fordapi.MaxResponseLength))
	if err != nil {
		return err
	}
	// The endpoint reports its outcome in the body, not the HTTP status.
	var outcome struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &outcome); err != nil || outcome.Status != "200" {
		f.logger.Warn().Str("status", outcome.Status).Str("message", outcome.Message).Msg("credential submission rejected")
		return fmt.Errorf("%w: %s", ErrLoginFailed, outcome.Message)
	}
	return nil
}

func (f *Flow) captureAuthorizationCode(ctx context.Context, client *http.Client, settings *pageSettings) (string, error) {
	endpoint := f.cfg.policyURL("api/CombinedSigninAndSignup/confirmed")
	q := url.Values{
		"rememberMe": {"false"},
		"csrf_token": {settings.CSRF},
		"tx":         {settings.TransID},
		"p":          {f.cfg.policy()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	var captured *capturedRedirect
	if err == nil || !errors.As(err, &captured) {
		return "", ErrLoginFailed
	}
	return CodeFromRedirectURL(captured.url.String())
}

// CodeFromRedirectURL extracts the authorization code from a captured (or
// user-pasted) fordapp://userauthorized?code=... URL.
func CodeFromRedirectURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrLoginFailed, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: redirect carries no code parameter", ErrLoginFailed)
	}
	return code, nil
}

// ExchangeCode redeems an authorization code against the verifier that
// produced its challenge, then bridges the resulting identity-provider token
// to a vehicle-cloud session. The verifier is cleared on success; codes are
// single use.
func (f *Flow) ExchangeCode(ctx context.Context, code, verifier string) (*session.Token, error) {
	conf := oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: f.cfg.RedirectURI(),
		Endpoint: oauth2.Endpoint{
			TokenURL:  f.cfg.policyURL("oauth2/v2.0/token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
		oauth2.SetAuthURLParam("scope", f.cfg.ClientID+" openid"),
		// Azure B2C insists on the parameter being present but empty.
		oauth2.SetAuthURLParam("resource", ""),
	)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("%w: %s", ErrTokenExchange, retrieve.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenExchange, err)
	}

	sess, err := f.bridgeIDPToken(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := f.store.ClearVerifier(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("could not clear PKCE verifier")
	}
	return sess, nil
}

// bridgeIDPToken exchanges a B2C access token for the vehicle-cloud session
// at the vendor token bridge.
func (f *Flow) bridgeIDPToken(ctx context.Context, idpToken string) (*session.Token, error) {
	body, err := f.api.PostJSON(ctx, fordapi.FoundationalAPI+"/token/v2/cat-with-b2c-access-token",
		map[string]string{"idpToken": idpToken})
	if err != nil {
		return nil, fmt.Errorf("%w: token bridge: %s", ErrTokenExchange, err)
	}
	return f.decodeToken(body)
}

// Refresh exchanges the refresh token at the vehicle-cloud token bridge. A
// 400 or 401 means the grant is permanently dead and yields a terminal
// RefreshRejectedError; anything else is transient and retryable.
func (f *Flow) Refresh(ctx context.Context, sess *session.Token) (*session.Token, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, &RefreshRejectedError{Detail: "no refresh token available"}
	}
	body, err := f.api.PostJSON(ctx, fordapi.FoundationalAPI+"/token/v2/cat-with-refresh-token",
		map[string]string{"refresh_token": sess.RefreshToken})
	if err != nil {
		if apiErr, ok := fordapi.AsError(err); ok &&
			(apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized) {
			return nil, &RefreshRejectedError{Status: apiErr.Status, Detail: apiErr.Body}
		}
		return nil, fmt.Errorf("%w: refresh: %s", ErrTokenExchange, err)
	}
	return f.decodeToken(body)
}

// ExchangeTelemetryToken trades the vehicle-cloud session for a telemetry
// provider token using the OAuth token-exchange grant.
func (f *Flow) ExchangeTelemetryToken(ctx context.Context, sess *session.Token) (*session.Token, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: no session for telemetry exchange", ErrTokenExchange)
	}
	form := url.Values{
		"subject_token":      {sess.AccessToken},
		"subject_issuer":     {"fordpass"},
		"client_id":          {"fordpass-prod"},
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:jwt"},
	}
	body, err := f.api.PostForm(ctx, fordapi.AutonomicAccounts+"/auth/oidc/token", form)
	if err != nil {
		if apiErr, ok := fordapi.AsError(err); ok && apiErr.Unauthorized() {
			return nil, &RefreshRejectedError{Status: apiErr.Status, Detail: apiErr.Body}
		}
		return nil, fmt.Errorf("%w: telemetry exchange: %s", ErrTokenExchange, err)
	}
	return f.decodeToken(body)
}

func (f *Flow) decodeToken(body []byte) (*session.Token, error) {
	var resp session.TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenExchange, err)
	}
	tok, err := session.NewToken(&resp, f.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenExchange, err)
	}
	return tok, nil
}
