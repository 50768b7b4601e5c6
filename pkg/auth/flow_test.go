package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
	"github.com/openfordpass/bridge/pkg/statestore"
)

const loginPage = `<!DOCTYPE html><html><head><script>
var SETTINGS = {"transId":"StateProperties=eyJUSUQi","csrf":"csrf-token-value","api":"CombinedSigninAndSignup","hosts":{"tenant":"ford"}};
</script></head><body></body></html>`

type flowFixture struct {
	flow  *Flow
	store *session.Store
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	api := fordapi.NewClient(fordapi.Config{ApplicationID: "test-app", Locale: "de-DE", CountryCode: "DEU"}, zerolog.Nop())
	api.SetHTTPClient(client)

	store := session.NewStore(statestore.NewMemStore())
	flow := NewFlow(Config{
		Locale:   "de-DE",
		Username: "driver@example.com",
		Password: "hunter2",
	}, api, store, zerolog.Nop())
	flow.transport = httpmock.DefaultTransport
	return &flowFixture{flow: flow, store: store}
}

func registerLoginPipeline(t *testing.T) {
	t.Helper()
	httpmock.RegisterResponder("GET", `=~oauth2/v2\.0/authorize`,
		httpmock.NewStringResponder(200, loginPage))
	httpmock.RegisterResponder("POST", `=~client/perftrace`,
		httpmock.NewStringResponder(200, ``))
	httpmock.RegisterResponder("POST", `=~/SelfAsserted`,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "csrf-token-value", req.Header.Get("X-CSRF-TOKEN"))
			assert.Equal(t, "StateProperties=eyJUSUQi", req.URL.Query().Get("tx"))
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "driver@example.com", req.PostForm.Get("signInName"))
			return httpmock.NewStringResponse(200, `{"status":"200"}`), nil
		})
	httpmock.RegisterResponder("GET", `=~CombinedSigninAndSignup/confirmed`,
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(302, "")
			resp.Header.Set("Location", "fordapp://userauthorized/?code=auth-code-123")
			return resp, nil
		})
	httpmock.RegisterResponder("POST", `=~oauth2/v2\.0/token`,
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "auth-code-123", req.PostForm.Get("code"))
			assert.NotEmpty(t, req.PostForm.Get("code_verifier"))
			assert.Equal(t, "", req.PostForm.Get("resource"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"access_token": "idp-token", "token_type": "Bearer", "expires_in": 3600,
			})
		})
	httpmock.RegisterResponder("POST", fordapi.FoundationalAPI+"/token/v2/cat-with-b2c-access-token",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewJsonResponse(200, map[string]any{
				"access_token": "cat-token", "refresh_token": "cat-refresh", "expires_in": 1200,
			})
		})
}

func TestLoginPipeline(t *testing.T) {
	f := newFlowFixture(t)
	registerLoginPipeline(t)

	tok, err := f.flow.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cat-token", tok.AccessToken)
	assert.Equal(t, "cat-refresh", tok.RefreshToken)
	assert.InDelta(t, 1200, time.Until(tok.ExpiresAt).Seconds(), 5)

	// A redeemed code leaves no pending verifier behind.
	verifier, err := f.store.Verifier(context.Background())
	require.NoError(t, err)
	assert.Empty(t, verifier)
}

func TestLoginFailsWhenSettingsMissing(t *testing.T) {
	f := newFlowFixture(t)
	httpmock.RegisterResponder("GET", `=~oauth2/v2\.0/authorize`,
		httpmock.NewStringResponder(200, `<html><body>maintenance</body></html>`))

	_, err := f.flow.Login(context.Background())
	assert.ErrorIs(t, err, ErrFormParse)
}

func TestLoginFailsOnRejectedCredentials(t *testing.T) {
	f := newFlowFixture(t)
	registerLoginPipeline(t)
	httpmock.RegisterResponder("POST", `=~/SelfAsserted`,
		httpmock.NewStringResponder(200, `{"status":"400","message":"bad password"}`))

	_, err := f.flow.Login(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestLoginFailsWithoutRedirectCode(t *testing.T) {
	f := newFlowFixture(t)
	registerLoginPipeline(t)
	httpmock.RegisterResponder("GET", `=~CombinedSigninAndSignup/confirmed`,
		httpmock.NewStringResponder(200, `<html>still here</html>`))

	_, err := f.flow.Login(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestRefreshSuccess(t *testing.T) {
	f := newFlowFixture(t)
	httpmock.RegisterResponder("POST", fordapi.FoundationalAPI+"/token/v2/cat-with-refresh-token",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewJsonResponse(200, map[string]any{
				"access_token": "fresh-token", "refresh_token": "fresh-refresh", "expires_in": 1200,
			})
		})

	tok, err := f.flow.Refresh(context.Background(), &session.Token{
		AccessToken: "old", RefreshToken: "old-refresh", ExpiresAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok.AccessToken)
}

func TestRefreshRejectionIsTerminal(t *testing.T) {
	f := newFlowFixture(t)
	for _, status := range []int{400, 401} {
		httpmock.RegisterResponder("POST", fordapi.FoundationalAPI+"/token/v2/cat-with-refresh-token",
			httpmock.NewStringResponder(status, `{"message":"invalid grant"}`))

		_, err := f.flow.Refresh(context.Background(), &session.Token{
			AccessToken: "old", RefreshToken: "dead", ExpiresAt: time.Now(),
		})
		assert.True(t, IsTerminal(err), "status %d must be terminal", status)
	}
}

func TestRefreshTransientIsNotTerminal(t *testing.T) {
	f := newFlowFixture(t)
	httpmock.RegisterResponder("POST", fordapi.FoundationalAPI+"/token/v2/cat-with-refresh-token",
		httpmock.NewStringResponder(503, `{}`))

	_, err := f.flow.Refresh(context.Background(), &session.Token{
		AccessToken: "old", RefreshToken: "fine", ExpiresAt: time.Now(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.False(t, IsTerminal(err))
}

func TestExchangeTelemetryToken(t *testing.T) {
	f := newFlowFixture(t)
	httpmock.RegisterResponder("POST", fordapi.AutonomicAccounts+"/auth/oidc/token",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", req.PostForm.Get("grant_type"))
			assert.Equal(t, "fordpass", req.PostForm.Get("subject_issuer"))
			assert.Equal(t, "fordpass-prod", req.PostForm.Get("client_id"))
			assert.Equal(t, "session-token", req.PostForm.Get("subject_token"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"access_token": "auto-token", "expires_in": 600,
			})
		})

	tok, err := f.flow.ExchangeTelemetryToken(context.Background(), &session.Token{
		AccessToken: "session-token", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "auto-token", tok.AccessToken)
	assert.InDelta(t, 600, time.Until(tok.ExpiresAt).Seconds(), 5)
}

func TestCodeFromRedirectURL(t *testing.T) {
	code, err := CodeFromRedirectURL("fordapp://userauthorized/?code=abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)

	_, err = CodeFromRedirectURL("fordapp://userauthorized/?error=access_denied")
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestAuthorizeURLCarriesPKCEChallenge(t *testing.T) {
	f := newFlowFixture(t)
	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	u := f.flow.AuthorizeURL(pkce)
	assert.Contains(t, u, "code_challenge="+pkce.Challenge)
	assert.Contains(t, u, "code_challenge_method=S256")
	assert.Contains(t, u, "login.ford.com")
	assert.Contains(t, u, "B2C_1A_SignInSignUp_de-DE")
}
