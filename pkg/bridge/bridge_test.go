package bridge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfordpass/bridge/pkg/auth"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
	"github.com/openfordpass/bridge/pkg/statestore"
	"github.com/openfordpass/bridge/pkg/statussync"
)

const testVIN = "WF0TESTVIN0000001"

const dashboardBody = `{
	"userVehicles": {"vehicleDetails": [{"VIN": "WF0TESTVIN0000001", "nickName": "Kuga"}]},
	"vehicleProfile": [{"VIN": "WF0TESTVIN0000001", "engineType": "PHEV"}],
	"vehicleCapabilities": [{"VIN": "WF0TESTVIN0000001", "remoteStart": "Display"}]
}`

const statusBody = `{"metrics": {"batteryVoltage": {"value": 12.4}}}`

func seedTokens(t *testing.T, store statestore.Store) {
	t.Helper()
	sessions := session.NewStore(store)
	require.NoError(t, sessions.SetSession(context.Background(), &session.Token{
		AccessToken: "session-token", RefreshToken: "refresh-token",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, sessions.SetTelemetry(context.Background(), &session.Token{
		AccessToken: "telemetry-token", ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func newTestBridge(t *testing.T, store statestore.Store) *Bridge {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	b := New(Config{
		Auth:        auth.Config{Locale: "de-DE"},
		API:         fordapi.Config{ApplicationID: "test-app", Locale: "de-DE", CountryCode: "DEU"},
		Sync:        statussync.Config{},
		DisablePush: true,
	}, store, zerolog.Nop())
	b.API().SetHTTPClient(client)
	return b
}

func registerHappyPath() {
	httpmock.RegisterResponder("POST", fordapi.VehicleAPI+"/expdashboard/v1/details/",
		httpmock.NewStringResponder(207, dashboardBody))
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(200, statusBody))
	httpmock.RegisterResponder("GET", fordapi.FoundationalAPI+"/messagecenter/v3/messages",
		httpmock.NewStringResponder(200, `{"result":{"messages":[]}}`))
}

func TestRunWithRestoredSession(t *testing.T) {
	store := statestore.NewMemStore()
	seedTokens(t, store)
	b := newTestBridge(t, store)
	registerHappyPath()

	require.NoError(t, b.Run(context.Background()))
	defer b.Shutdown(context.Background())

	conn, err := store.GetValue(context.Background(), PathConnection)
	require.NoError(t, err)
	assert.Equal(t, true, conn.Val)

	require.Len(t, b.Vehicles(), 1)
	assert.True(t, store.Has(testVIN))

	status, err := store.GetValue(context.Background(), testVIN+".status.metrics.batteryVoltage.value")
	require.NoError(t, err)
	assert.Equal(t, 12.4, status.Val)
}

func TestCommandWriteDispatches(t *testing.T) {
	store := statestore.NewMemStore()
	seedTokens(t, store)
	b := newTestBridge(t, store)
	registerHappyPath()
	httpmock.RegisterResponder("POST", fordapi.AutonomicAPI+"/command/vehicles/"+testVIN+"/commands",
		httpmock.NewStringResponder(200, `{}`))

	require.NoError(t, b.Run(context.Background()))
	defer b.Shutdown(context.Background())

	// A non-acknowledged write is user intent and must reach the vendor.
	require.NoError(t, store.SetValue(context.Background(), testVIN+".remote.doors/lock", true, false))

	require.Eventually(t, func() bool {
		count := httpmock.GetCallCountInfo()
		return count["POST "+fordapi.AutonomicAPI+"/command/vehicles/"+testVIN+"/commands"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The bridge confirms the intent with an acknowledged echo.
	require.Eventually(t, func() bool {
		v, err := store.GetValue(context.Background(), testVIN+".remote.doors/lock")
		return err == nil && v.Ack
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcknowledgedWritesAreIgnored(t *testing.T) {
	store := statestore.NewMemStore()
	seedTokens(t, store)
	b := newTestBridge(t, store)
	registerHappyPath()
	httpmock.RegisterResponder("POST", fordapi.AutonomicAPI+"/command/vehicles/"+testVIN+"/commands",
		httpmock.NewStringResponder(200, `{}`))

	require.NoError(t, b.Run(context.Background()))
	defer b.Shutdown(context.Background())

	require.NoError(t, store.SetValue(context.Background(), testVIN+".remote.doors/lock", true, true))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0,
		httpmock.GetCallCountInfo()["POST "+fordapi.AutonomicAPI+"/command/vehicles/"+testVIN+"/commands"])
}

func TestRunDiscoveryFailureDropsConnection(t *testing.T) {
	store := statestore.NewMemStore()
	seedTokens(t, store)
	b := newTestBridge(t, store)
	httpmock.RegisterResponder("POST", fordapi.VehicleAPI+"/expdashboard/v1/details/",
		httpmock.NewStringResponder(500, `{"error":"boom"}`))

	err := b.Run(context.Background())
	require.Error(t, err)

	// A failed start must not leave the flag up or the refresh timers armed:
	// the caller retries with a fresh Bridge over the same store.
	conn, gerr := store.GetValue(context.Background(), PathConnection)
	require.NoError(t, gerr)
	assert.Equal(t, false, conn.Val)
	assert.False(t, b.sched.Pending("refresh:session"))
	assert.False(t, b.sched.Pending("refresh:telemetry"))
}

func TestRunFailsTerminallyOnRejectedRefresh(t *testing.T) {
	store := statestore.NewMemStore()
	sessions := session.NewStore(store)
	// Stale session with a dead refresh grant, no credentials configured.
	require.NoError(t, sessions.SetSession(context.Background(), &session.Token{
		AccessToken: "stale", RefreshToken: "dead",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	b := newTestBridge(t, store)
	httpmock.RegisterResponder("POST", fordapi.FoundationalAPI+"/token/v2/cat-with-refresh-token",
		httpmock.NewStringResponder(401, `{"message":"refresh token invalid"}`))

	err := b.Run(context.Background())
	require.Error(t, err)

	conn, gerr := store.GetValue(context.Background(), PathConnection)
	require.NoError(t, gerr)
	assert.Equal(t, false, conn.Val)
}
