package statussync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfordpass/bridge/internal/scheduler"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/registry"
	"github.com/openfordpass/bridge/pkg/session"
	"github.com/openfordpass/bridge/pkg/statestore"
)

const testVIN = "WF0TESTVIN0000001"

const statusBody = `{
	"metrics": {
		"batteryVoltage": {"value": 12.4, "updateTime": "2024-01-01T00:00:00Z"},
		"ignitionStatus": {"value": "OFF"}
	}
}`

type syncFixture struct {
	engine *Engine
	store  *statestore.MemStore
	sched  *scheduler.Scheduler
}

func newSyncFixture(t *testing.T, cfg Config) *syncFixture {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	api := fordapi.NewClient(fordapi.Config{ApplicationID: "test-app", Locale: "de-DE", CountryCode: "DEU"}, zerolog.Nop())
	api.SetHTTPClient(client)

	store := statestore.NewMemStore()
	sessions := session.NewStore(store)
	require.NoError(t, sessions.SetSession(context.Background(), &session.Token{
		AccessToken: "session-token", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, sessions.SetTelemetry(context.Background(), &session.Token{
		AccessToken: "telemetry-token", ExpiresAt: time.Now().Add(time.Hour),
	}))

	sched := scheduler.New(zerolog.Nop())
	t.Cleanup(sched.Shutdown)
	return &syncFixture{
		engine: New(cfg, api, sessions, store, nil, sched, zerolog.Nop()),
		store:  store,
		sched:  sched,
	}
}

func vehicle() *registry.Vehicle {
	return &registry.Vehicle{VIN: testVIN, Nickname: "Kuga"}
}

func TestPollOncePublishesStatus(t *testing.T) {
	f := newSyncFixture(t, Config{})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(200, statusBody))

	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))

	v, err := f.store.GetValue(context.Background(), testVIN+".status.metrics.batteryVoltage.value")
	require.NoError(t, err)
	assert.Equal(t, 12.4, v.Val)
	assert.True(t, v.Ack)

	voltage, ok := f.engine.Voltage(testVIN)
	require.True(t, ok)
	assert.Equal(t, 12.4, voltage)
}

func TestNotFoundEntersPermanentIgnoreSet(t *testing.T) {
	f := newSyncFixture(t, Config{})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(404, `{}`))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	}
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "one 404 must stop all further requests")
}

func TestUnauthorizedSchedulesDebouncedRefresh(t *testing.T) {
	f := newSyncFixture(t, Config{})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(401, `{}`))

	refreshes := 0
	f.engine.OnAuthExpired = func() { refreshes++ }

	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))

	assert.True(t, f.sched.Pending("statussync:auth-refresh"))
	assert.Equal(t, 0, refreshes, "refresh must wait for the debounce delay")
}

func TestRateLimitedSkipsCycle(t *testing.T) {
	f := newSyncFixture(t, Config{})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(429, `{}`))

	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	assert.Equal(t, 2, httpmock.GetTotalCallCount(), "429 must not enter the ignore set")
}

func TestForceWakeGatedOnVoltage(t *testing.T) {
	f := newSyncFixture(t, Config{ForceWake: true})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(200, statusBody))

	var woke int
	f.engine.Wake = func(ctx context.Context, vin string) error {
		woke++
		return nil
	}

	require.NoError(t, f.engine.ApplyStatus(context.Background(), testVIN, map[string]any{
		"metrics": map[string]any{"batteryVoltage": map[string]any{"value": 11.9}},
	}))
	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	assert.Equal(t, 0, woke, "low voltage must suppress force wake")

	require.NoError(t, f.engine.ApplyStatus(context.Background(), testVIN, map[string]any{
		"metrics": map[string]any{"batteryVoltage": map[string]any{"value": 12.5}},
	}))
	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	assert.Equal(t, 1, woke, "healthy voltage must allow force wake")
}

func TestForceWakeOverrideIgnoresVoltage(t *testing.T) {
	f := newSyncFixture(t, Config{ForceWake: true, IgnoreLowVoltage: true})
	httpmock.RegisterResponder("GET", `=~telemetry/sources/fordpass/vehicles/`,
		httpmock.NewStringResponder(200, statusBody))

	var woke int
	f.engine.Wake = func(ctx context.Context, vin string) error {
		woke++
		return nil
	}
	require.NoError(t, f.engine.ApplyStatus(context.Background(), testVIN, map[string]any{
		"metrics": map[string]any{"batteryVoltage": map[string]any{"value": 11.0}},
	}))
	require.NoError(t, f.engine.PollOnce(context.Background(), vehicle()))
	assert.Equal(t, 1, woke)
}

func TestIntervalFloor(t *testing.T) {
	f := newSyncFixture(t, Config{Interval: 5 * time.Second})
	assert.Equal(t, MinInterval, f.engine.Interval())
}
