// Package statussync is the polling path: it queries the vendor status
// endpoints for every known vehicle on a fixed interval, normalizes the
// responses and writes them leaf-by-leaf into the state tree.
package statussync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/internal/scheduler"
	"github.com/openfordpass/bridge/pkg/flatten"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/registry"
	"github.com/openfordpass/bridge/pkg/session"
	"github.com/openfordpass/bridge/pkg/statestore"
)

const (
	// MinInterval is the enforced poll interval floor.
	MinInterval = 30 * time.Second

	// DefaultVoltageThreshold gates force-wake and triggers the low-battery
	// warning.
	DefaultVoltageThreshold = 12.0

	// authRefreshDebounce collapses repeated 401s into one telemetry token
	// refresh request.
	authRefreshDebounce = 30 * time.Second

	// messagesMinInterval caps how often the account message center is read.
	messagesMinInterval = 20 * time.Minute
)

// Config tunes the polling engine.
type Config struct {
	Interval         time.Duration // floored to MinInterval
	ForceWake        bool          // send a wake command before each poll
	IgnoreLowVoltage bool          // wake even when the battery reads low
	VoltageThreshold float64       // zero means DefaultVoltageThreshold
}

func (c *Config) interval() time.Duration {
	if c.Interval < MinInterval {
		return MinInterval
	}
	return c.Interval
}

func (c *Config) threshold() float64 {
	if c.VoltageThreshold > 0 {
		return c.VoltageThreshold
	}
	return DefaultVoltageThreshold
}

// WakeFunc sends the force-wake command for one vehicle.
type WakeFunc func(ctx context.Context, vin string) error

// Engine polls the vendor status endpoints and maintains the per-endpoint
// ignore set. Endpoints answering 404 are never asked again for the lifetime
// of the process.
type Engine struct {
	cfg      Config
	api      *fordapi.Client
	sessions *session.Store
	store    statestore.Store
	flat     flatten.Flattener
	sched    *scheduler.Scheduler
	logger   zerolog.Logger

	// Wake is invoked before a poll when ForceWake is set; wired by the
	// bridge to the command dispatcher. Nil disables waking.
	Wake WakeFunc

	// OnAuthExpired requests a telemetry token refresh; invoked debounced
	// when polls answer 401.
	OnAuthExpired func()

	mu           sync.Mutex
	ignored      map[string]struct{}
	voltage      map[string]float64
	lastMessages time.Time
}

func New(cfg Config, api *fordapi.Client, sessions *session.Store, store statestore.Store, flat flatten.Flattener, sched *scheduler.Scheduler, logger zerolog.Logger) *Engine {
	if flat == nil {
		flat = flatten.Default{}
	}
	return &Engine{
		cfg:      cfg,
		api:      api,
		sessions: sessions,
		store:    store,
		flat:     flat,
		sched:    sched,
		logger:   logger.With().Str("component", "statussync").Logger(),
		ignored:  make(map[string]struct{}),
		voltage:  make(map[string]float64),
	}
}

// Interval returns the effective poll interval after flooring.
func (e *Engine) Interval() time.Duration {
	return e.cfg.interval()
}

// Start arms the periodic poll for the given vehicles. The first poll runs
// after one interval; callers wanting an immediate read call PollAll first.
func (e *Engine) Start(vehicles []*registry.Vehicle) {
	e.sched.Every("statussync:poll", e.cfg.interval(), func() {
		e.PollAll(context.Background(), vehicles)
	})
}

// PollAll runs one poll cycle over every vehicle plus the account message
// center. Per-vehicle failures are logged and do not abort the cycle.
func (e *Engine) PollAll(ctx context.Context, vehicles []*registry.Vehicle) {
	for _, v := range vehicles {
		if err := e.PollOnce(ctx, v); err != nil {
			e.logger.Warn().Err(err).Str("vin", v.VIN).Msg("poll failed")
		}
	}
	if err := e.pollMessages(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("message poll failed")
	}
}

// PollOnce reads the telemetry status document for one vehicle and publishes
// it. An optional force-wake command is sent first, gated on battery voltage.
func (e *Engine) PollOnce(ctx context.Context, v *registry.Vehicle) error {
	if e.isIgnored(v.VIN, "status") {
		return nil
	}
	if e.cfg.ForceWake {
		e.maybeWake(ctx, v.VIN)
	}

	tok := e.sessions.Telemetry()
	if tok == nil {
		return errors.New("statussync: no telemetry token")
	}
	url := fmt.Sprintf("%s/telemetry/sources/fordpass/vehicles/%s?lrdt=01-01-1970+00:00:00", fordapi.AutonomicAPI, v.VIN)
	body, err := e.api.Telemetry(ctx, "GET", url, tok.AccessToken, nil)
	if err != nil {
		return e.classify(v.VIN, "status", err)
	}

	doc, err := Normalize(body)
	if err != nil {
		e.logger.Info().Err(err).Str("vin", v.VIN).Msg("dropping status payload")
		return nil
	}
	return e.ApplyStatus(ctx, v.VIN, doc)
}

// ApplyStatus publishes a normalized status document under <vin>.status and
// updates the tracked battery voltage. The push channel feeds its payloads
// through here too.
func (e *Engine) ApplyStatus(ctx context.Context, vin string, doc map[string]any) error {
	for _, leaf := range e.flat.Flatten(vin+".status", doc) {
		if err := e.store.CreateIfAbsent(ctx, leaf.Path, statestore.KindState, statestore.Metadata{
			Name: leaf.Path, Type: flatten.TypeOf(leaf.Val),
		}); err != nil {
			return err
		}
		if err := e.store.SetValue(ctx, leaf.Path, leaf.Val, true); err != nil {
			return err
		}
	}
	e.trackVoltage(vin, doc)
	return nil
}

func (e *Engine) pollMessages(ctx context.Context) error {
	e.mu.Lock()
	due := time.Since(e.lastMessages) >= messagesMinInterval
	e.mu.Unlock()
	if !due || e.isIgnored("", "messages") {
		return nil
	}
	tok := e.sessions.Session()
	if tok == nil {
		return nil
	}
	body, err := e.api.VehicleCloud(ctx, "GET", fordapi.FoundationalAPI+"/messagecenter/v3/messages", tok.AccessToken, nil, nil)
	if err != nil {
		return e.classify("", "messages", err)
	}
	var doc struct {
		Result struct {
			Messages []map[string]any `json:"messages"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		e.logger.Info().Err(err).Msg("dropping message payload")
		return nil
	}
	e.mu.Lock()
	e.lastMessages = time.Now()
	e.mu.Unlock()

	for i, msg := range doc.Result.Messages {
		for _, leaf := range e.flat.Flatten(fmt.Sprintf("messages.%d", i), msg) {
			if err := e.store.CreateIfAbsent(ctx, leaf.Path, statestore.KindState, statestore.Metadata{
				Name: leaf.Path, Type: flatten.TypeOf(leaf.Val),
			}); err != nil {
				return err
			}
			if err := e.store.SetValue(ctx, leaf.Path, leaf.Val, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// classify applies the per-endpoint error policy: 404 puts the endpoint on
// the permanent ignore list, 401 schedules a debounced token refresh, 429 is
// skipped until the next cycle, everything else is surfaced to the caller.
func (e *Engine) classify(vin, endpoint string, err error) error {
	apiErr, ok := fordapi.AsError(err)
	if !ok {
		return err
	}
	switch {
	case apiErr.NotFound():
		e.mu.Lock()
		e.ignored[ignoreKey(vin, endpoint)] = struct{}{}
		e.mu.Unlock()
		e.logger.Warn().Str("vin", vin).Str("endpoint", endpoint).
			Msg("endpoint not available for this account, ignoring from now on")
		return nil
	case apiErr.Unauthorized():
		e.logger.Info().Str("vin", vin).Str("endpoint", endpoint).Msg("status poll unauthorized, scheduling token refresh")
		if e.OnAuthExpired != nil {
			e.sched.Once("statussync:auth-refresh", authRefreshDebounce, e.OnAuthExpired)
		}
		return nil
	case apiErr.RateLimited():
		e.logger.Info().Str("vin", vin).Str("endpoint", endpoint).Msg("rate limited, skipping until next cycle")
		return nil
	}
	return err
}

func (e *Engine) isIgnored(vin, endpoint string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ignored[ignoreKey(vin, endpoint)]
	return ok
}

func ignoreKey(vin, endpoint string) string {
	return vin + ":" + endpoint
}

// maybeWake sends the wake command unless the last known battery voltage is
// below the threshold. Waking a vehicle with a weak battery drains it
// further, so a low reading suppresses the wake until overridden.
func (e *Engine) maybeWake(ctx context.Context, vin string) {
	if e.Wake == nil {
		return
	}
	e.mu.Lock()
	voltage, known := e.voltage[vin]
	e.mu.Unlock()
	if known && voltage < e.cfg.threshold() && !e.cfg.IgnoreLowVoltage {
		e.logger.Warn().Str("vin", vin).Float64("voltage", voltage).
			Float64("threshold", e.cfg.threshold()).Msg("battery low, skipping force wake")
		return
	}
	if err := e.Wake(ctx, vin); err != nil {
		e.logger.Warn().Err(err).Str("vin", vin).Msg("force wake failed")
	}
}

// Voltage returns the last tracked battery voltage for a vehicle.
func (e *Engine) Voltage(vin string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.voltage[vin]
	return v, ok
}

func (e *Engine) trackVoltage(vin string, doc map[string]any) {
	metrics, _ := doc["metrics"].(map[string]any)
	battery, _ := metrics["batteryVoltage"].(map[string]any)
	value, ok := battery["value"].(float64)
	if !ok {
		return
	}
	e.mu.Lock()
	e.voltage[vin] = value
	e.mu.Unlock()
	if value < e.cfg.threshold() {
		e.logger.Warn().Str("vin", vin).Float64("voltage", value).
			Float64("threshold", e.cfg.threshold()).Msg("battery voltage low")
	}
}
