// Package bridge owns the whole adapter: token lifecycles, discovery, the
// poll and push paths and the command input surface. One Bridge serves one
// FordPass account against one state tree.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/internal/scheduler"
	"github.com/openfordpass/bridge/pkg/auth"
	"github.com/openfordpass/bridge/pkg/command"
	"github.com/openfordpass/bridge/pkg/flatten"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/push"
	"github.com/openfordpass/bridge/pkg/registry"
	"github.com/openfordpass/bridge/pkg/session"
	"github.com/openfordpass/bridge/pkg/statestore"
	"github.com/openfordpass/bridge/pkg/statussync"
)

// PathConnection is the connectivity flag; it reflects session validity, not
// vehicle reachability.
const PathConnection = "info.connection"

// sessionMargin is the validity margin applied when deciding whether a
// restored session can be used without refreshing first.
const sessionMargin = 60 * time.Second

// Config assembles the per-deployment settings of all components.
type Config struct {
	Auth auth.Config
	API  fordapi.Config
	Sync statussync.Config

	// DisablePush turns the per-vehicle socket off; polling still runs.
	DisablePush bool
}

// Bridge wires all components and drives their lifecycle.
type Bridge struct {
	cfg    Config
	logger zerolog.Logger

	store      statestore.Store
	api        *fordapi.Client
	sessions   *session.Store
	flow       *auth.Flow
	sched      *scheduler.Scheduler
	reg        *registry.Registry
	sync       *statussync.Engine
	dispatcher *command.Dispatcher

	sessionRefresher   *scheduler.Refresher
	telemetryRefresher *scheduler.Refresher

	vehicles    []*registry.Vehicle
	channels    map[string]*push.Channel
	unsubscribe []func()
}

func New(cfg Config, store statestore.Store, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		store:    store,
		channels: make(map[string]*push.Channel),
	}
	b.api = fordapi.NewClient(cfg.API, logger)
	b.sessions = session.NewStore(store)
	b.flow = auth.NewFlow(cfg.Auth, b.api, b.sessions, logger)
	b.sched = scheduler.New(logger)
	b.reg = registry.New(b.api, store, flatten.Default{}, logger)
	b.sync = statussync.New(cfg.Sync, b.api, b.sessions, store, flatten.Default{}, b.sched, logger)
	b.dispatcher = command.NewDispatcher(b.api, b.sessions, b.sched, logger)

	b.sessionRefresher = scheduler.NewRefresher("session", scheduler.RefresherOptions{},
		b.sched, b.refreshSession, auth.IsTerminal, b.onTerminal, logger)
	b.telemetryRefresher = scheduler.NewRefresher("telemetry", scheduler.RefresherOptions{},
		b.sched, b.refreshTelemetry, auth.IsTerminal, b.onTerminal, logger)

	b.sync.Wake = b.dispatcher.StatusRefresh
	b.sync.OnAuthExpired = func() {
		if err := b.telemetryRefresher.RequestRefresh(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("telemetry refresh after 401 failed")
		}
	}
	b.dispatcher.Resync = b.resync
	return b
}

// Run brings the bridge up: restore or obtain tokens, discover vehicles,
// start the poll and push paths and watch the command states. It returns
// once everything is running; Shutdown tears it down.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.materializeInfo(ctx); err != nil {
		return err
	}
	if err := b.ensureSession(ctx); err != nil {
		b.setConnection(ctx, false)
		return err
	}
	if err := b.ensureTelemetry(ctx); err != nil {
		b.setConnection(ctx, false)
		return err
	}
	b.setConnection(ctx, true)

	b.sessionRefresher.TokenUpdated(b.sessions.Session().ExpiresAt)
	b.telemetryRefresher.TokenUpdated(b.sessions.Telemetry().ExpiresAt)

	vehicles, err := b.reg.Discover(ctx, b.sessions.Session().AccessToken)
	if err != nil {
		b.failRun(ctx)
		return fmt.Errorf("bridge: discovery: %w", err)
	}
	b.vehicles = vehicles

	b.sync.PollAll(ctx, vehicles)
	b.sync.Start(vehicles)

	for _, v := range vehicles {
		if err := b.watchCommands(ctx, v.VIN); err != nil {
			b.failRun(ctx)
			return err
		}
		if b.cfg.DisablePush {
			continue
		}
		ch := push.NewChannel(v.VIN, b.cfg.API.ApplicationID, b.sessions, b.sched, b.logger)
		ch.OnMessage = b.onPushMessage
		ch.RefreshToken = b.telemetryRefresher.RequestRefresh
		b.channels[v.VIN] = ch
		if err := ch.Connect(ctx); err != nil {
			b.logger.Warn().Err(err).Str("vin", v.VIN).Msg("push connect failed, reconnect scheduled")
		}
	}

	b.logger.Info().Int("vehicles", len(vehicles)).Msg("bridge running")
	return nil
}

// failRun undoes a partial Run: the connectivity flag goes back down and the
// armed refresh and poll tasks are cancelled, so a caller can retry with a
// fresh Bridge over the same store.
func (b *Bridge) failRun(ctx context.Context) {
	b.setConnection(ctx, false)
	for _, cancel := range b.unsubscribe {
		cancel()
	}
	b.unsubscribe = nil
	b.sched.Shutdown()
}

// Shutdown stops everything: connectivity flag first, then tasks, then the
// push sockets. Tokens stay persisted for the next start.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.setConnection(ctx, false)
	for _, cancel := range b.unsubscribe {
		cancel()
	}
	b.unsubscribe = nil
	for _, ch := range b.channels {
		ch.Shutdown()
	}
	b.sched.Shutdown()
	b.logger.Info().Msg("bridge stopped")
}

func (b *Bridge) materializeInfo(ctx context.Context) error {
	if err := b.store.CreateIfAbsent(ctx, "info", statestore.KindChannel, statestore.Metadata{Name: "Bridge Information"}); err != nil {
		return err
	}
	states := []struct{ path, name, typ string }{
		{PathConnection, "Connected to FordPass", "boolean"},
		{session.PathSessionBlob, "Persisted session tokens", "string"},
		{session.PathPKCEVerifier, "Pending login verifier", "string"},
	}
	for _, st := range states {
		if err := b.store.CreateIfAbsent(ctx, st.path, statestore.KindState, statestore.Metadata{Name: st.name, Type: st.typ}); err != nil {
			return err
		}
	}
	return nil
}

// ensureSession restores the persisted session, refreshes it when stale and
// falls back to the interactive login when nothing usable remains.
func (b *Bridge) ensureSession(ctx context.Context) error {
	if err := b.sessions.Restore(ctx); err != nil {
		return err
	}
	sess := b.sessions.Session()
	if sess.Valid(sessionMargin) {
		b.logger.Info().Msg("restored persisted session")
		return nil
	}
	if sess != nil && sess.RefreshToken != "" {
		fresh, err := b.flow.Refresh(ctx, sess)
		if err == nil {
			b.logger.Info().Msg("refreshed persisted session")
			return b.sessions.SetSession(ctx, fresh)
		}
		b.logger.Warn().Err(err).Msg("persisted session refresh failed, falling back to login")
	}
	if b.cfg.Auth.Username == "" {
		return fmt.Errorf("bridge: no session and no credentials configured")
	}
	fresh, err := b.flow.Login(ctx)
	if err != nil {
		return err
	}
	b.logger.Info().Msg("interactive login succeeded")
	return b.sessions.SetSession(ctx, fresh)
}

func (b *Bridge) ensureTelemetry(ctx context.Context) error {
	if b.sessions.Telemetry().Valid(sessionMargin) {
		return nil
	}
	tok, err := b.flow.ExchangeTelemetryToken(ctx, b.sessions.Session())
	if err != nil {
		return err
	}
	return b.sessions.SetTelemetry(ctx, tok)
}

func (b *Bridge) refreshSession(ctx context.Context) (time.Time, error) {
	fresh, err := b.flow.Refresh(ctx, b.sessions.Session())
	if err != nil {
		return time.Time{}, err
	}
	if err := b.sessions.SetSession(ctx, fresh); err != nil {
		return time.Time{}, err
	}
	b.setConnection(ctx, true)
	return fresh.ExpiresAt, nil
}

func (b *Bridge) refreshTelemetry(ctx context.Context) (time.Time, error) {
	fresh, err := b.flow.ExchangeTelemetryToken(ctx, b.sessions.Session())
	if err != nil {
		return time.Time{}, err
	}
	if err := b.sessions.SetTelemetry(ctx, fresh); err != nil {
		return time.Time{}, err
	}
	return fresh.ExpiresAt, nil
}

// onTerminal runs when a refresh grant is confirmed dead: connectivity goes
// false, the stored tokens are dropped and the operator must log in again.
func (b *Bridge) onTerminal() {
	ctx := context.Background()
	b.setConnection(ctx, false)
	if err := b.sessions.Invalidate(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("could not invalidate persisted session")
	}
	b.logger.Error().Msg("authentication permanently lost, re-authentication required")
}

func (b *Bridge) setConnection(ctx context.Context, up bool) {
	if err := b.store.SetValue(ctx, PathConnection, up, true); err != nil {
		b.logger.Warn().Err(err).Msg("could not update connection flag")
	}
}

// watchCommands subscribes to the vehicle's remote-control states. Only
// non-acknowledged writes are commands; acknowledged writes are the bridge's
// own confirmations echoing back.
func (b *Bridge) watchCommands(ctx context.Context, vin string) error {
	prefix := vin + ".remote."
	cancel, err := b.store.Subscribe(ctx, prefix, func(path string, v statestore.Value) {
		if v.Ack {
			return
		}
		cmd := strings.TrimPrefix(path, prefix)
		go func() {
			cctx, done := context.WithTimeout(context.Background(), 90*time.Second)
			defer done()
			if err := b.dispatcher.Execute(cctx, vin, cmd, v.Val); err != nil {
				b.logger.Warn().Err(err).Str("vin", vin).Str("command", cmd).Msg("command failed")
				return
			}
			// Confirm the intent back as an acknowledged write.
			if err := b.store.SetValue(cctx, path, v.Val, true); err != nil {
				b.logger.Warn().Err(err).Str("path", path).Msg("could not acknowledge command")
			}
		}()
	})
	if err != nil {
		return err
	}
	b.unsubscribe = append(b.unsubscribe, cancel)
	return nil
}

func (b *Bridge) onPushMessage(vin string, raw []byte) {
	doc, err := statussync.Normalize(raw)
	if err != nil {
		b.logger.Info().Err(err).Str("vin", vin).Msg("dropping push payload")
		return
	}
	if err := b.sync.ApplyStatus(context.Background(), vin, doc); err != nil {
		b.logger.Warn().Err(err).Str("vin", vin).Msg("could not apply push status")
	}
}

func (b *Bridge) resync(vin string) {
	for _, v := range b.vehicles {
		if v.VIN == vin {
			go func(v *registry.Vehicle) {
				ctx, done := context.WithTimeout(context.Background(), 90*time.Second)
				defer done()
				if err := b.sync.PollOnce(ctx, v); err != nil {
					b.logger.Warn().Err(err).Str("vin", v.VIN).Msg("re-sync failed")
				}
			}(v)
			return
		}
	}
}

// Vehicles returns the discovered vehicle set.
func (b *Bridge) Vehicles() []*registry.Vehicle {
	return b.vehicles
}

// Dispatcher exposes the command dispatcher, mainly for the CLI entry point.
func (b *Bridge) Dispatcher() *command.Dispatcher {
	return b.dispatcher
}

// API exposes the vendor client; tests swap its transport.
func (b *Bridge) API() *fordapi.Client {
	return b.api
}
