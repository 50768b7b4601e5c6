// Package command translates user intent written to the remote-control
// states into the correct outbound vendor request. Three surfaces exist: the
// Autonomic generic command endpoint, the vehicle-cloud electrification
// endpoint, and the local refresh pseudo-command that never leaves the
// process.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/internal/scheduler"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
)

// resyncDelay is how long after a dispatched command the status re-sync
// fires. Rapid command sequences re-arm the timer instead of stacking runs.
const resyncDelay = 10 * time.Second

// ErrUnknownCommand is returned for writes to paths the dispatcher does not
// route.
var ErrUnknownCommand = errors.New("command: unknown command")

// ErrNoSession is returned when no usable token exists for the required
// surface.
var ErrNoSession = errors.New("command: no valid token for command surface")

// Command state ids under <vin>.remote.
const (
	CmdDoorsLock   = "doors/lock"
	CmdEngineStart = "engine/start"
	CmdCharge      = "charge"
	CmdStatus      = "status"
	CmdRefresh     = "refresh"
)

var chargeKeywords = map[string]bool{"START": true, "CANCEL": true, "PAUSE": true}

// Dispatcher routes commands and arms the debounced post-command re-sync.
type Dispatcher struct {
	api      *fordapi.Client
	sessions *session.Store
	sched    *scheduler.Scheduler
	logger   zerolog.Logger

	// Resync re-reads one vehicle's status; wired to the sync engine by the
	// bridge.
	Resync func(vin string)
}

func NewDispatcher(api *fordapi.Client, sessions *session.Store, sched *scheduler.Scheduler, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		api:      api,
		sessions: sessions,
		sched:    sched,
		logger:   logger.With().Str("component", "command").Logger(),
	}
}

// Execute dispatches one user command. The boolean intent selects between
// the paired command types (lock/unlock, start/stop). Real commands arm a
// delayed re-sync to observe their effect; the refresh pseudo-command
// triggers the re-sync directly and calls no vendor endpoint.
func (d *Dispatcher) Execute(ctx context.Context, vin, cmd string, value any) error {
	d.logger.Info().Str("vin", vin).Str("command", cmd).Interface("value", value).Msg("dispatching command")
	switch cmd {
	case CmdDoorsLock:
		typ := "unlock"
		if asBool(value) {
			typ = "lock"
		}
		return d.dispatchAutonomic(ctx, vin, typ)
	case CmdEngineStart:
		typ := "cancelRemoteStart"
		if asBool(value) {
			typ = "remoteStart"
		}
		return d.dispatchAutonomic(ctx, vin, typ)
	case CmdStatus:
		return d.dispatchAutonomic(ctx, vin, "statusRefresh")
	case CmdCharge:
		keyword, _ := value.(string)
		return d.dispatchCharge(ctx, vin, strings.ToUpper(keyword))
	case CmdRefresh:
		if d.Resync != nil {
			d.Resync(vin)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// StatusRefresh sends the wake command; the sync engine uses this before a
// forced poll.
func (d *Dispatcher) StatusRefresh(ctx context.Context, vin string) error {
	return d.dispatchAutonomic(ctx, vin, "statusRefresh")
}

func (d *Dispatcher) dispatchAutonomic(ctx context.Context, vin, typ string) error {
	tok := d.sessions.Telemetry()
	if !tok.Valid(0) {
		return ErrNoSession
	}
	body := map[string]any{
		"type":       typ,
		"properties": map[string]any{},
		"tags":       map[string]any{},
		"wakeUp":     true,
	}
	url := fordapi.AutonomicAPI + "/command/vehicles/" + vin + "/commands"
	if _, err := d.api.Telemetry(ctx, http.MethodPost, url, tok.AccessToken, body); err != nil {
		return err
	}
	d.armResync(vin)
	return nil
}

func (d *Dispatcher) dispatchCharge(ctx context.Context, vin, keyword string) error {
	if !chargeKeywords[keyword] {
		return fmt.Errorf("%w: charge keyword %q", ErrUnknownCommand, keyword)
	}
	tok := d.sessions.Session()
	if !tok.Valid(0) {
		return ErrNoSession
	}
	url := fordapi.VehicleAPI + "/electrification/experiences/v1/vehicles/" + vin + "/global-charge-command/" + keyword
	extra := http.Header{"vin": []string{vin}}
	if _, err := d.api.VehicleCloud(ctx, http.MethodPost, url, tok.AccessToken, nil, extra); err != nil {
		return err
	}
	d.armResync(vin)
	return nil
}

func (d *Dispatcher) armResync(vin string) {
	if d.Resync == nil {
		return
	}
	d.sched.Once("command:resync:"+vin, resyncDelay, func() {
		d.Resync(vin)
	})
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	case float64:
		return t != 0
	}
	return false
}
