// Package registry discovers the vehicles on the authenticated account and
// materializes their device, channel and command-state placeholders in the
// external state tree.
package registry

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/pkg/flatten"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/statestore"
)

// Vehicle identity plus the capability flags discovery could derive. Identity
// is immutable after discovery; the other components reference vehicles by
// pointer and never copy or re-derive them.
type Vehicle struct {
	VIN                 string
	Nickname            string
	EngineType          string
	SupportsRemoteStart bool
	SupportsCharge      bool
}

// Registry performs account vehicle discovery.
type Registry struct {
	api    *fordapi.Client
	store  statestore.Store
	flat   flatten.Flattener
	logger zerolog.Logger
}

func New(api *fordapi.Client, store statestore.Store, flat flatten.Flattener, logger zerolog.Logger) *Registry {
	if flat == nil {
		flat = flatten.Default{}
	}
	return &Registry{
		api:    api,
		store:  store,
		flat:   flat,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

type dashboardResponse struct {
	UserVehicles struct {
		VehicleDetails []struct {
			VIN      string `json:"VIN"`
			NickName string `json:"nickName"`
		} `json:"vehicleDetails"`
	} `json:"userVehicles"`
	VehicleProfile      []map[string]any `json:"vehicleProfile"`
	VehicleCapabilities []map[string]any `json:"vehicleCapabilities"`
}

// commandStates are the writable per-vehicle paths under <vin>.remote that
// form the command input surface.
var commandStates = []struct {
	id   string
	name string
	typ  string
}{
	{"doors/lock", "true locks, false unlocks", "boolean"},
	{"engine/start", "true starts, false stops the engine remotely", "boolean"},
	{"charge", "START, CANCEL or PAUSE", "string"},
	{"status", "true requests a vehicle status update", "boolean"},
	{"refresh", "true re-reads cached status without waking the vehicle", "boolean"},
}

// Discover posts the dashboard details request, extracts every vehicle on the
// account and creates its placeholder tree. Re-running discovery on a known
// vehicle is a no-op toward the store; values written by earlier syncs
// survive.
func (r *Registry) Discover(ctx context.Context, authToken string) ([]*Vehicle, error) {
	body, err := r.api.VehicleCloud(ctx, "POST", fordapi.VehicleAPI+"/expdashboard/v1/details/",
		authToken, map[string]string{"dashboardRefreshRequest": "All"}, nil)
	if err != nil {
		return nil, err
	}
	var dash dashboardResponse
	if err := json.Unmarshal(body, &dash); err != nil {
		return nil, &fordapi.Error{URL: fordapi.VehicleAPI + "/expdashboard/v1/details/", Err: err}
	}

	profiles := indexByVIN(dash.VehicleProfile)
	capabilities := indexByVIN(dash.VehicleCapabilities)

	vehicles := make([]*Vehicle, 0, len(dash.UserVehicles.VehicleDetails))
	for _, detail := range dash.UserVehicles.VehicleDetails {
		if detail.VIN == "" {
			continue
		}
		v := &Vehicle{VIN: detail.VIN, Nickname: detail.NickName}
		if profile := profiles[v.VIN]; profile != nil {
			v.EngineType, _ = profile["engineType"].(string)
		}
		if caps := capabilities[v.VIN]; caps != nil {
			v.SupportsRemoteStart = capabilitySupported(caps["remoteStart"])
			v.SupportsCharge = v.EngineType == "BEV" || v.EngineType == "PHEV"
		}
		if err := r.materialize(ctx, v, profiles[v.VIN], capabilities[v.VIN]); err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	r.logger.Info().Int("vehicles", len(vehicles)).Msg("discovery complete")
	return vehicles, nil
}

func (r *Registry) materialize(ctx context.Context, v *Vehicle, profile, caps map[string]any) error {
	if err := r.store.CreateIfAbsent(ctx, v.VIN, statestore.KindDevice, statestore.Metadata{Name: v.Nickname}); err != nil {
		return err
	}
	channels := []struct{ id, name string }{
		{"remote", "Remote Controls"},
		{"general", "General Car Information"},
		{"capabilities", "Vehicle Capabilities"},
	}
	for _, ch := range channels {
		if err := r.store.CreateIfAbsent(ctx, v.VIN+"."+ch.id, statestore.KindChannel, statestore.Metadata{Name: ch.name}); err != nil {
			return err
		}
	}
	for _, cmd := range commandStates {
		path := v.VIN + ".remote." + cmd.id
		if err := r.store.CreateIfAbsent(ctx, path, statestore.KindState, statestore.Metadata{
			Name: cmd.name, Type: cmd.typ, Writable: true,
		}); err != nil {
			return err
		}
	}
	if err := r.writeTree(ctx, v.VIN+".general", profile); err != nil {
		return err
	}
	return r.writeTree(ctx, v.VIN+".capabilities", caps)
}

func (r *Registry) writeTree(ctx context.Context, prefix string, doc map[string]any) error {
	if doc == nil {
		return nil
	}
	for _, leaf := range r.flat.Flatten(prefix, doc) {
		if err := r.store.CreateIfAbsent(ctx, leaf.Path, statestore.KindState, statestore.Metadata{
			Name: leaf.Path, Type: flatten.TypeOf(leaf.Val),
		}); err != nil {
			return err
		}
		if err := r.store.SetValue(ctx, leaf.Path, leaf.Val, true); err != nil {
			return err
		}
	}
	return nil
}

func indexByVIN(entries []map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		if vin, ok := e["VIN"].(string); ok && vin != "" {
			out[vin] = e
		}
	}
	return out
}

// The capability field is either a bool or a display-mode string.
func capabilitySupported(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "Display" || t == "DISPLAY"
	}
	return false
}
