// Package statestore defines the hierarchical device/channel/state tree the
// bridge publishes into. Paths are dot-separated, e.g.
// "WF0ABCDEF123456789.remote.doors/lock". The bridge only depends on the
// Store interface; the host platform supplies its own implementation.
package statestore

import (
	"context"
	"errors"
)

// Kind describes what a tree node represents.
type Kind string

const (
	KindDevice  Kind = "device"
	KindChannel Kind = "channel"
	KindState   Kind = "state"
)

// Metadata carries display and access hints for a node. Only meaningful for
// KindState nodes except for Name.
type Metadata struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"` // "boolean", "number", "string", "json"
	Writable bool   `json:"writable,omitempty"`
}

// Value is a state value together with its acknowledgement flag. A
// non-acknowledged write expresses user intent; an acknowledged write is the
// bridge confirming what the backend reported.
type Value struct {
	Val any  `json:"val"`
	Ack bool `json:"ack"`
}

// ErrNotFound is returned by GetValue for absent paths.
var ErrNotFound = errors.New("statestore: path not found")

// Store is the external state tree collaborator.
//
// CreateIfAbsent must be idempotent: creating an existing path is a no-op and
// must not clobber its value. SetValue on a path that was never created is
// allowed and creates an implicit state node.
type Store interface {
	CreateIfAbsent(ctx context.Context, path string, kind Kind, meta Metadata) error
	SetValue(ctx context.Context, path string, val any, ack bool) error
	GetValue(ctx context.Context, path string) (Value, error)
	DeleteSubtree(ctx context.Context, path string) error

	// Subscribe delivers every SetValue applied under prefix. The returned
	// cancel function stops delivery. Implementations may drop events if the
	// subscriber falls behind.
	Subscribe(ctx context.Context, prefix string, fn func(path string, v Value)) (cancel func(), err error)
}
