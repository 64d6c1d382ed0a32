package proto

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the placeholder client until a real
// protocol implementation is wired in.
var ErrNotConfigured = errors.New("protocol client not configured")

// Unconfigured is the default Client. The daemon starts and serves operator
// commands with it, but every protocol call fails with ErrNotConfigured.
// Deployments plug an MTProto-backed implementation in via the app options.
type Unconfigured struct{}

func (Unconfigured) Connect(context.Context, Credentials) (Handle, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) Execute(context.Context, Handle, Call) error {
	return ErrNotConfigured
}

func (Unconfigured) PollBroadcast(context.Context, string) (BroadcastState, error) {
	return BroadcastState{}, ErrNotConfigured
}
