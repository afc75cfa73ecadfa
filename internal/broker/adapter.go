// Package broker drives broker construction for a session and enforces the
// create-or-attach protocol against the session registry.
//
// The [Factory] never holds the registry lock while it talks to an
// [Adapter]: every adapter call happens before or after a registry call,
// never inside one.
package broker

import (
	"context"

	"github.com/hpcgrid/sessionbroker/internal/session"
)

// Adapter constructs and notifies the broker behind a single session.
type Adapter interface {
	session.Broker

	// Create builds an interactive broker for sessionID.
	Create(ctx context.Context, info session.StartInfo, sessionID string) (session.InitResult, error)

	// CreateDurable builds a durable broker for sessionID.
	CreateDurable(ctx context.Context, info session.StartInfo, sessionID string) (session.InitResult, error)
}

// NewAdapterFunc returns an adapter bound to identity. attached is true when
// the broker is being recreated for a client that is reattaching.
type NewAdapterFunc func(identity session.Identity, attached bool) Adapter
