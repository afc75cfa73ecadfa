// Package session defines the identity and connection model shared by every
// compute session and every start or attach request.
//
// A [Session] is a tagged variant: [Kind] says whether it is interactive or
// durable and [InitResult] carries whatever the broker produced when it was
// created. Code that needs kind-specific behavior switches on Kind.
package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hpcgrid/sessionbroker/internal/errors"
)

// DebugSessionID is the reserved id of the singleton debug/in-process session.
// Resource providers must never issue it for anything else.
const DebugSessionID = "-1"

// IsDebugID reports whether id is the debug sentinel.
func IsDebugID(id string) bool {
	return id == DebugSessionID
}

// Kind is the durability kind of a session.
type Kind int

const (
	// KindInteractive sessions live as long as the client connection that created them.
	KindInteractive Kind = iota
	// KindDurable sessions survive client and broker restarts.
	KindDurable
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInteractive:
		return "interactive"
	case KindDurable:
		return "durable"
	default:
		return "unknown"
	}
}

// ParseKind converts "interactive" or "durable" (any case) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interactive", "":
		return KindInteractive, nil
	case "durable":
		return KindDurable, nil
	default:
		return KindInteractive, errors.NewValidationError("kind", s, "must be interactive or durable")
	}
}

// KindOf returns KindDurable when durable is set.
func KindOf(durable bool) Kind {
	if durable {
		return KindDurable
	}
	return KindInteractive
}

// Transport is the wire scheme a client uses to reach the broker.
type Transport string

const (
	TransportNetTCP  Transport = "net.tcp"
	TransportHTTP    Transport = "http"
	TransportHTTPS   Transport = "https"
	TransportNetHTTP Transport = "nethttp"
	TransportCustom  Transport = "custom"
)

// ValidTransports returns every supported transport scheme.
func ValidTransports() []Transport {
	return []Transport{TransportNetTCP, TransportHTTP, TransportHTTPS, TransportNetHTTP, TransportCustom}
}

// DefaultPort returns the broker port conventionally used for the transport.
func (t Transport) DefaultPort() int {
	switch t {
	case TransportHTTP:
		return 80
	case TransportHTTPS, TransportNetHTTP:
		return 443
	default:
		return 9091
	}
}

// Endpoint formats the broker endpoint for sessionID on headNode. An empty
// transport is treated as net.tcp.
func (t Transport) Endpoint(headNode, sessionID string) string {
	if t == "" {
		t = TransportNetTCP
	}
	scheme := string(t)
	if t == TransportNetHTTP {
		scheme = string(TransportHTTPS)
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, headNode, t.DefaultPort(), sessionID)
}

// Identity is the immutable attribute set carried by every start and attach
// request.
type Identity struct {
	Transport      Transport     `json:"transport" yaml:"transport"`
	HeadNode       string        `json:"head_node" yaml:"head_node"`
	Username       string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string        `json:"-" yaml:"-"`
	UseAAD         bool          `json:"use_aad,omitempty" yaml:"use_aad,omitempty"`
	LocalUser      bool          `json:"local_user,omitempty" yaml:"local_user,omitempty"`
	ServiceVersion string        `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	Durable        bool          `json:"durable" yaml:"durable"`
	Debug          bool          `json:"debug" yaml:"debug"`
	TargetTimeout  time.Duration `json:"target_timeout" yaml:"target_timeout"`
}

// Kind returns the durability kind the identity requests.
func (i Identity) Kind() Kind {
	return KindOf(i.Durable)
}

// Validate checks the identity for fields every broker adapter relies on.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.HeadNode) == "" {
		return errors.NewValidationError("head_node", i.HeadNode, "must not be empty")
	}
	if i.Transport != "" && !slices.Contains(ValidTransports(), i.Transport) {
		return errors.NewValidationError("transport", i.Transport, "unsupported transport scheme")
	}
	if i.TargetTimeout < 0 {
		return errors.NewValidationError("target_timeout", i.TargetTimeout, "must not be negative")
	}
	if i.UseAAD && i.LocalUser {
		return errors.NewValidationError("use_aad", i.UseAAD, "cannot be combined with local_user")
	}
	return nil
}

// WithTimeout derives a context bounded by the identity's target timeout.
// A zero timeout leaves ctx unbounded.
func (i Identity) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.TargetTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.TargetTimeout)
}

// StartInfo is a request to create a new session.
type StartInfo struct {
	Identity    `yaml:",inline"`
	ServiceName string            `json:"service_name" yaml:"service_name"`
	MinUnits    int               `json:"min_units,omitempty" yaml:"min_units,omitempty"`
	MaxUnits    int               `json:"max_units,omitempty" yaml:"max_units,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Validate checks the start request.
func (s StartInfo) Validate() error {
	if err := s.Identity.Validate(); err != nil {
		return err
	}
	if s.MinUnits < 0 || s.MaxUnits < 0 {
		return errors.NewValidationError("units", fmt.Sprintf("%d-%d", s.MinUnits, s.MaxUnits), "must not be negative")
	}
	if s.MaxUnits > 0 && s.MinUnits > s.MaxUnits {
		return errors.NewValidationError("min_units", s.MinUnits, "must not exceed max_units")
	}
	return nil
}

// AttachInfo is a request to reconnect to an existing session.
type AttachInfo struct {
	Identity  `yaml:",inline"`
	SessionID string `json:"session_id" yaml:"session_id"`
}

// Validate checks the attach request.
func (a AttachInfo) Validate() error {
	if a.SessionID == "" {
		return errors.NewValidationError("session_id", a.SessionID, "must not be empty")
	}
	return a.Identity.Validate()
}

// InitResult is what a broker adapter produces when it constructs a broker.
type InitResult struct {
	Endpoints      []string  `json:"endpoints" yaml:"endpoints"`
	Durable        bool      `json:"durable" yaml:"durable"`
	ServiceVersion string    `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	Attached       bool      `json:"attached" yaml:"attached"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// Broker is the part of a broker adapter a registered session keeps a
// reference to.
type Broker interface {
	// Attach tells the broker that a new client attached to sessionID.
	Attach(ctx context.Context, sessionID string) error
}

// Session is a live session owned by the registry once registered.
type Session struct {
	ID     string
	Kind   Kind
	Broker Broker
	Info   InitResult
}

// IsDebug reports whether this is the singleton debug session.
func (s *Session) IsDebug() bool {
	return IsDebugID(s.ID)
}

// ResourceInfo describes the cluster resources allocated to a session.
type ResourceInfo struct {
	SessionID      string    `json:"session_id" yaml:"session_id"`
	Kind           Kind      `json:"kind" yaml:"kind"`
	Endpoints      []string  `json:"endpoints" yaml:"endpoints"`
	ServiceVersion string    `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	AllocatedAt    time.Time `json:"allocated_at" yaml:"allocated_at"`
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
