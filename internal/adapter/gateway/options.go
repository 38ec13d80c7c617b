package gateway

import (
	"time"

	"opsdeck/internal/domain"
)

// Defaults for Options.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 15 * time.Second
	DefaultRole             = "operator"
)

// DefaultScopes are requested when Options.Scopes is empty.
var DefaultScopes = []string{"operator.read", "operator.write"}

// Options configures a Client.
type Options struct {
	// Client identifies this consumer in the handshake.
	Client domain.ClientDescriptor
	Role   string
	Scopes []string

	// Token is sent as auth.token. When connecting through the proxy it is
	// usually empty; the proxy injects the real credential.
	Token string
	// Password is sent as auth.password and checked by the proxy against
	// its local secret. The proxy strips it before forwarding.
	Password string

	MinProtocol int
	MaxProtocol int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Backoff          Backoff
}

func (o Options) withDefaults() Options {
	if o.Role == "" {
		o.Role = DefaultRole
	}
	if len(o.Scopes) == 0 {
		o.Scopes = append([]string(nil), DefaultScopes...)
	}
	if o.MinProtocol <= 0 {
		o.MinProtocol = domain.ProtocolVersion
	}
	if o.MaxProtocol < o.MinProtocol {
		o.MaxProtocol = o.MinProtocol
	}
	if o.Client.ID == "" {
		o.Client.ID = "opsdeck"
	}
	if o.Client.Mode == "" {
		o.Client.Mode = "operator"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	o.Backoff = o.Backoff.withDefaults()
	return o
}

func (o Options) connectParams() domain.ConnectParams {
	return domain.ConnectParams{
		MinProtocol: o.MinProtocol,
		MaxProtocol: o.MaxProtocol,
		Client:      o.Client,
		Role:        o.Role,
		Scopes:      o.Scopes,
		Auth: domain.ConnectAuth{
			Token:    o.Token,
			Password: o.Password,
		},
	}
}
